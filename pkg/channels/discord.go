package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/bwmarrin/discordgo"
	"github.com/dotsetgreg/priya/pkg/bus"
	"github.com/dotsetgreg/priya/pkg/config"
	"github.com/dotsetgreg/priya/pkg/logger"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second
	messageLimit          = 1500
)

const discordIntents = discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsMessageContent

// discordAPI is the REST surface Send needs; *discordgo.Session has it.
type discordAPI interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

type DiscordChannel struct {
	*BaseChannel
	session  *discordgo.Session
	api      discordAPI
	typing   map[string]*typingSession
	typingMu sync.Mutex
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, mb *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordIntents

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", mb, cfg.AllowFrom),
		session:     session,
		api:         session,
		typing:      make(map[string]*typingSession),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(c.handleVoiceState)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	c.stopAllTyping()

	if c.session == nil {
		return nil
	}
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

// Send shows typing for the reply's pacing delay, then posts it in
// chunks. The first chunk replies to the triggering message.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}

	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	if msg.ShowTyping && msg.DelayMS > 0 {
		if err := c.pace(ctx, channelID, time.Duration(msg.DelayMS)*time.Millisecond); err != nil {
			return err
		}
	}

	for i, chunk := range splitMessage(msg.Content, messageLimit) {
		var ref *discordgo.MessageReference
		if i == 0 && msg.ReplyTo != "" {
			ref = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channelID}
		}
		if err := c.sendChunk(ctx, channelID, chunk, ref); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) pace(ctx context.Context, channelID string, delay time.Duration) error {
	c.beginTyping(channelID)
	defer c.endTyping(channelID)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitMessage cuts content into chunks of at most limit runes, breaking
// at the latest natural boundary in the back half of each window.
func splitMessage(content string, limit int) []string {
	var chunks []string
	rest := []rune(strings.TrimSpace(content))
	for len(rest) > limit {
		cut := breakPoint(rest[:limit])
		chunks = append(chunks, strings.TrimSpace(string(rest[:cut])))
		rest = []rune(strings.TrimLeftFunc(string(rest[cut:]), unicode.IsSpace))
	}
	if len(rest) > 0 {
		chunks = append(chunks, string(rest))
	}
	return chunks
}

var breakSeparators = [][]rune{[]rune("\n\n"), []rune("\n"), []rune(". "), []rune(" ")}

func breakPoint(window []rune) int {
	floor := len(window) / 2
	for _, sep := range breakSeparators {
		for i := len(window) - len(sep); i >= floor && i > 0; i-- {
			if hasPrefixRunes(window[i:], sep) {
				return i + len(sep)
			}
		}
	}
	return len(window)
}

func hasPrefixRunes(s, prefix []rune) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i, r := range prefix {
		if s[i] != r {
			return false
		}
	}
	return true
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content string, ref *discordgo.MessageReference) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if ref != nil {
			_, err = c.api.ChannelMessageSendReply(channelID, content, ref)
		} else {
			_, err = c.api.ChannelMessageSend(channelID, content)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if channelID == "" || c.api == nil {
		return
	}
	if err := c.api.ChannelTyping(channelID); err != nil {
		logger.ErrorCF("discord", "Failed to send typing indicator", map[string]any{
			"error": err.Error(),
		})
	}
}

func (c *DiscordChannel) beginTyping(channelID string) {
	c.typingMu.Lock()
	if sess, ok := c.typing[channelID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingSession{
		pending: 1,
		cancel:  cancel,
	}
	c.typingMu.Unlock()

	c.sendTyping(channelID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordChannel) endTyping(channelID string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	sess, ok := c.typing[channelID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, channelID)
	sess.cancel()
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || s.State == nil || s.State.User == nil {
		return
	}
	msg, ok := inboundFromDiscord(s.State.User.ID, m.Message)
	if !ok {
		return
	}
	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_id":  msg.SenderID,
		"is_mention": msg.IsMention,
		"scope_id":   msg.ScopeID,
	})
	c.Publish(msg)
}

func (c *DiscordChannel) handleVoiceState(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if s.State == nil || s.State.User == nil {
		return
	}
	if msg, ok := voiceEdge(s.State.User.ID, v); ok {
		c.Publish(msg)
	}
}

// inboundFromDiscord maps a gateway message to the bus shape. Messages from
// bots are ignored. DMs count as mentions; the bot's own mention tag is
// stripped from the text.
func inboundFromDiscord(botID string, m *discordgo.Message) (bus.InboundMessage, bool) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == botID {
		return bus.InboundMessage{}, false
	}

	isDM := m.GuildID == ""
	mention := isDM
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			mention = true
		}
	}

	content := m.Content
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		content = appendContent(content, fmt.Sprintf("[attachment: %s]", a.Filename))
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return bus.InboundMessage{}, false
	}

	scope := m.GuildID
	if isDM {
		scope = "dm:" + m.ChannelID
	}
	kind := bus.KindText
	if mention {
		kind = bus.KindMention
	}
	return bus.InboundMessage{
		SenderID:  m.Author.ID,
		ChatID:    m.ChannelID,
		ScopeID:   scope,
		MessageID: m.ID,
		Content:   content,
		Kind:      kind,
		IsMention: mention,
		Metadata: map[string]string{
			"username":   m.Author.Username,
			"guild_id":   m.GuildID,
			"channel_id": m.ChannelID,
			"is_dm":      fmt.Sprintf("%t", isDM),
		},
	}, true
}

// voiceEdge turns a voice state change into a join or leave event scoped to
// the guild. Moves between voice channels keep the session.
func voiceEdge(botID string, v *discordgo.VoiceStateUpdate) (bus.InboundMessage, bool) {
	if v == nil || v.VoiceState == nil || v.UserID == "" || v.UserID == botID {
		return bus.InboundMessage{}, false
	}
	before := ""
	if v.BeforeUpdate != nil {
		before = v.BeforeUpdate.ChannelID
	}
	msg := bus.InboundMessage{SenderID: v.UserID, ScopeID: v.GuildID}
	switch {
	case before == "" && v.ChannelID != "":
		msg.Kind = bus.KindVoiceJoin
		msg.ChatID = v.ChannelID
	case before != "" && v.ChannelID == "":
		msg.Kind = bus.KindVoiceLeave
		msg.ChatID = before
	default:
		return bus.InboundMessage{}, false
	}
	return msg, true
}

func appendContent(content, suffix string) string {
	if content == "" {
		return suffix
	}
	return content + "\n" + suffix
}
