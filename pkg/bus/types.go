package bus

// Kind tells the orchestrator how an inbound message arrived.
type Kind string

const (
	KindText    Kind = "text"
	KindMention Kind = "mention"
	KindVoice   Kind = "voice"
	// Voice session edges carry no text.
	KindVoiceJoin  Kind = "voice_join"
	KindVoiceLeave Kind = "voice_leave"
)

type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	ScopeID   string            `json:"scope_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Content   string            `json:"content"`
	Kind      Kind              `json:"kind"`
	IsMention bool              `json:"is_mention"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type OutboundMessage struct {
	Channel    string `json:"channel"`
	ChatID     string `json:"chat_id"`
	ReplyTo    string `json:"reply_to,omitempty"`
	Content    string `json:"content"`
	DelayMS    int64  `json:"delay_ms,omitempty"`
	ShowTyping bool   `json:"show_typing,omitempty"`
	Emotion    string `json:"emotion,omitempty"`
}
