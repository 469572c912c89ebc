package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/priya/pkg/bus"
	"github.com/dotsetgreg/priya/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, mb *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       mb,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed checks senderID against the allow list. Entries may be a bare
// id or a username, optionally prefixed with @; compound "id|username"
// senders match on either part.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}
	return false
}

// Publish hands an inbound message to the bus after the allow-list check.
func (c *BaseChannel) Publish(msg bus.InboundMessage) bool {
	if !c.IsAllowed(msg.SenderID) {
		logger.DebugCF(c.name, "Message rejected by allowlist", map[string]any{"user_id": msg.SenderID})
		return false
	}
	msg.Channel = c.name
	if !c.bus.PublishInbound(msg) {
		logger.WarnCF(c.name, "Inbound queue full, message dropped", map[string]any{"user_id": msg.SenderID})
		return false
	}
	return true
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
