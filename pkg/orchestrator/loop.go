package orchestrator

import (
	"context"

	"github.com/dotsetgreg/priya/pkg/bus"
	"github.com/dotsetgreg/priya/pkg/concurrency"
	"github.com/dotsetgreg/priya/pkg/logger"
)

// Run consumes the bus until ctx ends or the bus closes. Messages from one
// user are handled in arrival order; different users proceed concurrently
// up to the slot pool size.
func (o *Orchestrator) Run(ctx context.Context, mb *bus.MessageBus) error {
	q := concurrency.NewSerial()
	defer q.Wait()

	for {
		msg, ok := mb.ConsumeInbound(ctx)
		if !ok {
			return nil
		}

		switch msg.Kind {
		case bus.KindVoiceJoin:
			q.Submit(msg.SenderID, func() {
				_ = o.StartVoiceSession(ctx, msg.ScopeID, msg.SenderID)
			})
		case bus.KindVoiceLeave:
			q.Submit(msg.SenderID, func() {
				o.EndVoiceSession(msg.ScopeID, msg.SenderID)
			})
		default:
			q.Submit(msg.SenderID, func() {
				o.dispatch(ctx, mb, msg)
			})
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, mb *bus.MessageBus, msg bus.InboundMessage) {
	res := o.Handle(ctx, Request{
		UserID:    msg.SenderID,
		ScopeID:   msg.ScopeID,
		Text:      msg.Content,
		Kind:      msg.Kind,
		IsMention: msg.IsMention,
	})

	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		ReplyTo: msg.MessageID,
	}
	switch {
	case res.Reply != nil:
		out.Content = *res.Reply
		out.DelayMS = res.Timing.TotalDelayMS
		out.ShowTyping = res.Timing.ShowTyping
		out.Emotion = res.Emotion
	case res.BusyReason != "":
		out.Content = res.BusyReason
	default:
		return
	}
	if !mb.PublishOutbound(out) {
		logger.WarnCF(component, "Outbound queue full, reply dropped", map[string]any{
			"user_id":    msg.SenderID,
			"request_id": res.RequestID,
		})
	}
}
