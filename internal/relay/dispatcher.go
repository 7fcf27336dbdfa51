package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// Dispatcher sends interpreted replies back to the conversation a message
// came from.
type Dispatcher struct {
	bus    domain.MessageBus
	events *bus.EventBus
	logger *slog.Logger
}

func NewDispatcher(messageBus domain.MessageBus, events *bus.EventBus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{bus: messageBus, events: events, logger: logger}
}

// ReplyWithText sends a plain text reply. Failures are logged and dropped.
func (d *Dispatcher) ReplyWithText(ctx context.Context, to domain.InboundMessage, text string) {
	err := d.bus.SendOutbound(ctx, domain.OutboundMessage{
		Channel: to.Channel,
		ChatID:  to.ChatID,
		Content: text,
	})
	if err != nil {
		metrics.ReplyErrors.Inc()
		d.logger.Error("reply failed", "channel", to.ChatID, "err", err)
		d.events.Emit(bus.Event{Type: bus.EventSendFailed, Source: to.Channel, ChatID: to.ChatID, Text: text, Err: err})
		return
	}
	metrics.RepliesText.Inc()
	d.sent(to, text)
}

// ReplyWithData sends a structured platform payload. When that fails the
// error message itself is sent as a plain text reply.
func (d *Dispatcher) ReplyWithData(ctx context.Context, to domain.InboundMessage, payload json.RawMessage) {
	err := d.bus.SendOutbound(ctx, domain.OutboundMessage{
		Channel: to.Channel,
		ChatID:  to.ChatID,
		Payload: payload,
	})
	if err != nil {
		// TODO: product review pending on whether provider errors should reach end users.
		d.logger.Warn("structured reply failed, sending error text", "channel", to.ChatID, "err", err)
		d.ReplyWithText(ctx, to, err.Error())
		return
	}
	metrics.RepliesData.Inc()
	d.sent(to, string(payload))
}

func (d *Dispatcher) sent(to domain.InboundMessage, text string) {
	d.events.Emit(bus.Event{
		Type:     bus.EventMessageSent,
		Source:   to.Channel,
		ChatID:   to.ChatID,
		TeamID:   to.TeamID,
		SenderID: to.SenderID,
		Text:     text,
	})
}
