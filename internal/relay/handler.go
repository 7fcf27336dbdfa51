// Package relay forwards chat messages to the NLU service and sends the
// interpreted reply back to the conversation.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/pause"
	"relaybot/internal/session"
	"relaybot/internal/textnorm"
)

const (
	DefaultContextName = "generic"

	// mentionPrefix starts every Slack user mention token.
	mentionPrefix = "<@U"
)

// Skip reasons reported on message.skipped events and metrics.
const (
	SkipPaused     = "paused"
	SkipNotMessage = "not_message"
	SkipSelf       = "self"
	SkipOtherUser  = "other_user_mention"
)

// Identity reports the bot's own user id on the chat platform.
type Identity interface {
	BotUserID() string
}

// Handler processes one inbound message at a time.
type Handler struct {
	interpreter domain.Interpreter
	sessions    *session.Registry
	paused      *pause.Registry
	replies     *Dispatcher
	events      *bus.EventBus
	identity    Identity
	platform    string
	contextName string
	logger      *slog.Logger
}

type HandlerConfig struct {
	Interpreter domain.Interpreter
	Sessions    *session.Registry
	Paused      *pause.Registry
	Replies     *Dispatcher
	Events      *bus.EventBus
	Identity    Identity
	Platform    string // key of the structured payload in NLU responses
	ContextName string
	Logger      *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.ContextName == "" {
		cfg.ContextName = DefaultContextName
	}
	if cfg.Platform == "" {
		cfg.Platform = "slack"
	}
	return &Handler{
		interpreter: cfg.Interpreter,
		sessions:    cfg.Sessions,
		paused:      cfg.Paused,
		replies:     cfg.Replies,
		events:      cfg.Events,
		identity:    cfg.Identity,
		platform:    cfg.Platform,
		contextName: cfg.ContextName,
		logger:      cfg.Logger,
	}
}

// Handle runs the relay pipeline for msg. It never panics; every failure is
// logged and the message dropped.
func (h *Handler) Handle(ctx context.Context, msg domain.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			h.logger.Error("message handler panic", "channel", msg.ChatID, "panic", r)
		}
	}()

	metrics.MessagesReceived.Inc()
	h.events.Emit(bus.Event{
		Type:     bus.EventMessageReceived,
		Source:   msg.Channel,
		ChatID:   msg.ChatID,
		TeamID:   msg.TeamID,
		SenderID: msg.SenderID,
		Text:     msg.Content,
	})

	botID := h.identity.BotUserID()
	if reason := h.skipReason(msg, botID); reason != "" {
		metrics.Skipped(reason).Inc()
		h.events.Emit(bus.Event{Type: bus.EventMessageSkipped, Source: msg.Channel, ChatID: msg.ChatID, SenderID: msg.SenderID, Reason: reason})
		h.logger.Debug("message skipped", "channel", msg.ChatID, "user", msg.SenderID, "reason", reason)
		return
	}

	text := textnorm.Normalize(msg.Content)
	if mention := "<@" + botID + ">"; strings.Contains(text, mention) {
		text = strings.Replace(text, mention, "", 1)
	}

	query := domain.Query{
		Text:      text,
		SessionID: h.sessions.GetOrCreate(msg.ChatID),
		Contexts: []domain.QueryContext{{
			Name: h.contextName,
			Parameters: map[string]any{
				h.platform + "_user_id": msg.SenderID,
				h.platform + "_channel": msg.ChatID,
			},
		}},
	}
	h.logger.Debug("interpreting message", "channel", msg.ChatID, "channel_type", msg.ChannelType, "text", text)

	metrics.NLURequests.Inc()
	start := time.Now()
	result, err := h.interpreter.Interpret(ctx, query)
	metrics.NLULatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.NLUErrors.Inc()
		h.logger.Error("interpretation failed", "provider", h.interpreter.Name(), "channel", msg.ChatID, "err", err)
		h.events.Emit(bus.Event{Type: bus.EventNLUError, Source: msg.Channel, ChatID: msg.ChatID, SenderID: msg.SenderID, Text: text, Err: err})
		return
	}

	h.reply(ctx, msg, result)
}

// skipReason returns why msg must not be relayed, or "" to relay it.
func (h *Handler) skipReason(msg domain.InboundMessage, botID string) string {
	switch {
	case h.paused.IsPaused(msg.ChatID, msg.TeamID):
		return SkipPaused
	case !msg.IsPlain():
		return SkipNotMessage
	case msg.SenderID == botID:
		return SkipSelf
	case strings.HasPrefix(msg.Content, mentionPrefix) && !strings.Contains(msg.Content, botID):
		return SkipOtherUser
	}
	return ""
}

func (h *Handler) reply(ctx context.Context, msg domain.InboundMessage, result *domain.Interpretation) {
	if result == nil {
		h.logger.Debug("no interpretation result", "channel", msg.ChatID)
		return
	}
	if payload := result.PlatformPayload(h.platform); payload != nil {
		h.replies.ReplyWithData(ctx, msg, payload)
		return
	}
	if result.Speech != "" {
		h.replies.ReplyWithText(ctx, msg, result.Speech)
		return
	}
	h.logger.Debug("interpretation has no reply content", "channel", msg.ChatID)
}

// String is used in logs when the handler is registered.
func (h *Handler) String() string {
	return fmt.Sprintf("relay(%s -> %s)", h.platform, h.interpreter.Name())
}
