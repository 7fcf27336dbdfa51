package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"relaybot/internal/bus"
	"relaybot/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

var _ domain.Channel = (*Slack)(nil)

// slackAPI is the part of the Slack Web API the channel uses.
type slackAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	botToken  string
	appToken  string
	debug     bool
	noRestart bool
	client    *slack.Client
	api       slackAPI
	bus       domain.MessageBus
	events    *bus.EventBus
	logger    *slog.Logger

	mu         sync.RWMutex
	botUID     string // the bot's own user ID, to avoid replying to self
	teamID     string
	supervisor *Supervisor
	cancel     context.CancelFunc
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken       string
	AppToken       string
	Debug          bool
	DisableRestart bool
	Events         *bus.EventBus
	Logger         *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	client := slack.New(
		cfg.BotToken,
		slack.OptionAppLevelToken(cfg.AppToken),
		slack.OptionDebug(cfg.Debug),
	)
	return &Slack{
		botToken:  cfg.BotToken,
		appToken:  cfg.AppToken,
		debug:     cfg.Debug,
		noRestart: cfg.DisableRestart,
		client:    client,
		api:       client,
		events:    cfg.Events,
		logger:    cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// BotUserID returns the bot's Slack user id, known after Start authenticates.
func (s *Slack) BotUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.botUID
}

// TeamID returns the workspace the bot token belongs to.
func (s *Slack) TeamID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.teamID
}

// Supervisor returns the connection supervisor, nil before Start.
func (s *Slack) Supervisor() *Supervisor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supervisor
}

// Start authenticates, registers the outbound handler and runs the socket
// mode connection under a Supervisor. It blocks until ctx is done or the
// connection is lost for good.
func (s *Slack) Start(ctx context.Context, messageBus domain.MessageBus) error {
	s.bus = messageBus

	if err := s.authenticate(ctx); err != nil {
		return err
	}

	messageBus.OnOutbound(s.Name(), s.send)

	ctx, cancel := context.WithCancel(ctx)
	sup := NewSupervisor(SupervisorConfig{
		Name:           s.Name(),
		Connection:     RunFunc(s.runSocket),
		DisableRestart: s.noRestart,
		Events:         s.events,
		Logger:         s.logger,
	})
	s.mu.Lock()
	s.supervisor = sup
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("slack socket mode: %w", err)
	}
	s.logger.Info("slack bot disconnected")
	return nil
}

// Stop disables reconnects and closes the connection.
func (s *Slack) Stop() error {
	s.mu.RLock()
	sup, cancel := s.supervisor, s.cancel
	s.mu.RUnlock()
	if sup != nil {
		sup.DisableRestart()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Slack) authenticate(ctx context.Context) error {
	authResp, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.mu.Lock()
	s.botUID = authResp.UserID
	s.teamID = authResp.TeamID
	s.mu.Unlock()
	s.logger.Info("slack bot authenticated",
		"user", authResp.User,
		"user_id", authResp.UserID,
		"team", authResp.Team,
		"team_id", authResp.TeamID,
	)
	return nil
}

// runSocket runs one socket mode session and pumps its events until it ends.
func (s *Slack) runSocket(ctx context.Context) error {
	socketClient := socketmode.New(s.client, socketmode.OptionDebug(s.debug))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-socketClient.Events:
				if !ok {
					return
				}
				s.handleSocketEvent(socketClient, evt)
			}
		}
	}()

	err := socketClient.RunContext(runCtx)
	cancel()
	<-done
	return err
}

// acker acknowledges socket mode envelopes.
type acker interface {
	Ack(req socketmode.Request, payload ...interface{})
}

func (s *Slack) handleSocketEvent(client acker, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		s.logger.Debug("slack connecting")

	case socketmode.EventTypeConnected:
		s.logger.Info("slack socket connected")
		if sup := s.Supervisor(); sup != nil {
			sup.MarkConnected()
		}

	case socketmode.EventTypeConnectionError:
		s.logger.Warn("slack connection error", "data", evt.Data)

	case socketmode.EventTypeInvalidAuth:
		s.logger.Error("slack rejected app token")

	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if evt.Request != nil {
			client.Ack(*evt.Request)
		}
		if !ok {
			return
		}
		s.handleEventsAPI(eventsAPIEvent)

	default:
		// Acknowledge unknown events to prevent Socket Mode disconnection.
		if evt.Request != nil {
			client.Ack(*evt.Request)
		}
	}
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	// App mentions are also delivered as message events; only the latter
	// are relayed so a mention is answered once.
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}

	s.logger.Debug("slack message received",
		"user", ev.User,
		"channel", ev.Channel,
		"subtype", ev.SubType,
		"content_len", len(ev.Text),
	)

	msgType := ev.Type
	if msgType == "" {
		msgType = domain.MessageTypePlain
	}
	s.bus.Publish(domain.InboundMessage{
		Channel:     s.Name(),
		ChatID:      ev.Channel,
		TeamID:      s.TeamID(),
		SenderID:    ev.User,
		Content:     ev.Text,
		Type:        msgType,
		SubType:     ev.SubType,
		ChannelType: ev.ChannelType,
		Timestamp:   time.Now(),
	})
}

// slackPayload is the structured reply format accepted under the "slack"
// key of an NLU response.
type slackPayload struct {
	Text        string             `json:"text"`
	Attachments []slack.Attachment `json:"attachments"`
	Blocks      slack.Blocks       `json:"blocks"`
	ThreadTS    string             `json:"thread_ts"`
}

func (s *Slack) send(ctx context.Context, msg domain.OutboundMessage) error {
	if msg.Payload != nil {
		return s.sendPayload(ctx, msg.ChatID, msg.Payload)
	}
	if msg.Content == "" {
		return nil
	}
	return s.sendText(ctx, msg.ChatID, msg.Content)
}

func (s *Slack) sendText(ctx context.Context, channelID, content string) error {
	var errs []error
	for _, chunk := range splitSlackMessage(content, slackMaxMsgLen) {
		_, _, err := s.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(chunk, false))
		if err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Slack) sendPayload(ctx context.Context, channelID string, raw json.RawMessage) error {
	var p slackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode slack payload: %w", err)
	}
	if p.Text == "" && len(p.Attachments) == 0 && len(p.Blocks.BlockSet) == 0 {
		return errors.New("slack payload has no text, attachments or blocks")
	}

	opts := []slack.MsgOption{slack.MsgOptionText(p.Text, false)}
	if len(p.Attachments) > 0 {
		opts = append(opts, slack.MsgOptionAttachments(p.Attachments...))
	}
	if len(p.Blocks.BlockSet) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(p.Blocks.BlockSet...))
	}
	if p.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(p.ThreadTS))
	}

	// The provider error is returned as is; it becomes the fallback reply text.
	_, _, err := s.api.PostMessageContext(ctx, channelID, opts...)
	return err
}

func splitSlackMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		for cut > 1 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
