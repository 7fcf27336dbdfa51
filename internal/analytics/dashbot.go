// Package analytics reports relayed conversations to Dashbot.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"relaybot/internal/bus"
)

const (
	DefaultAPIBase = "https://tracker.dashbot.io"
	apiVersion     = "10.1.1-rest"
	trackTimeout   = 10 * time.Second
)

// Direction of a tracked message.
const (
	Incoming = "incoming"
	Outgoing = "outgoing"
)

// Dashbot tracks inbound and outbound messages observed on the event bus.
// Tracking never affects relaying: failures are only logged.
type Dashbot struct {
	apiKey  string
	apiBase string
	client  *http.Client
	logger  *slog.Logger

	events *bus.EventBus
	subs   map[string]string // event type -> handler id

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type DashbotConfig struct {
	APIKey     string
	APIBase    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewDashbot returns nil when no API key is configured; a nil *Dashbot is a
// valid no-op tracker.
func NewDashbot(cfg DashbotConfig) *Dashbot {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: trackTimeout}
	}
	return &Dashbot{
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// TrackEvent is the body of a Dashbot universal track call.
type TrackEvent struct {
	Text           string         `json:"text"`
	UserID         string         `json:"userId"`
	ConversationID string         `json:"conversationId"`
	PlatformJSON   map[string]any `json:"platformJson,omitempty"`
}

// Attach subscribes the tracker to received and sent message events.
func (d *Dashbot) Attach(events *bus.EventBus) {
	if d == nil {
		return
	}
	d.events = events
	d.subs = map[string]string{
		bus.EventMessageReceived: events.On(bus.EventMessageReceived, d.observer(Incoming)),
		bus.EventMessageSent:     events.On(bus.EventMessageSent, d.observer(Outgoing)),
	}
	d.logger.Info("dashbot analytics enabled", "api_base", d.apiBase)
}

// Close unsubscribes and waits for in-flight track calls.
func (d *Dashbot) Close() {
	if d == nil {
		return
	}
	if d.events != nil {
		for eventType, id := range d.subs {
			d.events.Off(eventType, id)
		}
	}
	// An Emit that copied its handlers before Off may still call in.
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dashbot) observer(direction string) bus.EventHandler {
	return func(evt bus.Event) {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		d.wg.Add(1)
		d.mu.Unlock()

		go func() {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), trackTimeout)
			defer cancel()
			if err := d.Track(ctx, direction, eventToTrack(evt)); err != nil {
				d.logger.Warn("dashbot track failed", "type", direction, "channel", evt.ChatID, "err", err)
			}
		}()
	}
}

func eventToTrack(evt bus.Event) TrackEvent {
	return TrackEvent{
		Text:           evt.Text,
		UserID:         evt.SenderID,
		ConversationID: evt.ChatID,
		PlatformJSON: map[string]any{
			"platform": evt.Source,
			"team":     evt.TeamID,
			"channel":  evt.ChatID,
		},
	}
}

// Track sends one message to Dashbot.
func (d *Dashbot) Track(ctx context.Context, direction string, evt TrackEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal track event: %w", err)
	}

	q := url.Values{}
	q.Set("platform", "universal")
	q.Set("v", apiVersion)
	q.Set("type", direction)
	q.Set("apiKey", d.apiKey)
	endpoint := d.apiBase + "/track?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dashbot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("dashbot status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
