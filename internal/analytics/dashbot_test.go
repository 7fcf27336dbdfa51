package analytics

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/bus"
)

type trackedCall struct {
	query url.Values
	body  TrackEvent
}

type trackRecorder struct {
	mu    sync.Mutex
	calls []trackedCall
}

func (r *trackRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/track", req.URL.Path)
		var body TrackEvent
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		r.mu.Lock()
		r.calls = append(r.calls, trackedCall{query: req.URL.Query(), body: body})
		r.mu.Unlock()
		w.Write([]byte(`{"success":true}`))
	}
}

func (r *trackRecorder) Calls() []trackedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trackedCall(nil), r.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDashbot_DisabledWithoutKey(t *testing.T) {
	d := NewDashbot(DashbotConfig{Logger: testLogger()})
	assert.Nil(t, d)

	// A nil tracker is a no-op.
	d.Attach(bus.NewEventBus(testLogger()))
	d.Close()
}

func TestTrack_RequestShape(t *testing.T) {
	rec := &trackRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d := NewDashbot(DashbotConfig{APIKey: "key-1", APIBase: srv.URL, Logger: testLogger()})
	err := d.Track(context.Background(), Incoming, TrackEvent{Text: "hello", UserID: "U1", ConversationID: "C1"})
	require.NoError(t, err)

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "universal", calls[0].query.Get("platform"))
	assert.Equal(t, "incoming", calls[0].query.Get("type"))
	assert.Equal(t, "key-1", calls[0].query.Get("apiKey"))
	assert.Equal(t, "hello", calls[0].body.Text)
	assert.Equal(t, "U1", calls[0].body.UserID)
	assert.Equal(t, "C1", calls[0].body.ConversationID)
}

func TestTrack_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewDashbot(DashbotConfig{APIKey: "nope", APIBase: srv.URL, Logger: testLogger()})
	err := d.Track(context.Background(), Outgoing, TrackEvent{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestAttach_TracksBothDirections(t *testing.T) {
	rec := &trackRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	events := bus.NewEventBus(testLogger())
	d := NewDashbot(DashbotConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	d.Attach(events)

	events.Emit(bus.Event{Type: bus.EventMessageReceived, Source: "slack", ChatID: "C1", SenderID: "U1", Text: "hello"})
	events.Emit(bus.Event{Type: bus.EventMessageSent, Source: "slack", ChatID: "C1", SenderID: "U1", Text: "hi!"})
	events.Emit(bus.Event{Type: bus.EventNLUError, ChatID: "C1"})
	d.Close()

	calls := rec.Calls()
	require.Len(t, calls, 2)
	types := map[string]string{}
	for _, c := range calls {
		types[c.query.Get("type")] = c.body.Text
	}
	assert.Equal(t, map[string]string{"incoming": "hello", "outgoing": "hi!"}, types)

	// Detached after Close.
	events.Emit(bus.Event{Type: bus.EventMessageReceived, Text: "late"})
	d.Close()
	assert.Len(t, rec.Calls(), 2)
}

func TestObserver_DropsEventsAfterClose(t *testing.T) {
	rec := &trackRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	events := bus.NewEventBus(testLogger())
	d := NewDashbot(DashbotConfig{APIKey: "key-1", APIBase: srv.URL, Logger: testLogger()})
	d.Attach(events)

	// Keep a handler reference as an in-flight Emit would.
	late := d.observer(Outgoing)
	d.Close()

	late(bus.Event{Type: bus.EventMessageSent, ChatID: "C1", Text: "late"})
	events.Emit(bus.Event{Type: bus.EventMessageReceived, ChatID: "C1", Text: "after close"})
	d.wg.Wait()

	assert.Empty(t, rec.Calls())
}
