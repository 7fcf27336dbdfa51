package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Dialogflow {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewDialogflow(DialogflowConfig{
		AccessToken: "token-123",
		APIBase:     srv.URL + "/v1/",
		Logger:      testLogger(),
	})
}

func TestInterpret_RequestShape(t *testing.T) {
	var gotPath, gotVersion, gotAuth string
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.URL.Query().Get("v")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"result":{"fulfillment":{"speech":"hi!"}},"status":{"code":200,"errorType":"success"}}`))
	})

	res, err := client.Interpret(context.Background(), domain.Query{
		Text:      "hello",
		SessionID: "sess-1",
		Contexts: []domain.QueryContext{{
			Name:       "generic",
			Parameters: map[string]any{"slack_user_id": "U1", "slack_channel": "C1"},
		}},
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "hi!", res.Speech)
	assert.Nil(t, res.PlatformPayload("slack"))

	assert.Equal(t, "/v1/query", gotPath)
	assert.Equal(t, DefaultProtocolVersion, gotVersion)
	assert.Equal(t, "Bearer token-123", gotAuth)
	assert.Equal(t, "hello", gotBody["query"])
	assert.Equal(t, "sess-1", gotBody["sessionId"])
	assert.Equal(t, "en", gotBody["lang"])

	contexts, ok := gotBody["contexts"].([]any)
	require.True(t, ok)
	require.Len(t, contexts, 1)
	ctxObj := contexts[0].(map[string]any)
	assert.Equal(t, "generic", ctxObj["name"])
	params := ctxObj["parameters"].(map[string]any)
	assert.Equal(t, "U1", params["slack_user_id"])
	assert.Equal(t, "C1", params["slack_channel"])
}

func TestInterpret_StructuredData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"fulfillment":{"speech":"plain","data":{"slack":{"text":"rich","attachments":[{"title":"A"}]}}}},"status":{"code":200}}`))
	})

	res, err := client.Interpret(context.Background(), domain.Query{Text: "menu", SessionID: "s"})
	require.NoError(t, err)
	payload := res.PlatformPayload("slack")
	require.NotNil(t, payload)
	assert.JSONEq(t, `{"text":"rich","attachments":[{"title":"A"}]}`, string(payload))
	assert.Equal(t, "plain", res.Speech)
}

func TestInterpret_NoResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":{"code":200}}`))
	})

	res, err := client.Interpret(context.Background(), domain.Query{Text: "x", SessionID: "s"})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestInterpret_HTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":{"code":401,"errorType":"unauthorized","errorDetails":"Authentication parameters missing"}}`))
	})

	_, err := client.Interpret(context.Background(), domain.Query{Text: "x", SessionID: "s"})
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Unauthorized())
	assert.Equal(t, "unauthorized", apiErr.ErrorType)
	assert.Contains(t, err.Error(), "Authentication parameters missing")
}

func TestInterpret_StatusCodeInBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":{"code":400,"errorType":"bad_request","errorDetails":"query is empty"}}`))
	})

	_, err := client.Interpret(context.Background(), domain.Query{Text: "", SessionID: "s"})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
}

func TestInterpret_ServerErrorPlainBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := client.Interpret(context.Background(), domain.Query{Text: "x", SessionID: "s"})
	require.ErrorContains(t, err, "upstream down")
}

func TestInterpret_InvalidJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := client.Interpret(context.Background(), domain.Query{Text: "x", SessionID: "s"})
	require.ErrorContains(t, err, "decode")
}

func TestInterpret_ContextCancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Interpret(ctx, domain.Query{Text: "x", SessionID: "s"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHealthy(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "ping", r.URL.Query().Get("query"))
		if r.Header.Get("Authorization") != "Bearer token-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	require.NoError(t, client.Healthy(context.Background()))

	client.accessToken = "wrong"
	err := client.Healthy(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Unauthorized())
}

func TestNewDialogflow_Defaults(t *testing.T) {
	d := NewDialogflow(DialogflowConfig{Logger: testLogger()})
	assert.Equal(t, DefaultAPIBase, d.apiBase)
	assert.Equal(t, DefaultProtocolVersion, d.version)
	assert.Equal(t, DefaultLang, d.lang)
	assert.Equal(t, "dialogflow", d.Name())
	assert.Equal(t, defaultHTTPTimeout, d.client.Timeout)
}
