// Package nlu implements the api.ai / Dialogflow v1 query client.
package nlu

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
	"time"

	"relaybot/internal/domain"
)

const (
	DefaultAPIBase         = "https://api.api.ai/v1"
	DefaultProtocolVersion = "20150910"
	DefaultLang            = "en"
)

// Dialogflow implements domain.Interpreter against the v1 /query endpoint.
type Dialogflow struct {
	accessToken string
	apiBase     string
	version     string
	lang        string
	client      *http.Client
	logger      *slog.Logger
}

type DialogflowConfig struct {
	AccessToken     string
	APIBase         string
	ProtocolVersion string
	Lang            string
	Timeout         time.Duration
	HTTPClient      *http.Client // optional; overrides Timeout
	Logger          *slog.Logger
}

func NewDialogflow(cfg DialogflowConfig) *Dialogflow {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.Lang == "" {
		cfg.Lang = DefaultLang
	}
	client := cfg.HTTPClient
	if client == nil {
		client = SharedHTTPClient(cfg.Timeout)
	}
	return &Dialogflow{
		accessToken: cfg.AccessToken,
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		version:     cfg.ProtocolVersion,
		lang:        cfg.Lang,
		client:      client,
		logger:      cfg.Logger,
	}
}

func (d *Dialogflow) Name() string { return "dialogflow" }

type queryRequest struct {
	Query     string                `json:"query"`
	SessionID string                `json:"sessionId"`
	Lang      string                `json:"lang"`
	Contexts  []domain.QueryContext `json:"contexts,omitempty"`
}

type queryResponse struct {
	ID     string       `json:"id"`
	Result *queryResult `json:"result"`
	Status queryStatus  `json:"status"`
}

type queryResult struct {
	ResolvedQuery string      `json:"resolvedQuery"`
	Action        string      `json:"action"`
	Fulfillment   fulfillment `json:"fulfillment"`
}

type fulfillment struct {
	Speech string                     `json:"speech"`
	Data   map[string]json.RawMessage `json:"data"`
}

type queryStatus struct {
	Code         int    `json:"code"`
	ErrorType    string `json:"errorType"`
	ErrorDetails string `json:"errorDetails"`
}

func (d *Dialogflow) endpoint() string {
	return d.apiBase + "/query?v=" + url.QueryEscape(d.version)
}

// Interpret sends q to the query endpoint. A response without a result
// yields (nil, nil).
func (d *Dialogflow) Interpret(ctx context.Context, q domain.Query) (*domain.Interpretation, error) {
	body, err := json.Marshal(queryRequest{
		Query:     q.Text,
		SessionID: q.SessionID,
		Lang:      d.lang,
		Contexts:  q.Contexts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+d.accessToken)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dialogflow request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	d.logger.Debug("dialogflow response",
		"status", resp.StatusCode,
		"session", q.SessionID,
		"latency_ms", time.Since(start).Milliseconds(),
		"body", string(raw),
	)

	var qr queryResponse
	decodeErr := json.Unmarshal(raw, &qr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(raw))}
		if decodeErr == nil && qr.Status.ErrorType != "" {
			apiErr.ErrorType = qr.Status.ErrorType
			apiErr.Detail = qr.Status.ErrorDetails
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode: %w", decodeErr)
	}
	if qr.Status.Code >= 400 {
		return nil, &Error{StatusCode: qr.Status.Code, ErrorType: qr.Status.ErrorType, Detail: qr.Status.ErrorDetails}
	}

	if qr.Result == nil {
		return nil, nil
	}
	return &domain.Interpretation{
		Speech: qr.Result.Fulfillment.Speech,
		Data:   qr.Result.Fulfillment.Data,
	}, nil
}

// Healthy issues a throwaway GET query to verify the endpoint and token.
func (d *Dialogflow) Healthy(ctx context.Context) error {
	params := url.Values{}
	params.Set("v", d.version)
	params.Set("query", "ping")
	params.Set("lang", d.lang)
	params.Set("sessionId", "relaybot-healthcheck")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiBase+"/query?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.accessToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dialogflow not reachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return &Error{StatusCode: resp.StatusCode, Detail: "invalid access token"}
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{StatusCode: resp.StatusCode, Detail: "unexpected status"}
	}
	return nil
}
