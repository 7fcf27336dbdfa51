package domain

import (
	"bytes"
	"context"
	"encoding/json"
)

// QueryContext is a named NLU context attached to a query.
type QueryContext struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Query is a single text interpretation request.
type Query struct {
	Text      string
	SessionID string
	Contexts  []QueryContext
}

// Interpretation is the actionable part of an NLU response.
type Interpretation struct {
	Speech string
	// Data holds platform specific payloads keyed by platform name ("slack").
	Data map[string]json.RawMessage
}

// PlatformPayload returns the structured payload for the given platform, or
// nil when the response carries none. Null, false, zero, the empty string
// and empty objects or arrays count as none.
func (i *Interpretation) PlatformPayload(platform string) json.RawMessage {
	if i == nil || i.Data == nil {
		return nil
	}
	raw, ok := i.Data[platform]
	if !ok || isBlankJSON(raw) {
		return nil
	}
	return raw
}

func isBlankJSON(raw json.RawMessage) bool {
	if len(bytes.TrimSpace(raw)) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case float64:
		return x == 0
	case string:
		return x == ""
	case map[string]any:
		return len(x) == 0
	case []any:
		return len(x) == 0
	}
	return false
}

// Interpreter maps free text to a reply. A nil Interpretation with a nil
// error means the service had nothing actionable to say.
type Interpreter interface {
	Interpret(ctx context.Context, q Query) (*Interpretation, error)
	Name() string
	Healthy(ctx context.Context) error
}
