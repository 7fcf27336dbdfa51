package domain

import (
	"encoding/json"
	"time"
)

// MessageTypePlain is the event type of an ordinary chat message.
const MessageTypePlain = "message"

type InboundMessage struct {
	Channel     string // platform adapter name, e.g. "slack"
	ChatID      string // conversation id (channel or DM thread)
	TeamID      string
	SenderID    string
	Content     string
	Type        string // "message" for plain messages
	SubType     string // non-empty for edits, joins, bot posts and other meta events
	ChannelType string // im | channel | group | mpim
	Timestamp   time.Time
}

// IsPlain reports whether the event is a user-authored message rather than a
// system or meta event.
func (m InboundMessage) IsPlain() bool {
	return m.Type == MessageTypePlain && m.SubType == ""
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string          // plain text reply
	Payload json.RawMessage // structured platform payload; takes precedence over Content
}
