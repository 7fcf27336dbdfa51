package domain

import "context"

// Channel is the interface for a chat platform adapter.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
