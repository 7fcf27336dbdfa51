package relay

import (
	"context"
	"log/slog"
	"sync"

	"relaybot/internal/domain"
)

const defaultConcurrency = 5

// Loop consumes inbound messages from the bus and handles them with bounded
// concurrency.
type Loop struct {
	handler     *Handler
	bus         domain.MessageBus
	concurrency int
	logger      *slog.Logger
	wg          sync.WaitGroup
}

func NewLoop(handler *Handler, messageBus domain.MessageBus, concurrency int, logger *slog.Logger) *Loop {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Loop{
		handler:     handler,
		bus:         messageBus,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run blocks until ctx is done or the inbound channel is closed, then waits
// for in-flight messages to finish.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("relay loop started", "handler", l.handler.String(), "concurrency", l.concurrency)
	defer l.wg.Wait()

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("relay loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, relay loop stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			l.wg.Add(1)
			go func(m domain.InboundMessage) {
				defer l.wg.Done()
				defer func() { <-sem }()
				l.handler.Handle(ctx, m)
			}(msg)
		}
	}
}
