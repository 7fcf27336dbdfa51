package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"relaybot/internal/bus"
	"relaybot/internal/metrics"
)

// State of a supervised connection.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// ErrNeverConnected is returned when a run ends before the connection was
// ever established.
var ErrNeverConnected = errors.New("connection was never established")

// Connection is a long-lived platform connection. Run blocks until the
// connection closes or ctx is done.
type Connection interface {
	Run(ctx context.Context) error
}

// RunFunc adapts a function to the Connection interface.
type RunFunc func(ctx context.Context) error

func (f RunFunc) Run(ctx context.Context) error { return f(ctx) }

// Supervisor tracks whether a connection is up and makes a single reconnect
// attempt each time an established connection closes.
type Supervisor struct {
	conn   Connection
	name   string
	events *bus.EventBus
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	reached      bool // current attempt reached Connected
	reconnecting bool
	noRestart    bool
}

type SupervisorConfig struct {
	Name           string
	Connection     Connection
	DisableRestart bool
	Events         *bus.EventBus
	Logger         *slog.Logger
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		conn:      cfg.Connection,
		name:      cfg.Name,
		events:    cfg.Events,
		logger:    cfg.Logger,
		noRestart: cfg.DisableRestart,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DisableRestart suppresses reconnect attempts for any later closure.
func (s *Supervisor) DisableRestart() {
	s.mu.Lock()
	s.noRestart = true
	s.mu.Unlock()
}

// MarkConnected records that the connection is established.
func (s *Supervisor) MarkConnected() {
	s.mu.Lock()
	s.state = Connected
	s.reached = true
	restored := s.reconnecting
	s.reconnecting = false
	s.mu.Unlock()

	if restored {
		s.logger.Info("reconnected", "connection", s.name)
		s.emit(bus.Event{Type: bus.EventReconnected})
	}
}

// Run runs the connection until ctx is done or a reconnect fails. It returns
// nil when ctx ends the connection.
func (s *Supervisor) Run(ctx context.Context) error {
	s.beginAttempt(false)
	err := s.conn.Run(ctx)

	for {
		if ctx.Err() != nil {
			s.setDisconnected()
			return nil
		}

		s.mu.Lock()
		reached := s.reached
		noRestart := s.noRestart
		s.state = Disconnected
		s.mu.Unlock()

		if !reached {
			s.logger.Error("connection failed", "connection", s.name, "err", err)
			return errors.Join(ErrNeverConnected, err)
		}

		s.logger.Warn("connection closed", "connection", s.name, "err", err)
		s.emit(bus.Event{Type: bus.EventConnectionLost, Err: err})

		if noRestart {
			s.logger.Info("restart disabled, not reconnecting", "connection", s.name)
			return err
		}

		metrics.Reconnects.Inc()
		s.logger.Info("attempting reconnect", "connection", s.name)
		s.beginAttempt(true)
		err = s.conn.Run(ctx)

		s.mu.Lock()
		reached = s.reached
		s.reconnecting = false
		s.mu.Unlock()
		if !reached && ctx.Err() == nil {
			s.setDisconnected()
			s.logger.Error("reconnect failed", "connection", s.name, "err", err)
			return fmt.Errorf("reconnect %s: %w", s.name, errors.Join(ErrNeverConnected, err))
		}
	}
}

func (s *Supervisor) beginAttempt(reconnect bool) {
	s.mu.Lock()
	s.reached = false
	s.reconnecting = reconnect
	s.mu.Unlock()
}

func (s *Supervisor) setDisconnected() {
	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()
}

func (s *Supervisor) emit(evt bus.Event) {
	if s.events == nil {
		return
	}
	evt.Source = s.name
	s.events.Emit(evt)
}
