package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/bus"
)

// step describes one call to the scripted connection's Run.
type step struct {
	connect bool
	err     error
}

type scriptedConn struct {
	mu    sync.Mutex
	sup   *Supervisor
	steps []step
	calls int
}

func (c *scriptedConn) Run(ctx context.Context) error {
	c.mu.Lock()
	i := c.calls
	c.calls++
	c.mu.Unlock()

	if i >= len(c.steps) {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.steps[i].connect {
		c.sup.MarkConnected()
	}
	return c.steps[i].err
}

func (c *scriptedConn) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newScripted(disableRestart bool, steps ...step) (*Supervisor, *scriptedConn, *bus.EventBus) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := bus.NewEventBus(logger)
	conn := &scriptedConn{steps: steps}
	sup := NewSupervisor(SupervisorConfig{
		Name:           "test",
		Connection:     conn,
		DisableRestart: disableRestart,
		Events:         events,
		Logger:         logger,
	})
	conn.sup = sup
	return sup, conn, events
}

func TestSupervisor_SingleReconnectPerClosure(t *testing.T) {
	closed := errors.New("socket closed")
	refused := errors.New("connection refused")
	sup, conn, events := newScripted(false,
		step{connect: true, err: closed},
		step{connect: false, err: refused},
	)

	err := sup.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, refused)
	assert.ErrorIs(t, err, ErrNeverConnected)
	assert.Equal(t, 2, conn.Calls())
	assert.Equal(t, Disconnected, sup.State())
	assert.Len(t, events.Recent(bus.EventConnectionLost, time.Time{}), 1)
	assert.Empty(t, events.Recent(bus.EventReconnected, time.Time{}))
}

func TestSupervisor_SuccessfulReconnectRearms(t *testing.T) {
	closed := errors.New("socket closed")
	sup, conn, events := newScripted(false,
		step{connect: true, err: closed},
		step{connect: true, err: closed},
		step{connect: false, err: errors.New("dns failure")},
	)

	err := sup.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, 3, conn.Calls())
	assert.Len(t, events.Recent(bus.EventConnectionLost, time.Time{}), 2)
	assert.Len(t, events.Recent(bus.EventReconnected, time.Time{}), 1)
}

func TestSupervisor_DisableRestart(t *testing.T) {
	closed := errors.New("socket closed")
	sup, conn, _ := newScripted(false, step{connect: true, err: closed})
	sup.DisableRestart()

	err := sup.Run(context.Background())

	assert.ErrorIs(t, err, closed)
	assert.Equal(t, 1, conn.Calls())
}

func TestSupervisor_DisableRestartFromConfig(t *testing.T) {
	sup, conn, _ := newScripted(true, step{connect: true, err: errors.New("closed")})

	require.Error(t, sup.Run(context.Background()))
	assert.Equal(t, 1, conn.Calls())
}

func TestSupervisor_NeverConnected(t *testing.T) {
	authErr := errors.New("invalid_auth")
	sup, conn, events := newScripted(false, step{connect: false, err: authErr})

	err := sup.Run(context.Background())

	assert.ErrorIs(t, err, ErrNeverConnected)
	assert.ErrorIs(t, err, authErr)
	assert.Equal(t, 1, conn.Calls())
	assert.Empty(t, events.Recent(bus.EventConnectionLost, time.Time{}))
}

func TestSupervisor_ContextCancelStopsCleanly(t *testing.T) {
	// The reconnect attempt blocks until ctx is cancelled.
	sup, conn, _ := newScripted(false, step{connect: true, err: errors.New("closed")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return conn.Calls() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, Disconnected, sup.State())
}

func TestSupervisor_MarkConnected(t *testing.T) {
	sup, _, _ := newScripted(false)
	assert.Equal(t, Disconnected, sup.State())
	sup.MarkConnected()
	assert.Equal(t, Connected, sup.State())
	assert.Equal(t, "connected", sup.State().String())
}
