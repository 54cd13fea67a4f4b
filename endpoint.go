package rmqclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rmq-client/internal/logging"
	"github.com/glimte/rmq-client/internal/rabbitmq"
)

// stopTimeout bounds how long Stop waits for a connection to finish
const stopTimeout = 2 * time.Second

// endpoint runs one connection and dispatches the events it emits. The
// connection runs on the goroutine calling run; events are dispatched on a
// goroutine of their own until the bus is closed.
type endpoint struct {
	role   string
	bus    *rabbitmq.CommandBus
	conn   *rabbitmq.Connection
	logger *slog.Logger

	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	err      error
}

func newEndpoint(role string, dialer rabbitmq.Dialer, bus *rabbitmq.CommandBus, handler rabbitmq.ChannelHandler, cfg *clientConfig, options ...rabbitmq.ConnectionOption) *endpoint {
	options = append(cfg.connectionOptions(), options...)
	return &endpoint{
		role:   role,
		bus:    bus,
		conn:   rabbitmq.NewConnection(dialer, bus, handler, options...),
		logger: logging.Component(cfg.logger, role),
		done:   make(chan struct{}),
	}
}

// run connects and blocks until the connection has closed. A panic on the
// connection goroutine is returned as an error.
func (e *endpoint) run(ctx context.Context, dispatch func(rabbitmq.Event)) (err error) {
	if !e.started.CompareAndSwap(false, true) {
		return rabbitmq.ErrAlreadyConnected
	}
	defer func() {
		e.err = err
		close(e.done)
	}()

	go e.dispatchEvents(dispatch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s connection panicked: %v", e.role, r)
			e.logger.Error("connection goroutine panicked", "panic", r)
		}
	}()

	err = e.conn.Connect(ctx)
	if err != nil {
		e.logger.Error("connection ended", "error", err)
	}
	return err
}

func (e *endpoint) dispatchEvents(dispatch func(rabbitmq.Event)) {
	for {
		ev, err := e.bus.NextEvent(context.Background())
		if err != nil {
			return
		}
		e.safeDispatch(dispatch, ev)
	}
}

func (e *endpoint) safeDispatch(dispatch func(rabbitmq.Event), ev rabbitmq.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked", "panic", r, "event", fmt.Sprintf("%T", ev))
		}
	}()
	dispatch(ev)
}

func (e *endpoint) send(cmd rabbitmq.Command) error {
	return e.bus.Send(cmd)
}

// stop disconnects, waits up to stopTimeout for the connection to finish and
// closes the bus. Commands still queued are discarded.
func (e *endpoint) stop() {
	e.stopOnce.Do(func() {
		if e.started.Load() {
			e.conn.Disconnect()
			select {
			case <-e.done:
			case <-time.After(stopTimeout):
				e.logger.Warn("connection did not stop in time", "timeout", stopTimeout)
			}
		}
		e.bus.Close()
	})
}

// wait blocks until run has returned
func (e *endpoint) wait() error {
	<-e.done
	return e.err
}

func (e *endpoint) state() ConnectionState {
	return e.conn.State()
}
