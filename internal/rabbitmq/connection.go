package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmq-client/internal/logging"
	"github.com/glimte/rmq-client/internal/reliability"
)

// ChannelHandler is the role-specific part of a connection. Every method is
// called on the connection's event loop.
type ChannelHandler interface {
	// Role names the channel in logs and errors
	Role() string
	// OnOpen is called once the transport connection is open
	OnOpen(conn *Connection)
	// OnChannelOpen hands over a freshly opened channel. The handler calls
	// ready once it accepts commands.
	OnChannelOpen(ch Channel, ready func())
	// OnChannelClosed is called when the channel closes. The next channel
	// only comes with the next transport connection.
	OnChannelClosed(err *amqp.Error)
	// OnClosed is called when the transport connection has closed
	OnClosed()
	// HandleCommand processes one command taken from the bus
	HandleCommand(cmd Command)
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Connection owns one transport connection and its single channel. All
// transport state is owned by the event loop; Connect runs that loop on the
// calling goroutine.
type Connection struct {
	dialer    Dialer
	bus       *CommandBus
	handler   ChannelHandler
	loop      *EventLoop
	logger    *slog.Logger
	reconnect reliability.RetryPolicy
	listeners []ConnectionStateListener

	state   atomic.Int32
	started atomic.Bool

	workerOnce sync.Once
	ctx        context.Context

	// owned by the loop
	conn      Conn
	channel   Channel
	closing   bool
	finalized bool
	attempts  int
	timer     *time.Timer
	err       error
}

// ConnectionOption configures a Connection
type ConnectionOption func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithReconnectPolicy enables reconnecting after an unexpected close. Without
// one an unexpected close ends the connection.
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(c *Connection) {
		if policy != nil {
			c.reconnect = policy
		}
	}
}

// WithStateListener registers a listener for state changes
func WithStateListener(listener ConnectionStateListener) ConnectionOption {
	return func(c *Connection) {
		c.listeners = append(c.listeners, listener)
	}
}

// NewConnection creates a connection that will run handler over channels
// opened through dialer and take its commands from bus.
func NewConnection(dialer Dialer, bus *CommandBus, handler ChannelHandler, options ...ConnectionOption) *Connection {
	c := &Connection{
		dialer:  dialer,
		bus:     bus,
		handler: handler,
		loop:      NewEventLoop(),
		logger:    slog.Default(),
		reconnect: reliability.NoRetry{},
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = logging.Component(c.logger, handler.Role()+"-connection")
	return c
}

// State returns the current lifecycle state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Logger returns the connection's logger
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// Bus returns the command bus the connection serves
func (c *Connection) Bus() *CommandBus {
	return c.bus
}

// Post runs task on the connection's event loop
func (c *Connection) Post(task func()) error {
	return c.loop.Post(task)
}

// Connect opens the transport and runs the event loop until the connection
// is closed. Cancelling ctx disconnects. It returns nil after a requested
// close and the cause otherwise.
func (c *Connection) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	var cancel context.CancelFunc
	c.ctx, cancel = context.WithCancel(ctx)
	defer cancel()

	c.setState(StateConnecting)

	go func() {
		select {
		case <-ctx.Done():
			c.logger.Info("interrupt received, disconnecting")
			c.Disconnect()
		case <-c.loop.Done():
		}
	}()

	if err := c.loop.Post(c.dial); err != nil {
		return err
	}
	c.loop.Run()
	return c.err
}

// Disconnect requests a graceful close. It may be called from any goroutine
// and more than once; the loop is stopped by the close notification.
func (c *Connection) Disconnect() {
	err := c.loop.Post(func() {
		if c.closing {
			c.logger.Info("disconnect requested while already closing")
			return
		}
		c.closing = true
		c.setState(StateClosing)

		if c.timer != nil {
			c.timer.Stop()
		}
		if c.conn == nil {
			c.finalize(nil)
			return
		}

		conn := c.conn
		go func() {
			if err := conn.Close(); err != nil {
				c.logger.Debug("transport close returned error", "error", err)
			}
		}()
	})
	if err != nil {
		c.logger.Debug("disconnect after connection stopped")
	}
}

func (c *Connection) dial() {
	if c.closing {
		c.finalize(nil)
		return
	}

	conn, err := c.dialer.Dial(c.ctx)
	if err != nil {
		if c.closing || c.ctx.Err() != nil {
			c.finalize(nil)
			return
		}
		c.logger.Error("failed to connect", "error", err, "attempt", c.attempts+1)
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
			err = reliability.Permanent(err)
		}
		c.retryOrFinish(err)
		return
	}

	c.conn = conn
	c.attempts = 0
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr := <-closed
		_ = c.loop.Post(func() { c.onClosed(conn, amqpErr) })
	}()

	c.setState(StateOpen)
	c.logger.Info("connection opened")
	c.notifyConnected()

	c.handler.OnOpen(c)
	c.openChannel()
}

func (c *Connection) openChannel() {
	ch, err := c.conn.Channel()
	if err != nil {
		c.err = &ChannelError{
			Op:        "open",
			Role:      c.handler.Role(),
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
		c.logger.Error("failed to open channel", "error", err)
		conn := c.conn
		go conn.Close()
		return
	}

	c.channel = ch
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr := <-closed
		_ = c.loop.Post(func() { c.onChannelClosed(ch, amqpErr) })
	}()

	c.logger.Debug("channel opened")
	c.handler.OnChannelOpen(ch, c.ready)
}

func (c *Connection) ready() {
	c.workerOnce.Do(func() {
		go c.runWorker()
	})
}

// runWorker moves commands from the bus onto the event loop. It never touches
// loop-owned state itself.
func (c *Connection) runWorker() {
	for {
		cmd, err := c.bus.NextCommand(c.ctx)
		if err != nil {
			return
		}
		if err := c.loop.Post(func() { c.handler.HandleCommand(cmd) }); err != nil {
			return
		}
	}
}

func (c *Connection) onChannelClosed(ch Channel, amqpErr *amqp.Error) {
	if ch != c.channel {
		return
	}
	c.channel = nil

	if c.closing || amqpErr == nil {
		c.logger.Info("channel closed")
	} else {
		c.logger.Warn("channel closed by broker", "error", amqpErr)
	}
	// no new channel is opened; readiness stays down until the connection
	// is re-established
	c.handler.OnChannelClosed(amqpErr)
}

func (c *Connection) onClosed(conn Conn, amqpErr *amqp.Error) {
	if conn != c.conn {
		return
	}
	c.conn = nil
	if c.channel != nil {
		c.channel = nil
		c.handler.OnChannelClosed(amqpErr)
	}
	c.handler.OnClosed()

	if c.closing {
		c.logger.Info("connection closed")
		c.finalize(nil)
		return
	}

	var cause error = ErrUnexpectedClose
	if amqpErr != nil {
		cause = fmt.Errorf("%w: %v", ErrUnexpectedClose, amqpErr)
	}
	if c.err != nil {
		cause = c.err
	}
	c.logger.Warn("connection closed unexpectedly", "error", cause)
	c.notifyDisconnected(cause)
	c.retryOrFinish(cause)
}

// retryOrFinish schedules a re-dial when a reconnect policy allows it and
// ends the connection otherwise.
func (c *Connection) retryOrFinish(cause error) {
	ok, delay := c.reconnect.ShouldRetry(c.attempts, cause)
	if ok {
		c.attempts++
		c.err = nil
		c.setState(StateConnecting)
		c.notifyReconnecting(c.attempts)
		c.logger.Info("reconnecting", "attempt", c.attempts, "delay", delay)
		c.timer = time.AfterFunc(delay, func() {
			_ = c.loop.Post(c.dial)
		})
		return
	}
	if c.attempts > 0 {
		cause = &ConnectionError{
			Op:        "reconnect",
			Err:       fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, cause),
			Timestamp: time.Now(),
			Attempts:  c.attempts,
		}
	}

	if _, ok := cause.(*ConnectionError); !ok {
		cause = &ConnectionError{
			Op:        "connection",
			Err:       cause,
			Timestamp: time.Now(),
			Attempts:  c.attempts + 1,
		}
	}
	c.finalize(cause)
}

// finalize stops the loop. It runs at most once.
func (c *Connection) finalize(err error) {
	if c.finalized {
		return
	}
	c.finalized = true
	c.err = err
	if c.timer != nil {
		c.timer.Stop()
	}
	c.setState(StateClosed)
	c.loop.Stop()
}

func (c *Connection) setState(s ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("connection state changed", "from", old.String(), "to", s.String())
	}
}

func (c *Connection) notifyConnected() {
	for _, l := range c.listeners {
		l.OnConnected()
	}
}

func (c *Connection) notifyDisconnected(err error) {
	for _, l := range c.listeners {
		l.OnDisconnected(err)
	}
}

func (c *Connection) notifyReconnecting(attempt int) {
	for _, l := range c.listeners {
		l.OnReconnecting(attempt)
	}
}
