package rabbitmq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmq-client/internal/logging"
)

type subscription struct {
	key      string
	topology Topology
	queue    string
	state    SubscriptionState
}

// ConsumerChannel sets up subscriptions and turns deliveries into
// ConsumedMessage events. Subscriptions are keyed by SubscriptionKey, so
// asking for the same topology twice sets it up once.
type ConsumerChannel struct {
	bus    *CommandBus
	logger *slog.Logger

	state atomic.Int32

	mu    sync.Mutex
	subs  map[string]*subscription
	order []string

	// owned by the loop
	conn *Connection
	ch   Channel
}

// ConsumerOption configures a ConsumerChannel
type ConsumerOption func(*ConsumerChannel)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *ConsumerChannel) {
		c.logger = logger
	}
}

// NewConsumerChannel creates the consumer side of a connection
func NewConsumerChannel(bus *CommandBus, options ...ConsumerOption) *ConsumerChannel {
	c := &ConsumerChannel{
		bus:    bus,
		logger: slog.Default(),
		subs:   make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = logging.Component(c.logger, "consumer-channel")
	return c
}

// Role implements ChannelHandler
func (c *ConsumerChannel) Role() string { return "consumer" }

// State returns the channel state
func (c *ConsumerChannel) State() ChannelState {
	return ChannelState(c.state.Load())
}

// SubscriptionState returns the setup state of the subscription with key
func (c *ConsumerChannel) SubscriptionState(key string) (SubscriptionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.subs[key]
	if !ok {
		return SubscriptionPending, false
	}
	return s.state, true
}

// OnOpen implements ChannelHandler
func (c *ConsumerChannel) OnOpen(conn *Connection) {
	c.conn = conn
	c.state.Store(int32(ChannelOpening))
}

// OnChannelOpen implements ChannelHandler. Subscriptions known from an
// earlier channel are set up again, except those the broker refused.
func (c *ConsumerChannel) OnChannelOpen(ch Channel, ready func()) {
	c.ch = ch
	c.state.Store(int32(ChannelReady))

	c.mu.Lock()
	replay := make([]*subscription, 0, len(c.order))
	for _, key := range c.order {
		if s := c.subs[key]; s.state != SubscriptionFailed {
			replay = append(replay, s)
		}
	}
	c.mu.Unlock()

	for _, s := range replay {
		c.setup(s)
	}
	ready()
}

// OnChannelClosed implements ChannelHandler
func (c *ConsumerChannel) OnChannelClosed(err *amqp.Error) {
	c.ch = nil
	c.state.Store(int32(ChannelClosed))
	c.resetSubscriptions()
}

// OnClosed implements ChannelHandler
func (c *ConsumerChannel) OnClosed() {
	c.ch = nil
	c.state.Store(int32(ChannelClosed))
	c.resetSubscriptions()
}

// HandleCommand implements ChannelHandler
func (c *ConsumerChannel) HandleCommand(cmd Command) {
	switch cmd := cmd.(type) {
	case Consume:
		c.HandleConsume(cmd.Topology)
	case *Consume:
		c.HandleConsume(cmd.Topology)
	default:
		c.logger.Warn("ignoring command", "error", ErrUnknownCommand, "type", fmt.Sprintf("%T", cmd))
	}
}

// HandleConsume registers the subscription for t and sets it up when a
// channel is available. It must be called on the event loop.
func (c *ConsumerChannel) HandleConsume(t Topology) {
	if err := t.Validate(); err != nil {
		c.logger.Warn("rejecting subscription", "error", err)
		return
	}
	key := t.Key()

	c.mu.Lock()
	s, exists := c.subs[key]
	if !exists {
		s = &subscription{key: key, topology: t}
		c.subs[key] = s
		c.order = append(c.order, key)
	}
	state := s.state
	c.mu.Unlock()

	if exists {
		switch state {
		case SubscriptionConsuming:
			c.logger.Debug("already subscribed", "key", key)
			c.emit(ConsumeOK{Key: key, Queue: s.queue})
			return
		case SubscriptionFailed:
		default:
			return
		}
	}

	if c.ch != nil {
		c.setup(s)
	}
}

// setup walks a subscription through declare, bind and consume
func (c *ConsumerChannel) setup(s *subscription) {
	ch := c.ch
	exchange, queueDecl, binding := s.topology.Declarations()

	c.setSubState(s, SubscriptionDeclaring)
	if exchange != nil {
		if err := declareExchange(ch, *exchange); err != nil {
			c.fail(s, "declare", err)
			return
		}
	}

	q, err := declareQueue(ch, queueDecl)
	if err != nil {
		c.fail(s, "declare", err)
		return
	}
	s.queue = q.Name

	if binding != nil {
		c.setSubState(s, SubscriptionBinding)
		binding.Queue = q.Name
		if err := bindQueue(ch, *binding); err != nil {
			c.fail(s, "bind", err)
			return
		}
	}

	c.setSubState(s, SubscriptionStarting)
	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		c.fail(s, "consume", err)
		return
	}
	go c.forwardDeliveries(ch, s.key, deliveries)

	c.setSubState(s, SubscriptionConsuming)
	c.logger.Info("subscription consuming", "key", s.key, "queue", q.Name)
	c.emit(ConsumeOK{Key: s.key, Queue: q.Name})
}

// fail records a setup error. A subscription that only hit a channel already
// closed stays pending and is set up on the next channel.
func (c *ConsumerChannel) fail(s *subscription, op string, err error) {
	if errors.Is(err, amqp.ErrClosed) {
		c.setSubState(s, SubscriptionPending)
		c.logger.Debug("subscription waits for a new channel", "key", s.key, "op", op)
		return
	}
	c.setSubState(s, SubscriptionFailed)
	c.logger.Error("subscription setup failed", "error", &ConsumerError{
		Key:       s.key,
		Queue:     s.topology.Queue,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	})
}

func (c *ConsumerChannel) forwardDeliveries(ch Channel, key string, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		d := d
		if err := c.conn.Post(func() { c.onMessage(ch, key, d) }); err != nil {
			return
		}
	}
}

func (c *ConsumerChannel) onMessage(ch Channel, key string, d amqp.Delivery) {
	// left unacked on a stale channel; the broker redelivers it
	if ch != c.ch {
		return
	}

	c.mu.Lock()
	queue := key
	if s, ok := c.subs[key]; ok {
		queue = s.queue
	}
	c.mu.Unlock()

	c.emit(ConsumedMessage{
		SubscriptionKey: key,
		Queue:           queue,
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Body:            d.Body,
	})

	if err := ch.Ack(d.DeliveryTag, false); err != nil {
		c.logger.Warn("ack failed", "key", key, "tag", d.DeliveryTag, "error", err)
	}
}

// resetSubscriptions marks every live subscription pending. Failed ones stay
// failed until subscribed again.
func (c *ConsumerChannel) resetSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s.state != SubscriptionFailed {
			s.state = SubscriptionPending
		}
	}
}

func (c *ConsumerChannel) setSubState(s *subscription, state SubscriptionState) {
	c.mu.Lock()
	s.state = state
	c.mu.Unlock()
}

func (c *ConsumerChannel) emit(ev Event) {
	if err := c.bus.Emit(ev); err != nil {
		c.logger.Debug("event dropped", "error", err, "type", fmt.Sprintf("%T", ev))
	}
}
