package rmqclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/rmq-client/internal/rabbitmq"
)

// Consumer subscribes to queues and exchanges over its own connection.
// Handlers run one at a time on the consumer's dispatcher goroutine, in
// delivery order; a handler that blocks holds up every subscription.
type Consumer struct {
	*endpoint
	channel *rabbitmq.ConsumerChannel

	mu       sync.RWMutex
	handlers map[string]func(Message)
}

// NewConsumer creates a consumer that connects through dialer
func NewConsumer(dialer Dialer, options ...ClientOption) *Consumer {
	return newConsumer(dialer, newClientConfig(options))
}

func newConsumer(dialer Dialer, cfg *clientConfig) *Consumer {
	bus := rabbitmq.NewCommandBus()
	channel := rabbitmq.NewConsumerChannel(bus, rabbitmq.WithConsumerLogger(cfg.logger))
	c := &Consumer{
		channel:  channel,
		handlers: make(map[string]func(Message)),
	}
	c.endpoint = newEndpoint("consumer", dialer, bus, channel, cfg)
	return c
}

// Run connects and blocks until the consumer is stopped, ctx is cancelled
// or the connection is lost for good.
func (c *Consumer) Run(ctx context.Context) error {
	return c.run(ctx, c.handleEvent)
}

// Stop disconnects and waits for Run to return
func (c *Consumer) Stop() {
	c.stop()
}

// Wait blocks until Run has returned and returns its result
func (c *Consumer) Wait() error {
	return c.wait()
}

// State returns the connection state
func (c *Consumer) State() ConnectionState {
	return c.state()
}

// Subscribe consumes the queue described by t and hands every message to
// handler. Subscribing the same topology again returns the same key and
// keeps the first handler.
func (c *Consumer) Subscribe(t Topology, handler func(Message)) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("consumer: subscribe %s: nil handler", t.Key())
	}
	if err := t.Validate(); err != nil {
		return "", err
	}
	key := t.Key()

	c.mu.Lock()
	if _, exists := c.handlers[key]; exists {
		c.logger.Debug("subscription already registered", "key", key)
	} else {
		c.handlers[key] = handler
	}
	c.mu.Unlock()

	if err := c.send(rabbitmq.Consume{Topology: t}); err != nil {
		return "", err
	}
	return key, nil
}

// RPCServer consumes the shared request queue of an RPC server
func (c *Consumer) RPCServer(queue string, handler func(Message)) (string, error) {
	return c.Subscribe(Topology{Queue: queue}, handler)
}

// RPCClient consumes a private reply queue
func (c *Consumer) RPCClient(queue string, handler func(Message)) (string, error) {
	return c.Subscribe(Topology{Queue: queue, Exclusive: true}, handler)
}

// IsConsumerReady reports whether the subscription under key is consuming
// on the current channel.
func (c *Consumer) IsConsumerReady(key string) bool {
	state, ok := c.channel.SubscriptionState(key)
	return ok && state == rabbitmq.SubscriptionConsuming
}

// ChannelReady reports whether the consumer channel is open
func (c *Consumer) ChannelReady() bool {
	return c.channel.State() == rabbitmq.ChannelReady
}

// IsSubscribed reports whether the subscription to exchange is consuming
func (c *Consumer) IsSubscribed(exchange string) bool {
	return c.IsConsumerReady(SubscriptionKey("", exchange, ""))
}

func (c *Consumer) handleEvent(ev rabbitmq.Event) {
	switch ev := ev.(type) {
	case rabbitmq.ConsumeOK:
		c.logger.Debug("subscription ready", "key", ev.Key, "queue", ev.Queue)
	case rabbitmq.ConsumedMessage:
		c.mu.RLock()
		handler := c.handlers[ev.SubscriptionKey]
		c.mu.RUnlock()

		if handler == nil {
			c.logger.Warn("message for unknown subscription", "key", ev.SubscriptionKey)
			return
		}
		handler(ev)
	default:
		c.logger.Debug("ignoring event", "event", ev)
	}
}
