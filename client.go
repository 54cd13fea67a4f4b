package rmqclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/rmq-client/internal/logging"
	"github.com/glimte/rmq-client/internal/rabbitmq"
	"github.com/glimte/rmq-client/messaging"
)

// DefaultReply is what an RPC call returns when no reply arrives in time
var DefaultReply = messaging.DefaultReply

// ErrRPCTimeout is returned by Call when no reply arrives in time
var ErrRPCTimeout = messaging.ErrRPCTimeout

// ErrNotStarted is returned by Wait before Start
var ErrNotStarted = errors.New("rmqclient: client not started")

// Client provides the main entry point: a producer and a consumer connection
// plus request/reply on top of them.
type Client struct {
	producer *Producer
	consumer *Consumer
	rpc      *messaging.RPCHandler
	logger   *slog.Logger

	started atomic.Bool
	done    chan struct{}
	err     error
}

// NewClient creates a client for the broker at url. Nothing connects until
// Start.
func NewClient(url string, options ...ClientOption) *Client {
	cfg := newClientConfig(options)
	return newClient(cfg.dialer(url, "producer"), cfg.dialer(url, "consumer"), cfg)
}

// NewClientWithDialer creates a client whose connections both come from
// dialer.
func NewClientWithDialer(dialer Dialer, options ...ClientOption) *Client {
	cfg := newClientConfig(options)
	return newClient(dialer, dialer, cfg)
}

func newClient(producerDialer, consumerDialer Dialer, cfg *clientConfig) *Client {
	producer := newProducer(producerDialer, cfg)
	consumer := newConsumer(consumerDialer, cfg)

	rpcOpts := []messaging.RPCOption{messaging.WithRPCLogger(cfg.logger)}
	if cfg.callTimeout > 0 {
		rpcOpts = append(rpcOpts, messaging.WithCallTimeout(cfg.callTimeout))
	}

	return &Client{
		producer: producer,
		consumer: consumer,
		rpc:      messaging.NewRPCHandler(serverDetached{consumer}, producer, rpcOpts...),
		logger:   logging.Component(cfg.logger, "client"),
		done:     make(chan struct{}),
	}
}

// Producer returns the producer
func (c *Client) Producer() *Producer {
	return c.producer
}

// Consumer returns the consumer
func (c *Client) Consumer() *Consumer {
	return c.consumer
}

// RPC returns the request/reply handler
func (c *Client) RPC() *messaging.RPCHandler {
	return c.rpc
}

// Start runs both connections in the background. When one of them fails the
// other is disconnected too. Cancelling ctx stops both.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return rabbitmq.ErrAlreadyConnected
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.producer.Run(gctx) })
	g.Go(func() error { return c.consumer.Run(gctx) })

	go func() {
		c.err = g.Wait()
		if c.err != nil {
			c.logger.Error("client stopped", "error", c.err)
		} else {
			c.logger.Info("client stopped")
		}
		close(c.done)
	}()
	return nil
}

// Wait blocks until both connections have finished
func (c *Client) Wait() error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	<-c.done
	return c.err
}

// Stop disconnects both connections and waits for them to finish
func (c *Client) Stop() error {
	c.producer.Stop()
	c.consumer.Stop()
	if !c.started.Load() {
		return nil
	}
	return c.Wait()
}

// Publish sends payload to a fanout exchange
func (c *Client) Publish(exchange string, payload []byte) (string, error) {
	return c.producer.Publish(PublishParams{Exchange: exchange}, payload)
}

// PublishTo sends payload as described by params
func (c *Client) PublishTo(params PublishParams, payload []byte) (string, error) {
	return c.producer.Publish(params, payload)
}

// Subscribe hands every message published to exchange to handler
func (c *Client) Subscribe(exchange string, handler func(Message)) (string, error) {
	return c.consumer.Subscribe(Topology{Exchange: exchange}, handler)
}

// SubscribeTopology hands every message reaching t to handler
func (c *Client) SubscribeTopology(t Topology, handler func(Message)) (string, error) {
	return c.consumer.Subscribe(t, handler)
}

// IsSubscribed reports whether the subscription to exchange is consuming
func (c *Client) IsSubscribed(exchange string) bool {
	return c.consumer.IsSubscribed(exchange)
}

// IsConsumerReady reports whether the subscription under key is consuming
func (c *Client) IsConsumerReady(key string) bool {
	return c.consumer.IsConsumerReady(key)
}

// Command sends payload to the command queue named queue
func (c *Client) Command(queue string, payload []byte) (string, error) {
	return c.producer.Command(queue, payload)
}

// EnableCommandQueue consumes commands sent to queue
func (c *Client) EnableCommandQueue(queue string, handler func([]byte)) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("rmqclient: command queue %s: nil handler", queue)
	}
	return c.consumer.Subscribe(Topology{Queue: queue}, func(m Message) {
		handler(m.Body)
	})
}

// EnableRPCServer answers requests sent to queue with callback's result.
// Only the first call has an effect.
func (c *Client) EnableRPCServer(queue string, callback func([]byte) []byte) error {
	return c.rpc.EnableRPCServer(queue, callback)
}

// EnableRPCClient creates the reply queue calls need
func (c *Client) EnableRPCClient() error {
	return c.rpc.EnableRPCClient()
}

// IsRPCServerReady reports whether requests are being consumed
func (c *Client) IsRPCServerReady() bool {
	return c.rpc.IsRPCServerReady()
}

// IsRPCClientReady reports whether replies are being consumed
func (c *Client) IsRPCClientReady() bool {
	return c.rpc.IsRPCClientReady()
}

// Call sends message to the RPC server on receiver and waits for the reply
func (c *Client) Call(ctx context.Context, receiver string, message []byte) ([]byte, error) {
	return c.rpc.Call(ctx, receiver, message)
}

// RPCCall is Call that yields DefaultReply instead of an error
func (c *Client) RPCCall(receiver string, message []byte) []byte {
	return c.rpc.RPCCall(receiver, message)
}

// RPCCast sends message to receiver without waiting. callback, if set, gets
// the reply.
func (c *Client) RPCCast(receiver string, message []byte, callback func([]byte, error)) {
	c.rpc.Cast(receiver, message, callback)
}

// serverDetached runs RPC server callbacks off the dispatcher goroutine so
// a callback may itself make calls. A panicking callback drops its request.
type serverDetached struct {
	*Consumer
}

func (s serverDetached) RPCServer(queue string, handler func(Message)) (string, error) {
	return s.Consumer.RPCServer(queue, func(m Message) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("RPC server callback panicked, request dropped",
						"panic", r,
						"queue", m.Queue,
						"correlation_id", m.CorrelationID)
				}
			}()
			handler(m)
		}()
	})
}
