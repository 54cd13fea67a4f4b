package rmqclient

import (
	"log/slog"
	"time"

	"github.com/glimte/rmq-client/internal/rabbitmq"
	"github.com/glimte/rmq-client/internal/reliability"
)

// Topology describes what a subscription declares, binds and consumes
type Topology = rabbitmq.Topology

// Message is a delivery handed to a subscription handler
type Message = rabbitmq.ConsumedMessage

// PublishConfirmation is the broker's verdict on one publish attempt
type PublishConfirmation = rabbitmq.PublishConfirmation

// RetryPolicy decides whether and when a lost connection is re-dialed
type RetryPolicy = reliability.RetryPolicy

// ConnectionStateListener receives connection state changes
type ConnectionStateListener = rabbitmq.ConnectionStateListener

// ConnectionState is the lifecycle state of a connection
type ConnectionState = rabbitmq.ConnectionState

// Connection states
const (
	StateDisconnected = rabbitmq.StateDisconnected
	StateConnecting   = rabbitmq.StateConnecting
	StateOpen         = rabbitmq.StateOpen
	StateClosing      = rabbitmq.StateClosing
	StateClosed       = rabbitmq.StateClosed
)

// Dialer opens transport connections
type Dialer = rabbitmq.Dialer

// Exchange types
const (
	ExchangeFanout = rabbitmq.ExchangeFanout
	ExchangeDirect = rabbitmq.ExchangeDirect
	ExchangeTopic  = rabbitmq.ExchangeTopic
)

// SubscriptionKey returns the key a subscription to queue, exchange and
// routingKey is tracked under.
func SubscriptionKey(queue, exchange, routingKey string) string {
	return rabbitmq.SubscriptionKey(queue, exchange, routingKey)
}

// ExponentialReconnect re-dials with exponentially growing delays
func ExponentialReconnect(initial, max time.Duration, multiplier float64, maxRetries int) RetryPolicy {
	return reliability.NewExponentialBackoff(initial, max, multiplier, maxRetries)
}

// FixedReconnect re-dials after the same delay every time
func FixedReconnect(delay time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewFixedDelay(delay, maxRetries)
}

// ConfirmObserver is told about the producer's confirm mode and about the
// outcome of every publish attempt. Its methods run on the producer's
// dispatcher goroutine.
type ConfirmObserver interface {
	OnConfirmModeActivated()
	OnPublishConfirmation(confirmation PublishConfirmation)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	connectionName string
	heartbeat      time.Duration
	dialTimeout    time.Duration
	reconnect      RetryPolicy
	confirmMode    bool
	maxAttempts    int
	callTimeout    time.Duration
	observer       ConfirmObserver
	listeners      []ConnectionStateListener
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:         slog.Default(),
		connectionName: "rmq-client",
		confirmMode:    true,
		maxAttempts:    rabbitmq.DefaultMaxAttempts,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

func (cfg *clientConfig) connectionOptions() []rabbitmq.ConnectionOption {
	opts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}
	if cfg.reconnect != nil {
		opts = append(opts, rabbitmq.WithReconnectPolicy(cfg.reconnect))
	}
	for _, l := range cfg.listeners {
		opts = append(opts, rabbitmq.WithStateListener(l))
	}
	return opts
}

func (cfg *clientConfig) dialer(url, role string) *rabbitmq.AMQPDialer {
	opts := []rabbitmq.DialerOption{rabbitmq.WithConnectionName(cfg.connectionName + "-" + role)}
	if cfg.heartbeat > 0 {
		opts = append(opts, rabbitmq.WithHeartbeat(cfg.heartbeat))
	}
	if cfg.dialTimeout > 0 {
		opts = append(opts, rabbitmq.WithDialTimeout(cfg.dialTimeout))
	}
	return rabbitmq.NewAMQPDialer(url, opts...)
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithConnectionName sets the name the connections report to the broker.
// The producer and consumer append their role.
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// WithHeartbeat sets the heartbeat interval
func WithHeartbeat(heartbeat time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.heartbeat = heartbeat
	}
}

// WithDialTimeout bounds how long a dial may take
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialTimeout = timeout
	}
}

// WithReconnect re-dials a connection that closed unexpectedly for as long as
// policy allows. Without it an unexpected close stops the connection.
func WithReconnect(policy RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnect = policy
	}
}

// WithConfirmMode turns publisher confirms on or off. On by default.
func WithConfirmMode(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirmMode = enabled
	}
}

// WithMaxAttempts sets how often a nacked publish is re-attempted
func WithMaxAttempts(attempts int) ClientOption {
	return func(cfg *clientConfig) {
		if attempts >= 0 {
			cfg.maxAttempts = attempts
		}
	}
}

// WithCallTimeout sets how long an RPC call waits for its reply
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.callTimeout = timeout
	}
}

// WithConfirmObserver registers an observer for publisher confirms
func WithConfirmObserver(observer ConfirmObserver) ClientOption {
	return func(cfg *clientConfig) {
		cfg.observer = observer
	}
}

// WithConnectionListener registers a listener on every connection
func WithConnectionListener(listener ConnectionStateListener) ClientOption {
	return func(cfg *clientConfig) {
		cfg.listeners = append(cfg.listeners, listener)
	}
}
