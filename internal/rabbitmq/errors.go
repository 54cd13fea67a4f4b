package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed    = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady  = errors.New("rabbitmq: connection not ready")
	ErrUnexpectedClose     = errors.New("rabbitmq: connection closed unexpectedly")
	ErrAlreadyConnected    = errors.New("rabbitmq: connect called twice")
	ErrMaxRetriesExceeded  = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout   = errors.New("rabbitmq: connection timeout")
	ErrLoopStopped         = errors.New("rabbitmq: event loop stopped")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")
	ErrConfirmModeFailed     = errors.New("rabbitmq: failed to activate confirm mode")

	// Publisher errors
	ErrMaxAttemptsExceeded = errors.New("rabbitmq: publish attempts exhausted")
	ErrPublishNacked       = errors.New("rabbitmq: publish negatively acknowledged")

	// Bus errors
	ErrBusClosed      = errors.New("rabbitmq: command bus closed")
	ErrUnknownCommand = errors.New("rabbitmq: unknown command")

	// Topology errors
	ErrInvalidTopology = errors.New("rabbitmq: invalid topology configuration")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Role      string    // producer or consumer
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on %s channel: %v", e.Op, e.Role, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Key        string    // Publish key
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Attempts   int       // Attempts made so far
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: %s to %q/%q (attempts=%d): %v",
		e.Key, e.Exchange, e.RoutingKey, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Key       string    // Subscription key
	Queue     string    // Queue name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for subscription %s on queue %q: %v",
		e.Op, e.Key, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// SanitizeURL removes the password from a broker URL so it can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
