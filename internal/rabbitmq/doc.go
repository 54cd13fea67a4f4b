// Package rabbitmq runs broker connections for the rmq client.
//
// This package includes:
//   - Connection: the lifecycle of one transport connection and its channel
//   - EventLoop: the single goroutine that owns transport state
//   - CommandBus: unbounded ordered queues for commands in and events out
//   - ProducerChannel: confirm-mode publishing with bounded retry
//   - ConsumerChannel: subscription setup keyed by SubscriptionKey
//
// Transport callbacks and commands are both executed as event loop tasks, so
// channel state is never touched from two goroutines at once. The broker
// itself is reached through the Dialer, Conn and Channel interfaces, which
// AMQPDialer implements over amqp091-go.
package rabbitmq
