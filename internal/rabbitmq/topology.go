package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology describes what a subscription consumes from. Queue, Exchange and
// RoutingKey are each optional, but at least one of Queue or Exchange must be
// set.
type Topology struct {
	Queue        string
	Exchange     string
	ExchangeType string
	RoutingKey   string
	Durable      bool
	Exclusive    bool
}

// Key returns the subscription key for t
func (t Topology) Key() string {
	return SubscriptionKey(t.Queue, t.Exchange, t.RoutingKey)
}

// Validate checks that the topology names something to consume from
func (t Topology) Validate() error {
	if t.Queue == "" && t.Exchange == "" {
		return fmt.Errorf("%w: queue or exchange required", ErrInvalidTopology)
	}
	if t.RoutingKey != "" && t.Exchange == "" {
		return fmt.Errorf("%w: routing key %q without exchange", ErrInvalidTopology, t.RoutingKey)
	}
	return nil
}

// SubscriptionKey derives the identity of a subscription from its topology:
//
//	queue                  -> "queue"
//	exchange, routing key  -> "exchange|rk"
//	queue, exchange        -> "queue|exchange"
//	queue, exchange, rk    -> "queue|exchange|rk"
//
// An exchange on its own yields "exchange".
func SubscriptionKey(queue, exchange, routingKey string) string {
	parts := make([]string, 0, 3)
	if queue != "" {
		parts = append(parts, queue)
	}
	if exchange != "" {
		parts = append(parts, exchange)
		if routingKey != "" {
			parts = append(parts, routingKey)
		}
	}
	return strings.Join(parts, "|")
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Declarations splits t into the broker objects it needs. A missing queue
// becomes a server-named exclusive queue.
func (t Topology) Declarations() (*ExchangeDeclaration, QueueDeclaration, *Binding) {
	var exchange *ExchangeDeclaration
	if t.Exchange != "" {
		kind := t.ExchangeType
		if kind == "" {
			kind = ExchangeFanout
		}
		exchange = &ExchangeDeclaration{
			Name:    t.Exchange,
			Type:    kind,
			Durable: t.Durable,
		}
	}

	queue := QueueDeclaration{
		Name:      t.Queue,
		Durable:   t.Durable,
		Exclusive: t.Exclusive || t.Queue == "",
	}
	if t.Queue == "" {
		queue.AutoDelete = true
	}

	var binding *Binding
	if t.Exchange != "" {
		binding = &Binding{
			Queue:      t.Queue,
			Exchange:   t.Exchange,
			RoutingKey: t.RoutingKey,
		}
	}
	return exchange, queue, binding
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + "->" + binding.Exchange,
			Op:        "create",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
