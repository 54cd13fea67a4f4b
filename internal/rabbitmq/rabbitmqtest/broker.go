// Package rabbitmqtest provides an in-memory broker that satisfies the
// rabbitmq transport interfaces, for tests that need real routing without a
// RabbitMQ server.
package rabbitmqtest

import (
	"context"
	"strings"
	"sync"

	events "github.com/docker/go-events"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmq-client/internal/rabbitmq"
)

// Broker routes messages between the connections dialed from it. It supports
// the default, fanout, direct and topic exchanges, exclusive queues and
// publisher confirms. Channel-level errors close the channel as RabbitMQ
// does. Unacked messages are not redelivered.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	bindings  []rabbitmq.Binding
	conns     map[*conn]struct{}
	dialErr   error
	nacks     int
	published int
	acked     int
	channels  int
}

type queue struct {
	name      string
	exclusive bool
	owner     *conn
	consumer  *consumer
	backlog   []amqp.Delivery
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		conns:     make(map[*conn]struct{}),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(ctx context.Context) (rabbitmq.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dialErr != nil {
		return nil, &rabbitmq.ConnectionError{Op: "dial", Err: b.dialErr, Attempts: 1}
	}
	c := &conn{broker: b}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials makes every following dial fail with err. nil restores dialing.
func (b *Broker) FailDials(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// NackNext makes the broker nack the next n confirmed publishes
func (b *Broker) NackNext(n int) {
	b.mu.Lock()
	b.nacks = n
	b.mu.Unlock()
}

// DropConnections closes every open connection as if the server forced it
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		b.closeConn(c, &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

// Connections returns the number of open connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// ChannelsOpened returns how many channels were opened in total
func (b *Broker) ChannelsOpened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels
}

// Published returns how many messages were accepted for routing
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Acked returns how many deliveries consumers acknowledged
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// QueueExists reports whether a queue named name is declared
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// ExchangeType returns the type of a declared exchange
func (b *Broker) ExchangeType(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.exchanges[name]
	return kind, ok
}

// Bindings returns the bindings of exchange
func (b *Broker) Bindings(exchange string) []rabbitmq.Binding {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []rabbitmq.Binding
	for _, binding := range b.bindings {
		if binding.Exchange == exchange {
			out = append(out, binding)
		}
	}
	return out
}

// route returns the queues a message published to exchange with key reaches.
// Caller holds b.mu.
func (b *Broker) route(exchange, key string) ([]*queue, *amqp.Error) {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}, nil
		}
		return nil, nil
	}

	kind, ok := b.exchanges[exchange]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
	}

	var targets []*queue
	seen := make(map[string]bool)
	for _, binding := range b.bindings {
		if binding.Exchange != exchange || seen[binding.Queue] {
			continue
		}
		match := false
		switch kind {
		case rabbitmq.ExchangeFanout:
			match = true
		case rabbitmq.ExchangeDirect:
			match = binding.RoutingKey == key
		case rabbitmq.ExchangeTopic:
			match = matchRoutingKey(binding.RoutingKey, key)
		}
		if match {
			if q, ok := b.queues[binding.Queue]; ok {
				seen[binding.Queue] = true
				targets = append(targets, q)
			}
		}
	}
	return targets, nil
}

// enqueue hands d to the queue's consumer or keeps it. Caller holds b.mu.
func (b *Broker) enqueue(q *queue, d amqp.Delivery) {
	d.ConsumerTag = ""
	if q.consumer != nil {
		q.consumer.deliver(d)
		return
	}
	q.backlog = append(q.backlog, d)
}

func (b *Broker) closeConn(c *conn, reason *amqp.Error) {
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return
	}
	c.closed = true
	delete(b.conns, c)

	var channelListeners []chan *amqp.Error
	for _, ch := range c.channels {
		channelListeners = append(channelListeners, b.closeChannelLocked(ch)...)
	}

	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(name)
		}
	}
	connListeners := c.closes
	b.mu.Unlock()

	notifyClose(channelListeners, reason)
	notifyClose(connListeners, reason)
}

func (b *Broker) closeChannelLocked(ch *channel) []chan *amqp.Error {
	if ch.closed {
		return nil
	}
	ch.closed = true
	for _, cons := range ch.consumers {
		if cons.queue.consumer == cons {
			cons.queue.consumer = nil
		}
		cons.pump.stop()
	}
	ch.confirms.stop()
	return ch.closes
}

func (b *Broker) deleteQueueLocked(name string) {
	delete(b.queues, name)
	kept := b.bindings[:0]
	for _, binding := range b.bindings {
		if binding.Queue != name {
			kept = append(kept, binding)
		}
	}
	b.bindings = kept
}

func notifyClose(listeners []chan *amqp.Error, reason *amqp.Error) {
	for _, l := range listeners {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
}

// matchRoutingKey matches a topic binding pattern against a routing key.
// "*" matches one word and "#" zero or more.
func matchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	if pattern[0] == "#" {
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	}
	if len(key) == 0 {
		return false
	}
	if pattern[0] != "*" && pattern[0] != key[0] {
		return false
	}
	return matchWords(pattern[1:], key[1:])
}

// pump moves events from an unbounded queue to forward on its own goroutine.
type pump struct {
	in  *events.Queue
	out *events.Channel
}

func startPump(forward func(ev events.Event, done <-chan struct{}), finish func()) *pump {
	out := events.NewChannel(0)
	p := &pump{in: events.NewQueue(out), out: out}
	go func() {
		defer finish()
		for {
			select {
			case ev := <-out.C:
				forward(ev, out.Done())
			case <-out.Done():
				return
			}
		}
	}()
	return p
}

func (p *pump) push(ev events.Event) {
	_ = p.in.Write(ev)
}

func (p *pump) stop() {
	p.out.Close()
	p.in.Close()
}

func generatedQueueName() string {
	return "amq.gen-" + uuid.NewString()
}
