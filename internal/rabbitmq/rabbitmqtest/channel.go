package rabbitmqtest

import (
	"context"
	"sync"

	events "github.com/docker/go-events"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmq-client/internal/rabbitmq"
)

type conn struct {
	broker   *Broker
	closed   bool
	closes   []chan *amqp.Error
	channels []*channel
}

func (c *conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := newChannel(c)
	c.channels = append(c.channels, ch)
	b.channels++
	return ch, nil
}

func (c *conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *conn) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.broker.closeConn(c, nil)
	return nil
}

type channel struct {
	conn        *conn
	broker      *Broker
	closed      bool
	confirming  bool
	publishSeq  uint64
	deliverySeq uint64
	closes      []chan *amqp.Error
	consumers   []*consumer

	listenersMu sync.Mutex
	listeners   []chan amqp.Confirmation
	confirms    *pump
}

func newChannel(c *conn) *channel {
	ch := &channel{conn: c, broker: c.broker}
	ch.confirms = startPump(ch.fanOutConfirmation, ch.closeListeners)
	return ch
}

func (ch *channel) fanOutConfirmation(ev events.Event, done <-chan struct{}) {
	confirmation := ev.(amqp.Confirmation)
	ch.listenersMu.Lock()
	listeners := ch.listeners
	ch.listenersMu.Unlock()

	for _, l := range listeners {
		select {
		case l <- confirmation:
		case <-done:
			return
		}
	}
}

func (ch *channel) closeListeners() {
	ch.listenersMu.Lock()
	defer ch.listenersMu.Unlock()
	for _, l := range ch.listeners {
		close(l)
	}
	ch.listeners = nil
}

func (ch *channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return ch.exception(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '"+name+"'")
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = generatedQueueName()
	}

	q, ok := b.queues[name]
	if ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, ch.exception(amqp.ResourceLocked, "RESOURCE_LOCKED - exclusive queue '"+name+"'")
		}
	} else {
		q = &queue{name: name, exclusive: exclusive}
		if exclusive {
			q.owner = ch.conn
		}
		b.queues[name] = q
	}

	consumers := 0
	if q.consumer != nil {
		consumers = 1
	}
	return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: consumers}, nil
}

func (ch *channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		return ch.exception(amqp.NotFound, "NOT_FOUND - no queue '"+name+"'")
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return ch.exception(amqp.NotFound, "NOT_FOUND - no exchange '"+exchange+"'")
	}

	binding := rabbitmq.Binding{Queue: name, Exchange: exchange, RoutingKey: key}
	for _, existing := range b.bindings {
		if existing.Queue == binding.Queue && existing.Exchange == binding.Exchange && existing.RoutingKey == binding.RoutingKey {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding)
	return nil
}

func (ch *channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.exception(amqp.NotFound, "NOT_FOUND - no queue '"+queueName+"'")
	}
	if q.consumer != nil {
		return nil, ch.exception(amqp.AccessRefused, "ACCESS_REFUSED - queue '"+queueName+"' in exclusive use")
	}

	cons := newConsumer(ch, q)
	q.consumer = cons
	ch.consumers = append(ch.consumers, cons)

	for _, d := range q.backlog {
		cons.deliver(d)
	}
	q.backlog = nil
	return cons.deliveries, nil
}

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	targets, routeErr := b.route(exchange, key)
	if routeErr != nil {
		return ch.exception(routeErr.Code, routeErr.Reason)
	}
	b.published++

	for _, q := range targets {
		b.enqueue(q, amqp.Delivery{
			Exchange:      exchange,
			RoutingKey:    key,
			ContentType:   msg.ContentType,
			DeliveryMode:  msg.DeliveryMode,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			MessageId:     msg.MessageId,
			Timestamp:     msg.Timestamp,
			Body:          append([]byte(nil), msg.Body...),
		})
	}

	if ch.confirming {
		ch.publishSeq++
		ack := true
		if b.nacks > 0 {
			b.nacks--
			ack = false
		}
		ch.confirms.push(amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: ack})
	}
	return nil
}

func (ch *channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.listenersMu.Lock()
	defer ch.listenersMu.Unlock()
	ch.listeners = append(ch.listeners, confirm)
	return confirm
}

func (ch *channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.closes = append(ch.closes, c)
	return c
}

func (ch *channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.acked++
	return nil
}

// exception closes ch after a channel-level error and returns that error.
// Listeners are told asynchronously, after the failing call returned. Caller
// holds the broker lock.
func (ch *channel) exception(code int, reason string) *amqp.Error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true, Recover: true}
	listeners := ch.broker.closeChannelLocked(ch)
	go notifyClose(listeners, err)
	return err
}

func (ch *channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	listeners := b.closeChannelLocked(ch)
	b.mu.Unlock()

	notifyClose(listeners, nil)
	return nil
}

type consumer struct {
	channel    *channel
	queue      *queue
	deliveries chan amqp.Delivery
	pump       *pump
}

func newConsumer(ch *channel, q *queue) *consumer {
	cons := &consumer{
		channel:    ch,
		queue:      q,
		deliveries: make(chan amqp.Delivery),
	}
	cons.pump = startPump(func(ev events.Event, done <-chan struct{}) {
		select {
		case cons.deliveries <- ev.(amqp.Delivery):
		case <-done:
		}
	}, func() {
		close(cons.deliveries)
	})
	return cons
}

// deliver assigns the channel's next delivery tag. Caller holds the broker
// lock.
func (cons *consumer) deliver(d amqp.Delivery) {
	cons.channel.deliverySeq++
	d.DeliveryTag = cons.channel.deliverySeq
	cons.pump.push(d)
}
