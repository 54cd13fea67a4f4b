package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeDialer hands out in-memory connections
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, &ConnectionError{Op: "dial", Err: d.err, Attempts: 1}
	}
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeConn struct {
	mu         sync.Mutex
	closed     bool
	closes     []chan *amqp.Error
	channels   []*fakeChannel
	channelErr error
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := newFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	if !c.shutdown(nil) {
		return amqp.ErrClosed
	}
	return nil
}

func (c *fakeConn) channel() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

func (c *fakeConn) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// shutdown mimics amqp091: listeners get err when there is one, then their
// channels are closed.
func (c *fakeConn) shutdown(err *amqp.Error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	closes := c.closes
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, l := range closes {
		if err != nil {
			l <- err
		}
		close(l)
	}
	return true
}

type sentPublish struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type fakeChannel struct {
	mu           sync.Mutex
	closed       bool
	confirming   bool
	confirmErr   error
	failPublish  int
	exchangeErr  error
	exchanges    []ExchangeDeclaration
	queues       []QueueDeclaration
	bindings     []Binding
	published    []sentPublish
	confirms     []chan amqp.Confirmation
	closes       []chan *amqp.Error
	deliveries   map[string]chan amqp.Delivery
	acks         []uint64
	generatedSeq int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(map[string]chan amqp.Delivery)}
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.exchangeErr != nil {
		return ch.exchangeErr
	}
	ch.exchanges = append(ch.exchanges, ExchangeDeclaration{Name: name, Type: kind, Durable: durable, AutoDelete: autoDelete})
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if name == "" {
		ch.generatedSeq++
		name = fmt.Sprintf("amq.gen-%d", ch.generatedSeq)
	}
	ch.queues = append(ch.queues, QueueDeclaration{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive})
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bindings = append(ch.bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: key})
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.deliveries[queue]; ok {
		return nil, errors.New("queue already consumed")
	}
	d := make(chan amqp.Delivery, 16)
	ch.deliveries[queue] = d
	return d, nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.failPublish > 0 {
		ch.failPublish--
		return errors.New("write: broken pipe")
	}
	ch.published = append(ch.published, sentPublish{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

func (ch *fakeChannel) Confirm(noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.confirmErr != nil {
		return ch.confirmErr
	}
	ch.confirming = true
	return nil
}

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closes = append(ch.closes, c)
	return c
}

func (ch *fakeChannel) Ack(tag uint64, multiple bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.acks = append(ch.acks, tag)
	return nil
}

func (ch *fakeChannel) Close() error {
	ch.shutdown(nil)
	return nil
}

// confirm reports a broker ack or nack for tag
func (ch *fakeChannel) confirm(tag uint64, ack bool) {
	ch.mu.Lock()
	confirms := ch.confirms
	ch.mu.Unlock()
	for _, c := range confirms {
		c <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
	}
}

// deliver pushes a message to the consumer of queue
func (ch *fakeChannel) deliver(queue string, d amqp.Delivery) {
	ch.mu.Lock()
	c := ch.deliveries[queue]
	ch.mu.Unlock()
	c <- d
}

func (ch *fakeChannel) shutdown(err *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	closes := ch.closes
	confirms := ch.confirms
	deliveries := ch.deliveries
	ch.mu.Unlock()

	for _, l := range closes {
		if err != nil {
			l <- err
		}
		close(l)
	}
	for _, c := range confirms {
		close(c)
	}
	for _, d := range deliveries {
		close(d)
	}
}

func (ch *fakeChannel) publishedCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.published)
}

func (ch *fakeChannel) publishedAt(i int) sentPublish {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.published[i]
}

func (ch *fakeChannel) exchangeCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.exchanges)
}

func (ch *fakeChannel) bindingList() []Binding {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Binding(nil), ch.bindings...)
}

func (ch *fakeChannel) queueList() []QueueDeclaration {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]QueueDeclaration(nil), ch.queues...)
}

func (ch *fakeChannel) ackList() []uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]uint64(nil), ch.acks...)
}

func (ch *fakeChannel) isConsuming(queue string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	_, ok := ch.deliveries[queue]
	return ok
}
