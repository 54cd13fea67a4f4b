package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	events "github.com/docker/go-events"
)

// CommandBus is the pair of unbounded, ordered queues between a controlling
// goroutine and a connection: commands flow in, events flow out.
type CommandBus struct {
	commands    *events.Queue
	commandsOut *events.Channel
	events      *events.Queue
	eventsOut   *events.Channel
	closeOnce   sync.Once
}

// NewCommandBus creates an open bus
func NewCommandBus() *CommandBus {
	commandsOut := events.NewChannel(0)
	eventsOut := events.NewChannel(0)
	return &CommandBus{
		commands:    events.NewQueue(commandsOut),
		commandsOut: commandsOut,
		events:      events.NewQueue(eventsOut),
		eventsOut:   eventsOut,
	}
}

// Send enqueues a command for the connection. It never blocks.
func (b *CommandBus) Send(cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: nil", ErrUnknownCommand)
	}
	if err := b.commands.Write(cmd); err != nil {
		return ErrBusClosed
	}
	return nil
}

// NextCommand blocks until a command is available, ctx is done or the bus is
// closed.
func (b *CommandBus) NextCommand(ctx context.Context) (Command, error) {
	for {
		select {
		case ev := <-b.commandsOut.C:
			cmd, ok := ev.(Command)
			if !ok {
				continue
			}
			return cmd, nil
		case <-b.commandsOut.Done():
			return nil, ErrBusClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Emit enqueues an event for the controlling side. It never blocks.
func (b *CommandBus) Emit(ev Event) error {
	if err := b.events.Write(ev); err != nil {
		return ErrBusClosed
	}
	return nil
}

// NextEvent blocks until an event is available, ctx is done or the bus is
// closed.
func (b *CommandBus) NextEvent(ctx context.Context) (Event, error) {
	for {
		select {
		case raw := <-b.eventsOut.C:
			ev, ok := raw.(Event)
			if !ok {
				continue
			}
			return ev, nil
		case <-b.eventsOut.Done():
			return nil, ErrBusClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close shuts both directions down. Queued items that were not read are
// discarded.
func (b *CommandBus) Close() {
	b.closeOnce.Do(func() {
		b.commandsOut.Close()
		b.eventsOut.Close()
		b.commands.Close()
		b.events.Close()
	})
}
