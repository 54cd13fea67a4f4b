package rabbitmq

import (
	"sync"

	events "github.com/docker/go-events"
)

// EventLoop runs posted tasks one at a time on the goroutine that called Run.
// It is the only place where transport connection and channel state is
// touched; other goroutines hand work over with Post.
type EventLoop struct {
	queue    *events.Queue
	tasks    *events.Channel
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewEventLoop creates a loop that is not yet running
func NewEventLoop() *EventLoop {
	tasks := events.NewChannel(0)
	return &EventLoop{
		queue:   events.NewQueue(tasks),
		tasks:   tasks,
		stopped: make(chan struct{}),
	}
}

// Post schedules task to run on the loop. Tasks run in the order they were
// posted. Posting never blocks.
func (l *EventLoop) Post(task func()) error {
	select {
	case <-l.stopped:
		return ErrLoopStopped
	default:
	}

	if err := l.queue.Write(task); err != nil {
		return ErrLoopStopped
	}
	return nil
}

// Run executes tasks until Stop is called.
func (l *EventLoop) Run() {
	for {
		select {
		case <-l.stopped:
			return
		case ev := <-l.tasks.C:
			if l.isStopped() {
				return
			}
			if task, ok := ev.(func()); ok {
				task()
			}
		}
	}
}

// Stop ends Run. Tasks that have not started are discarded. Safe to call
// more than once and from inside a task.
func (l *EventLoop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
		l.tasks.Close()
		l.queue.Close()
	})
}

func (l *EventLoop) isStopped() bool {
	select {
	case <-l.stopped:
		return true
	default:
		return false
	}
}

// Done is closed once Stop has been called.
func (l *EventLoop) Done() <-chan struct{} {
	return l.stopped
}
