package rabbitmq

import "sync"

// PendingConfirms maps delivery tags to the publishes awaiting a broker
// confirmation. A tag is present only between send and ack/nack.
type PendingConfirms struct {
	mu      sync.Mutex
	entries map[uint64]*Publish
}

// NewPendingConfirms creates an empty map
func NewPendingConfirms() *PendingConfirms {
	return &PendingConfirms{entries: make(map[uint64]*Publish)}
}

// Put records p under tag
func (pc *PendingConfirms) Put(tag uint64, p *Publish) {
	pc.mu.Lock()
	pc.entries[tag] = p
	pc.mu.Unlock()
}

// Pop removes and returns the publish for tag
func (pc *PendingConfirms) Pop(tag uint64) (*Publish, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	p, ok := pc.entries[tag]
	if ok {
		delete(pc.entries, tag)
	}
	return p, ok
}

// Len returns the number of unconfirmed publishes
func (pc *PendingConfirms) Len() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.entries)
}

// Reset drops every entry and returns how many were dropped
func (pc *PendingConfirms) Reset() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	n := len(pc.entries)
	pc.entries = make(map[uint64]*Publish)
	return n
}
