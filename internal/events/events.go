// Package events provides a typed event bus with one sender (the
// coordinator) and many subscribers. Consumers are explicit goroutines
// draining a channel, not stored callbacks.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	TypeJobCreated     Type = "job.created"
	TypeJobExtracted   Type = "job.extracted"
	TypeJobAssembling  Type = "job.assembling"
	TypeJobCompleted   Type = "job.completed"
	TypeJobFailed      Type = "job.failed"
	TypeJobCancelled   Type = "job.cancelled"
	TypeBatchCreated   Type = "batch.created"
	TypeBatchAssigned  Type = "batch.assigned"
	TypeBatchStarted   Type = "batch.started"
	TypeBatchCompleted Type = "batch.completed"
	TypeBatchFailed    Type = "batch.failed"
	TypeBatchTimeout   Type = "batch.timeout"
	TypeBatchDuplicate Type = "batch.duplicated"
	TypeWorkerJoined   Type = "worker.joined"
	TypeWorkerLeft     Type = "worker.left"
	TypeWorkerBanned   Type = "worker.banned"
)

// Event is a single occurrence published on the bus.
type Event struct {
	Type     Type      `json:"type"`
	JobID    string    `json:"job_id,omitempty"`
	BatchID  string    `json:"batch_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Bus fan-outs events to subscribers. Publish never blocks: when a
// subscriber's buffer is full the oldest event is dropped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus an unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish delivers the event to every subscriber, dropping the oldest
// buffered event for subscribers that have fallen behind.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
