// Package events fans job progress and status changes out to subscribers.
package events

import (
	"sync"
	"time"

	"batch-calc-engine/internal/models"
)

// Kind identifies an event payload.
type Kind string

const (
	KindProgress Kind = "progress"
	KindStatus   Kind = "status"
)

// Event is one notification about a job.
type Event struct {
	JobID    string              `json:"job_id"`
	Kind     Kind                `json:"kind"`
	Status   models.Status       `json:"status,omitempty"`
	Progress *models.JobProgress `json:"progress,omitempty"`
	// Drained is set on the paused event emitted once in-flight work has finished.
	Drained bool      `json:"drained,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Subscription receives events for a single job until closed.
type Subscription struct {
	JobID string

	bus    *Bus
	id     uint64
	ch     chan Event
	once   sync.Once
	closed chan struct{}
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.closed }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

func (s *Subscription) finish() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

// Bus is a per-job broadcast channel. Publishing never blocks: when a
// subscriber's buffer is full the oldest queued event is dropped.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	buffer int
}

// NewBus creates a bus whose subscriptions buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{subs: make(map[string]map[uint64]*Subscription), buffer: buffer}
}

// Subscribe attaches a new subscriber to jobID.
func (b *Bus) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		JobID:  jobID,
		bus:    b,
		id:     b.nextID,
		ch:     make(chan Event, b.buffer),
		closed: make(chan struct{}),
	}
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[uint64]*Subscription)
	}
	b.subs[jobID][sub.id] = sub
	return sub
}

// Publish delivers ev to every subscriber of ev.JobID.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[ev.JobID] {
		for {
			select {
			case sub.ch <- ev:
			default:
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// CloseJob ends every subscription for jobID.
func (b *Bus) CloseJob(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[jobID] {
		sub.finish()
	}
	delete(b.subs, jobID)
}

// Subscribers returns the number of live subscriptions on jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if byID, ok := b.subs[s.JobID]; ok {
		delete(byID, s.id)
		if len(byID) == 0 {
			delete(b.subs, s.JobID)
		}
	}
	s.finish()
}
