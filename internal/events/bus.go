// Package events is the lossy broadcast bus for loop events.
//
// Every subscriber owns a bounded buffer. When a subscriber falls behind,
// the oldest buffered event is dropped to make room for the newest one;
// publishers never block.
package events

import (
	"sync"
	"time"
)

// Type tags the event variant
type Type string

const (
	LoopIteration      Type = "loop_iteration"
	AttentionShifted   Type = "attention_shifted"
	NarrativeUpdated   Type = "narrative_updated"
	MemoryConsolidated Type = "memory_consolidated"
	DreamingReplay     Type = "dreaming_replay"
	MoralAssessment    Type = "moral_assessment"
)

// Event is a write-once loop event. Only the fields of its Type are set.
type Event struct {
	Type       Type      `json:"type"`
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`

	// LoopIteration
	Iteration uint64 `json:"iteration,omitempty"`

	// AttentionShifted
	FromID string  `json:"from_id,omitempty"`
	ToID   string  `json:"to_id,omitempty"`
	Weight float64 `json:"weight,omitempty"`

	// NarrativeUpdated
	NarrativeID string  `json:"narrative_id,omitempty"`
	Coherence   float64 `json:"coherence,omitempty"`

	// MemoryConsolidated
	EpisodicID string `json:"episodic_id,omitempty"`
	SemanticID string `json:"semantic_id,omitempty"`

	// DreamingReplay
	ExperiencesReplayed int `json:"experiences_replayed,omitempty"`

	// MoralAssessment
	SubjectID string  `json:"subject_id,omitempty"`
	Verdict   string  `json:"verdict,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// DefaultBuffer is the per-subscriber buffer size
const DefaultBuffer = 256

// Subscription receives events from a Bus
type Subscription struct {
	C <-chan Event

	ch      chan Event
	bus     *Bus
	mu      sync.Mutex
	dropped uint64
}

// Dropped returns how many events this subscriber missed by falling behind
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes; C is closed afterwards
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus fans events out to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewBus creates a bus; buffer <= 0 uses DefaultBuffer
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed bus returns
// a subscription whose channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers ev to every subscriber without blocking
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		sub.deliver(ev)
	}
}

// deliver enqueues ev, dropping the oldest buffered event when full.
// The subscription mutex serializes concurrent publishers on the same channel.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// Subscribers returns the current subscriber count
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription; later publishes are ignored
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}
