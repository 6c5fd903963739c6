// Package events distributes job status changes to in-process subscribers
// (the SSE endpoint) and fans them out to other publishers such as MQTT.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/transcript-engine/internal/jobs"
)

const TypeJobStatus = "job_status"

// Event is a server-sent event ready for transmission.
type Event struct {
	ID        string `json:"event_id"`
	Type      string `json:"event_type"`
	JobID     string `json:"job_id"`
	Timestamp string `json:"timestamp"`
	Data      []byte `json:"-"` // pre-serialized JSON payload
}

// Filter narrows a subscription. An empty filter matches every job.
type Filter struct {
	JobIDs []string
}

func (f Filter) matches(e Event) bool {
	return len(f.JobIDs) == 0 || slices.Contains(f.JobIDs, e.JobID)
}

// Bus is a pub-sub hub with a ring buffer for Last-Event-ID replay.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates a bus keeping the last ringSize events for replay.
func NewBus(ringSize int) *Bus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a subscriber. Call the returned func to unsubscribe.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// ReplaySince returns buffered events after lastEventID, oldest first. An
// empty id replays the whole buffer; an unknown id replays nothing.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	var out []Event
	found := lastEventID == ""
	for i := 0; i < b.ringSize; i++ {
		e := b.ring[(b.ringHead+i)%b.ringSize]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// PublishStatus implements the orchestrator's event sink.
func (b *Bus) PublishStatus(_ context.Context, st jobs.Status) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	b.publish(Event{Type: TypeJobStatus, JobID: st.JobID, Data: data})
}

func (b *Bus) publish(e Event) {
	now := time.Now()
	e.ID = fmt.Sprintf("%d-%d", now.UnixMilli(), b.seq.Add(1))
	e.Timestamp = now.UTC().Format(time.RFC3339)

	b.ringMu.Lock()
	b.ring[b.ringHead] = e
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if sub.filter.matches(e) {
			select {
			case sub.ch <- e:
			default:
				// slow subscriber, drop
			}
		}
	}
	b.mu.RUnlock()
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// StatusPublisher receives job status changes.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, st jobs.Status)
}

// Multi forwards every event to each publisher in order.
type Multi []StatusPublisher

func (m Multi) PublishStatus(ctx context.Context, st jobs.Status) {
	for _, p := range m {
		p.PublishStatus(ctx, st)
	}
}

// ClearStatus forwards to publishers that keep per-job state.
func (m Multi) ClearStatus(jobID string) {
	for _, p := range m {
		if c, ok := p.(interface{ ClearStatus(string) }); ok {
			c.ClearStatus(jobID)
		}
	}
}
