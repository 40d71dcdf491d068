// Package broadcast fans events from the orchestrator out to any
// number of subscribers over bounded queues. A slow subscriber loses
// its oldest events rather than stalling the hot path.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/domain"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/event"
)

const defaultQueueSize = 1000

// SnapshotSource provides the current full position state, used to
// seed every new subscriber before it sees incremental updates.
type SnapshotSource interface {
	Snapshot() []domain.Position
	TotalUnrealizedPnLCents() int64
}

// Subscriber is one attached consumer. Read events from Events until
// it closes, then stop; the manager closes it on Detach.
type Subscriber struct {
	id            uuid.UUID
	ch            chan event.Event
	dropped       atomic.Uint64
	lastDelivered atomic.Int64 // unix micros
}

// ID returns the subscriber's unique identity.
func (s *Subscriber) ID() uuid.UUID { return s.id }

// Events is the subscriber's ordered event queue.
func (s *Subscriber) Events() <-chan event.Event { return s.ch }

// Dropped reports how many events were discarded because this
// subscriber fell behind.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// MarkDelivered records that the boundary flushed an event to the
// consumer at t, so staleness per subscriber is observable.
func (s *Subscriber) MarkDelivered(t time.Time) {
	s.lastDelivered.Store(t.UnixMicro())
}

// LastDelivered returns the time of the most recent flushed event, or
// the zero time if nothing was delivered yet.
func (s *Subscriber) LastDelivered() time.Time {
	micros := s.lastDelivered.Load()
	if micros == 0 {
		return time.Time{}
	}
	return time.UnixMicro(micros).UTC()
}

// Manager owns the subscriber set. Publish never blocks on a consumer.
type Manager struct {
	source    SnapshotSource
	queueSize int
	log       *slog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscriber

	dropped atomic.Uint64
}

// NewManager creates a manager. queueSize <= 0 uses the default.
func NewManager(source SnapshotSource, queueSize int, log *slog.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		source:    source,
		queueSize: queueSize,
		log:       log,
		now:       time.Now,
		subs:      make(map[uuid.UUID]*Subscriber),
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Attach registers a new subscriber. Its first event is always a full
// snapshot of the current state, so a consumer never has to join
// mid-stream blind.
func (m *Manager) Attach() *Subscriber {
	sub := &Subscriber{
		id: uuid.New(),
		ch: make(chan event.Event, m.queueSize),
	}
	sub.ch <- event.PositionSnapshot{
		Positions:  m.source.Snapshot(),
		TotalPnL:   m.source.TotalUnrealizedPnLCents(),
		Provenance: event.ProvenanceCache,
		At:         m.now(),
	}

	m.mu.Lock()
	m.subs[sub.id] = sub
	m.mu.Unlock()

	m.log.Info("subscriber attached", "id", sub.id)
	return sub
}

// Detach removes a subscriber and closes its queue. Safe to call for
// an already-detached subscriber.
func (m *Manager) Detach(sub *Subscriber) {
	m.mu.Lock()
	_, ok := m.subs[sub.id]
	delete(m.subs, sub.id)
	m.mu.Unlock()

	if ok {
		close(sub.ch)
		m.log.Info("subscriber detached", "id", sub.id, "dropped", sub.Dropped())
	}
}

// Publish delivers an event to every subscriber without blocking. When
// a queue is full, the oldest queued event is discarded to make room;
// a snapshot instead clears the whole queue, since everything queued
// before it is superseded anyway.
func (m *Manager) Publish(ev event.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	isSnapshot := ev.Kind() == event.TypeSnapshot
	for _, sub := range m.subs {
		if isSnapshot {
			m.clearQueue(sub)
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				// Full queue: shed the oldest and retry.
				select {
				case <-sub.ch:
					sub.dropped.Add(1)
					m.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// clearQueue discards everything queued for sub. The events are
// superseded, not lost, so they do not count as drops.
func (m *Manager) clearQueue(sub *Subscriber) {
	for {
		select {
		case <-sub.ch:
		default:
			return
		}
	}
}

// Len returns the number of attached subscribers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Dropped reports the total events discarded across all subscribers.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// Close detaches every subscriber.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[uuid.UUID]*Subscriber)
	m.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}
