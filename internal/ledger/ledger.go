// Package ledger owns the authoritative in-memory view of open
// positions. The orchestrator's single writer goroutine performs all
// mutations; the RWMutex exists only so snapshots can be taken from
// other goroutines (subscriber attach, boundary reads).
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/domain"
	"github.com/seanbearden/kalshi-analysis-sub000/pkg/safe"
)

// CacheWriter receives every ledger mutation for durable mirroring.
// Implementations must not block.
type CacheWriter interface {
	EnqueueUpsert(domain.Position)
	EnqueueDelete(ticker string)
}

// nopWriter is used when no durable cache is wired (tests).
type nopWriter struct{}

func (nopWriter) EnqueueUpsert(domain.Position) {}
func (nopWriter) EnqueueDelete(string)          {}

// Ledger maps market ticker to current position state.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	writer    CacheWriter
	now       func() time.Time
}

// New creates a ledger. writer may be nil.
func New(writer CacheWriter) *Ledger {
	if writer == nil {
		writer = nopWriter{}
	}
	return &Ledger{
		positions: make(map[string]domain.Position),
		writer:    writer,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Warm loads cached positions without write-through, used once at
// startup before any upstream data arrives. Zero-quantity rows are
// skipped rather than resurrected.
func (l *Ledger) Warm(positions []domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		if p.Closed() || !p.Side.Valid() {
			continue
		}
		l.positions[p.Ticker] = p
	}
}

// ApplyUpdate creates or replaces the position for a market and mirrors
// the mutation to the durable cache before returning. A zero-quantity
// update removes the position.
func (l *Ledger) ApplyUpdate(p domain.Position) domain.Position {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = l.now()
	}

	l.mu.Lock()
	if p.Closed() {
		delete(l.positions, p.Ticker)
	} else {
		l.positions[p.Ticker] = p
	}
	l.mu.Unlock()

	if p.Closed() {
		l.writer.EnqueueDelete(p.Ticker)
	} else {
		l.writer.EnqueueUpsert(p)
	}
	return p
}

// ApplyUpdateIfNewer applies p only when the held state is older than
// p.UpdatedAt. Backfilled data uses this so it never clobbers fresher
// stream state; on equal timestamps the held (stream) value wins.
func (l *Ledger) ApplyUpdateIfNewer(p domain.Position) (domain.Position, bool) {
	l.mu.RLock()
	held, ok := l.positions[p.Ticker]
	l.mu.RUnlock()

	if ok && !held.UpdatedAt.Before(p.UpdatedAt) {
		return held, false
	}
	return l.ApplyUpdate(p), true
}

// ApplyPrice updates the current price of an existing position.
// Unknown markets are ignored: a price tick alone does not open a
// position.
func (l *Ledger) ApplyPrice(ticker string, priceCents int64) (domain.Position, bool) {
	l.mu.Lock()
	p, ok := l.positions[ticker]
	if !ok {
		l.mu.Unlock()
		return domain.Position{}, false
	}
	p.CurrentCents = priceCents
	p.UpdatedAt = l.now()
	l.positions[ticker] = p
	l.mu.Unlock()

	l.writer.EnqueueUpsert(p)
	return p, true
}

// ApplyFill folds an execution into the position: buys grow quantity
// and re-weight the average entry; sells shrink quantity at the same
// entry. Reaching zero removes the position. Returns the resulting
// state and whether the position still exists.
func (l *Ledger) ApplyFill(ticker string, side domain.Side, count, priceCents int64, at time.Time) (domain.Position, bool) {
	if at.IsZero() {
		at = l.now()
	}

	l.mu.Lock()
	p, ok := l.positions[ticker]
	if !ok {
		p = domain.Position{Ticker: ticker, Side: side}
	}

	if ok && p.Side != side {
		// Opposite-side fill offsets the held position.
		count = -count
	}

	switch {
	case count > 0:
		oldCost := safe.Mul(p.AvgEntryCents, p.Quantity)
		addCost := safe.Mul(priceCents, count)
		p.Quantity = safe.Add(p.Quantity, count)
		p.AvgEntryCents = safe.Div(safe.Add(oldCost, addCost), p.Quantity)
	default:
		p.Quantity = safe.Add(p.Quantity, count)
		if p.Quantity < 0 {
			p.Quantity = 0
		}
	}
	p.CurrentCents = priceCents
	p.UpdatedAt = at

	closed := p.Closed()
	if closed {
		delete(l.positions, ticker)
	} else {
		l.positions[ticker] = p
	}
	l.mu.Unlock()

	if closed {
		l.writer.EnqueueDelete(ticker)
		return p, false
	}
	l.writer.EnqueueUpsert(p)
	return p, true
}

// Remove deletes a market's position outright (close event).
func (l *Ledger) Remove(ticker string) {
	l.mu.Lock()
	_, ok := l.positions[ticker]
	delete(l.positions, ticker)
	l.mu.Unlock()

	if ok {
		l.writer.EnqueueDelete(ticker)
	}
}

// Get returns the position for a market, if held.
func (l *Ledger) Get(ticker string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[ticker]
	return p, ok
}

// Snapshot returns a consistent copy of all positions ordered by
// ticker. Safe to call concurrently with writes.
func (l *Ledger) Snapshot() []domain.Position {
	l.mu.RLock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// TotalUnrealizedPnLCents sums unrealized P&L across all positions.
func (l *Ledger) TotalUnrealizedPnLCents() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, p := range l.positions {
		total = safe.Add(total, p.UnrealizedPnLCents())
	}
	return total
}

// Len returns the number of open positions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}
