// Package sequence tracks per-market sequence numbers on the upstream
// feed and reports contiguous ranges that were never observed.
package sequence

import (
	"sort"
	"time"
)

// Range is an inclusive span of missing sequence numbers.
type Range struct {
	Start uint64
	End   uint64
}

// Width is the number of sequence numbers covered by the range.
func (r Range) Width() uint64 {
	return r.End - r.Start + 1
}

// Contains reports whether seq falls inside the range.
func (r Range) Contains(seq uint64) bool {
	return seq >= r.Start && seq <= r.End
}

// Gap is a pending missing range plus the time it was first detected,
// so callers can apply a grace period before backfilling.
type Gap struct {
	Range
	OpenedAt time.Time
}

// GapReport describes the outcome of a single Observe call.
type GapReport struct {
	Opened        *Range // a new gap was recorded
	Unrecoverable *Range // gap exceeded the maximum width and was discarded
	Filled        bool   // seq landed inside a pending gap and shrank it
	Duplicate     bool   // seq already seen; ignored
}

type record struct {
	last uint64
	gaps []Gap // disjoint, sorted by Start
}

// Tracker records observed sequence numbers per market. It is not safe
// for concurrent use; the orchestrator's single writer goroutine owns it.
type Tracker struct {
	maxWidth uint64 // 0 disables the unrecoverable-gap cutoff
	now      func() time.Time
	records  map[string]*record
}

// NewTracker creates a tracker. Gaps wider than maxWidth are discarded
// as unrecoverable instead of being recorded for backfill.
func NewTracker(maxWidth uint64) *Tracker {
	return &Tracker{
		maxWidth: maxWidth,
		now:      time.Now,
		records:  make(map[string]*record),
	}
}

// SetClock overrides the time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Observe records a sequence number for a market.
//
// seq == last+1 advances the watermark. seq > last+1 records the skipped
// range as a pending gap and advances. seq <= last is idempotent noise
// unless it falls inside a pending gap, which it then shrinks.
func (t *Tracker) Observe(market string, seq uint64) GapReport {
	rec, ok := t.records[market]
	if !ok {
		// First message for the market sets the baseline; nothing
		// before it can be known missing.
		t.records[market] = &record{last: seq}
		return GapReport{}
	}

	switch {
	case seq == rec.last+1:
		rec.last = seq
		return GapReport{}

	case seq > rec.last+1:
		missing := Range{Start: rec.last + 1, End: seq - 1}
		rec.last = seq
		if t.maxWidth > 0 && missing.Width() > t.maxWidth {
			return GapReport{Unrecoverable: &missing}
		}
		rec.gaps = append(rec.gaps, Gap{Range: missing, OpenedAt: t.now()})
		return GapReport{Opened: &missing}

	default: // seq <= rec.last
		if rec.fill(seq) {
			return GapReport{Filled: true}
		}
		return GapReport{Duplicate: true}
	}
}

// fill removes seq from the pending gap containing it, splitting the
// range if seq is interior. Returns false if no gap contains seq.
func (r *record) fill(seq uint64) bool {
	for i, g := range r.gaps {
		if !g.Contains(seq) {
			continue
		}
		switch {
		case g.Start == g.End:
			r.gaps = append(r.gaps[:i], r.gaps[i+1:]...)
		case seq == g.Start:
			r.gaps[i].Start = seq + 1
		case seq == g.End:
			r.gaps[i].End = seq - 1
		default:
			left := Gap{Range: Range{Start: g.Start, End: seq - 1}, OpenedAt: g.OpenedAt}
			right := Gap{Range: Range{Start: seq + 1, End: g.End}, OpenedAt: g.OpenedAt}
			r.gaps = append(r.gaps[:i], append([]Gap{left, right}, r.gaps[i+1:]...)...)
		}
		return true
	}
	return false
}

// PendingGaps returns the market's outstanding gaps, ordered by start.
func (t *Tracker) PendingGaps(market string) []Gap {
	rec, ok := t.records[market]
	if !ok || len(rec.gaps) == 0 {
		return nil
	}
	out := make([]Gap, len(rec.gaps))
	copy(out, rec.gaps)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Discard drops a pending gap without filling it. Used when backfill
// gives up on a range.
func (t *Tracker) Discard(market string, r Range) {
	rec, ok := t.records[market]
	if !ok {
		return
	}
	for i, g := range rec.gaps {
		if g.Start == r.Start && g.End == r.End {
			rec.gaps = append(rec.gaps[:i], rec.gaps[i+1:]...)
			return
		}
	}
}

// LastSeen returns the market's watermark, if any message was observed.
func (t *Tracker) LastSeen(market string) (uint64, bool) {
	rec, ok := t.records[market]
	if !ok {
		return 0, false
	}
	return rec.last, true
}

// Markets returns every market with a sequence record, sorted.
func (t *Tracker) Markets() []string {
	out := make([]string, 0, len(t.records))
	for m := range t.records {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Watermarks snapshots the last-seen sequence per market. The
// orchestrator persists these across reconnects to absorb replays.
func (t *Tracker) Watermarks() map[string]uint64 {
	out := make(map[string]uint64, len(t.records))
	for m, rec := range t.records {
		out[m] = rec.last
	}
	return out
}
