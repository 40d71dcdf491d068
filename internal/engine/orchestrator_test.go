package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/domain"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/event"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/infra"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/kalshi"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/ledger"
)

type frame struct {
	msg  kalshi.Message
	seq  uint64
	err  error
	hook func()
}

// scriptedStream plays back one scripted session per successful
// connect. When the script runs out, connects fail.
type scriptedStream struct {
	connectErrs []error
	sessions    [][]frame
	session     int
	started     bool
	idx         int
	closes      int
	subscribed  [][]kalshi.ChannelSpec
	pings       atomic.Int64
}

func (s *scriptedStream) Connect(ctx context.Context, creds kalshi.Credentials) error {
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	if s.started {
		s.session++
	}
	s.started = true
	if s.session >= len(s.sessions) {
		return fmt.Errorf("no more scripted sessions")
	}
	s.idx = 0
	return nil
}

func (s *scriptedStream) Subscribe(ctx context.Context, channels []kalshi.ChannelSpec) error {
	s.subscribed = append(s.subscribed, channels)
	return nil
}

func (s *scriptedStream) Receive() (kalshi.Message, uint64, error) {
	if s.session >= len(s.sessions) || s.idx >= len(s.sessions[s.session]) {
		return nil, 0, kalshi.ErrEndOfStream
	}
	f := s.sessions[s.session][s.idx]
	s.idx++
	if f.hook != nil {
		f.hook()
	}
	return f.msg, f.seq, f.err
}

func (s *scriptedStream) Ping() error {
	s.pings.Add(1)
	return nil
}

func (s *scriptedStream) Close() error {
	s.closes++
	return nil
}

type fakeRest struct {
	snapshot    []domain.Position
	snapErr     error
	atSeq       map[string]*domain.Position
	fetchAtSeq  int
	verifyErr   error
	snapshotCnt int
}

func (r *fakeRest) FetchCurrentPositions(ctx context.Context) ([]domain.Position, error) {
	r.snapshotCnt++
	if r.snapErr != nil {
		return nil, r.snapErr
	}
	out := make([]domain.Position, len(r.snapshot))
	copy(out, r.snapshot)
	return out, nil
}

func (r *fakeRest) FetchAtSequence(ctx context.Context, market string, seq uint64) (*domain.Position, error) {
	r.fetchAtSeq++
	p, ok := r.atSeq[market]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRest) VerifyCredentials(ctx context.Context) error { return r.verifyErr }

type capturePub struct {
	events []event.Event
}

func (c *capturePub) Publish(ev event.Event) { c.events = append(c.events, ev) }

func (c *capturePub) statuses() []event.ConnectionStatus {
	var out []event.ConnectionStatus
	for _, ev := range c.events {
		if st, ok := ev.(event.ConnectionStatus); ok {
			out = append(out, st)
		}
	}
	return out
}

func (c *capturePub) terminals() []event.ConnectionStatus {
	var out []event.ConnectionStatus
	for _, st := range c.statuses() {
		if st.Terminal() {
			out = append(out, st)
		}
	}
	return out
}

func stepClock(step time.Duration) func() time.Time {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var n int
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * step)
	}
}

func newTestOrchestrator(stream StreamSource, rest SnapshotSource, opts Options) (*Orchestrator, *capturePub) {
	pub := &capturePub{}
	led := ledger.New(nil)
	creds := infra.StaticCredentialSource{Key: "test"}
	o := New(stream, rest, creds, led, pub, nil, opts, nil)
	o.SetClock(stepClock(time.Second))
	o.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	return o, pub
}

func tickerFrame(market string, seq uint64, price int64) frame {
	return frame{msg: kalshi.TickerMessage{MarketTicker: market, PriceCents: price, TS: 1}, seq: seq}
}

func yesPosition(ticker string, qty, entry int64) domain.Position {
	return domain.Position{
		Ticker: ticker, Side: domain.SideYes,
		Quantity: qty, AvgEntryCents: entry, CurrentCents: entry,
		UpdatedAt: time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC),
	}
}

func TestRunRetriesThenFails(t *testing.T) {
	stream := &scriptedStream{
		connectErrs: []error{
			errors.New("refused"), errors.New("refused"),
			errors.New("refused"), errors.New("refused"),
		},
	}
	var delays []time.Duration
	o, pub := newTestOrchestrator(stream, &fakeRest{}, Options{
		Backoff:    infra.NewBackoffPolicy(10*time.Millisecond, 100*time.Millisecond, 0),
		MaxRetries: 3,
	})
	o.SetSleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})

	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil, want retries-exhausted error")
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("slept %d times (%v), want %d", len(delays), delays, len(want))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}

	terms := pub.terminals()
	if len(terms) != 1 || terms[0].State != event.StateFailed {
		t.Fatalf("terminal statuses = %+v, want exactly one failed", terms)
	}
	// Terminal status is the last event published.
	if _, ok := pub.events[len(pub.events)-1].(event.ConnectionStatus); !ok {
		t.Error("last event is not the terminal status")
	}
}

func TestRetryCountResetsAfterSuccessfulSession(t *testing.T) {
	// Five sessions that each connect, subscribe, and stream a frame,
	// with a retry limit of three: only consecutive failures may
	// exhaust the limit, so this must end with a clean stop, never a
	// spurious terminal failure.
	ctx, cancel := context.WithCancel(context.Background())
	sessions := make([][]frame, 5)
	for i := range sessions {
		sessions[i] = []frame{tickerFrame("X", uint64(i+1), 40)}
	}
	sessions[4][0].hook = cancel

	stream := &scriptedStream{sessions: sessions}
	o, pub := newTestOrchestrator(stream, &fakeRest{}, Options{
		Backoff:    infra.NewBackoffPolicy(time.Millisecond, time.Millisecond, 0),
		MaxRetries: 3,
	})

	if err := o.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	for _, st := range pub.statuses() {
		if st.State == event.StateFailed {
			t.Fatalf("terminal failed published despite every session subscribing: %+v", st)
		}
		if st.State == event.StateReconnecting && st.Retries != 1 {
			t.Errorf("reconnecting status carries retries=%d, want 1 after a good session", st.Retries)
		}
	}

	terms := pub.terminals()
	if len(terms) != 1 || terms[0].State != event.StateStopped {
		t.Fatalf("terminal statuses = %+v, want exactly one stopped", terms)
	}
}

func TestPingLoopRunsWhileStreaming(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &scriptedStream{
		sessions: [][]frame{{
			tickerFrame("X", 1, 40),
			{msg: kalshi.TickerMessage{MarketTicker: "X", PriceCents: 41, TS: 1}, seq: 2,
				hook: func() {
					time.Sleep(50 * time.Millisecond)
					cancel()
				}},
		}},
	}
	o, _ := newTestOrchestrator(stream, &fakeRest{}, Options{
		Backoff:      infra.NewBackoffPolicy(time.Millisecond, time.Millisecond, 0),
		PingInterval: time.Millisecond,
	})

	o.Run(ctx)

	if stream.pings.Load() == 0 {
		t.Error("no keep-alive ping sent during the session")
	}
}

func TestRunAuthRejectedIsTerminal(t *testing.T) {
	stream := &scriptedStream{
		connectErrs: []error{&infra.AuthError{Reason: "bad key"}},
	}
	o, pub := newTestOrchestrator(stream, &fakeRest{}, Options{
		Backoff: infra.NewBackoffPolicy(time.Millisecond, time.Millisecond, 0),
	})

	err := o.Run(context.Background())
	var authErr *infra.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *infra.AuthError", err)
	}

	statuses := pub.statuses()
	if len(statuses) != 1 || statuses[0].State != event.StateFailed {
		t.Fatalf("statuses = %+v, want exactly one failed, no reconnecting", statuses)
	}
}

func TestSnapshotPrecedesUpdatesEachSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &scriptedStream{
		sessions: [][]frame{
			{tickerFrame("INXD", 1, 70)},
			{
				tickerFrame("INXD", 2, 71),
				{msg: kalshi.TickerMessage{MarketTicker: "INXD", PriceCents: 72, TS: 1}, seq: 3,
					hook: cancel},
			},
		},
	}
	rest := &fakeRest{snapshot: []domain.Position{yesPosition("INXD", 100, 68)}}
	o, pub := newTestOrchestrator(stream, rest, Options{
		Backoff:    infra.NewBackoffPolicy(time.Millisecond, time.Millisecond, 0),
		MaxRetries: 5,
	})

	err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	var snapshots int
	sawSnapshot := false
	for _, ev := range pub.events {
		switch ev.(type) {
		case event.PositionSnapshot:
			snapshots++
			sawSnapshot = true
		case event.PositionUpdate, event.PositionRemoved:
			if !sawSnapshot {
				t.Fatal("update published before any snapshot in session")
			}
		case event.ConnectionStatus:
			if ev.(event.ConnectionStatus).State == event.StateReconnecting {
				sawSnapshot = false // next session must re-snapshot first
			}
		}
	}
	if snapshots != 2 {
		t.Errorf("snapshots = %d, want one per session", snapshots)
	}

	terms := pub.terminals()
	if len(terms) != 1 || terms[0].State != event.StateStopped {
		t.Errorf("terminal statuses = %+v, want exactly one stopped", terms)
	}
}

func TestSeededWatermarksAbsorbReplays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &scriptedStream{
		sessions: [][]frame{{
			tickerFrame("X", 4, 40),
			tickerFrame("X", 5, 41),
			{msg: kalshi.TickerMessage{MarketTicker: "X", PriceCents: 42, TS: 1}, seq: 6,
				hook: cancel},
		}},
	}
	rest := &fakeRest{snapshot: []domain.Position{yesPosition("X", 10, 30)}}
	o, pub := newTestOrchestrator(stream, rest, Options{
		Backoff: infra.NewBackoffPolicy(time.Millisecond, time.Millisecond, 0),
	})
	o.SeedWatermarks(map[string]uint64{"X": 5})

	o.Run(ctx)

	var updates []event.PositionUpdate
	for _, ev := range pub.events {
		if up, ok := ev.(event.PositionUpdate); ok {
			updates = append(updates, up)
		}
	}
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1 (seq 4 and 5 are replays)", len(updates))
	}
	if updates[0].Seq != 6 || updates[0].Position.CurrentCents != 42 {
		t.Errorf("update = %+v, want seq 6 at 42 cents", updates[0])
	}
}

func TestGapRepairPublishesBackfill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repaired := yesPosition("X", 25, 50)
	stream := &scriptedStream{
		sessions: [][]frame{{
			tickerFrame("X", 1, 40),
			tickerFrame("X", 2, 41),
			tickerFrame("X", 4, 43), // seq 3 missing
			tickerFrame("X", 5, 44),
			{msg: kalshi.TickerMessage{MarketTicker: "X", PriceCents: 45, TS: 1}, seq: 6,
				hook: cancel},
		}},
	}
	rest := &fakeRest{
		snapshot: []domain.Position{yesPosition("X", 10, 30)},
		atSeq:    map[string]*domain.Position{"X": &repaired},
	}
	o, pub := newTestOrchestrator(stream, rest, Options{
		Backoff:  infra.NewBackoffPolicy(time.Millisecond, time.Millisecond, 0),
		GapPoll:  time.Second,
		GapGrace: time.Second,
	})

	o.Run(ctx)

	var backfills []event.PositionUpdate
	for _, ev := range pub.events {
		if up, ok := ev.(event.PositionUpdate); ok && up.Provenance == event.ProvenanceBackfill {
			backfills = append(backfills, up)
		}
	}
	if len(backfills) != 1 {
		t.Fatalf("backfill updates = %d, want 1", len(backfills))
	}
	if backfills[0].Seq != 3 || backfills[0].Position.Quantity != 25 {
		t.Errorf("backfill = %+v, want seq 3 qty 25", backfills[0])
	}
	if rest.fetchAtSeq != 1 {
		t.Errorf("FetchAtSequence called %d times, want 1 (gap discarded after repair)", rest.fetchAtSeq)
	}
}

func TestGapRepairFlatRemovesPosition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &scriptedStream{
		sessions: [][]frame{{
			tickerFrame("X", 1, 40),
			tickerFrame("X", 3, 42), // seq 2 missing
			tickerFrame("X", 4, 43),
			{msg: kalshi.TickerMessage{MarketTicker: "Y", PriceCents: 1, TS: 1}, seq: 1,
				hook: cancel},
		}},
	}
	rest := &fakeRest{
		snapshot: []domain.Position{yesPosition("X", 10, 30)},
		atSeq:    map[string]*domain.Position{}, // venue reports flat
	}
	o, pub := newTestOrchestrator(stream, rest, Options{
		Backoff:  infra.NewBackoffPolicy(time.Millisecond, time.Millisecond, 0),
		GapPoll:  time.Second,
		GapGrace: time.Second,
	})

	o.Run(ctx)

	var removed []event.PositionRemoved
	for _, ev := range pub.events {
		if rm, ok := ev.(event.PositionRemoved); ok {
			removed = append(removed, rm)
		}
	}
	if len(removed) != 1 || removed[0].Ticker != "X" {
		t.Fatalf("removed = %+v, want one removal for X", removed)
	}
}

func TestMalformedLimitEndsSession(t *testing.T) {
	parseErr := errors.New("malformed ticker: boom")
	stream := &scriptedStream{
		sessions: [][]frame{{
			{err: parseErr},
			{err: parseErr},
		}},
	}
	o, pub := newTestOrchestrator(stream, &fakeRest{}, Options{
		Backoff:        infra.NewBackoffPolicy(time.Millisecond, time.Millisecond, 0),
		MaxRetries:     1,
		MalformedLimit: 2,
	})

	if err := o.Run(context.Background()); err == nil {
		t.Fatal("Run returned nil, want error")
	}

	var reconnects []event.ConnectionStatus
	for _, st := range pub.statuses() {
		if st.State == event.StateReconnecting {
			reconnects = append(reconnects, st)
		}
	}
	if len(reconnects) == 0 {
		t.Fatal("no reconnecting status published")
	}
	if !strings.Contains(reconnects[0].Reason, "malformed") {
		t.Errorf("reason = %q, want malformed message limit", reconnects[0].Reason)
	}
}

func TestFillsFoldIntoLedger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &scriptedStream{
		sessions: [][]frame{{
			{msg: kalshi.FillMessage{
				MarketTicker: "X", Side: "yes", Action: "buy",
				Count: 10, YesPriceCents: 60, TS: 100,
			}, seq: 1},
			{msg: kalshi.FillMessage{
				MarketTicker: "X", Side: "yes", Action: "sell",
				Count: 20, YesPriceCents: 62, TS: 101,
			}, seq: 2, hook: cancel},
		}},
	}
	rest := &fakeRest{snapshot: []domain.Position{yesPosition("X", 10, 40)}}
	o, pub := newTestOrchestrator(stream, rest, Options{
		Backoff: infra.NewBackoffPolicy(time.Millisecond, time.Millisecond, 0),
	})

	o.Run(ctx)

	// Buy 10 on top of 10 held, then sell 20: position closes.
	var sawGrow, sawRemove bool
	for _, ev := range pub.events {
		switch e := ev.(type) {
		case event.PositionUpdate:
			if e.Seq == 1 && e.Position.Quantity == 20 && e.Position.AvgEntryCents == 50 {
				sawGrow = true
			}
		case event.PositionRemoved:
			if e.Ticker == "X" && e.Seq == 2 {
				sawRemove = true
			}
		}
	}
	if !sawGrow {
		t.Error("buy fill did not grow position to 20 @ 50")
	}
	if !sawRemove {
		t.Error("sell-to-zero did not publish a removal")
	}
}

func TestSnapshotFallsBackToCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := &scriptedStream{
		sessions: [][]frame{{
			{msg: kalshi.TickerMessage{MarketTicker: "X", PriceCents: 1, TS: 1}, seq: 1,
				hook: cancel},
		}},
	}
	rest := &fakeRest{snapErr: errors.New("rest down")}
	o, pub := newTestOrchestrator(stream, rest, Options{
		Backoff: infra.NewBackoffPolicy(time.Millisecond, time.Millisecond, 0),
	})

	o.Run(ctx)

	var snaps []event.PositionSnapshot
	for _, ev := range pub.events {
		if s, ok := ev.(event.PositionSnapshot); ok {
			snaps = append(snaps, s)
		}
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	if snaps[0].Provenance != event.ProvenanceCache {
		t.Errorf("provenance = %q, want cache fallback", snaps[0].Provenance)
	}
}
