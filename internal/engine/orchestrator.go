// Package engine drives the upstream session: connect, subscribe,
// snapshot, then pump stream messages through the sequence tracker and
// position ledger, publishing the resulting events downstream. All
// ledger mutation happens on the orchestrator's single goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/domain"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/event"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/infra"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/kalshi"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/ledger"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/sequence"
	"github.com/seanbearden/kalshi-analysis-sub000/pkg/safe"
)

// StreamSource is one upstream websocket session factory's surface.
type StreamSource interface {
	Connect(ctx context.Context, creds kalshi.Credentials) error
	Subscribe(ctx context.Context, channels []kalshi.ChannelSpec) error
	Receive() (kalshi.Message, uint64, error)
	Ping() error
	Close() error
}

// SnapshotSource answers point-in-time portfolio queries, used for the
// post-connect snapshot and for gap repair.
type SnapshotSource interface {
	FetchCurrentPositions(ctx context.Context) ([]domain.Position, error)
	FetchAtSequence(ctx context.Context, market string, seq uint64) (*domain.Position, error)
	VerifyCredentials(ctx context.Context) error
}

// Publisher receives every event the orchestrator produces, in order.
type Publisher interface {
	Publish(ev event.Event)
}

// WatermarkStore persists per-market high-water sequence numbers so a
// restart can tell replays from fresh data.
type WatermarkStore interface {
	SaveWatermark(market string, seq uint64) error
}

type nopWatermarks struct{}

func (nopWatermarks) SaveWatermark(string, uint64) error { return nil }

// Options bundles the orchestrator's tuning knobs.
type Options struct {
	Channels       []kalshi.ChannelSpec
	Backoff        infra.BackoffPolicy
	MaxRetries     int
	MalformedLimit int
	GapPoll        time.Duration
	GapGrace       time.Duration
	GapMaxWidth    uint64
	PingInterval   time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.MalformedLimit <= 0 {
		o.MalformedLimit = 10
	}
	if o.GapPoll <= 0 {
		o.GapPoll = 5 * time.Second
	}
	if o.GapGrace <= 0 {
		o.GapGrace = 2 * time.Second
	}
	if o.GapMaxWidth == 0 {
		o.GapMaxWidth = 1000
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
}

// Orchestrator owns the upstream session lifecycle. Run is the only
// entry point; everything else is internal to its goroutine.
type Orchestrator struct {
	stream  StreamSource
	rest    SnapshotSource
	creds   infra.CredentialSource
	ledger  *ledger.Ledger
	tracker *sequence.Tracker
	pub     Publisher
	marks   WatermarkStore
	opts    Options
	log     *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	lastSweep    time.Time
	needSnapshot bool
}

// New wires an orchestrator. marks may be nil when watermark
// persistence is not wanted.
func New(stream StreamSource, rest SnapshotSource, creds infra.CredentialSource,
	led *ledger.Ledger, pub Publisher, marks WatermarkStore, opts Options, log *slog.Logger) *Orchestrator {
	opts.applyDefaults()
	if marks == nil {
		marks = nopWatermarks{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		stream:  stream,
		rest:    rest,
		creds:   creds,
		ledger:  led,
		tracker: sequence.NewTracker(opts.GapMaxWidth),
		pub:     pub,
		marks:   marks,
		opts:    opts,
		log:     log,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// SetClock replaces the time source, for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
	o.tracker.SetClock(now)
	o.ledger.SetClock(now)
}

// SetSleep replaces the backoff sleeper, for tests.
func (o *Orchestrator) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	o.sleep = sleep
}

// SeedWatermarks installs persisted high-water marks so sequence
// numbers at or below them are absorbed as replays after a restart.
func (o *Orchestrator) SeedWatermarks(marks map[string]uint64) {
	for market, seq := range marks {
		o.tracker.Observe(market, seq)
	}
}

// Run drives connect/stream/reconnect until the context is cancelled,
// credentials are rejected, or the retries run out. Exactly
// one terminal status event is published before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	key, err := o.creds.APIKey(ctx)
	if err != nil {
		o.terminate(event.StateFailed, fmt.Sprintf("credentials: %v", err), 0)
		return err
	}
	creds := kalshi.Credentials{APIKey: key}

	if err := o.rest.VerifyCredentials(ctx); err != nil {
		var authErr *infra.AuthError
		if errors.As(err, &authErr) {
			o.terminate(event.StateFailed, authErr.Error(), 0)
			return err
		}
		// A flaky REST API at boot is not fatal; the stream handshake
		// will catch a truly bad key.
		o.log.Warn("credential verification skipped", "error", err)
	}

	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			o.terminate(event.StateStopped, "shutting down", retries)
			return err
		}

		subscribed, err := o.runSession(ctx, creds)
		o.stream.Close()

		var authErr *infra.AuthError
		switch {
		case errors.As(err, &authErr):
			o.terminate(event.StateFailed, authErr.Error(), retries)
			return err
		case ctx.Err() != nil:
			o.terminate(event.StateStopped, "shutting down", retries)
			return ctx.Err()
		}

		// A session that got past subscribe resets the retry count:
		// only consecutive failures exhaust it.
		if subscribed {
			retries = 0
		}
		retries++
		if retries > o.opts.MaxRetries {
			o.terminate(event.StateFailed, fmt.Sprintf("retries exhausted: %v", err), retries)
			return fmt.Errorf("retries exhausted after %d attempts: %w", retries, err)
		}

		delay := o.opts.Backoff.Delay(retries - 1)
		o.log.Warn("stream session ended, reconnecting",
			"error", err, "retry", retries, "delay", delay)
		o.pub.Publish(event.ConnectionStatus{
			State: event.StateReconnecting, Reason: fmt.Sprint(err),
			Retries: retries, At: o.now(),
		})

		if err := o.sleep(ctx, delay); err != nil {
			o.terminate(event.StateStopped, "shutting down", retries)
			return err
		}
	}
}

// runSession runs one connection from dial to stream error. The error
// is never nil; subscribed reports whether the session got past
// subscribe, which resets the caller's retry count.
func (o *Orchestrator) runSession(ctx context.Context, creds kalshi.Credentials) (subscribed bool, err error) {
	if err := o.stream.Connect(ctx, creds); err != nil {
		return false, err
	}
	if err := o.stream.Subscribe(ctx, o.opts.Channels); err != nil {
		return false, err
	}

	o.pub.Publish(event.ConnectionStatus{State: event.StateConnected, At: o.now()})

	// Keep intermediaries from timing the connection out while the
	// feed is quiet.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go o.pingLoop(pingCtx)

	// Snapshot before any incremental update, so every consumer starts
	// from a coherent full state.
	if err := o.emitSnapshot(ctx); err != nil {
		return true, fmt.Errorf("initial snapshot: %w", err)
	}

	malformed := 0
	o.lastSweep = o.now()
	for {
		if err := ctx.Err(); err != nil {
			return true, err
		}

		msg, seq, err := o.stream.Receive()
		var subErr *kalshi.SubscriptionError
		switch {
		case errors.Is(err, kalshi.ErrEndOfStream):
			return true, err
		case errors.As(err, &subErr):
			// One channel rejected; the others keep streaming.
			o.log.Error("channel subscription rejected",
				"channel", subErr.Channel, "code", subErr.Code, "msg", subErr.Msg)
			continue
		case err != nil:
			malformed++
			o.log.Warn("malformed stream message", "error", err, "count", malformed)
			if malformed >= o.opts.MalformedLimit {
				return true, fmt.Errorf("malformed message limit reached (%d): %w", malformed, err)
			}
			continue
		}

		o.dispatch(msg, seq)

		if o.needSnapshot {
			o.needSnapshot = false
			if err := o.emitSnapshot(ctx); err != nil {
				return true, fmt.Errorf("resync snapshot: %w", err)
			}
		}
		if o.now().Sub(o.lastSweep) >= o.opts.GapPoll {
			o.sweepGaps(ctx)
			o.lastSweep = o.now()
		}
	}
}

// pingLoop sends websocket-level pings until the session ends. A ping
// failure is left to the read loop: the dead socket surfaces there.
func (o *Orchestrator) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.stream.Ping(); err != nil {
				o.log.Warn("upstream ping failed", "error", err)
				return
			}
		}
	}
}

func (o *Orchestrator) dispatch(msg kalshi.Message, seq uint64) {
	switch m := msg.(type) {
	case kalshi.TickerMessage:
		if o.observe(m.MarketTicker, seq) {
			return
		}
		if p, ok := o.ledger.ApplyPrice(m.MarketTicker, m.PriceCents); ok {
			o.publishUpdate(p, seq)
		}

	case kalshi.FillMessage:
		if o.observe(m.MarketTicker, seq) {
			return
		}
		side, err := m.PositionSide()
		if err != nil {
			o.log.Warn("fill with unknown side dropped", "market", m.MarketTicker, "side", m.Side)
			return
		}
		count := m.Count
		if m.Action == "sell" {
			count = -count
		}
		at := time.Unix(m.TS, 0).UTC()
		p, held := o.ledger.ApplyFill(m.MarketTicker, side, count, m.PriceCents(), at)
		if held {
			o.publishUpdate(p, seq)
		} else {
			o.pub.Publish(event.PositionRemoved{Ticker: m.MarketTicker, Seq: seq, At: o.now()})
		}

	case kalshi.MarketPositionMessage:
		if o.observe(m.MarketTicker, seq) {
			return
		}
		if m.Position == 0 {
			o.ledger.Remove(m.MarketTicker)
			o.pub.Publish(event.PositionRemoved{Ticker: m.MarketTicker, Seq: seq, At: o.now()})
			return
		}
		p := positionFromVenue(m, o.now())
		if held, ok := o.ledger.Get(m.MarketTicker); ok {
			// Keep the last known price; the venue message carries
			// exposure, not a quote.
			p.CurrentCents = held.CurrentCents
		}
		o.publishUpdate(o.ledger.ApplyUpdate(p), seq)

	case kalshi.SubscribedMessage:
		o.log.Info("channel subscribed", "channel", m.Channel, "sid", m.SID)

	case kalshi.ErrorMessage:
		o.log.Warn("venue rejected command", "code", m.Code, "msg", m.Msg, "id", m.ID)
	}
}

// observe runs seq through the gap tracker and reports whether the
// message is a replay to drop. Unsequenced frames (seq 0) pass through.
func (o *Orchestrator) observe(market string, seq uint64) (duplicate bool) {
	if seq == 0 {
		return false
	}
	report := o.tracker.Observe(market, seq)
	if report.Opened != nil {
		o.log.Warn("sequence gap opened", "market", market,
			"from", report.Opened.Start, "to", report.Opened.End)
	}
	if report.Unrecoverable != nil {
		o.log.Error("sequence gap too wide, forcing snapshot", "market", market,
			"width", report.Unrecoverable.Width())
		o.needSnapshot = true
	}
	return report.Duplicate
}

// emitSnapshot loads the venue's full position state, installs it in
// the ledger, and publishes one PositionSnapshot. On REST failure the
// ledger's current (cache-warmed) state is published instead, marked
// with cache provenance so consumers know it may be stale.
func (o *Orchestrator) emitSnapshot(ctx context.Context) error {
	positions, err := o.rest.FetchCurrentPositions(ctx)
	provenance := event.ProvenanceStream

	var authErr *infra.AuthError
	if errors.As(err, &authErr) {
		return err
	}
	if err != nil {
		o.log.Warn("snapshot fetch failed, serving cached state", "error", err)
		positions = o.ledger.Snapshot()
		provenance = event.ProvenanceCache
	} else {
		for _, p := range positions {
			o.ledger.ApplyUpdate(p)
		}
		// Drop anything the venue no longer reports.
		venue := make(map[string]struct{}, len(positions))
		for _, p := range positions {
			venue[p.Ticker] = struct{}{}
		}
		for _, held := range o.ledger.Snapshot() {
			if _, ok := venue[held.Ticker]; !ok {
				o.ledger.Remove(held.Ticker)
			}
		}
		positions = o.ledger.Snapshot()
	}

	o.pub.Publish(event.PositionSnapshot{
		Positions:  positions,
		TotalPnL:   o.ledger.TotalUnrealizedPnLCents(),
		Provenance: provenance,
		At:         o.now(),
	})
	return nil
}

// sweepGaps repairs pending gaps past their grace period with
// point-in-time REST reads, then persists high-water marks.
func (o *Orchestrator) sweepGaps(ctx context.Context) {
	cutoff := o.now().Add(-o.opts.GapGrace)
	for _, market := range o.tracker.Markets() {
		for _, gap := range o.tracker.PendingGaps(market) {
			if gap.OpenedAt.After(cutoff) {
				continue
			}
			o.repairGap(ctx, market, gap)
		}
	}

	for market, seq := range o.tracker.Watermarks() {
		if err := o.marks.SaveWatermark(market, seq); err != nil {
			o.log.Warn("watermark persist failed", "market", market, "error", err)
		}
	}
}

func (o *Orchestrator) repairGap(ctx context.Context, market string, gap sequence.Gap) {
	fetchedAt := o.now()
	p, err := o.rest.FetchAtSequence(ctx, market, gap.End)
	if err != nil {
		// Leave the gap pending; the next sweep retries.
		o.log.Warn("gap repair fetch failed", "market", market, "error", err)
		return
	}

	if p == nil {
		// Venue reports flat. Remove unless the stream refreshed the
		// position after we asked.
		if held, ok := o.ledger.Get(market); ok && held.UpdatedAt.Before(fetchedAt) {
			o.ledger.Remove(market)
			o.pub.Publish(event.PositionRemoved{Ticker: market, Seq: gap.End, At: o.now()})
		}
	} else {
		p.UpdatedAt = fetchedAt
		if applied, ok := o.ledger.ApplyUpdateIfNewer(*p); ok {
			o.pub.Publish(event.PositionUpdate{
				Position:   applied,
				Seq:        gap.End,
				Provenance: event.ProvenanceBackfill,
				At:         o.now(),
			})
		}
	}

	o.tracker.Discard(market, gap.Range)
	o.log.Info("sequence gap repaired", "market", market,
		"from", gap.Start, "to", gap.End)
}

func (o *Orchestrator) publishUpdate(p domain.Position, seq uint64) {
	o.pub.Publish(event.PositionUpdate{
		Position:   p,
		Seq:        seq,
		Provenance: event.ProvenanceStream,
		At:         o.now(),
	})
}

func (o *Orchestrator) terminate(state event.ConnState, reason string, retries int) {
	o.pub.Publish(event.ConnectionStatus{
		State: state, Reason: reason, Retries: retries, At: o.now(),
	})
}

// positionFromVenue maps a signed venue position message to the domain
// shape. Average entry is reconstructed from exposure.
func positionFromVenue(m kalshi.MarketPositionMessage, at time.Time) domain.Position {
	side := domain.SideYes
	qty := m.Position
	if qty < 0 {
		side = domain.SideNo
		qty = -qty
	}

	exposure := m.ExposureCents
	if exposure < 0 {
		exposure = -exposure
	}
	entry := safe.Div(exposure, qty)

	if m.TS > 0 {
		at = time.Unix(m.TS, 0).UTC()
	}
	return domain.Position{
		Ticker:        m.MarketTicker,
		Side:          side,
		Quantity:      qty,
		AvgEntryCents: entry,
		CurrentCents:  entry,
		UpdatedAt:     at,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
