package usecase

import (
	"context"
	"encoding/hex"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
	"github.com/DavidABSiepmann/image-socket-sub001/pkg/shared/id"
	"github.com/DavidABSiepmann/image-socket-sub001/pkg/shared/redact"
)

// signatureMessageRunes is how much of a message takes part in its
// signature; longer messages that only differ past it aggregate together.
const signatureMessageRunes = 256

// uniqueWindow bounds how long a bucket counts towards the burst
// threshold.
const uniqueWindow = time.Minute

type AggregatorConfig struct {
	AggregationWindow        time.Duration
	RateLimitUniquePerMinute int
	ConsolidationPeriod      time.Duration
	IntakeCapacity           int
}

func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		AggregationWindow:        1000 * time.Millisecond,
		RateLimitUniquePerMinute: 100,
		ConsolidationPeriod:      5000 * time.Millisecond,
		IntakeCapacity:           1024,
	}
}

func (c AggregatorConfig) withDefaults() AggregatorConfig {
	d := DefaultAggregatorConfig()
	if c.AggregationWindow <= 0 {
		c.AggregationWindow = d.AggregationWindow
	}
	if c.RateLimitUniquePerMinute <= 0 {
		c.RateLimitUniquePerMinute = d.RateLimitUniquePerMinute
	}
	if c.ConsolidationPeriod <= 0 {
		c.ConsolidationPeriod = d.ConsolidationPeriod
	}
	if c.IntakeCapacity <= 0 {
		c.IntakeCapacity = d.IntakeCapacity
	}
	return c
}

type bucket struct {
	first      time.Time
	last       time.Time
	count      int
	suppressed bool
	// seq orders buckets updated within the same instant
	seq   uint64
	entry domain.DiagnosticEntry
}

type AggregatorStats struct {
	Burst   bool   `json:"burst"`
	Buckets int    `json:"buckets"`
	Dropped uint64 `json:"dropped"`
}

// Aggregator de-duplicates error postings by signature and suppresses
// live updates of the visible log during bursts. PostError may be called
// from any goroutine; postings travel over a bounded channel to the Run
// loop, which is the only mutator of the buckets.
type Aggregator struct {
	cfg     AggregatorConfig
	log     DiagnosticLogRepository
	sink    EventSink
	metrics MetricsRecorder
	clock   clock.Clock
	logger  zerolog.Logger

	ops     chan func()
	dropped atomic.Uint64

	// Owned by Run.
	buckets map[string]*bucket
	seq     uint64
	burst   bool
	ticker  *clock.Ticker
}

func NewAggregator(cfg AggregatorConfig, log DiagnosticLogRepository, sink EventSink, clk clock.Clock, logger zerolog.Logger) *Aggregator {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = nopSink{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{
		cfg:     cfg,
		log:     log,
		sink:    sink,
		metrics: nopMetrics{},
		clock:   clk,
		logger:  logger.With().Str("component", "diagnostics").Logger(),
		ops:     make(chan func(), cfg.IntakeCapacity),
		buckets: make(map[string]*bucket),
	}
}

func (a *Aggregator) WithMetrics(r MetricsRecorder) *Aggregator {
	if r != nil {
		a.metrics = r
	}
	return a
}

// Signature is the deterministic fingerprint used to aggregate postings.
func Signature(code, source, message string) string {
	if r := []rune(message); len(r) > signatureMessageRunes {
		message = string(r[:signatureMessageRunes])
	}
	h := blake3.New()
	_, _ = h.Write([]byte(code + "|" + source + "|" + message))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// PostError enqueues a posting. It never blocks; when the intake is full
// the posting is dropped and counted.
func (a *Aggregator) PostError(code, message string, severity domain.Severity, source string, metadata map[string]string) {
	at := a.clock.Now()
	md := redact.RedactMap(metadata)
	op := func() { a.apply(code, message, severity, source, md, at) }
	select {
	case a.ops <- op:
		a.metrics.DiagnosticPosted(severity)
	default:
		a.dropped.Add(1)
		a.metrics.DiagnosticDropped()
	}
}

// Run applies postings and drives the consolidation timer until ctx is
// done.
func (a *Aggregator) Run(ctx context.Context) error {
	defer func() {
		if a.ticker != nil {
			a.ticker.Stop()
		}
	}()
	for {
		var tick <-chan time.Time
		if a.ticker != nil {
			tick = a.ticker.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-a.ops:
			op()
		case <-tick:
			a.consolidate()
		}
	}
}

// Sync waits until every posting enqueued before the call is applied.
func (a *Aggregator) Sync(ctx context.Context) error {
	return a.do(ctx, func() {})
}

// Reset clears buckets, burst mode and the visible log. It is the only
// way out of burst mode.
func (a *Aggregator) Reset(ctx context.Context) error {
	var err error
	if derr := a.do(ctx, func() {
		a.buckets = make(map[string]*bucket)
		if a.burst {
			a.burst = false
			a.ticker.Stop()
			a.ticker = nil
			a.metrics.BurstMode(false)
			a.logger.Info().Msg("burst mode cleared by reset")
		}
		err = a.log.ClearDiagnostics(ctx)
	}); derr != nil {
		return derr
	}
	return err
}

func (a *Aggregator) Stats(ctx context.Context) (AggregatorStats, error) {
	var st AggregatorStats
	err := a.do(ctx, func() {
		st = AggregatorStats{Burst: a.burst, Buckets: len(a.buckets)}
	})
	st.Dropped = a.dropped.Load()
	return st, err
}

// VisibleLog returns the most recent visible entries first.
func (a *Aggregator) VisibleLog(ctx context.Context, limit, offset int) ([]domain.DiagnosticEntry, int, error) {
	return a.log.ListDiagnostics(ctx, limit, offset)
}

// do runs fn on the Run loop and waits for it. Unlike PostError it blocks
// until there is room in the intake.
func (a *Aggregator) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case a.ops <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) apply(code, message string, severity domain.Severity, source string, metadata map[string]string, at time.Time) {
	sig := Signature(code, source, message)
	a.prune(at)
	a.seq++

	b, ok := a.buckets[sig]
	if ok && at.Sub(b.last) <= a.cfg.AggregationWindow {
		b.count++
		b.last = at
		b.entry.Message = message
		b.entry.Severity = severity
		b.entry.Metadata = metadata
		b.entry.LastTimestamp = at.UTC()
		b.entry.Count = b.count
	} else {
		b = &bucket{
			first: at,
			last:  at,
			count: 1,
			entry: domain.DiagnosticEntry{
				Signature:      sig,
				Code:           code,
				Message:        message,
				Severity:       severity,
				Source:         source,
				FirstTimestamp: at.UTC(),
				LastTimestamp:  at.UTC(),
				Count:          1,
				Metadata:       metadata,
			},
		}
		a.buckets[sig] = b
	}
	b.seq = a.seq

	if !a.burst && len(a.buckets) > a.cfg.RateLimitUniquePerMinute {
		a.burst = true
		a.ticker = a.clock.Ticker(a.cfg.ConsolidationPeriod)
		a.metrics.BurstMode(true)
		a.logger.Warn().Int("unique", len(a.buckets)).Int("limit", a.cfg.RateLimitUniquePerMinute).Msg("diagnostics burst detected, suppressing live log")
	}
	if a.burst {
		b.suppressed = true
		b.entry.Suppressed = true
		return
	}
	a.publish(b.entry)
}

// prune forgets buckets that have been quiet for longer than a minute so
// they stop counting towards the burst threshold.
func (a *Aggregator) prune(now time.Time) {
	for sig, b := range a.buckets {
		if now.Sub(b.last) > uniqueWindow {
			delete(a.buckets, sig)
		}
	}
}

// consolidate pushes a snapshot of every live bucket into the visible log.
func (a *Aggregator) consolidate() {
	flush := make([]*bucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		if b.count > 0 {
			flush = append(flush, b)
		}
	}
	// Oldest first, so the most recent ends up on top of the log.
	sort.Slice(flush, func(i, j int) bool {
		if !flush[i].last.Equal(flush[j].last) {
			return flush[i].last.Before(flush[j].last)
		}
		return flush[i].seq < flush[j].seq
	})
	for _, b := range flush {
		b.suppressed = true
		b.entry.Suppressed = true
		a.publish(b.entry)
	}
	if len(flush) > 0 {
		a.logger.Debug().Int("buckets", len(flush)).Msg("diagnostics consolidated")
	}
}

func (a *Aggregator) publish(e domain.DiagnosticEntry) {
	e.ID = id.New()
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	if err := a.log.PushDiagnostic(context.Background(), e); err != nil {
		a.logger.Error().Err(err).Str("code", e.Code).Msg("push diagnostic")
		return
	}
	a.sink.Broadcast(domain.Event{Type: domain.EventDiagnostic, Ts: a.clock.Now().UTC(), Diagnostic: &e})
}
