package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/fraud-monitor/internal/metrics"
	"github.com/miradorstack/fraud-monitor/internal/models"
	"github.com/miradorstack/fraud-monitor/internal/utils"
)

// SourceUnavailableMessage is the user-facing text shown next to a zeroed
// snapshot when a cycle fails.
const SourceUnavailableMessage = "Failed to fetch fraud data."

// ErrSourceUnavailable is the only failure kind a cycle can produce.
var ErrSourceUnavailable = errors.New("transaction source unavailable")

// ErrSamplerRunning is returned by RunOnce while the periodic loop is active.
var ErrSamplerRunning = errors.New("sampler is running")

// Source produces one batch of scored transactions per call.
type Source interface {
	FetchBatch(ctx context.Context) (models.SourceResponse, error)
}

// ViewStore is the write side of the snapshot store.
type ViewStore interface {
	Current() models.View
	Set(view models.View)
}

// SamplerConfig holds the cadence settings.
type SamplerConfig struct {
	Interval     time.Duration
	FetchTimeout time.Duration
}

// DefaultSamplerConfig polls every five seconds.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{Interval: 5 * time.Second, FetchTimeout: 4 * time.Second}
}

// Sampler polls a Source on a fixed cadence and writes one view per cycle to
// the store. Cycles run sequentially on a single goroutine and never overlap.
// A result is written only if the sampler is still running the generation
// that started the cycle; Stop and a later Start both advance the generation.
type Sampler struct {
	logger     *slog.Logger
	source     Source
	store      ViewStore
	aggregator *Aggregator
	cfg        SamplerConfig
	latencies  *utils.LatencyTracker

	now   func() time.Time
	timer func(d time.Duration) (<-chan time.Time, func() bool)

	mu         sync.Mutex
	running    bool
	generation uint64
	cycle      uint64
	stopCh     chan struct{}
	done       chan struct{}
}

// NewSampler wires a sampler; aggregator may be nil.
func NewSampler(logger *slog.Logger, source Source, store ViewStore, aggregator *Aggregator, cfg SamplerConfig) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	if aggregator == nil {
		aggregator = NewAggregator()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSamplerConfig().Interval
	}
	return &Sampler{
		logger:     logger,
		source:     source,
		store:      store,
		aggregator: aggregator,
		cfg:        cfg,
		latencies:  utils.NewLatencyTracker(256),
		now:        time.Now,
		timer: func(d time.Duration) (<-chan time.Time, func() bool) {
			t := time.NewTimer(d)
			return t.C, t.Stop
		},
	}
}

// Start runs the first cycle immediately and then one per interval until
// Stop is called or ctx is done. Calling Start while running does nothing.
// After a Stop, the first cycle of the new run waits for the previous loop
// to exit, so the source never sees two fetches at once.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.generation++
	gen := s.generation
	prev := s.done
	stopCh := make(chan struct{})
	done := make(chan struct{})
	s.stopCh, s.done = stopCh, done
	s.mu.Unlock()

	s.logger.Info("sampler starting", slog.Duration("interval", s.cfg.Interval))
	go s.loop(ctx, gen, stopCh, prev, done)
}

// Stop cancels future cycles. A fetch already in flight is left to finish,
// but its result is dropped.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// stopGeneration stops the sampler only if gen is still the live run, so a
// stale loop cannot stop a later Start.
func (s *Sampler) stopGeneration(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.generation {
		s.stopLocked()
	}
}

func (s *Sampler) stopLocked() {
	if !s.running {
		return
	}
	s.running = false
	s.generation++
	close(s.stopCh)
	s.logger.Info("sampler stopping")
}

// Wait blocks until every loop goroutine started so far has exited. Each
// loop closes its done channel only after its predecessor's.
func (s *Sampler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether the periodic loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce executes a single cycle synchronously and returns its error, if
// any. It refuses to run alongside the periodic loop.
func (s *Sampler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSamplerRunning
	}
	s.mu.Unlock()

	return s.runCycle(ctx, func(view models.View) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.running {
			return false
		}
		s.store.Set(view)
		return true
	})
}

func (s *Sampler) loop(ctx context.Context, gen uint64, stopCh <-chan struct{}, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-stopCh:
			<-prev
			return
		case <-ctx.Done():
			s.stopGeneration(gen)
			<-prev
			return
		}
	}

	commit := func(view models.View) bool { return s.commitLive(gen, view) }
	for {
		started := s.now()
		_ = s.runCycle(ctx, commit)

		// Fixed rate without catch-up: if a cycle overran the interval the
		// next one starts right away, and missed ticks are dropped.
		wait := s.cfg.Interval - s.now().Sub(started)
		if wait < 0 {
			wait = 0
		}
		fire, cancel := s.timer(wait)
		select {
		case <-stopCh:
			cancel()
			return
		case <-ctx.Done():
			cancel()
			s.stopGeneration(gen)
			return
		case <-fire:
		}
	}
}

// commitLive writes view only if gen is still the running generation. The
// check and the write happen under one lock so Stop cannot slip between them.
func (s *Sampler) commitLive(gen uint64, view models.View) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || gen != s.generation {
		return false
	}
	s.store.Set(view)
	return true
}

func (s *Sampler) nextCycle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle++
	return s.cycle
}

func (s *Sampler) runCycle(ctx context.Context, commit func(models.View) bool) error {
	cycle := s.nextCycle()

	if s.store.Current().State == models.StateUninitialized {
		if !commit(models.LoadingView(s.now())) {
			return nil
		}
	}

	fetchCtx := ctx
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	started := s.now()
	resp, err := s.fetch(fetchCtx)
	elapsed := s.now().Sub(started)
	if err != nil && ctx.Err() != nil {
		// Shutdown, not a source failure.
		metrics.ObserveCycle(elapsed, metrics.OutcomeDiscarded)
		return ctx.Err()
	}
	if err == nil {
		err = ValidateResponse(resp)
	}

	var (
		view    models.View
		outcome string
	)
	if err != nil {
		err = utils.NewAppError("sampler.cycle", SourceUnavailableMessage, fmt.Errorf("%w: %w", ErrSourceUnavailable, err))
		view = models.ErroredView(cycle, utils.UserMessage(err, SourceUnavailableMessage), s.now())
		outcome = metrics.OutcomeError
	} else {
		view = models.ReadyView(cycle, s.aggregator.Aggregate(resp, s.now()))
		outcome = metrics.OutcomeSuccess
	}

	if !commit(view) {
		metrics.ObserveCycle(elapsed, metrics.OutcomeDiscarded)
		s.logger.Debug("discarding cycle result after stop", slog.Uint64("cycle", cycle))
		return nil
	}
	metrics.ObserveCycle(elapsed, outcome)

	if err != nil {
		s.logger.Warn("sampling cycle failed", slog.Uint64("cycle", cycle), slog.Any("error", err))
		return err
	}

	s.latencies.Observe(elapsed)
	s.logger.Debug("sampling cycle complete",
		slog.Uint64("cycle", cycle),
		slog.Int("transactions", len(view.Snapshot.Transactions)),
		slog.Int("flagged", len(view.Snapshot.Flagged)),
		slog.Duration("fetch", elapsed),
	)
	if n := s.latencies.Observed(); n >= 20 && n%20 == 0 {
		s.logger.Info("fetch latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", s.latencies.Count()))
	}
	return nil
}

// fetch calls the source once, turning a panic into an error so a broken
// source cannot take the loop down.
func (s *Sampler) fetch(ctx context.Context) (resp models.SourceResponse, err error) {
	if s.source == nil {
		return models.SourceResponse{}, fmt.Errorf("no transaction source configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction source panicked: %v", r)
		}
	}()
	return s.source.FetchBatch(ctx)
}
