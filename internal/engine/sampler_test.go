package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/fraud-monitor/internal/models"
	"github.com/miradorstack/fraud-monitor/internal/store"
)

type fetchResult struct {
	resp     models.SourceResponse
	err      error
	panicVal any
}

// scriptedSource replays results in order; once exhausted it repeats the
// last one. A call whose number has a gate blocks until the gate is signalled.
type scriptedSource struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
	entered chan int
	gates   map[int]chan struct{}
}

func newScriptedSource(results ...fetchResult) *scriptedSource {
	return &scriptedSource{results: results, entered: make(chan int, 64), gates: make(map[int]chan struct{})}
}

func (s *scriptedSource) gate(call int) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[call] = ch
	return ch
}

func (s *scriptedSource) releaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for call, ch := range s.gates {
		close(ch)
		delete(s.gates, call)
	}
}

func (s *scriptedSource) FetchBatch(ctx context.Context) (models.SourceResponse, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	idx := call - 1
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	result := s.results[idx]
	gate := s.gates[call]
	s.mu.Unlock()

	s.entered <- call
	if gate != nil {
		<-gate
	}
	if result.panicVal != nil {
		panic(result.panicVal)
	}
	return result.resp, result.err
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// manualTimer hands control of the inter-cycle wait to the test.
type manualTimer struct {
	mu        sync.Mutex
	created   int
	requested chan time.Duration
	fire      chan time.Time
}

func newManualTimer() *manualTimer {
	return &manualTimer{requested: make(chan time.Duration, 64), fire: make(chan time.Time)}
}

func (m *manualTimer) new(d time.Duration) (<-chan time.Time, func() bool) {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
	m.requested <- d
	return m.fire, func() bool { return true }
}

func (m *manualTimer) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

func mixedBatch(ids ...string) models.SourceResponse {
	batch := make(models.Batch, 0, len(ids))
	for i, id := range ids {
		status := models.StatusLegitimate
		if i%2 == 0 {
			status = models.StatusFraudulent
		}
		batch = append(batch, models.Transaction{ID: id, Amount: float64(10 * (i + 1)), Status: status, Action: models.ActionFor(status)})
	}
	return models.SourceResponse{
		Transactions: batch,
		Split:        models.ClassificationSplit{FraudulentCount: 64, LegitimateCount: 12},
		Matrix:       models.ConfusionMatrix{TP: 5, FP: 6, TN: 7, FN: 8},
	}
}

type harness struct {
	sampler *Sampler
	store   *store.Store
	source  *scriptedSource
	timer   *manualTimer
	views   chan models.View
}

func newHarness(t *testing.T, source *scriptedSource) *harness {
	t.Helper()
	st := store.New()
	views := make(chan models.View, 64)
	st.Subscribe(func(v models.View) { views <- v })

	timer := newManualTimer()
	sampler := NewSampler(nil, source, st, nil, SamplerConfig{Interval: time.Hour})
	sampler.timer = timer.new
	t.Cleanup(func() {
		sampler.Stop()
		source.releaseAll()
		sampler.Wait()
	})
	return &harness{sampler: sampler, store: st, source: source, timer: timer, views: views}
}

func (h *harness) nextView(t *testing.T) models.View {
	t.Helper()
	select {
	case v := <-h.views:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a store update")
		return models.View{}
	}
}

func (h *harness) waitTimer(t *testing.T) {
	t.Helper()
	select {
	case <-h.timer.requested:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the sampler to schedule the next cycle")
	}
}

func (h *harness) fire() {
	h.timer.fire <- time.Now()
}

func TestSamplerFirstCycleGoesThroughLoading(t *testing.T) {
	h := newHarness(t, newScriptedSource(fetchResult{resp: mixedBatch("TXN1000", "TXN1001", "TXN1002", "TXN1003", "TXN1004")}))
	h.sampler.Start(context.Background())

	if v := h.nextView(t); v.State != models.StateLoading {
		t.Fatalf("expected loading first, got %v", v.State)
	}
	ready := h.nextView(t)
	if ready.State != models.StateReady {
		t.Fatalf("expected ready, got %v", ready.State)
	}
	if len(ready.Snapshot.Transactions) != 5 || len(ready.Snapshot.Flagged) != 3 {
		t.Fatalf("unexpected snapshot: %+v", ready.Snapshot)
	}
	if ready.Snapshot.Split.FraudulentCount != 64 {
		t.Fatalf("split must be passed through as reported, got %+v", ready.Snapshot.Split)
	}
	if ready.Message != "" || ready.Cycle != 1 {
		t.Fatalf("unexpected ready view metadata: %+v", ready)
	}
}

func TestSamplerStartIsIdempotent(t *testing.T) {
	h := newHarness(t, newScriptedSource(fetchResult{resp: mixedBatch("a")}))
	ctx := context.Background()
	h.sampler.Start(ctx)
	h.sampler.Start(ctx)

	h.waitTimer(t)
	if calls := h.source.Calls(); calls != 1 {
		t.Fatalf("expected one fetch after double start, got %d", calls)
	}

	h.fire()
	h.waitTimer(t)
	if calls := h.source.Calls(); calls != 2 {
		t.Fatalf("expected exactly one fetch per interval, got %d", calls)
	}
	if created := h.timer.Created(); created != 2 {
		t.Fatalf("expected a single timer chain, got %d timers", created)
	}
}

func TestSamplerStopDiscardsInFlightResult(t *testing.T) {
	source := newScriptedSource(fetchResult{resp: mixedBatch("a", "b")})
	gate := source.gate(1)
	h := newHarness(t, source)

	h.sampler.Start(context.Background())
	if v := h.nextView(t); v.State != models.StateLoading {
		t.Fatalf("expected loading, got %v", v.State)
	}
	<-source.entered

	before := h.store.Current()
	h.sampler.Stop()
	gate <- struct{}{}
	h.sampler.Wait()

	after := h.store.Current()
	if after.State != before.State || after.Cycle != before.Cycle || after.UpdatedAt != before.UpdatedAt {
		t.Fatalf("store mutated after stop: before=%+v after=%+v", before, after)
	}
	select {
	case v := <-h.views:
		t.Fatalf("unexpected store write after stop: %+v", v)
	default:
	}
}

func TestSamplerRestartDropsStaleCycle(t *testing.T) {
	source := newScriptedSource(fetchResult{resp: mixedBatch("stale")}, fetchResult{resp: mixedBatch("fresh")})
	staleGate, freshGate := source.gate(1), source.gate(2)
	h := newHarness(t, source)
	ctx := context.Background()

	h.sampler.Start(ctx)
	h.nextView(t) // loading
	<-source.entered

	h.sampler.Stop()
	h.sampler.Start(ctx)

	// The new run must not fetch while the stopped run's fetch is in flight.
	select {
	case call := <-source.entered:
		t.Fatalf("fetch %d started while the previous fetch was still running", call)
	case <-time.After(50 * time.Millisecond):
	}

	staleGate <- struct{}{}
	if call := <-source.entered; call != 2 {
		t.Fatalf("expected the restarted run to issue fetch 2, got %d", call)
	}
	freshGate <- struct{}{}

	fresh := h.nextView(t)
	if fresh.State != models.StateReady || fresh.Snapshot.Transactions[0].ID != "fresh" {
		t.Fatalf("expected the fresh ready view, got %+v", fresh)
	}
	h.waitTimer(t)
	if got := h.store.Current(); got.Cycle != fresh.Cycle {
		t.Fatalf("stale cycle overwrote the store: %+v", got)
	}
	select {
	case v := <-h.views:
		t.Fatalf("unexpected extra store write: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSamplerWaitCoversStoppedRuns(t *testing.T) {
	source := newScriptedSource(fetchResult{resp: mixedBatch("a")})
	gate := source.gate(1)
	h := newHarness(t, source)
	ctx := context.Background()

	h.sampler.Start(ctx)
	<-source.entered
	h.sampler.Stop()
	h.sampler.Start(ctx)
	h.sampler.Stop()

	waited := make(chan struct{})
	go func() {
		h.sampler.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatalf("Wait returned while the first run's fetch was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	gate <- struct{}{}
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait did not return after the in-flight fetch finished")
	}
	if calls := source.Calls(); calls != 1 {
		t.Fatalf("stopped runs must not fetch again, got %d calls", calls)
	}
}

func TestSamplerSourceFailureZeroesSnapshot(t *testing.T) {
	h := newHarness(t, newScriptedSource(
		fetchResult{resp: mixedBatch("a", "b", "c")},
		fetchResult{err: errors.New("connection refused")},
	))
	h.sampler.Start(context.Background())
	h.nextView(t) // loading
	if v := h.nextView(t); v.State != models.StateReady {
		t.Fatalf("expected ready, got %v", v.State)
	}
	h.waitTimer(t)
	h.fire()

	failed := h.nextView(t)
	if failed.State != models.StateErrored {
		t.Fatalf("expected errored, got %v", failed.State)
	}
	if failed.Message == "" {
		t.Fatalf("expected a user-visible message")
	}
	snap := failed.Snapshot
	if snap.Matrix != (models.ConfusionMatrix{}) || snap.Split != (models.ClassificationSplit{}) {
		t.Fatalf("expected zeroed counts, got %+v", snap)
	}
	if len(snap.Transactions) != 0 || len(snap.Flagged) != 0 {
		t.Fatalf("expected empty batches, got %+v", snap)
	}

	// Failures never stop the loop.
	h.waitTimer(t)
	if !h.sampler.Running() {
		t.Fatalf("sampler stopped after a source failure")
	}
	h.fire()
	if v := h.nextView(t); v.State != models.StateErrored || v.Cycle != 3 {
		t.Fatalf("expected next cycle to retry, got %+v", v)
	}
}

func TestSamplerRecoversSourcePanic(t *testing.T) {
	h := newHarness(t, newScriptedSource(fetchResult{panicVal: "nil map"}))
	h.sampler.Start(context.Background())
	h.nextView(t) // loading
	v := h.nextView(t)
	if v.State != models.StateErrored || v.Message != SourceUnavailableMessage {
		t.Fatalf("expected errored view after panic, got %+v", v)
	}
	h.waitTimer(t)
	if !h.sampler.Running() {
		t.Fatalf("panic stopped the sampler")
	}
}

func TestSamplerMalformedResponseIsSourceUnavailable(t *testing.T) {
	bad := mixedBatch("a")
	bad.Transactions[0].Action = models.ActionAllow
	h := newHarness(t, newScriptedSource(fetchResult{resp: bad}))
	h.sampler.Start(context.Background())
	h.nextView(t) // loading
	if v := h.nextView(t); v.State != models.StateErrored {
		t.Fatalf("expected malformed batch to be rejected, got %+v", v)
	}
}

func TestSamplerSecondCycleReplacesFirst(t *testing.T) {
	h := newHarness(t, newScriptedSource(
		fetchResult{resp: mixedBatch("c1-a", "c1-b", "c1-c")},
		fetchResult{resp: mixedBatch("c2-a")},
	))
	h.sampler.Start(context.Background())
	h.nextView(t) // loading
	h.nextView(t)
	h.waitTimer(t)
	h.fire()
	second := h.nextView(t)

	current := h.store.Current()
	if current.Cycle != second.Cycle {
		t.Fatalf("store does not hold the second snapshot: %+v", current)
	}
	seen := make(models.Batch, 0, len(current.Snapshot.Transactions)+len(current.Snapshot.Flagged))
	seen = append(seen, current.Snapshot.Transactions...)
	seen = append(seen, current.Snapshot.Flagged...)
	for _, txn := range seen {
		if txn.ID != "c2-a" {
			t.Fatalf("found cycle 1 transaction %q after cycle 2", txn.ID)
		}
	}
	if len(current.Snapshot.Flagged) != 1 {
		t.Fatalf("expected one flagged transaction, got %d", len(current.Snapshot.Flagged))
	}
}

func TestSamplerWaitsIntervalMinusCycleTime(t *testing.T) {
	h := newHarness(t, newScriptedSource(fetchResult{resp: mixedBatch("a")}))
	h.sampler.Start(context.Background())
	select {
	case d := <-h.timer.requested:
		if d <= 0 || d > time.Hour {
			t.Fatalf("unexpected wait %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sampler did not schedule")
	}
}

func TestSamplerStopsWithContext(t *testing.T) {
	h := newHarness(t, newScriptedSource(fetchResult{resp: mixedBatch("a")}))
	ctx, cancel := context.WithCancel(context.Background())
	h.sampler.Start(ctx)
	h.waitTimer(t)
	cancel()
	h.sampler.Wait()
	if h.sampler.Running() {
		t.Fatalf("expected sampler to stop when its context ends")
	}
}

func TestSamplerRunOnce(t *testing.T) {
	h := newHarness(t, newScriptedSource(fetchResult{err: errors.New("boom")}))
	err := h.sampler.RunOnce(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if got := h.store.Current(); got.State != models.StateErrored {
		t.Fatalf("expected errored store, got %v", got.State)
	}

	h.sampler.Start(context.Background())
	if err := h.sampler.RunOnce(context.Background()); !errors.Is(err, ErrSamplerRunning) {
		t.Fatalf("expected ErrSamplerRunning, got %v", err)
	}
}
