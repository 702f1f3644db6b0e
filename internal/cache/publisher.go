package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/miradorstack/fraud-monitor/internal/metrics"
	"github.com/miradorstack/fraud-monitor/internal/models"
	"github.com/miradorstack/fraud-monitor/internal/store"
)

// PublisherConfig selects where the view is written.
type PublisherConfig struct {
	Key          string
	TTL          time.Duration
	WriteTimeout time.Duration
}

// Publisher mirrors the latest view into a Provider under a single key.
// Notify never blocks; intermediate views are coalesced so only the most
// recent one is written when the provider is slower than the sampler.
type Publisher struct {
	provider Provider
	cfg      PublisherConfig
	logger   *slog.Logger
	pending  *store.Latest
}

// NewPublisher builds a publisher; call Run to start writing.
func NewPublisher(logger *slog.Logger, provider Provider, cfg PublisherConfig) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = NoopProvider{}
	}
	if cfg.Key == "" {
		cfg.Key = "fraud-monitor:view:current"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	return &Publisher{provider: provider, cfg: cfg, logger: logger, pending: store.NewLatest()}
}

// Notify queues view for publishing. It has the store.Listener signature.
func (p *Publisher) Notify(view models.View) {
	p.pending.Notify(view)
}

// Run writes queued views until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.pending.Ready():
		}

		view, ok := p.pending.Take()
		if !ok {
			continue
		}

		err := p.Publish(ctx, view)
		metrics.ObservePublish(err)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("publish view failed", slog.String("key", p.cfg.Key), slog.Uint64("cycle", view.Cycle), slog.Any("error", err))
		}
	}
}

// Publish writes view synchronously.
func (p *Publisher) Publish(ctx context.Context, view models.View) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	return p.provider.Set(writeCtx, p.cfg.Key, payload, p.cfg.TTL)
}

// Latest reads back the published view, returning ErrCacheMiss once it expired.
func (p *Publisher) Latest(ctx context.Context) (models.View, error) {
	payload, err := p.provider.Get(ctx, p.cfg.Key)
	if err != nil {
		return models.View{}, err
	}
	var view models.View
	if err := json.Unmarshal(payload, &view); err != nil {
		return models.View{}, err
	}
	return view, nil
}
