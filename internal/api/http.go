package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/miradorstack/fraud-monitor/internal/cache"
	"github.com/miradorstack/fraud-monitor/internal/models"
)

const (
	// SnapshotPath serves the live view as JSON.
	SnapshotPath = "/api/v1/snapshot"
	// PublishedPath reads back the view last mirrored to the cache.
	PublishedPath = "/api/v1/snapshot/published"
)

// PublishedReader returns the view held by the publish backend.
type PublishedReader interface {
	Latest(ctx context.Context) (models.View, error)
}

// HTTPOptions tunes the HTTP surface.
type HTTPOptions struct {
	// RateLimit is the sustained snapshot requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	// Published enables PublishedPath when set.
	Published PublishedReader
}

// NewHTTPHandler builds the HTTP surface: the snapshot endpoints, a liveness
// probe and the Prometheus scrape endpoint for gatherer.
func NewHTTPHandler(logger *slog.Logger, views ViewReader, gatherer prometheus.Gatherer, opts HTTPOptions) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	limit := rateLimit(logger, opts)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(SnapshotPath, limit(readOnly(func(w http.ResponseWriter, r *http.Request) {
		if views == nil {
			http.Error(w, "snapshot store not configured", http.StatusServiceUnavailable)
			return
		}
		writeView(w, logger, views.Current())
	})))
	if opts.Published != nil {
		mux.Handle(PublishedPath, limit(readOnly(func(w http.ResponseWriter, r *http.Request) {
			view, err := opts.Published.Latest(r.Context())
			switch {
			case errors.Is(err, cache.ErrCacheMiss):
				http.Error(w, "no published view", http.StatusNotFound)
			case err != nil:
				logger.Warn("read published view", slog.Any("error", err))
				http.Error(w, "publish backend unavailable", http.StatusBadGateway)
			default:
				writeView(w, logger, view)
			}
		})))
	}
	return mux
}

func readOnly(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// rateLimit shares one limiter across every snapshot endpoint.
func rateLimit(logger *slog.Logger, opts HTTPOptions) func(http.Handler) http.Handler {
	if opts.RateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Warn("snapshot rate limit exceeded", slog.String("remote", r.RemoteAddr))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeView(w http.ResponseWriter, logger *slog.Logger, view models.View) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		logger.Warn("write snapshot response", slog.Any("error", err))
	}
}
