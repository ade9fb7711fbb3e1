// Package metrics exports the outcome of verification runs to prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"btverify/pkg/verify"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeCorrupted   = "index_corrupted"
	OutcomeUnique      = "unique_violation"
	OutcomeHeap        = "heap_mismatch"
	OutcomeUnsupported = "not_supported"
	OutcomeSerialize   = "serialization_failure"
	OutcomeData        = "data_corrupted"
	OutcomeError       = "error"
)

// Outcome names the result of a check for labels and history lines.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, verify.ErrIndexCorrupted):
		return OutcomeCorrupted
	case errors.Is(err, verify.ErrUniqueViolation):
		return OutcomeUnique
	case errors.Is(err, verify.ErrHeapMismatch):
		return OutcomeHeap
	case errors.Is(err, verify.ErrFeatureNotSupported):
		return OutcomeUnsupported
	case errors.Is(err, verify.ErrSerializationFailure):
		return OutcomeSerialize
	case errors.Is(err, verify.ErrDataCorrupted):
		return OutcomeData
	}
	return OutcomeError
}

// Metrics holds the collectors of one process.
type Metrics struct {
	Registry *prometheus.Registry

	checks       *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	pages        *prometheus.CounterVec
	heapTuples   *prometheus.CounterVec
	fillFraction *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btverify",
			Name:      "checks_total",
			Help:      "Finished index checks by outcome.",
		}, []string{"index", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "btverify",
			Name:      "check_duration_seconds",
			Help:      "Wall time of index checks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"index"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btverify",
			Name:      "pages_verified_total",
			Help:      "Index pages visited by checks that found no corruption.",
		}, []string{"index"}),
		heapTuples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btverify",
			Name:      "heap_tuples_matched_total",
			Help:      "Heap tuples found in the index by heapallindexed checks.",
		}, []string{"index"}),
		fillFraction: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "btverify",
			Name:      "bloom_fill_fraction",
			Help:      "Fraction of Bloom filter bits set by the last heapallindexed check.",
		}, []string{"index"}),
	}
	m.Registry.MustRegister(m.checks, m.duration, m.pages, m.heapTuples, m.fillFraction)
	return m
}

// Observe records one finished check. res is nil when err is not.
func (m *Metrics) Observe(index string, res *verify.Result, err error, elapsed time.Duration) {
	m.checks.WithLabelValues(index, Outcome(err)).Inc()
	m.duration.WithLabelValues(index).Observe(elapsed.Seconds())
	if res == nil {
		return
	}
	m.pages.WithLabelValues(index).Add(float64(res.PagesVisited))
	m.heapTuples.WithLabelValues(index).Add(float64(res.HeapTuplesPresent))
	if res.TuplesFingerprinted > 0 {
		m.fillFraction.WithLabelValues(index).Set(res.BloomFillFraction)
	}
}

// Serve exposes the registry on addr under /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "metrics server on %s failed", addr)
	}
	return nil
}
