// Package metrics exposes prometheus collectors for both services and the
// event counters behind the JSON /status endpoints. The prometheus side is
// for external monitoring; the event counters remain the authoritative
// source for /status.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeTemporary = "temporary"
	OutcomeSkipped   = "skipped"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	fetchesTotal        *prometheus.CounterVec
	queueInsertsTotal   prometheus.Counter
	readyQueueDepth     prometheus.Gauge
	signaturesTotal     *prometheus.CounterVec
	batchFlushesTotal   *prometheus.CounterVec
	objectsHandledTotal *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler serves the registry in prometheus text format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one completed fetch attempt by outcome.
func ObserveFetch(service, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if fetchesTotal != nil {
		fetchesTotal.WithLabelValues(service, outcome).Inc()
	}
}

// IncQueueInsert records a newly inserted queue row.
func IncQueueInsert() {
	mu.RLock()
	defer mu.RUnlock()
	if queueInsertsTotal != nil {
		queueInsertsTotal.Inc()
	}
}

// SetReadyQueueDepth publishes the in-memory ready queue size.
func SetReadyQueueDepth(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if readyQueueDepth != nil {
		readyQueueDepth.Set(float64(n))
	}
}

// ObserveSignature records a signature moving through the pipeline:
// result is submitted, accepted, or rejected.
func ObserveSignature(service, result string) {
	mu.RLock()
	defer mu.RUnlock()
	if signaturesTotal != nil {
		signaturesTotal.WithLabelValues(service, result).Inc()
	}
}

// ObserveBatchFlush records one signature batch submission attempt.
func ObserveBatchFlush(result string) {
	mu.RLock()
	defer mu.RUnlock()
	if batchFlushesTotal != nil {
		batchFlushesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveObjectHandled records one object dispatched by the handler, by
// ActivityStreams type group.
func ObserveObjectHandled(group string) {
	mu.RLock()
	defer mu.RUnlock()
	if objectsHandledTotal != nil {
		objectsHandledTotal.WithLabelValues(group).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedivet",
		Name:      "fetches_total",
		Help:      "Completed fetch attempts grouped by service and outcome.",
	}, []string{"service", "outcome"})

	inserts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fedivet",
		Subsystem: "lookup",
		Name:      "queue_inserts_total",
		Help:      "URIs newly inserted into the persistent queue.",
	})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fedivet",
		Subsystem: "lookup",
		Name:      "ready_queue_depth",
		Help:      "Items currently held in the in-memory ready queue.",
	})

	signatures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedivet",
		Name:      "signatures_total",
		Help:      "Envelope signatures by service and result (submitted, accepted, rejected).",
	}, []string{"service", "result"})

	flushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedivet",
		Subsystem: "verifier",
		Name:      "batch_flushes_total",
		Help:      "Signature batch submissions by result.",
	}, []string{"result"})

	objects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fedivet",
		Subsystem: "lookup",
		Name:      "objects_handled_total",
		Help:      "Objects dispatched by the handler, by type group.",
	}, []string{"type"})

	registry.MustRegister(fetches, inserts, depth, signatures, flushes, objects)

	reg = registry
	fetchesTotal = fetches
	queueInsertsTotal = inserts
	readyQueueDepth = depth
	signaturesTotal = signatures
	batchFlushesTotal = flushes
	objectsHandledTotal = objects
}
