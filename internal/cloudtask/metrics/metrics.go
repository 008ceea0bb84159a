// Package metrics exposes the prometheus collectors for cloudtask:
// per-job outcomes, job execution latency, worker strikes, and worker
// lifecycle transitions. The registry-per-process shape, the
// sanitize-then-label helpers, and the Reset/Handler test seams are
// grounded on the teacher's internal/provisioner/metrics package.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsTotal         *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	workerStrikes     *prometheus.CounterVec
	workersLaunched   prometheus.Counter
	workersDestroyed  *prometheus.CounterVec
	watchdogEvictions *prometheus.CounterVec
	poolActive        prometheus.Gauge
	poolBusy          prometheus.Gauge
)

// Job outcome labels, mirroring cloudtask.JobState's terminal values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests to get a
// clean registry between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJob records one completed job attempt: its terminal outcome
// and how long it ran.
func ObserveJob(outcome string, duration time.Duration) {
	label := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(label).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// IncWorkerStrike records a strike charged against a worker, labeled by
// the worker's address.
func IncWorkerStrike(addr string) {
	label := sanitizeLabel(addr, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if workerStrikes != nil {
		workerStrikes.WithLabelValues(label).Inc()
	}
}

// IncWorkerLaunched records a successful provisioner Launch call.
func IncWorkerLaunched() {
	mu.RLock()
	defer mu.RUnlock()
	if workersLaunched != nil {
		workersLaunched.Inc()
	}
}

// IncWorkerDestroyed records a Destroy call, labeled by why the worker
// was torn down (drained, struck-out, zombie-reaped, session-teardown).
func IncWorkerDestroyed(reason string) {
	label := sanitizeLabel(reason, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if workersDestroyed != nil {
		workersDestroyed.WithLabelValues(label).Inc()
	}
}

// IncWatchdogEviction records the watchdog forcing a worker out of the
// pool, labeled by the trigger (idle-timeout, sigterm-grace-expired).
func IncWatchdogEviction(trigger string) {
	label := sanitizeLabel(trigger, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if watchdogEvictions != nil {
		watchdogEvictions.WithLabelValues(label).Inc()
	}
}

// SetPoolOccupancy records the Pool's current active-worker and
// busy-worker counts, sampled by the Pool on every launch, retire and
// dispatch transition.
func SetPoolOccupancy(active, busy int) {
	mu.RLock()
	defer mu.RUnlock()
	if poolActive != nil {
		poolActive.Set(float64(active))
	}
	if poolBusy != nil {
		poolBusy.Set(float64(busy))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudtask",
		Name:      "jobs_total",
		Help:      "Total jobs completed, grouped by terminal outcome.",
	}, []string{"outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cloudtask",
		Name:      "job_duration_seconds",
		Help:      "Duration of job execution by terminal outcome.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"outcome"})

	strikes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudtask",
		Name:      "worker_strikes_total",
		Help:      "Total strikes charged against a worker address.",
	}, []string{"addr"})

	launched := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudtask",
		Name:      "workers_launched_total",
		Help:      "Total workers successfully launched by the provisioner.",
	})

	destroyed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudtask",
		Name:      "workers_destroyed_total",
		Help:      "Total workers destroyed, grouped by reason.",
	}, []string{"reason"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudtask",
		Name:      "watchdog_evictions_total",
		Help:      "Total workers evicted by the idle watchdog, grouped by trigger.",
	}, []string{"trigger"})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudtask",
		Name:      "pool_active_workers",
		Help:      "Current number of live worker goroutines in the pool.",
	})

	busy := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudtask",
		Name:      "pool_busy_workers",
		Help:      "Current number of worker goroutines executing a job.",
	})

	registry.MustRegister(jobs, duration, strikes, launched, destroyed, evictions, active, busy)

	reg = registry
	jobsTotal = jobs
	jobDuration = duration
	workerStrikes = strikes
	workersLaunched = launched
	workersDestroyed = destroyed
	watchdogEvictions = evictions
	poolActive = active
	poolBusy = busy
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
