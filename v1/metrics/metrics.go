package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts lock attempts per outcome: acquired, contended, error.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sortlock_acquire_total",
		Help: "Total number of unit acquisition attempts",
	}, []string{"result"})
	// ReleaseCounter counts releases per outcome: released, conflict, error.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sortlock_release_total",
		Help: "Total number of unit releases",
	}, []string{"result"})
	// ReclaimCounter counts units returned to the waiting pool after expiry.
	ReclaimCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sortlock_reclaim_total",
		Help: "Total number of expired units reclaimed",
	})
	// StoreErrorCounter counts failed round trips to the score store.
	StoreErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sortlock_store_errors_total",
		Help: "Total number of score store failures",
	})
	// InvariantCounter counts observed invariant violations.
	InvariantCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sortlock_invariant_violations_total",
		Help: "Total number of invariant violations observed",
	})
	// HeldGauge reports the handles this process holds.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sortlock_held",
		Help: "Current number of outstanding lock handles",
	})
	// RunHistogram records agent execution time.
	RunHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sortlock_agent_run_seconds",
		Help:    "Agent execution duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock protocol metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, ReclaimCounter, StoreErrorCounter, InvariantCounter, HeldGauge)
}

// RegisterSchedulerMetrics registers the scheduler metrics on the provided registry.
func RegisterSchedulerMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RunHistogram)
}
