package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterLockMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	RegisterSchedulerMetrics(reg)
	AcquireCounter.WithLabelValues("acquired").Inc()
	ReleaseCounter.WithLabelValues("released").Inc()
	ReclaimCounter.Inc()
	StoreErrorCounter.Inc()
	InvariantCounter.Inc()
	HeldGauge.Set(2)
	RunHistogram.WithLabelValues("success").Observe(0.1)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 7 {
		t.Fatalf("expected metrics registered, got %d", len(mfs))
	}
}

func TestRegisterLockMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterLockMetrics(reg)
}
