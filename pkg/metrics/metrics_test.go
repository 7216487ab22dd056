package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_SeparateRegistriesDoNotCollide(t *testing.T) {
	t.Parallel()

	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	if a == nil || b == nil {
		t.Fatal("expected metrics instances")
	}
}

func TestRecordJob_CountsByStatusAndStrategy(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.RecordJob("completed", "api", 2*time.Second)
	m.RecordJob("completed", "api", time.Second)
	m.RecordJob("failed", "fallback", time.Second)

	if got := testutil.ToFloat64(m.JobsTotal.WithLabelValues("completed", "api")); got != 2 {
		t.Errorf("expected 2 completed api jobs, got %v", got)
	}
	if got := testutil.ToFloat64(m.JobsTotal.WithLabelValues("failed", "fallback")); got != 1 {
		t.Errorf("expected 1 failed fallback job, got %v", got)
	}
}

func TestRecordSkipped_ByReason(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.RecordSkipped("api", "missing_advertiser")
	m.RecordSkipped("api", "missing_advertiser")
	m.RecordProcessed("fallback", 20)

	if got := testutil.ToFloat64(m.RecordsSkipped.WithLabelValues("api", "missing_advertiser")); got != 2 {
		t.Errorf("expected 2 skips, got %v", got)
	}
	if got := testutil.ToFloat64(m.RecordsProcessed.WithLabelValues("fallback")); got != 20 {
		t.Errorf("expected 20 processed, got %v", got)
	}
}
