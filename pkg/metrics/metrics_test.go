package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordRequest("/api/v1/linbo/hosts", "GET", "200", 0.01)
	m.RecordRequest("/api/v1/linbo/hosts", "GET", "200", 0.02)
	m.RecordRateLimited()
	m.RecordReload("devices", true)
	m.RecordReload("devices", false)
	m.SetHostsLoaded(42)
	m.RecordJob("repair_macct", "completed", 1.5)
	m.RecordProvisionBatch(10)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/api/v1/linbo/hosts", "GET", "200")); got != 2 {
		t.Errorf("requests_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RateLimitedTotal); got != 1 {
		t.Errorf("rate_limited_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReloadsTotal.WithLabelValues("devices", "success")); got != 1 {
		t.Errorf("reloads success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReloadsTotal.WithLabelValues("devices", "failure")); got != 1 {
		t.Errorf("reloads failure = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HostsLoaded); got != 42 {
		t.Errorf("hosts_loaded = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.JobsTotal.WithLabelValues("repair_macct", "completed")); got != 1 {
		t.Errorf("jobs_total = %v, want 1", got)
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("/x", "GET", "200", 0.1)
	m.RecordRateLimited()
	m.RecordReload("devices", true)
	m.SetHostsLoaded(1)
	m.RecordJob("provision_hosts", "failed", 0.5)
	m.RecordProvisionBatch(1)
}
