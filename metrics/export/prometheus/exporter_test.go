package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/authflow"
)

type fakeSource struct {
	snapshot authflow.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() authflow.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                      { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(authflow.NewMetrics(authflow.MetricsConfig{}))
	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderIncludesCounterAndHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authflow.MetricsSnapshot{
			Counters: map[authflow.MetricID]uint64{
				authflow.MetricLoginSuccess: 7,
			},
			Histograms: map[authflow.MetricID][]uint64{
				authflow.MetricLoginLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	for _, want := range []string{
		"authflow_login_success_total 7",
		"authflow_csrf_mismatch_total 0",
		"authflow_login_latency_seconds_bucket{le=\"0.005\"} 1",
		"authflow_login_latency_seconds_bucket{le=\"+Inf\"} 36",
		"authflow_login_latency_seconds_count 36",
		"authflow_audit_dropped_total 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestRenderStandaloneMetricsOmitsAuditCounter(t *testing.T) {
	m := authflow.NewMetrics(authflow.MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	m.Inc(authflow.MetricCodeIssued)
	m.Inc(authflow.MetricCodeIssued)
	m.Inc(authflow.MetricRequestRateLimited)
	m.Observe(authflow.MetricLoginLatency, 30*time.Millisecond)

	out := NewPrometheusExporterFromSource(m).Render()
	if !strings.Contains(out, "authflow_code_issued_total 2") || !strings.Contains(out, "authflow_request_rate_limited_total 1") {
		t.Fatalf("missing counters:\n%s", out)
	}
	if !strings.Contains(out, "authflow_login_latency_seconds_bucket{le=\"0.05\"} 1") {
		t.Fatalf("missing histogram bucket:\n%s", out)
	}
	if strings.Contains(out, "authflow_audit_dropped_total") {
		t.Fatalf("audit counter needs an audit source:\n%s", out)
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authflow.MetricsSnapshot{
			Counters:   map[authflow.MetricID]uint64{authflow.MetricLoginSuccess: 1},
			Histograms: map[authflow.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authflow.MetricsSnapshot{
			Counters: map[authflow.MetricID]uint64{
				authflow.MetricLoginSuccess:   1000,
				authflow.MetricLoginFailure:   40,
				authflow.MetricRefreshSuccess: 800,
				authflow.MetricRefreshFailure: 10,
				authflow.MetricCodeIssued:     300,
			},
			Histograms: map[authflow.MetricID][]uint64{
				authflow.MetricLoginLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
