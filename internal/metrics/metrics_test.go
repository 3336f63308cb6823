package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metrics:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionStarted("start")
	m.SessionStarted("replace")
	m.SessionStarted("replace")
	m.Transition("playing_loop", 2)
	m.LoopCommitted()
	m.Lookahead(0.14)
	m.Lookahead(-0.02)
	m.Stale("lookahead")
	m.Load(20*time.Millisecond, nil)
	m.Load(20*time.Millisecond, errors.New("boom"))

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"loopd_sessions_started_total", map[string]string{"reason": "replace"}, 2},
		{"loopd_transitions_total", map[string]string{"state": "playing_loop"}, 1},
		{"loopd_session_state", nil, 2},
		{"loopd_loop_iterations_total", nil, 1},
		{"loopd_late_starts_total", nil, 1},
		{"loopd_stale_events_total", map[string]string{"kind": "lookahead"}, 1},
		{"loopd_program_load_failures_total", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := counterValue(t, reg, tt.name, tt.labels); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.SessionStarted("start")
	m.Transition("idle", 0)
	m.LoopCommitted()
	m.Lookahead(-1)
	m.Stale("completion")
	m.Load(time.Second, nil)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.LoopCommitted()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "loopd_loop_iterations_total 1") {
		t.Errorf("expected iteration counter in output, got:\n%s", rec.Body.String())
	}
}
