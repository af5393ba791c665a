package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics builds a Metrics instance registered against an
// isolated registry so tests don't collide with NewMetrics()'s
// process-global default-registry registration.
func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	registry := prometheus.NewRegistry()
	m := &Metrics{
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "test_llm_request_duration_seconds",
				Help:    "test",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_llm_requests_total", Help: "test"},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_llm_tokens_total", Help: "test"},
			[]string{"provider", "model", "type"},
		),
	}
	registry.MustRegister(m.LLMRequestDuration, m.LLMRequestCounter, m.LLMTokensUsed)
	return m
}

func TestRecordLLMRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMRequest("anthropic", "claude-3-opus", "success", 1.5, 100, 500)
	m.RecordLLMRequest("anthropic", "claude-3-opus", "error", 0.2, 0, 0)

	expected := `
		# HELP test_llm_requests_total test
		# TYPE test_llm_requests_total counter
		test_llm_requests_total{model="claude-3-opus",provider="anthropic",status="error"} 1
		test_llm_requests_total{model="claude-3-opus",provider="anthropic",status="success"} 1
	`
	if err := testutil.CollectAndCompare(m.LLMRequestCounter, strings.NewReader(expected), "test_llm_requests_total"); err != nil {
		t.Errorf("unexpected counter value: %v", err)
	}

	if count := testutil.CollectAndCount(m.LLMRequestDuration); count != 1 {
		t.Errorf("got %d duration label combinations, want 1", count)
	}
}

func TestRecordLLMRequestSkipsZeroTokenCounts(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMRequest("openai", "gpt-4", "error", 0.1, 0, 0)

	if count := testutil.CollectAndCount(m.LLMTokensUsed); count != 0 {
		t.Errorf("expected no token counters touched on a zero-token request, got %d", count)
	}

	m.RecordLLMRequest("openai", "gpt-4", "success", 0.1, 10, 20)
	if count := testutil.CollectAndCount(m.LLMTokensUsed); count != 2 {
		t.Errorf("got %d token label combinations, want 2 (prompt, completion)", count)
	}
}
