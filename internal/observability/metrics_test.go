package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTurnFinished(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TurnFinished("completed", 2*time.Second)
	m.TurnFinished("completed", time.Second)
	m.TurnFinished("error", time.Second)

	if got := testutil.ToFloat64(m.TurnCounter.WithLabelValues("completed")); got != 2 {
		t.Errorf("completed turns = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TurnCounter.WithLabelValues("error")); got != 1 {
		t.Errorf("error turns = %v, want 1", got)
	}
}

func TestToolCallAndTokens(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ToolCall("files__read", "success", 50*time.Millisecond)
	m.ToolCall("files__read", "error", 50*time.Millisecond)
	m.TokensUsed("openai/gpt-4o", 120, 30)

	if got := testutil.ToFloat64(m.ToolCallCounter.WithLabelValues("files__read", "success")); got != 1 {
		t.Errorf("tool success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProviderTokensUsed.WithLabelValues("openai/gpt-4o", "prompt")); got != 120 {
		t.Errorf("prompt tokens = %v, want 120", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.TurnFinished("completed", time.Second)
	m.ProviderRequest("m", "success")
	m.TokensUsed("m", 1, 1)
	m.ToolCall("t", "success", time.Second)
	m.HTTPRequest("GET", "/api/health", "200", time.Millisecond)
}
