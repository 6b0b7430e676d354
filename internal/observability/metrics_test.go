package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordGatewayCall(t *testing.T) {
	m := NewMetrics()

	m.RecordGatewayCall("feishu", "send_card", nil, 10*time.Millisecond)
	m.RecordGatewayCall("feishu", "send_card", errors.New("boom"), 10*time.Millisecond)
	m.RecordGatewayCall("feishu", "send_card", nil, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.gatewayCalls.WithLabelValues("feishu", "send_card", "ok")); got != 2 {
		t.Errorf("ok calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.gatewayCalls.WithLabelValues("feishu", "send_card", "error")); got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}
}

func TestMetricsTransitionsAndRefreshes(t *testing.T) {
	m := NewMetrics()

	m.RecordTransition("AWAITING_SERVICE_TYPE", "AWAITING_SEVERITY")
	m.RecordTokenRefresh(nil)
	m.RecordTokenRefresh(errors.New("denied"))

	if got := testutil.ToFloat64(m.draftTransitions.WithLabelValues("AWAITING_SERVICE_TYPE", "AWAITING_SEVERITY")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.tokenRefreshes.WithLabelValues("error")); got != 1 {
		t.Errorf("failed refreshes = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("/webhook", "POST", 200, time.Millisecond)
	m.RecordError("/webhook", "POST", "INTERNAL_ERROR")
	m.RecordWebhookEvent("message", "handled")
	m.RecordGatewayCall("aws-support", "create_case", nil, time.Millisecond)
	m.RecordRetry("aws-support", "create_case")
	m.RecordTransition("a", "b")
	m.RecordTokenRefresh(nil)
	if m.Registry() != nil {
		t.Error("nil metrics should expose a nil registry")
	}
}
