package obsmetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTaskIncrementsCounterAndObservesDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordTask("fire_deadline", "success", 50*time.Millisecond)

	got := testutil.ToFloat64(m.TasksProcessedTotal.WithLabelValues("fire_deadline", "success"))
	if got != 1 {
		t.Fatalf("expected counter 1, got %v", got)
	}
}

func TestRecordDeadlineFiredLabelsByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordDeadlineFired("croa_hold")
	m.RecordDeadlineFired("croa_hold")
	m.RecordDeadlineFired("overdue_escalation")

	if got := testutil.ToFloat64(m.DeadlinesFiredTotal.WithLabelValues("croa_hold")); got != 2 {
		t.Fatalf("expected 2 croa_hold fires, got %v", got)
	}
	if got := testutil.ToFloat64(m.DeadlinesFiredTotal.WithLabelValues("overdue_escalation")); got != 1 {
		t.Fatalf("expected 1 overdue_escalation fire, got %v", got)
	}
}
