package ingest

import "testing"

func TestMonitorAlertsOnSustainedGrowth(t *testing.T) {
	monitor := NewBacklogMonitor(3)

	observations := []int{5, 8, 12, 15}
	expected := []bool{false, false, false, true}
	for i, total := range observations {
		alert, _ := monitor.Observe(total)
		if alert != expected[i] {
			t.Fatalf("observation %d (backlog %d): expected alert=%v, got %v", i+1, total, expected[i], alert)
		}
	}
}

func TestMonitorStreakResetsOnDecrease(t *testing.T) {
	monitor := NewBacklogMonitor(3)

	for i, total := range []int{5, 8, 6, 12} {
		alert, _ := monitor.Observe(total)
		if alert {
			t.Fatalf("observation %d (backlog %d): unexpected alert", i+1, total)
		}
	}
}

func TestMonitorFirstObservationIsBaseline(t *testing.T) {
	monitor := NewBacklogMonitor(1)

	// Even a huge first sample is just the baseline, not growth.
	alert, streak := monitor.Observe(100)
	if alert || streak != 0 {
		t.Fatalf("expected baseline sample without alert, got alert=%v streak=%d", alert, streak)
	}
	alert, streak = monitor.Observe(101)
	if !alert || streak != 1 {
		t.Fatalf("expected alert on first real increase, got alert=%v streak=%d", alert, streak)
	}
}

func TestMonitorNeverAlertsOnZeroBacklog(t *testing.T) {
	monitor := NewBacklogMonitor(1)

	// Growth then full drain: alert requires a non-zero backlog.
	monitor.Observe(10)
	alert, _ := monitor.Observe(0)
	if alert {
		t.Fatalf("unexpected alert with empty backlog")
	}
}
