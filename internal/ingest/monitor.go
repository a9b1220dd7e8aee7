package ingest

// BacklogMonitor detects sustained backlog growth. An alert fires only when
// the backlog is non-zero and has grown for a configured number of
// consecutive observations; isolated spikes never alert.
type BacklogMonitor struct {
	threshold int
	last      int
	primed    bool
	streak    int
}

func NewBacklogMonitor(threshold int) *BacklogMonitor {
	if threshold <= 0 {
		threshold = 3
	}
	return &BacklogMonitor{threshold: threshold}
}

// Observe records a backlog sample and returns the current alert state and
// growth streak. The first sample is the baseline: growth can only be measured
// between consecutive observations, so it never counts toward the streak.
func (m *BacklogMonitor) Observe(total int) (bool, int) {
	if !m.primed {
		m.primed = true
		m.last = total
		return false, 0
	}
	if total > m.last {
		m.streak++
	} else {
		m.streak = 0
	}
	m.last = total
	return total > 0 && m.streak >= m.threshold, m.streak
}
