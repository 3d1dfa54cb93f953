package instances

import (
	"time"

	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/metrics"
	"github.com/ternarybob/mercator/internal/models"
)

// pollLoop drives the state poller until Close.
func (m *Manager) pollLoop() {
	defer close(m.pollDone)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	prev := make(map[string]models.InstanceState)
	for {
		select {
		case <-m.pollStop:
			return
		case <-ticker.C:
			m.pollOnce(prev)
		}
	}
}

// pollOnce snapshots every instance and emits instanceStateChanged for the
// ones that drifted since the previous tick. The first observation of an
// instance only seeds the baseline; creation already announced it. Deleted
// instances fall out of the baseline so a reused ID is not diffed against a
// stale snapshot.
func (m *Manager) pollOnce(prev map[string]models.InstanceState) {
	running := 0
	seen := make(map[string]bool, len(prev))

	for _, rt := range m.snapshot() {
		state := rt.State()
		seen[state.ID] = true
		if state.Status == models.StatusRunning {
			running++
		}
		if last, ok := prev[state.ID]; ok && state.ChangedFrom(last) {
			m.publish(interfaces.EventInstanceStateChanged, state)
		}
		prev[state.ID] = state
	}

	for id := range prev {
		if !seen[id] {
			delete(prev, id)
		}
	}
	metrics.InstancesRunning.Set(float64(running))
}
