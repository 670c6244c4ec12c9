package stats

import "sync"

// MockStatsUpdater records metric changes in memory for tests.
type MockStatsUpdater struct {
	mu     sync.Mutex
	Counts map[string]int
}

func (m *MockStatsUpdater) Incr(name string) { m.add(name, 1) }
func (m *MockStatsUpdater) Decr(name string) { m.add(name, -1) }

func (m *MockStatsUpdater) RegisterMetric(name string) { m.add(name, 0) }

func (m *MockStatsUpdater) Run() {}

func (m *MockStatsUpdater) add(name string, v int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Counts == nil {
		m.Counts = make(map[string]int)
	}
	m.Counts[name] += v
}

func (m *MockStatsUpdater) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counts[name]
}
