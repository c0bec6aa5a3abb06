package manager

// ObserveHealth records the health of every running business, plus the
// flock, monkey and scheduler gauges. Reading health only touches atomics,
// so sampling never waits on a running business.
func (m *Manager) ObserveHealth() {
	if m.cfg.Metrics == nil {
		return
	}
	flocks := m.sortedFlocks()
	m.cfg.Metrics.SetFlocks(len(flocks))
	for _, f := range flocks {
		monkeys := f.Monkeys()
		m.cfg.Metrics.SetMonkeys(f.Name(), len(monkeys))
		for _, mk := range monkeys {
			b := mk.Business()
			m.cfg.Metrics.SetBusinessHealth(f.Name(), mk.Name(), b.Name(), b.Healthy())
		}
	}
	if m.sched != nil {
		m.cfg.Metrics.SetSchedulerTasks(m.sched.Active())
	}
}
