package upload

// Subscribe returns a channel that receives a task snapshot on every state
// change, plus a function that cancels the subscription. Sends never block:
// a slow reader misses intermediate snapshots rather than stalling a run.
func (m *Manager) Subscribe() (<-chan Task, func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Task, 64)
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) publish(snapshot Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
