package management

import "slices"

// AddManagementEventListener registers a registry event listener.
func (m *Management) AddManagementEventListener(l ManagementEventListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	if !slices.Contains(m.eventListeners, l) {
		m.eventListeners = append(m.eventListeners, l)
	}
}

// RemoveManagementEventListener unregisters a registry event listener.
func (m *Management) RemoveManagementEventListener(l ManagementEventListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.eventListeners = slices.DeleteFunc(m.eventListeners, func(o ManagementEventListener) bool { return o == l })
}

// AddCongestionListener registers a congestion level listener.
func (m *Management) AddCongestionListener(l CongestionListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	if !slices.Contains(m.congListeners, l) {
		m.congListeners = append(m.congListeners, l)
	}
}

// RemoveCongestionListener unregisters a congestion level listener.
func (m *Management) RemoveCongestionListener(l CongestionListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.congListeners = slices.DeleteFunc(m.congListeners, func(o CongestionListener) bool { return o == l })
}

// SetServerListener sets the listener that decides on anonymous
// connections. Nil rejects them all.
func (m *Management) SetServerListener(l ServerListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.srvListener = l
}

func (m *Management) serverListener() ServerListener {
	m.lmu.RLock()
	defer m.lmu.RUnlock()
	return m.srvListener
}

// notify calls fn for every registry event listener.
func (m *Management) notify(fn func(ManagementEventListener)) {
	m.lmu.RLock()
	listeners := slices.Clone(m.eventListeners)
	m.lmu.RUnlock()

	for _, l := range listeners {
		fn(l)
	}
}

func (m *Management) notifyCongestion(a *Association, level int) {
	m.lmu.RLock()
	listeners := slices.Clone(m.congListeners)
	m.lmu.RUnlock()

	for _, l := range listeners {
		l.OnCongestionLevelChanged(a, level)
	}
}

// queue defers a registry event until the registry lock is released.
// Callers hold mu.
func (m *Management) queue(fn func(ManagementEventListener)) {
	m.queued = append(m.queued, func() { m.notify(fn) })
}

// afterUnlock defers fn until the registry lock is released. Callers hold
// mu.
func (m *Management) afterUnlock(fn func()) {
	m.queued = append(m.queued, fn)
}

// unlock releases mu and runs the deferred work.
func (m *Management) unlock() {
	queued := m.queued
	m.queued = nil
	m.mu.Unlock()

	for _, fn := range queued {
		fn()
	}
}

// releaseAnonymous drops an anonymous association from its server's pool.
func (m *Management) releaseAnonymous(serverName string, a *Association) {
	m.mu.RLock()
	s := m.servers[serverName]
	m.mu.RUnlock()

	if s != nil {
		s.releaseAnonymous(a)
	}
}
