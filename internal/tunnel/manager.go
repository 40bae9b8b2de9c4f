package tunnel

import (
	"sync"
)

// Manager keeps one forwarder per remote port, all targeting localhost on
// the remote side. It serves the "forward" control verb.
type Manager struct {
	opener Opener
	cfg    Config

	mu   sync.Mutex
	fwds map[int]*Forwarder
}

func NewManager(opener Opener, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{opener: opener, cfg: cfg, fwds: make(map[int]*Forwarder)}
}

// Forward starts forwarding remotePort and returns the local port. The
// same local port number is preferred; when it is taken an ephemeral port
// is used. Forwarding an already forwarded port returns its local port.
func (m *Manager) Forward(remotePort int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.fwds[remotePort]; ok {
		return f.Port(), nil
	}
	f := NewForwarder(m.opener, "localhost", remotePort, m.cfg)
	port, err := f.Start(remotePort)
	if err != nil {
		m.cfg.Logger.Debug("preferred tunnel port unavailable", "port", remotePort, "err", err)
		if port, err = f.Start(0); err != nil {
			return 0, err
		}
	}
	m.fwds[remotePort] = f
	return port, nil
}

// Stop stops the forwarder for remotePort, if any.
func (m *Manager) Stop(remotePort int) {
	m.mu.Lock()
	f := m.fwds[remotePort]
	delete(m.fwds, remotePort)
	m.mu.Unlock()
	if f != nil {
		f.Stop()
	}
}

// Ports maps each forwarded remote port to its local port.
func (m *Manager) Ports() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]int, len(m.fwds))
	for remote, f := range m.fwds {
		out[remote] = f.Port()
	}
	return out
}

// Close stops every listener. Established relays keep draining.
func (m *Manager) Close() {
	m.mu.Lock()
	fwds := m.fwds
	m.fwds = make(map[int]*Forwarder)
	m.mu.Unlock()
	for _, f := range fwds {
		f.Stop()
	}
}
