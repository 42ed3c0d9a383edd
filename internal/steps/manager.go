package steps

import (
	"context"
	"sync"

	"github.com/pysugar/notedeck/internal/tasks"
)

// Manager hands out one session per task. Viewing a task stops the session of the
// previously viewed one, and removing a task stops its session.
type Manager struct {
	api      API
	registry *tasks.Registry
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*Session
	viewed   string
	closed   bool

	unsubscribe func()
}

func NewManager(api API, registry *tasks.Registry, cfg Config) *Manager {
	m := &Manager{
		api:      api,
		registry: registry,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	m.unsubscribe = registry.Subscribe(m.onChange)
	return m
}

func (m *Manager) onChange(c tasks.Change) {
	switch c.Kind {
	case tasks.ChangeRemove, tasks.ChangeLoad:
	default:
		return
	}
	var stale []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if !m.registry.Has(id) {
			stale = append(stale, s)
			delete(m.sessions, id)
			if m.viewed == id {
				m.viewed = ""
			}
		}
	}
	m.mu.Unlock()
	for _, s := range stale {
		s.Stop()
	}
}

// View makes id the current task and returns its started session.
func (m *Manager) View(ctx context.Context, id string) (*Session, error) {
	if err := m.registry.SetCurrent(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionClosed
	}
	var previous *Session
	if m.viewed != "" && m.viewed != id {
		previous = m.sessions[m.viewed]
		delete(m.sessions, m.viewed)
	}
	m.viewed = id
	s, ok := m.sessions[id]
	if !ok {
		s = NewSession(id, m.api, m.registry, m.cfg)
		m.sessions[id] = s
	}
	m.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}
	if !ok {
		// a failed first fetch still leaves a polling session
		_ = s.Start(ctx)
	}
	return s, nil
}

// Session returns the open session for id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close stops every session.
func (m *Manager) Close() {
	m.unsubscribe()
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.viewed = ""
	m.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}
