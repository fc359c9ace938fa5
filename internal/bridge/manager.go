package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/outdial/voicebridge/internal/config"
	"github.com/outdial/voicebridge/internal/cost"
	"github.com/outdial/voicebridge/internal/observe"
	"github.com/outdial/voicebridge/pkg/audio"
	"github.com/outdial/voicebridge/pkg/provider/realtime"
)

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	Registry *config.Registry
	Config   *config.Config
	Rates    cost.Table
	Metrics  *observe.Metrics
}

// Manager owns the set of live sessions. Unlike a single-call softphone it
// runs any number of concurrent sessions; each one is self-contained. All
// exported methods are safe for concurrent use.
type Manager struct {
	registry *config.Registry
	cfg      *config.Config
	rates    cost.Table
	metrics  *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager with the given dependencies.
func NewManager(mc ManagerConfig) *Manager {
	return &Manager{
		registry: mc.Registry,
		cfg:      mc.Config,
		rates:    mc.Rates,
		metrics:  mc.Metrics,
		sessions: make(map[string]*Session),
	}
}

// StartSession creates an adapter for the named provider, walks a new
// session to Active, and tracks it. An empty provider selects the configured
// default. The returned session is live: its Events and AudioOut streams
// need consumers.
func (m *Manager) StartSession(ctx context.Context, provider string, agent realtime.AgentConfig, format audio.Format) (*Session, error) {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	if provider == "" {
		provider = cfg.DefaultProvider
	}
	entry, ok := cfg.Provider(provider)
	if !ok {
		return nil, fmt.Errorf("bridge: provider %q not configured", provider)
	}

	adapter, err := m.registry.Create(entry)
	if err != nil {
		return nil, fmt.Errorf("bridge: create adapter: %w", err)
	}

	id := xid.New().String()
	s := newSession(id, adapter, SessionConfig{
		Provider:        provider,
		Agent:           agent,
		TelephonyFormat: format,
		AMD:             cfg.AMD.DetectorConfig(),
	}, m.rates, m.metrics, m.remove)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("bridge: manager is shut down")
	}
	m.sessions[id] = s
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}

	if err := s.start(ctx); err != nil {
		return nil, err
	}

	slog.Info("session started", "session_id", id, "provider", provider)
	return s, nil
}

// UpdateConfig swaps the configuration used for new sessions. Live sessions
// keep the settings they started with. Intended for the config watcher's
// hot-reload path (log level and AMD tuning).
func (m *Manager) UpdateConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Session returns the live session with the given ID.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EndSession terminates the session with the given ID.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("bridge: no session %q", id)
	}
	return s.End(ctx)
}

// CloseAll drains every live session concurrently. Used on shutdown; new
// sessions are refused once it has been called.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range open {
		s := s
		g.Go(func() error {
			return s.End(ctx)
		})
	}
	return g.Wait()
}

// remove is the session onDone hook: it untracks the session and settles the
// active-session gauge.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	_, tracked := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if tracked && m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}
