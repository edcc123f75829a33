package management

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/sctpmgmt/sctp-go/pkg/congestion"
	"github.com/sctpmgmt/sctp-go/pkg/connection"
	"github.com/sctpmgmt/sctp-go/pkg/discovery"
	"github.com/sctpmgmt/sctp-go/pkg/log"
	"github.com/sctpmgmt/sctp-go/pkg/metrics"
	"github.com/sctpmgmt/sctp-go/pkg/persistence"
	"github.com/sctpmgmt/sctp-go/pkg/transport"
)

// Management is the registry of servers and associations.
//
// Structural operations are serialized by one registry lock and persisted
// before they return. Sends and receives never take the registry lock.
type Management struct {
	name       string
	clock      clock.Clock
	logger     *slog.Logger
	events     log.Logger
	metrics    *metrics.Collector
	store      persistence.Store
	advertiser discovery.Advertiser
	overrides  map[ChannelType]transport.Transport

	// cfgMu guards the settings and the scheduler. It is never held while
	// taking mu.
	cfgMu    sync.RWMutex
	settings Config
	sched    *connection.Scheduler

	mu           sync.RWMutex
	started      bool
	servers      map[string]*server
	associations map[string]*Association
	queued       []func()

	lmu            sync.RWMutex
	eventListeners []ManagementEventListener
	congListeners  []CongestionListener
	srvListener    ServerListener
}

// New creates a stopped Management.
func New(cfg Config) (*Management, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := cfg.Store
	if store == nil {
		store = persistence.NewFileStore(cfg.PersistPath())
	}

	m := &Management{
		name:         cfg.Name,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		events:       log.OrNoop(cfg.EventLogger),
		metrics:      cfg.Metrics,
		store:        store,
		advertiser:   cfg.Advertiser,
		overrides:    maps.Clone(cfg.Transports),
		settings:     cfg,
		servers:      make(map[string]*server),
		associations: make(map[string]*Association),
	}
	return m, nil
}

// Name returns the instance name.
func (m *Management) Name() string { return m.name }

// Start loads the persisted configuration and recreates every server and
// association, all stopped.
func (m *Management) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlock()

	if m.started {
		return ErrAlreadyStarted
	}

	doc, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if doc != nil {
		if err := m.applyDocument(doc); err != nil {
			m.servers = make(map[string]*server)
			m.associations = make(map[string]*Association)
			return err
		}
	}

	sched := connection.NewScheduler(m.clock)
	sched.OnRetry(func(key string, attempt int, err error) {
		m.debugLog("connect attempt failed", "association", key, "attempt", attempt, "error", err)
	})
	sched.OnSuccess(func(key string, attempts int) {
		m.debugLog("connected", "association", key, "attempts", attempts)
	})
	m.cfgMu.Lock()
	m.sched = sched
	m.cfgMu.Unlock()

	m.started = true
	m.logService("STARTED")
	m.debugLog("management started", "name", m.name,
		"servers", len(m.servers), "associations", len(m.associations))
	m.queue(func(l ManagementEventListener) { l.OnServiceStarted() })
	return nil
}

// Stop persists the configuration and tears down every server and
// association.
func (m *Management) Stop() error {
	m.mu.Lock()
	defer m.unlock()

	if !m.started {
		return ErrNotStarted
	}

	err := m.teardownLocked()
	if saveErr := m.store.Save(m.documentLocked()); saveErr != nil {
		err = multierr.Append(err, fmt.Errorf("save configuration: %w", saveErr))
	}

	m.cfgMu.Lock()
	sched := m.sched
	m.sched = nil
	m.cfgMu.Unlock()
	m.afterUnlock(sched.Close)

	if m.advertiser != nil {
		m.advertiser.StopAll()
	}

	m.servers = make(map[string]*server)
	m.associations = make(map[string]*Association)
	m.started = false
	m.logService("STOPPED")
	m.debugLog("management stopped", "name", m.name)
	m.queue(func(l ManagementEventListener) { l.OnServiceStopped() })
	return err
}

// IsStarted reports whether Start has completed.
func (m *Management) IsStarted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// RemoveAllResources stops and removes every server and association and
// persists the empty configuration.
func (m *Management) RemoveAllResources() error {
	m.mu.Lock()
	defer m.unlock()

	if !m.started {
		return ErrNotStarted
	}

	err := m.teardownLocked()
	for name := range m.associations {
		m.metrics.Forget(name)
	}
	m.servers = make(map[string]*server)
	m.associations = make(map[string]*Association)
	if saveErr := m.store.Save(m.documentLocked()); saveErr != nil {
		err = multierr.Append(err, fmt.Errorf("save configuration: %w", saveErr))
	}
	m.debugLog("all resources removed", "name", m.name)
	m.queue(func(l ManagementEventListener) { l.OnRemoveAllResources() })
	return err
}

// teardownLocked stops every association, then every server.
func (m *Management) teardownLocked() error {
	var err error
	for _, name := range slices.Sorted(maps.Keys(m.associations)) {
		a := m.associations[name]
		if a.IsStarted() {
			err = multierr.Append(err, a.stop())
		}
	}
	for _, name := range slices.Sorted(maps.Keys(m.servers)) {
		s := m.servers[name]
		if s.isStarted() {
			err = multierr.Append(err, s.stop())
			m.metrics.ServerStarted(false)
		}
	}
	return err
}

// ConnectDelay returns the wait between client connect attempts.
func (m *Management) ConnectDelay() time.Duration {
	return m.connectDelay()
}

// BufferSize returns the per-association buffer size.
func (m *Management) BufferSize() int {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.settings.BufferSize
}

// CongestionThresholds returns the congestion thresholds.
func (m *Management) CongestionThresholds() congestion.Thresholds {
	return m.thresholds()
}

// SocketOptions returns the socket option bag.
func (m *Management) SocketOptions() transport.SocketOptions {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.settings.SocketOptions
}

// SetConnectDelay sets the wait between client connect attempts. Pending
// retries keep their delay until rescheduled.
func (m *Management) SetConnectDelay(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: connect delay %v", ErrInvalidConfig, d)
	}
	return m.updateSettings(func(c *Config) { c.ConnectDelay = d })
}

// SetBufferSize sets the per-association buffer size used by new channels.
func (m *Management) SetBufferSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: buffer size %d", ErrInvalidConfig, n)
	}
	return m.updateSettings(func(c *Config) { c.BufferSize = n })
}

// SetCongestionThresholds replaces the thresholds of every association.
func (m *Management) SetCongestionThresholds(t congestion.Thresholds) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := m.updateSettings(func(c *Config) { c.Congestion = t }); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.associations {
		a.cong.SetThresholds(t)
	}
	for _, s := range m.servers {
		for _, a := range s.anonymousSnapshot() {
			a.cong.SetThresholds(t)
		}
	}
	return nil
}

// SetSocketOptions replaces the socket options used by new channels.
func (m *Management) SetSocketOptions(o transport.SocketOptions) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return m.updateSettings(func(c *Config) { c.SocketOptions = o })
}

// updateSettings applies fn and persists, restoring the old settings when
// the save fails.
func (m *Management) updateSettings(fn func(*Config)) error {
	m.mu.Lock()
	defer m.unlock()

	if !m.started {
		return ErrNotStarted
	}

	m.cfgMu.Lock()
	old := m.settings
	fn(&m.settings)
	m.cfgMu.Unlock()

	return m.commitLocked(func() {
		m.cfgMu.Lock()
		m.settings = old
		m.cfgMu.Unlock()
	})
}

func (m *Management) connectDelay() time.Duration {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.settings.ConnectDelay
}

func (m *Management) thresholds() congestion.Thresholds {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.settings.Congestion
}

func (m *Management) scheduler() *connection.Scheduler {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.sched
}

// transport returns the transport of a channel type built from the current
// settings.
func (m *Management) transport(ct ChannelType) transport.Transport {
	if t, ok := m.overrides[ct]; ok {
		return t
	}

	m.cfgMu.RLock()
	cc := transport.ChannelConfig{
		Options:          m.settings.SocketOptions,
		BufferSize:       m.settings.BufferSize,
		HandshakeTimeout: m.settings.HandshakeTimeout,
		KeepAlive:        m.settings.KeepAlive,
		Logger:           m.logger,
		EventLogger:      m.events,
	}
	m.cfgMu.RUnlock()

	if ct == ChannelTCP {
		return transport.NewTCPTransport(transport.TCPConfig{ChannelConfig: cc})
	}
	return transport.NewSCTPTransport(transport.SCTPConfig{
		ChannelConfig:        cc,
		MaxReceiveBufferSize: uint32(cc.Options.ReceiveBufferSize),
	})
}

func (m *Management) debugLog(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}

func (m *Management) logService(state string) {
	m.events.Log(log.Event{
		Timestamp: m.clock.Now(),
		Layer:     log.LayerManagement,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityManagement,
			NewState: state,
			Reason:   m.name,
		},
	})
}
