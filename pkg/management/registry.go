package management

import (
	"context"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"

	"github.com/sctpmgmt/sctp-go/pkg/discovery"
	"github.com/sctpmgmt/sctp-go/pkg/log"
)

// AddServer creates a stopped server endpoint and persists it.
func (m *Management) AddServer(name, addr string, port int, ct ChannelType,
	acceptAnonymous bool, maxConcurrent int, extraAddrs []string) (ServerInfo, error) {
	m.mu.Lock()
	defer m.unlock()

	if !m.started {
		return ServerInfo{}, ErrNotStarted
	}
	if err := m.checkServerLocked(name, addr, port, ct, ""); err != nil {
		return ServerInfo{}, err
	}
	if maxConcurrent < 0 {
		return ServerInfo{}, fmt.Errorf("%w: max concurrent connections %d", ErrInvalidConfig, maxConcurrent)
	}

	s := newServer(m, name, addr, port, ct, acceptAnonymous, maxConcurrent, extraAddrs)
	m.servers[name] = s
	if err := m.commitLocked(func() { delete(m.servers, name) }); err != nil {
		return ServerInfo{}, err
	}

	info := s.info()
	m.debugLog("server added", "server", name, "addr", addr, "port", port, "type", ct)
	m.queue(func(l ManagementEventListener) { l.OnServerAdded(info) })
	return info, nil
}

// AddDefaultServer adds an SCTP server that rejects anonymous peers.
func (m *Management) AddDefaultServer(name, addr string, port int) (ServerInfo, error) {
	return m.AddServer(name, addr, port, ChannelSCTP, false, 0, nil)
}

// RemoveServer removes a stopped server that owns no associations.
func (m *Management) RemoveServer(name string) error {
	m.mu.Lock()
	defer m.unlock()

	s, err := m.serverLocked(name)
	if err != nil {
		return err
	}
	info := s.info()
	if info.Started {
		return fmt.Errorf("%w: server %s is started", ErrDependencyViolation, name)
	}
	if len(info.Associations) > 0 {
		return fmt.Errorf("%w: server %s owns %d associations", ErrDependencyViolation, name, len(info.Associations))
	}

	delete(m.servers, name)
	if err := m.commitLocked(func() { m.servers[name] = s }); err != nil {
		return err
	}

	m.debugLog("server removed", "server", name)
	m.queue(func(l ManagementEventListener) { l.OnServerRemoved(info) })
	return nil
}

// StartServer opens the server's listeners.
func (m *Management) StartServer(name string) error {
	m.mu.Lock()
	defer m.unlock()

	s, err := m.serverLocked(name)
	if err != nil {
		return err
	}
	if s.isStarted() {
		return nil
	}
	if err := s.start(context.Background()); err != nil {
		return err
	}

	info := s.info()
	m.metrics.ServerStarted(true)
	m.logServer(info, "STARTED")
	m.debugLog("server started", "server", name, "listen", info.ListenAddrs)
	if m.advertiser != nil {
		adv := advertisement(m.name, info)
		m.afterUnlock(func() {
			if err := m.advertiser.AdvertiseServer(context.Background(), adv); err != nil {
				m.debugLog("advertise failed", "server", adv.Instance, "error", err)
			}
		})
	}
	m.queue(func(l ManagementEventListener) { l.OnServerStarted(info) })
	return nil
}

// StopServer closes the server's listeners and evicts its anonymous
// associations. Every owned association must be stopped first.
func (m *Management) StopServer(name string) error {
	m.mu.Lock()
	defer m.unlock()

	s, err := m.serverLocked(name)
	if err != nil {
		return err
	}
	if !s.isStarted() {
		return nil
	}
	for _, a := range s.ownedSnapshot() {
		if a.IsStarted() {
			return fmt.Errorf("%w: association %s is started", ErrDependencyViolation, a.name)
		}
	}

	stopErr := s.stop()
	info := s.info()
	m.metrics.ServerStarted(false)
	m.logServer(info, "STOPPED")
	m.debugLog("server stopped", "server", name)
	if m.advertiser != nil {
		m.afterUnlock(func() {
			if err := m.advertiser.StopServer(name); err != nil {
				m.debugLog("withdraw advertisement failed", "server", name, "error", err)
			}
		})
	}
	m.queue(func(l ManagementEventListener) { l.OnServerStopped(info) })
	return stopErr
}

// Server returns a snapshot of the named server.
func (m *Management) Server(name string) (ServerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.serverLocked(name)
	if err != nil {
		return ServerInfo{}, err
	}
	return s.info(), nil
}

// Servers returns snapshots of every server ordered by name.
func (m *Management) Servers() []ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerInfo, 0, len(m.servers))
	for _, name := range slices.Sorted(maps.Keys(m.servers)) {
		out = append(out, m.servers[name].info())
	}
	return out
}

// AnonymousAssociations returns the live anonymous associations of a
// server.
func (m *Management) AnonymousAssociations(serverName string) ([]*Association, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.serverLocked(serverName)
	if err != nil {
		return nil, err
	}
	return s.anonymousSnapshot(), nil
}

// AddServerAssociation creates a server association that expects the given
// peer. Peer port 0 accepts any source port.
func (m *Management) AddServerAssociation(peerAddr string, peerPort int, serverName, assocName string,
	ct ChannelType) (*Association, error) {
	m.mu.Lock()
	defer m.unlock()

	if !m.started {
		return nil, ErrNotStarted
	}
	if err := m.checkAssociationLocked(assocName, peerAddr, peerPort); err != nil {
		return nil, err
	}
	s, ok := m.servers[serverName]
	if !ok {
		return nil, fmt.Errorf("%w: server %q", ErrNotFound, serverName)
	}
	info := s.info()
	if info.ChannelType != ct {
		return nil, fmt.Errorf("%w: server %s is %s, association is %s",
			ErrInvalidConfig, serverName, info.ChannelType, ct)
	}

	a, err := newAssociation(m, assocName, serverRole{server: serverName}, info.Address, info.Port,
		peerAddr, peerPort, ct, info.ExtraAddresses)
	if err != nil {
		return nil, err
	}
	m.associations[assocName] = a
	s.addOwned(a)
	if err := m.commitLocked(func() {
		delete(m.associations, assocName)
		s.removeOwned(a)
	}); err != nil {
		return nil, err
	}

	m.debugLog("server association added", "association", assocName, "server", serverName,
		"peer", peerAddr, "peerPort", peerPort)
	m.queue(func(l ManagementEventListener) { l.OnAssociationAdded(a) })
	return a, nil
}

// AddAssociation creates a client association. Local port 0 binds any free
// port.
func (m *Management) AddAssociation(localAddr string, localPort int, peerAddr string, peerPort int,
	assocName string, ct ChannelType, extraAddrs []string) (*Association, error) {
	m.mu.Lock()
	defer m.unlock()

	if !m.started {
		return nil, ErrNotStarted
	}
	if err := m.checkAssociationLocked(assocName, peerAddr, peerPort); err != nil {
		return nil, err
	}
	if err := checkPort(localPort); err != nil {
		return nil, err
	}
	if peerPort == 0 {
		return nil, fmt.Errorf("%w: client association needs a peer port", ErrInvalidConfig)
	}

	a, err := newAssociation(m, assocName, clientRole{}, localAddr, localPort, peerAddr, peerPort, ct, extraAddrs)
	if err != nil {
		return nil, err
	}
	m.associations[assocName] = a
	if err := m.commitLocked(func() { delete(m.associations, assocName) }); err != nil {
		return nil, err
	}

	m.debugLog("association added", "association", assocName, "peer", peerAddr, "peerPort", peerPort)
	m.queue(func(l ManagementEventListener) { l.OnAssociationAdded(a) })
	return a, nil
}

// RemoveAssociation removes a stopped association.
func (m *Management) RemoveAssociation(name string) error {
	m.mu.Lock()
	defer m.unlock()

	a, err := m.associationLocked(name)
	if err != nil {
		return err
	}
	if a.IsStarted() {
		return fmt.Errorf("%w: association %s is started", ErrDependencyViolation, name)
	}

	s := m.servers[a.ServerName()]
	var pos int
	if s != nil {
		pos = slices.Index(s.ownedSnapshot(), a)
		s.removeOwned(a)
	}
	delete(m.associations, name)
	if err := m.commitLocked(func() {
		m.associations[name] = a
		if s != nil {
			s.mu.Lock()
			s.owned = slices.Insert(s.owned, pos, a)
			s.mu.Unlock()
		}
	}); err != nil {
		return err
	}

	m.metrics.Forget(name)
	m.debugLog("association removed", "association", name)
	m.queue(func(l ManagementEventListener) { l.OnAssociationRemoved(a) })
	return nil
}

// StartAssociation starts an association. Client associations begin
// connecting; server associations wait for their peer.
func (m *Management) StartAssociation(name string) error {
	m.mu.Lock()
	defer m.unlock()

	a, err := m.associationLocked(name)
	if err != nil {
		return err
	}
	if a.IsStarted() {
		return nil
	}
	if err := a.start(); err != nil {
		a.stop()
		return err
	}

	m.debugLog("association started", "association", name)
	m.queue(func(l ManagementEventListener) { l.OnAssociationStarted(a) })
	return nil
}

// StopAssociation stops an association. It is idempotent; no listener
// call begins after it returns.
func (m *Management) StopAssociation(name string) error {
	m.mu.Lock()
	defer m.unlock()

	a, err := m.associationLocked(name)
	if err != nil {
		return err
	}
	if !a.IsStarted() {
		return nil
	}
	stopErr := a.stop()

	m.debugLog("association stopped", "association", name)
	m.queue(func(l ManagementEventListener) { l.OnAssociationStopped(a) })
	return stopErr
}

// Association returns the named association.
func (m *Management) Association(name string) (*Association, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.associationLocked(name)
}

// Associations returns every named association ordered by name.
func (m *Management) Associations() []*Association {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Association, 0, len(m.associations))
	for _, name := range slices.Sorted(maps.Keys(m.associations)) {
		out = append(out, m.associations[name])
	}
	return out
}

func (m *Management) serverLocked(name string) (*server, error) {
	if !m.started {
		return nil, ErrNotStarted
	}
	s, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: server %q", ErrNotFound, name)
	}
	return s, nil
}

func (m *Management) associationLocked(name string) (*Association, error) {
	if !m.started {
		return nil, ErrNotStarted
	}
	a, ok := m.associations[name]
	if !ok {
		return nil, fmt.Errorf("%w: association %q", ErrNotFound, name)
	}
	return a, nil
}

// checkServerLocked validates a server definition. except names a server
// that is being modified and is skipped in the uniqueness checks.
func (m *Management) checkServerLocked(name, addr string, port int, ct ChannelType, except string) error {
	if name == "" {
		return fmt.Errorf("%w: empty server name", ErrInvalidConfig)
	}
	if addr == "" {
		return fmt.Errorf("%w: empty server address", ErrInvalidConfig)
	}
	if err := checkPort(port); err != nil {
		return err
	}
	if ct != ChannelSCTP && ct != ChannelTCP {
		return fmt.Errorf("%w: channel type %d", ErrInvalidConfig, ct)
	}
	if _, ok := m.servers[name]; ok && name != except {
		return fmt.Errorf("%w: server %q", ErrDuplicateName, name)
	}
	for other, s := range m.servers {
		if other != except && s.sameEndpoint(addr, port, ct) {
			return fmt.Errorf("%w: %s:%d/%s used by %s", ErrAddressInUse, addr, port, ct, other)
		}
	}
	return nil
}

func (m *Management) checkAssociationLocked(name, peerAddr string, peerPort int) error {
	if name == "" {
		return fmt.Errorf("%w: empty association name", ErrInvalidConfig)
	}
	if peerAddr == "" {
		return fmt.Errorf("%w: empty peer address", ErrInvalidConfig)
	}
	if err := checkPort(peerPort); err != nil {
		return err
	}
	if _, ok := m.associations[name]; ok {
		return fmt.Errorf("%w: association %q", ErrDuplicateName, name)
	}
	return nil
}

func checkPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, port)
	}
	return nil
}

func (m *Management) logServer(info ServerInfo, state string) {
	m.events.Log(log.Event{
		Timestamp:   m.clock.Now(),
		Layer:       log.LayerManagement,
		Category:    log.CategoryState,
		Server:      info.Name,
		ChannelType: info.ChannelType.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityServer,
			NewState: state,
		},
	})
}

// advertisement describes a started server for DNS-SD.
func advertisement(management string, info ServerInfo) *discovery.ServerInfo {
	port := info.Port
	if port == 0 && len(info.ListenAddrs) > 0 {
		if _, p, err := net.SplitHostPort(info.ListenAddrs[0]); err == nil {
			port, _ = strconv.Atoi(p)
		}
	}
	return &discovery.ServerInfo{
		Instance:        info.Name,
		Management:      management,
		ChannelType:     info.ChannelType.String(),
		Port:            uint16(port),
		AcceptAnonymous: info.AcceptAnonymous,
		MaxAnonymous:    info.MaxConcurrentConnections,
		ExtraAddresses:  info.ExtraAddresses,
	}
}
