package management

import (
	"fmt"
	"slices"
)

// ServerChanges lists server fields to change. Nil fields are kept.
type ServerChanges struct {
	Address         *string
	Port            *int
	ChannelType     *ChannelType
	AcceptAnonymous *bool
	MaxConcurrent   *int
	ExtraAddresses  *[]string
}

// ServerAssociationChanges lists server association fields to change. Nil
// fields are kept.
type ServerAssociationChanges struct {
	PeerAddress *string
	PeerPort    *int
	// Server moves the association to another server.
	Server      *string
	ChannelType *ChannelType
}

// AssociationChanges lists client association fields to change. Nil fields
// are kept.
type AssociationChanges struct {
	LocalAddress        *string
	LocalPort           *int
	PeerAddress         *string
	PeerPort            *int
	ChannelType         *ChannelType
	ExtraLocalAddresses *[]string
}

// ModifyServer changes a stopped server. Its owned associations follow the
// new bind address, port and channel type.
func (m *Management) ModifyServer(name string, c ServerChanges) error {
	m.mu.Lock()
	defer m.unlock()

	s, err := m.serverLocked(name)
	if err != nil {
		return err
	}
	old := s.info()
	if old.Started {
		return fmt.Errorf("%w: server %s is started", ErrDependencyViolation, name)
	}

	next := old
	if c.Address != nil {
		next.Address = *c.Address
	}
	if c.Port != nil {
		next.Port = *c.Port
	}
	if c.ChannelType != nil {
		next.ChannelType = *c.ChannelType
	}
	if c.AcceptAnonymous != nil {
		next.AcceptAnonymous = *c.AcceptAnonymous
	}
	if c.MaxConcurrent != nil {
		next.MaxConcurrentConnections = *c.MaxConcurrent
	}
	if c.ExtraAddresses != nil {
		next.ExtraAddresses = slices.Clone(*c.ExtraAddresses)
	}
	if err := m.checkServerLocked(name, next.Address, next.Port, next.ChannelType, name); err != nil {
		return err
	}
	if next.MaxConcurrentConnections < 0 {
		return fmt.Errorf("%w: max concurrent connections %d", ErrInvalidConfig, next.MaxConcurrentConnections)
	}

	owned := s.ownedSnapshot()
	for _, a := range owned {
		if a.IsStarted() {
			return fmt.Errorf("%w: association %s is started", ErrDependencyViolation, a.name)
		}
	}

	s.apply(next)
	for _, a := range owned {
		a.follow(next)
	}
	if err := m.commitLocked(func() {
		s.apply(old)
		for _, a := range owned {
			a.follow(old)
		}
	}); err != nil {
		return err
	}

	info := s.info()
	m.debugLog("server modified", "server", name)
	m.queue(func(l ManagementEventListener) { l.OnServerModified(info) })
	for _, a := range owned {
		m.queue(func(l ManagementEventListener) { l.OnAssociationModified(a) })
	}
	return nil
}

// ModifyServerAssociation changes a stopped server association. Moving it
// to another server updates both servers' association lists.
func (m *Management) ModifyServerAssociation(name string, c ServerAssociationChanges) error {
	m.mu.Lock()
	defer m.unlock()

	a, err := m.associationLocked(name)
	if err != nil {
		return err
	}
	r, ok := a.getRole().(serverRole)
	if !ok {
		return fmt.Errorf("%w: %s is a %s association", ErrInvalidConfig, name, a.Type())
	}
	if a.IsStarted() {
		return fmt.Errorf("%w: association %s is started", ErrDependencyViolation, name)
	}

	old := a.snapshot()
	next := old
	if c.PeerAddress != nil {
		next.peerAddr = *c.PeerAddress
	}
	if c.PeerPort != nil {
		next.peerPort = *c.PeerPort
	}
	if next.peerAddr == "" {
		return fmt.Errorf("%w: empty peer address", ErrInvalidConfig)
	}
	if err := checkPort(next.peerPort); err != nil {
		return err
	}

	from := m.servers[r.server]
	to := from
	if c.Server != nil && *c.Server != r.server {
		if to, ok = m.servers[*c.Server]; !ok {
			return fmt.Errorf("%w: server %q", ErrNotFound, *c.Server)
		}
	}
	target := to.info()
	if c.ChannelType != nil {
		next.channelType = *c.ChannelType
	}
	if next.channelType != target.ChannelType {
		return fmt.Errorf("%w: server %s is %s, association is %s",
			ErrInvalidConfig, target.Name, target.ChannelType, next.channelType)
	}
	next.localAddr = target.Address
	next.localPort = target.Port
	next.extraAddrs = target.ExtraAddresses

	moved := to != from
	pos := slices.Index(from.ownedSnapshot(), a)
	a.restore(next)
	if moved {
		a.setRole(serverRole{server: target.Name})
		from.removeOwned(a)
		to.addOwned(a)
	}
	if err := m.commitLocked(func() {
		a.restore(old)
		if moved {
			a.setRole(r)
			to.removeOwned(a)
			from.mu.Lock()
			from.owned = slices.Insert(from.owned, pos, a)
			from.mu.Unlock()
		}
	}); err != nil {
		return err
	}

	m.debugLog("server association modified", "association", name, "server", target.Name)
	m.queue(func(l ManagementEventListener) { l.OnAssociationModified(a) })
	if moved {
		fromInfo, toInfo := from.info(), to.info()
		m.queue(func(l ManagementEventListener) { l.OnServerModified(fromInfo) })
		m.queue(func(l ManagementEventListener) { l.OnServerModified(toInfo) })
	}
	return nil
}

// ModifyAssociation changes a stopped client association.
func (m *Management) ModifyAssociation(name string, c AssociationChanges) error {
	m.mu.Lock()
	defer m.unlock()

	a, err := m.associationLocked(name)
	if err != nil {
		return err
	}
	if _, ok := a.getRole().(clientRole); !ok {
		return fmt.Errorf("%w: %s is a %s association", ErrInvalidConfig, name, a.Type())
	}
	if a.IsStarted() {
		return fmt.Errorf("%w: association %s is started", ErrDependencyViolation, name)
	}

	old := a.snapshot()
	next := old
	if c.LocalAddress != nil {
		next.localAddr = *c.LocalAddress
	}
	if c.LocalPort != nil {
		next.localPort = *c.LocalPort
	}
	if c.PeerAddress != nil {
		next.peerAddr = *c.PeerAddress
	}
	if c.PeerPort != nil {
		next.peerPort = *c.PeerPort
	}
	if c.ChannelType != nil {
		next.channelType = *c.ChannelType
	}
	if c.ExtraLocalAddresses != nil {
		next.extraAddrs = slices.Clone(*c.ExtraLocalAddresses)
	}
	if next.peerAddr == "" {
		return fmt.Errorf("%w: empty peer address", ErrInvalidConfig)
	}
	if next.peerPort == 0 {
		return fmt.Errorf("%w: client association needs a peer port", ErrInvalidConfig)
	}
	for _, p := range []int{next.localPort, next.peerPort} {
		if err := checkPort(p); err != nil {
			return err
		}
	}
	if next.channelType != ChannelSCTP && next.channelType != ChannelTCP {
		return fmt.Errorf("%w: channel type %d", ErrInvalidConfig, next.channelType)
	}

	a.restore(next)
	if err := m.commitLocked(func() { a.restore(old) }); err != nil {
		return err
	}

	m.debugLog("association modified", "association", name)
	m.queue(func(l ManagementEventListener) { l.OnAssociationModified(a) })
	return nil
}

// apply replaces the configuration fields of a stopped server.
func (s *server) apply(info ServerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = info.Address
	s.port = info.Port
	s.channelType = info.ChannelType
	s.acceptAnonymous = info.AcceptAnonymous
	s.maxConcurrent = info.MaxConcurrentConnections
	s.extraAddrs = slices.Clone(info.ExtraAddresses)
}

// endpoint holds the configuration fields of an association.
type endpoint struct {
	localAddr   string
	localPort   int
	peerAddr    string
	peerPort    int
	channelType ChannelType
	extraAddrs  []string
}

func (a *Association) snapshot() endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return endpoint{
		localAddr:   a.localAddr,
		localPort:   a.localPort,
		peerAddr:    a.peerAddr,
		peerPort:    a.peerPort,
		channelType: a.channelType,
		extraAddrs:  slices.Clone(a.extraAddrs),
	}
}

func (a *Association) restore(e endpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.localAddr = e.localAddr
	a.localPort = e.localPort
	a.peerAddr = e.peerAddr
	a.peerPort = e.peerPort
	a.channelType = e.channelType
	a.extraAddrs = slices.Clone(e.extraAddrs)
}

// follow copies a server's bind settings into an owned association.
func (a *Association) follow(info ServerInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.localAddr = info.Address
	a.localPort = info.Port
	a.channelType = info.ChannelType
	a.extraAddrs = slices.Clone(info.ExtraAddresses)
}
