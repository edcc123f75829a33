package management

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/sctpmgmt/sctp-go/pkg/log"
	"github.com/sctpmgmt/sctp-go/pkg/transport"
)

// AnonymousPrefix prefixes the generated names of anonymous associations.
const AnonymousPrefix = "anonymous-"

// ServerInfo is a snapshot of a server endpoint.
type ServerInfo struct {
	Name                     string
	Address                  string
	Port                     int
	ChannelType              ChannelType
	AcceptAnonymous          bool
	MaxConcurrentConnections int
	ExtraAddresses           []string
	Started                  bool

	// Associations lists the owned association names in insertion order.
	Associations []string

	// AnonymousCount is the number of live anonymous associations.
	AnonymousCount int

	// ListenAddrs holds the bound addresses while started.
	ListenAddrs []string
}

// server is one listening endpoint. The registry owns it; fields are
// guarded by mu.
type server struct {
	m *Management

	mu              sync.Mutex
	name            string
	addr            string
	port            int
	channelType     ChannelType
	acceptAnonymous bool
	maxConcurrent   int
	extraAddrs      []string

	started   bool
	listeners []transport.Listener
	cancel    context.CancelFunc

	owned        []*Association
	anonymous    map[string]*Association
	anonReserved int
}

func newServer(m *Management, name, addr string, port int, ct ChannelType,
	acceptAnonymous bool, maxConcurrent int, extra []string) *server {
	return &server{
		m:               m,
		name:            name,
		addr:            addr,
		port:            port,
		channelType:     ct,
		acceptAnonymous: acceptAnonymous,
		maxConcurrent:   maxConcurrent,
		extraAddrs:      slices.Clone(extra),
		anonymous:       make(map[string]*Association),
	}
}

func (s *server) info() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := ServerInfo{
		Name:                     s.name,
		Address:                  s.addr,
		Port:                     s.port,
		ChannelType:              s.channelType,
		AcceptAnonymous:          s.acceptAnonymous,
		MaxConcurrentConnections: s.maxConcurrent,
		ExtraAddresses:           slices.Clone(s.extraAddrs),
		Started:                  s.started,
		AnonymousCount:           len(s.anonymous),
	}
	for _, a := range s.owned {
		info.Associations = append(info.Associations, a.name)
	}
	for _, l := range s.listeners {
		info.ListenAddrs = append(info.ListenAddrs, l.Addr().String())
	}
	return info
}

// sameEndpoint reports whether the server binds the given triple.
func (s *server) sameEndpoint(addr string, port int, ct ChannelType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr == addr && s.port == port && s.channelType == ct
}

func (s *server) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *server) addOwned(a *Association) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned = append(s.owned, a)
}

func (s *server) removeOwned(a *Association) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned = slices.DeleteFunc(s.owned, func(o *Association) bool { return o == a })
}

func (s *server) ownedSnapshot() []*Association {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.owned)
}

// start opens one listener per bind address and begins accepting.
func (s *server) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	tr := s.m.transport(s.channelType)
	var listeners []transport.Listener
	for _, addr := range append([]string{s.addr}, s.extraAddrs...) {
		l, err := tr.Listen(ctx, transport.ListenConfig{Addr: addr, Port: s.port})
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return fmt.Errorf("%w: listen on %s: %v", ErrTransportFailure,
				net.JoinHostPort(addr, strconv.Itoa(s.port)), err)
		}
		listeners = append(listeners, l)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.listeners = listeners
	s.cancel = cancel
	s.started = true
	for _, l := range listeners {
		go s.acceptLoop(loopCtx, l)
	}
	return nil
}

// stop closes the listeners and evicts every anonymous association. It
// does not wait for the accept loops.
func (s *server) stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	listeners := s.listeners
	s.listeners = nil
	anon := s.anonymous
	s.anonymous = make(map[string]*Association)
	s.mu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, a := range anon {
		err = multierr.Append(err, a.stop())
	}
	s.m.metrics.SetAnonymous(s.name, 0)
	return err
}

func (s *server) acceptLoop(ctx context.Context, l transport.Listener) {
	for {
		ch, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return
			}
			s.m.debugLog("accept failed", "server", s.name, "error", err)
			continue
		}
		s.handleInbound(ch)
	}
}

// handleInbound hands an accepted channel to the matching association, or
// to a new anonymous one, or closes it.
func (s *server) handleInbound(ch transport.Channel) {
	ip, port := transport.SplitAddr(ch.RemoteAddr())
	s.m.debugLog("inbound channel", "server", s.name, "remote", ch.RemoteAddr().String())

	matched := false
	for _, a := range s.ownedSnapshot() {
		if !a.matchesPeer(ip, port) {
			continue
		}
		matched = true
		if a.adopt(ch) {
			return
		}
	}
	// A configured peer never falls through to the anonymous pool.
	if matched {
		s.m.debugLog("configured peer refused", "server", s.name, "remote", ch.RemoteAddr().String())
		ch.Close()
		return
	}

	if !s.reserveAnonymous() {
		s.m.debugLog("inbound channel rejected", "server", s.name, "remote", ch.RemoteAddr().String())
		ch.Close()
		return
	}

	localIP, localPort := transport.SplitAddr(ch.LocalAddr())
	a, err := newAssociation(s.m, AnonymousPrefix+uuid.NewString(),
		serverRole{server: s.name, anonymous: true},
		localIP, localPort, ip, port, s.channelType, nil)
	if err != nil {
		s.unreserve()
		ch.Close()
		return
	}

	if l := s.m.serverListener(); l != nil {
		l.OnNewRemoteConnection(s.info(), a)
	}
	if !a.accepted() {
		s.unreserve()
		s.m.debugLog("anonymous connection rejected", "server", s.name, "remote", ch.RemoteAddr().String())
		ch.Close()
		return
	}

	a.start()
	if !s.admit(a) || !a.adopt(ch) {
		a.stop()
		s.releaseAnonymous(a)
		ch.Close()
		return
	}
	s.m.events.Log(log.Event{
		Timestamp:   s.m.clock.Now(),
		Layer:       log.LayerManagement,
		Category:    log.CategoryState,
		Association: a.name,
		Server:      s.name,
		RemoteAddr:  ch.RemoteAddr().String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityServer,
			NewState: "ANONYMOUS_ACCEPTED",
		},
	})
}

// reserveAnonymous claims a pool slot when anonymous peers are accepted.
func (s *server) reserveAnonymous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || !s.acceptAnonymous {
		return false
	}
	if s.maxConcurrent > 0 && len(s.anonymous)+s.anonReserved >= s.maxConcurrent {
		return false
	}
	s.anonReserved++
	return true
}

func (s *server) unreserve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anonReserved--
}

// admit turns a reserved slot into a pool member.
func (s *server) admit(a *Association) bool {
	s.mu.Lock()
	s.anonReserved--
	if !s.started {
		s.mu.Unlock()
		return false
	}
	s.anonymous[a.name] = a
	n := len(s.anonymous)
	s.mu.Unlock()

	s.m.metrics.SetAnonymous(s.name, n)
	return true
}

func (s *server) releaseAnonymous(a *Association) {
	s.mu.Lock()
	if s.anonymous[a.name] != a {
		s.mu.Unlock()
		return
	}
	delete(s.anonymous, a.name)
	n := len(s.anonymous)
	s.mu.Unlock()

	s.m.metrics.SetAnonymous(s.name, n)
}

func (s *server) anonymousSnapshot() []*Association {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Association, 0, len(s.anonymous))
	for _, a := range s.anonymous {
		out = append(out, a)
	}
	return out
}
