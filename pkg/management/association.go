package management

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/sctpmgmt/sctp-go/pkg/congestion"
	"github.com/sctpmgmt/sctp-go/pkg/log"
	"github.com/sctpmgmt/sctp-go/pkg/transport"
	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

// role is the type-specific part of an association.
type role interface {
	associationType() AssociationType
}

// clientRole dials the peer.
type clientRole struct{}

func (clientRole) associationType() AssociationType { return AssociationClient }

// serverRole is accepted by the named server. The server owns the
// association; only its name is kept here.
type serverRole struct {
	server    string
	anonymous bool
}

func (r serverRole) associationType() AssociationType {
	if r.anonymous {
		return AssociationAnonymousServer
	}
	return AssociationServer
}

// anonymousDecision is the ServerListener's verdict on an anonymous peer.
type anonymousDecision uint8

const (
	decisionNone anonymousDecision = iota
	decisionAccept
	decisionReject
)

// Association is one named transport session.
//
// Configuration fields change only through Management while the
// association is stopped. Runtime state is guarded by mu; listener calls are
// serialized by dispatchMu.
type Association struct {
	m    *Management
	name string
	role role

	mu          sync.Mutex
	localAddr   string
	localPort   int
	peerAddr    string
	peerPort    int
	channelType ChannelType
	extraAddrs  []string

	state    State
	started  bool
	gen      uint64
	ch       transport.Channel
	in, out  int
	listener AssociationListener
	decision anonymousDecision

	dispatchMu sync.Mutex
	congMu     sync.Mutex
	cong       *congestion.Controller
}

func newAssociation(m *Management, name string, r role, localAddr string, localPort int,
	peerAddr string, peerPort int, ct ChannelType, extra []string) (*Association, error) {
	cong, err := congestion.NewController(m.thresholds())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Association{
		m:           m,
		name:        name,
		role:        r,
		localAddr:   localAddr,
		localPort:   localPort,
		peerAddr:    peerAddr,
		peerPort:    peerPort,
		channelType: ct,
		extraAddrs:  slices.Clone(extra),
		cong:        cong,
	}, nil
}

// Name returns the association name.
func (a *Association) Name() string { return a.name }

// Type returns the association type.
func (a *Association) Type() AssociationType { return a.getRole().associationType() }

// ServerName returns the owning server, or "" for client associations.
func (a *Association) ServerName() string {
	if r, ok := a.getRole().(serverRole); ok {
		return r.server
	}
	return ""
}

func (a *Association) getRole() role {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role
}

func (a *Association) setRole(r role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.role = r
}

// LocalAddress returns the local bind address.
func (a *Association) LocalAddress() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localAddr
}

// LocalPort returns the local bind port (0 = any).
func (a *Association) LocalPort() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localPort
}

// PeerAddress returns the peer address.
func (a *Association) PeerAddress() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peerAddr
}

// PeerPort returns the peer port. For server associations 0 matches any
// peer port.
func (a *Association) PeerPort() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peerPort
}

// ChannelType returns the transport of the association.
func (a *Association) ChannelType() ChannelType {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channelType
}

// ExtraLocalAddresses returns a copy of the multi-homing addresses.
func (a *Association) ExtraLocalAddresses() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.extraAddrs)
}

// State returns the connection state.
func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsStarted reports whether the association is started.
func (a *Association) IsStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// IsConnected reports whether the association is started and connected.
func (a *Association) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started && a.state == StateConnected
}

// IsUp reports whether a channel is established.
func (a *Association) IsUp() bool {
	return a.State() == StateConnected
}

// Streams returns the negotiated stream counts of the current channel.
func (a *Association) Streams() (in, out int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.in, a.out
}

// CongestionLevel returns the current congestion level (0-3).
func (a *Association) CongestionLevel() int {
	return a.cong.Level()
}

// SetListener sets the data-plane listener.
func (a *Association) SetListener(l AssociationListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = l
}

// Listener returns the data-plane listener.
func (a *Association) Listener() AssociationListener {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener
}

// String returns a short description for logging.
func (a *Association) String() string {
	return fmt.Sprintf("%s[%s %s]", a.name, a.Type(), a.State())
}

// Send writes a payload to the peer. The time spent handing it to the
// transport feeds the congestion level.
func (a *Association) Send(p wire.PayloadData) error {
	a.mu.Lock()
	ch, out, state := a.ch, a.out, a.state
	a.mu.Unlock()

	if state != StateConnected || ch == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, a.name)
	}
	if p.StreamNumber() < 0 || p.StreamNumber() >= out {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidStream, p.StreamNumber(), out)
	}

	start := a.m.clock.Now()
	err := ch.Send(p)
	delay := a.m.clock.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, transport.ErrInvalidStream):
			return fmt.Errorf("%w: %v", ErrInvalidStream, err)
		case errors.Is(err, transport.ErrChannelClosed):
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		case errors.Is(err, transport.ErrWouldFragment), errors.Is(err, transport.ErrReservedPPID),
			errors.Is(err, transport.ErrEmptyPayload), errors.Is(err, transport.ErrMessageEmpty),
			errors.Is(err, transport.ErrMessageTooLarge):
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	a.m.metrics.PayloadSent(a.name, p.DataLength(), delay.Seconds())
	a.logPayload(log.DirectionOut, ch, p, delay)
	a.recordDelay(delay)
	return nil
}

// recordDelay feeds the congestion controller and notifies listeners of a
// level change.
func (a *Association) recordDelay(delay time.Duration) {
	a.congMu.Lock()
	old, level, changed := a.cong.Record(delay)
	if !changed {
		a.congMu.Unlock()
		return
	}
	a.m.metrics.SetCongestionLevel(a.name, level)
	a.m.events.Log(log.Event{
		Timestamp:   a.m.clock.Now(),
		Layer:       log.LayerAssociation,
		Category:    log.CategoryCongestion,
		Association: a.name,
		Server:      a.ServerName(),
		Congestion:  &log.CongestionEvent{OldLevel: old, NewLevel: level, Estimate: a.cong.Estimate()},
	})
	a.m.debugLog("congestion level changed", "association", a.name, "old", old, "new", level)
	a.congMu.Unlock()

	// Listeners may send from the callback.
	a.m.notifyCongestion(a, level)
}

// start marks the association started. Client associations begin
// connecting.
func (a *Association) start() error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.gen++
	gen := a.gen
	_, client := a.role.(clientRole)
	if client {
		a.state = StateConnecting
	} else {
		a.state = StateIdle
	}
	a.mu.Unlock()

	a.cong.Reset()
	a.logState(StateIdle, a.State(), "started")
	if client {
		return a.scheduleConnect(gen, 0)
	}
	return nil
}

// stop cancels reconnection and closes the channel. No listener call begins
// after it returns.
func (a *Association) stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.gen++
	ch := a.ch
	old := a.state
	a.ch = nil
	a.state = StateIdle
	a.in, a.out = 0, 0
	a.mu.Unlock()

	if sched := a.m.scheduler(); sched != nil {
		sched.Cancel(a.name)
	}
	a.logState(old, StateIdle, "stopped")

	var err error
	if ch != nil {
		err = ch.Close()
		a.m.metrics.SetUp(a.name, false)
	}
	return err
}

// current reports whether gen is still the live generation.
func (a *Association) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started && a.gen == gen
}

// scheduleConnect starts the connect loop of generation gen. The first
// attempt waits for wait.
func (a *Association) scheduleConnect(gen uint64, wait time.Duration) error {
	sched := a.m.scheduler()
	if sched == nil {
		return ErrNotStarted
	}
	return sched.ScheduleAfter(a.name, wait, a.m.connectDelay(), func(ctx context.Context) error {
		return a.connect(ctx, gen)
	})
}

// connect is one client connect attempt. A stale generation ends the retry
// loop without dialing.
func (a *Association) connect(ctx context.Context, gen uint64) error {
	if !a.current(gen) {
		return nil
	}

	a.mu.Lock()
	cfg := transport.DialConfig{
		LocalAddr:       a.localAddr,
		LocalPort:       a.localPort,
		ExtraLocalAddrs: slices.Clone(a.extraAddrs),
		PeerAddr:        a.peerAddr,
		PeerPort:        a.peerPort,
	}
	ct := a.channelType
	a.mu.Unlock()

	ch, err := a.m.transport(ct).Dial(ctx, cfg)
	a.m.metrics.ConnectAttempt(a.name, err == nil)
	if err != nil {
		a.m.debugLog("connect failed", "association", a.name, "peer", net.JoinHostPort(cfg.PeerAddr, fmt.Sprint(cfg.PeerPort)), "error", err)
		return err
	}

	if !a.established(gen, ch) {
		ch.Close()
	}
	return nil
}

// adopt takes an inbound channel handed over by the owning server.
func (a *Association) adopt(ch transport.Channel) bool {
	a.mu.Lock()
	if !a.started || a.state == StateConnected {
		a.mu.Unlock()
		return false
	}
	gen := a.gen
	a.mu.Unlock()
	return a.established(gen, ch)
}

// established installs ch as the live channel of generation gen, reports
// the association up and starts delivery.
func (a *Association) established(gen uint64, ch transport.Channel) bool {
	in, out := ch.Streams()

	a.mu.Lock()
	if !a.started || a.gen != gen || a.state == StateConnected {
		a.mu.Unlock()
		return false
	}
	old := a.state
	a.ch = ch
	a.state = StateConnected
	a.in, a.out = in, out
	a.mu.Unlock()

	a.cong.Reset()
	a.m.metrics.SetUp(a.name, true)
	a.m.metrics.SetCongestionLevel(a.name, 0)
	a.logState(old, StateConnected, "remote "+ch.RemoteAddr().String())
	a.m.debugLog("association up", "association", a.name, "in", in, "out", out)

	a.deliver(gen, func(l AssociationListener) { l.OnCommunicationUp(a, in, out) })
	a.m.notify(func(l ManagementEventListener) { l.OnAssociationUp(a) })

	if err := ch.Start(&channelHandler{a: a, gen: gen, ch: ch}); err != nil {
		a.closed(gen, ch, err)
	}
	return true
}

// closed handles the end of channel ch. Clients reconnect, server
// associations go idle and anonymous ones leave their server's pool.
func (a *Association) closed(gen uint64, ch transport.Channel, cause error) {
	a.mu.Lock()
	if a.gen != gen || a.ch != ch {
		a.mu.Unlock()
		return
	}
	old := a.state
	a.ch = nil
	a.in, a.out = 0, 0
	r := a.role
	if _, client := r.(clientRole); client {
		a.state = StateConnecting
	} else {
		a.state = StateIdle
	}
	newState := a.state
	a.mu.Unlock()

	a.m.metrics.SetUp(a.name, false)
	reason := "shutdown"
	if cause != nil {
		reason = cause.Error()
	}
	a.logState(old, newState, reason)
	a.m.debugLog("association down", "association", a.name, "reason", reason)

	a.deliver(gen, func(l AssociationListener) {
		if cause == nil {
			l.OnCommunicationShutdown(a)
		} else {
			l.OnCommunicationLost(a)
		}
	})
	a.m.notify(func(l ManagementEventListener) { l.OnAssociationDown(a) })

	switch rr := r.(type) {
	case clientRole:
		if !a.current(gen) {
			return
		}
		if err := a.scheduleConnect(gen, a.m.connectDelay()); err != nil {
			a.m.debugLog("reconnect not scheduled", "association", a.name, "error", err)
		}
	case serverRole:
		if rr.anonymous {
			a.mu.Lock()
			a.started = false
			a.gen++
			a.mu.Unlock()
			a.m.releaseAnonymous(rr.server, a)
		}
	}
}

// restarted handles a transport-signaled restart on the same channel.
func (a *Association) restarted(gen uint64, ch transport.Channel) {
	in, out := ch.Streams()
	a.mu.Lock()
	if a.gen != gen || a.ch != ch {
		a.mu.Unlock()
		return
	}
	a.in, a.out = in, out
	a.mu.Unlock()

	a.m.debugLog("association restarted", "association", a.name, "in", in, "out", out)
	a.deliver(gen, func(l AssociationListener) { l.OnCommunicationRestart(a) })
}

// received delivers an inbound payload.
func (a *Association) received(gen uint64, ch transport.Channel, p wire.PayloadData) {
	a.mu.Lock()
	in := a.in
	live := a.ch == ch
	a.mu.Unlock()
	if !live {
		return
	}

	a.logPayload(log.DirectionIn, ch, p, 0)
	if p.StreamNumber() < 0 || p.StreamNumber() >= in {
		a.m.metrics.InvalidStream(a.name)
		a.deliver(gen, func(l AssociationListener) { l.InValidStreamId(p) })
		return
	}
	a.m.metrics.PayloadReceived(a.name, p.DataLength())
	a.deliver(gen, func(l AssociationListener) { l.OnPayload(a, p) })
}

// deliver calls fn with the listener unless generation gen has ended.
func (a *Association) deliver(gen uint64, fn func(AssociationListener)) {
	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()

	a.mu.Lock()
	l := a.listener
	live := a.gen == gen
	a.mu.Unlock()

	if live && l != nil {
		fn(l)
	}
}

// AcceptAnonymous admits an anonymous association from within
// ServerListener.OnNewRemoteConnection and sets its listener.
func (a *Association) AcceptAnonymous(l AssociationListener) error {
	if a.Type() != AssociationAnonymousServer {
		return fmt.Errorf("%w: %s is not anonymous", ErrInvalidConfig, a.name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = l
	a.decision = decisionAccept
	return nil
}

// RejectAnonymous refuses an anonymous association from within
// ServerListener.OnNewRemoteConnection.
func (a *Association) RejectAnonymous() error {
	if a.Type() != AssociationAnonymousServer {
		return fmt.Errorf("%w: %s is not anonymous", ErrInvalidConfig, a.name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decision = decisionReject
	return nil
}

// StopAnonymous closes an anonymous association and removes it from its
// server's pool.
func (a *Association) StopAnonymous() error {
	r, ok := a.getRole().(serverRole)
	if !ok || !r.anonymous {
		return fmt.Errorf("%w: %s is not anonymous", ErrInvalidConfig, a.name)
	}
	err := a.stop()
	a.m.releaseAnonymous(r.server, a)
	return err
}

func (a *Association) accepted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.decision == decisionAccept
}

// matchesPeer reports whether a remote endpoint is the configured peer.
// Peer port 0 matches any port.
func (a *Association) matchesPeer(ip string, port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.peerPort != 0 && a.peerPort != port {
		return false
	}
	if a.peerAddr == ip {
		return true
	}
	want, got := net.ParseIP(a.peerAddr), net.ParseIP(ip)
	return want != nil && got != nil && want.Equal(got)
}

func (a *Association) logState(old, new State, reason string) {
	a.m.events.Log(log.Event{
		Timestamp:   a.m.clock.Now(),
		Layer:       log.LayerAssociation,
		Category:    log.CategoryState,
		Association: a.name,
		Server:      a.ServerName(),
		ChannelType: a.ChannelType().String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityAssociation,
			OldState: old.String(),
			NewState: new.String(),
			Reason:   reason,
		},
	})
}

func (a *Association) logPayload(dir log.Direction, ch transport.Channel, p wire.PayloadData, delay time.Duration) {
	if a.m.events == (log.NoopLogger{}) {
		return
	}
	data := p.Data()
	truncated := false
	if len(data) > transport.MaxLogFrameDataSize {
		data = data[:transport.MaxLogFrameDataSize]
		truncated = true
	}
	a.m.events.Log(log.Event{
		Timestamp:    a.m.clock.Now(),
		ConnectionID: ch.ID(),
		Direction:    dir,
		Layer:        log.LayerAssociation,
		Category:     log.CategoryPayload,
		Association:  a.name,
		Server:       a.ServerName(),
		RemoteAddr:   ch.RemoteAddr().String(),
		ChannelType:  a.ChannelType().String(),
		Payload: &log.PayloadEvent{
			Stream:            p.StreamNumber(),
			PayloadProtocolID: p.PayloadProtocolID(),
			Length:            p.DataLength(),
			Unordered:         p.IsUnordered(),
			Complete:          p.IsComplete(),
			Data:              data,
			Truncated:         truncated,
			Delay:             delay,
		},
	})
}

// channelHandler binds channel events to one association generation.
type channelHandler struct {
	a   *Association
	gen uint64
	ch  transport.Channel
}

func (h *channelHandler) OnPayload(p wire.PayloadData) { h.a.received(h.gen, h.ch, p) }
func (h *channelHandler) OnRestart()                   { h.a.restarted(h.gen, h.ch) }
func (h *channelHandler) OnClose(err error)            { h.a.closed(h.gen, h.ch, err) }

var _ transport.Handler = (*channelHandler)(nil)
