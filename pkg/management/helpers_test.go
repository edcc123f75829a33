package management

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sctpmgmt/sctp-go/pkg/metrics"
	"github.com/sctpmgmt/sctp-go/pkg/persistence"
	"github.com/sctpmgmt/sctp-go/pkg/transport"
	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

const waitTimeout = 3 * time.Second

// harness is a started Management on an in-memory network.
type harness struct {
	m       *Management
	network *transport.MemNetwork
	clock   *clock.Mock
	dials   *countingTransport
	cfg     Config
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	network := transport.NewMemNetwork()
	clk := clock.NewMock()
	dials := &countingTransport{Transport: transport.NewMemTransport(network, transport.ChannelConfig{
		HandshakeTimeout: 2 * time.Second,
	})}

	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.PersistDir = t.TempDir()
	cfg.Clock = clk
	cfg.Transports = map[ChannelType]transport.Transport{ChannelSCTP: dials, ChannelTCP: dials}
	collector, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	cfg.Metrics = collector
	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		if m.IsStarted() {
			m.Stop()
		}
	})
	return &harness{m: m, network: network, clock: clk, dials: dials, cfg: cfg}
}

// restart stops the Management and starts a new one on the same
// configuration.
func (h *harness) restart(t *testing.T) *Management {
	t.Helper()
	require.NoError(t, h.m.Stop())
	m, err := New(h.cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		if m.IsStarted() {
			m.Stop()
		}
	})
	h.m = m
	return m
}

// retries returns a channel fed after every failed attempt, once the retry
// timer is armed.
func (h *harness) retries() <-chan string {
	ch := make(chan string, 64)
	h.m.scheduler().OnRetry(func(key string, _ int, _ error) { ch <- key })
	return ch
}

// advanceUntil moves the mock clock one connect delay at a time until cond
// holds.
func (h *harness) advanceUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clock.Add(h.m.ConnectDelay())
		return cond()
	}, waitTimeout, 10*time.Millisecond)
}

// startPair builds the server S on 127.0.0.1:9000 with association "srv"
// expecting 127.0.0.1:9001, and client "cli" from 127.0.0.1:9001, and
// waits until both are up.
func (h *harness) startPair(t *testing.T) (cli, srv *Association, cliRec, srvRec *recorder) {
	t.Helper()
	_, err := h.m.AddServer("S", "127.0.0.1", 9000, ChannelSCTP, false, 0, nil)
	require.NoError(t, err)
	srv, err = h.m.AddServerAssociation("127.0.0.1", 9001, "S", "srv", ChannelSCTP)
	require.NoError(t, err)
	cli, err = h.m.AddAssociation("127.0.0.1", 9001, "127.0.0.1", 9000, "cli", ChannelSCTP, nil)
	require.NoError(t, err)

	cliRec, srvRec = newRecorder(), newRecorder()
	cli.SetListener(cliRec)
	srv.SetListener(srvRec)

	require.NoError(t, h.m.StartServer("S"))
	require.NoError(t, h.m.StartAssociation("srv"))
	require.NoError(t, h.m.StartAssociation("cli"))

	cliRec.waitUp(t)
	srvRec.waitUp(t)
	return cli, srv, cliRec, srvRec
}

// countingTransport counts dial attempts.
type countingTransport struct {
	transport.Transport
	n atomic.Int32
}

func (c *countingTransport) Dial(ctx context.Context, cfg transport.DialConfig) (transport.Channel, error) {
	c.n.Add(1)
	return c.Transport.Dial(ctx, cfg)
}

func (c *countingTransport) Dials() int { return int(c.n.Load()) }

// fakeTransport hands out fakeChannels from Dial.
type fakeTransport struct {
	clock *clock.Mock
	chans chan *fakeChannel
}

func newFakeTransport(clk *clock.Mock) *fakeTransport {
	return &fakeTransport{clock: clk, chans: make(chan *fakeChannel, 16)}
}

func (f *fakeTransport) Dial(_ context.Context, _ transport.DialConfig) (transport.Channel, error) {
	ch := &fakeChannel{clock: f.clock, in: 4, out: 4, started: make(chan transport.Handler, 1)}
	f.chans <- ch
	return ch, nil
}

func (f *fakeTransport) Listen(context.Context, transport.ListenConfig) (transport.Listener, error) {
	return nil, errors.New("fake transport does not listen")
}

// fakeChannel is a scripted channel. Send advances the mock clock by delay.
type fakeChannel struct {
	clock   *clock.Mock
	in, out int
	started chan transport.Handler

	mu      sync.Mutex
	delay   time.Duration
	sendErr error
	sent    []wire.PayloadData
	closed  bool
}

func (c *fakeChannel) ID() string             { return "fake" }
func (c *fakeChannel) LocalAddr() net.Addr    { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} }
func (c *fakeChannel) RemoteAddr() net.Addr   { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2} }
func (c *fakeChannel) Streams() (in, out int) { return c.in, c.out }
func (c *fakeChannel) Start(h transport.Handler) error {
	c.started <- h
	return nil
}

func (c *fakeChannel) Send(p wire.PayloadData) error {
	c.mu.Lock()
	delay, err := c.delay, c.sendErr
	if err == nil {
		c.sent = append(c.sent, p)
	}
	c.mu.Unlock()
	if delay > 0 {
		c.clock.Add(delay)
	}
	return err
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) set(delay time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay, c.sendErr = delay, err
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type upEvent struct {
	a       *Association
	in, out int
}

// recorder is an AssociationListener that records every callback.
type recorder struct {
	up       chan upEvent
	shutdown chan *Association
	lost     chan *Association
	restart  chan *Association
	payloads chan wire.PayloadData
	invalid  chan wire.PayloadData
}

func newRecorder() *recorder {
	return &recorder{
		up:       make(chan upEvent, 16),
		shutdown: make(chan *Association, 16),
		lost:     make(chan *Association, 16),
		restart:  make(chan *Association, 16),
		payloads: make(chan wire.PayloadData, 64),
		invalid:  make(chan wire.PayloadData, 16),
	}
}

func (r *recorder) OnCommunicationUp(a *Association, in, out int) { r.up <- upEvent{a, in, out} }
func (r *recorder) OnCommunicationShutdown(a *Association)        { r.shutdown <- a }
func (r *recorder) OnCommunicationLost(a *Association)            { r.lost <- a }
func (r *recorder) OnCommunicationRestart(a *Association)         { r.restart <- a }
func (r *recorder) OnPayload(_ *Association, p wire.PayloadData)  { r.payloads <- p }
func (r *recorder) InValidStreamId(p wire.PayloadData)            { r.invalid <- p }

func (r *recorder) waitUp(t *testing.T) upEvent { return waitFor(t, r.up, "communication up") }
func (r *recorder) waitShutdown(t *testing.T)   { waitFor(t, r.shutdown, "communication shutdown") }
func (r *recorder) waitLost(t *testing.T)       { waitFor(t, r.lost, "communication lost") }
func (r *recorder) waitRestart(t *testing.T)    { waitFor(t, r.restart, "communication restart") }
func (r *recorder) waitPayload(t *testing.T) wire.PayloadData {
	return waitFor(t, r.payloads, "payload")
}

// quiet reports whether no lifecycle callback arrives within d.
func (r *recorder) quiet(d time.Duration) bool {
	select {
	case <-r.up:
	case <-r.shutdown:
	case <-r.lost:
	case <-r.restart:
	case <-r.payloads:
	case <-time.After(d):
		return true
	}
	return false
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

// eventRecorder counts ManagementEventListener calls by name.
type eventRecorder struct {
	NopManagementEventListener

	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *eventRecorder) OnServiceStarted()                   { r.add("service-started") }
func (r *eventRecorder) OnServiceStopped()                   { r.add("service-stopped") }
func (r *eventRecorder) OnRemoveAllResources()               { r.add("remove-all") }
func (r *eventRecorder) OnServerAdded(s ServerInfo)          { r.add("server-added:" + s.Name) }
func (r *eventRecorder) OnServerRemoved(s ServerInfo)        { r.add("server-removed:" + s.Name) }
func (r *eventRecorder) OnServerStarted(s ServerInfo)        { r.add("server-started:" + s.Name) }
func (r *eventRecorder) OnServerStopped(s ServerInfo)        { r.add("server-stopped:" + s.Name) }
func (r *eventRecorder) OnAssociationAdded(a *Association)   { r.add("assoc-added:" + a.Name()) }
func (r *eventRecorder) OnAssociationRemoved(a *Association) { r.add("assoc-removed:" + a.Name()) }
func (r *eventRecorder) OnAssociationUp(a *Association)      { r.add("assoc-up:" + a.Name()) }

// congestionRecorder records level changes.
type congestionRecorder struct {
	levels chan int
}

func (c *congestionRecorder) OnCongestionLevelChanged(_ *Association, level int) {
	c.levels <- level
}

// serverDecider answers anonymous connections.
type serverDecider struct {
	accept   bool
	listener AssociationListener
	offered  chan *Association
}

func (d *serverDecider) OnNewRemoteConnection(_ ServerInfo, a *Association) {
	if d.accept {
		a.AcceptAnonymous(d.listener)
	} else {
		a.RejectAnonymous()
	}
	d.offered <- a
}

// mockStore is a testify mock of persistence.Store.
type mockStore struct {
	mock.Mock
}

func (s *mockStore) Load() (*persistence.Document, error) {
	args := s.Called()
	doc, _ := args.Get(0).(*persistence.Document)
	return doc, args.Error(1)
}

func (s *mockStore) Save(doc *persistence.Document) error {
	return s.Called(doc).Error(0)
}

func (s *mockStore) Clear() error {
	return s.Called().Error(0)
}

var _ persistence.Store = (*mockStore)(nil)
