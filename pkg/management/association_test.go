package management

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sctpmgmt/sctp-go/pkg/transport"
	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

func TestEndToEnd(t *testing.T) {
	h := newHarness(t)
	cli, srv, cliRec, srvRec := h.startPair(t)

	assert.Equal(t, StateConnected, cli.State())
	assert.Equal(t, StateConnected, srv.State())
	in, out := cli.Streams()
	assert.Positive(t, in)
	assert.Positive(t, out)

	payload := wire.NewPayloadData([]byte("hello association"), true, false, 3, 1)
	require.NoError(t, cli.Send(payload))
	got := srvRec.waitPayload(t)
	assert.True(t, payload.Equal(got), "got %s", got)

	require.NoError(t, srv.Send(wire.NewPayloadData([]byte("reply"), true, true, 3, 0)))
	assert.Equal(t, []byte("reply"), cliRec.waitPayload(t).Data())
}

func TestEndToEndTCP(t *testing.T) {
	runEndToEnd(t, ChannelTCP)
}

func TestEndToEndSCTP(t *testing.T) {
	if testing.Short() {
		t.Skip("SCTP over UDP loopback")
	}
	runEndToEnd(t, ChannelSCTP)
}

// runEndToEnd connects a client and a server association over real
// sockets.
func runEndToEnd(t *testing.T, ct ChannelType) {
	cfg := DefaultConfig()
	cfg.Name = "e2e"
	cfg.PersistDir = t.TempDir()
	cfg.HandshakeTimeout = 2 * time.Second
	m, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	_, err = m.AddServer("S", "127.0.0.1", 0, ct, false, 0, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartServer("S"))
	info, err := m.Server("S")
	require.NoError(t, err)
	require.Len(t, info.ListenAddrs, 1)
	_, portStr, err := net.SplitHostPort(info.ListenAddrs[0])
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	srv, err := m.AddServerAssociation("127.0.0.1", 0, "S", "srv", ct)
	require.NoError(t, err)
	cli, err := m.AddAssociation("127.0.0.1", 0, "127.0.0.1", port, "cli", ct, nil)
	require.NoError(t, err)

	cliRec, srvRec := newRecorder(), newRecorder()
	cli.SetListener(cliRec)
	srv.SetListener(srvRec)
	require.NoError(t, m.StartAssociation("srv"))
	require.NoError(t, m.StartAssociation("cli"))

	up := cliRec.waitUp(t)
	assert.Positive(t, up.in)
	assert.Positive(t, up.out)
	up = srvRec.waitUp(t)
	assert.Positive(t, up.in)
	assert.Positive(t, up.out)

	data := []byte("verbatim payload \x00\x01\xff")
	require.NoError(t, cli.Send(wire.NewPayloadData(data, true, false, 46, 1)))
	got := srvRec.waitPayload(t)
	assert.Equal(t, data, got.Data())
	assert.Equal(t, uint32(46), got.PayloadProtocolID())
	assert.Equal(t, 1, got.StreamNumber())

	require.NoError(t, m.StopAssociation("cli"))
	srvRec.waitShutdown(t)
	assert.Equal(t, StateIdle, srv.State())
	assert.True(t, cliRec.quiet(100*time.Millisecond))
}

func TestClientRetriesUntilStopped(t *testing.T) {
	h := newHarness(t)
	retries := h.retries()
	delay := h.m.ConnectDelay()

	a, err := h.m.AddAssociation("", 0, "127.0.0.1", 9999, "cli", ChannelSCTP, nil)
	require.NoError(t, err)
	require.NoError(t, h.m.StartAssociation("cli"))

	for i := 1; i <= 10; i++ {
		waitFor(t, retries, "retry")
		assert.Equal(t, i, h.dials.Dials())
		assert.Equal(t, StateConnecting, a.State())

		h.clock.Add(delay - time.Millisecond)
		assert.Equal(t, i, h.dials.Dials(), "retried before the connect delay")
		h.clock.Add(time.Millisecond)
	}
	waitFor(t, retries, "retry")

	require.NoError(t, h.m.StopAssociation("cli"))
	assert.False(t, h.m.scheduler().Pending("cli"))
	assert.Equal(t, StateIdle, a.State())

	for i := 0; i < 5; i++ {
		h.clock.Add(delay)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 11, h.dials.Dials())
}

func TestOccupiedLocalPort(t *testing.T) {
	h := newHarness(t)
	release, err := h.network.Occupy("127.0.0.1", 9001)
	require.NoError(t, err)
	retries := h.retries()

	_, err = h.m.AddServer("S", "127.0.0.1", 9000, ChannelSCTP, false, 0, nil)
	require.NoError(t, err)
	srv, err := h.m.AddServerAssociation("127.0.0.1", 9001, "S", "srv", ChannelSCTP)
	require.NoError(t, err)
	cli, err := h.m.AddAssociation("127.0.0.1", 9001, "127.0.0.1", 9000, "cli", ChannelSCTP, nil)
	require.NoError(t, err)
	cliRec, srvRec := newRecorder(), newRecorder()
	cli.SetListener(cliRec)
	srv.SetListener(srvRec)

	require.NoError(t, h.m.StartServer("S"))
	require.NoError(t, h.m.StartAssociation("srv"))
	require.NoError(t, h.m.StartAssociation("cli"))

	waitFor(t, retries, "retry")
	h.clock.Add(h.m.ConnectDelay())
	waitFor(t, retries, "retry")
	assert.Equal(t, StateConnecting, cli.State())
	assert.True(t, cliRec.quiet(50*time.Millisecond))

	release()
	h.clock.Add(h.m.ConnectDelay())
	cliRec.waitUp(t)
	srvRec.waitUp(t)
	assert.True(t, cli.IsConnected())
}

func TestPeerShutdownAndReconnect(t *testing.T) {
	h := newHarness(t)
	cli, srv, cliRec, srvRec := h.startPair(t)

	require.NoError(t, h.m.StopAssociation("srv"))
	cliRec.waitShutdown(t)
	assert.Equal(t, StateConnecting, cli.State())
	assert.Equal(t, StateIdle, srv.State())
	assert.True(t, srvRec.quiet(50*time.Millisecond), "no callback after stop")

	require.NoError(t, h.m.StartAssociation("srv"))
	h.advanceUntil(t, cli.IsConnected)
	cliRec.waitUp(t)
	srvRec.waitUp(t)
}

func TestChannelLossAndShutdown(t *testing.T) {
	h := newHarness(t)
	ft := newFakeTransport(h.clock)
	h.m.overrides[ChannelSCTP] = ft

	a, err := h.m.AddAssociation("", 0, "127.0.0.1", 9000, "cli", ChannelSCTP, nil)
	require.NoError(t, err)
	rec := newRecorder()
	a.SetListener(rec)
	require.NoError(t, h.m.StartAssociation("cli"))

	first := waitFor(t, ft.chans, "dial")
	up := rec.waitUp(t)
	assert.Equal(t, 4, up.in)
	assert.Equal(t, 4, up.out)
	h1 := waitFor(t, first.started, "start")

	h1.OnClose(errors.New("connection reset"))
	rec.waitLost(t)
	assert.Equal(t, StateConnecting, a.State())

	h.advanceUntil(t, a.IsConnected)
	second := waitFor(t, ft.chans, "redial")
	rec.waitUp(t)
	h2 := waitFor(t, second.started, "start")

	// Events from the old channel are ignored.
	h1.OnPayload(wire.NewPayloadData([]byte("stale"), true, false, 0, 0))
	h1.OnClose(nil)
	assert.True(t, rec.quiet(50*time.Millisecond))

	h2.OnRestart()
	rec.waitRestart(t)
	assert.True(t, a.IsConnected())

	h2.OnClose(nil)
	rec.waitShutdown(t)
	assert.Equal(t, StateConnecting, a.State())
}

func TestStopSuppressesCallbacks(t *testing.T) {
	h := newHarness(t)
	ft := newFakeTransport(h.clock)
	h.m.overrides[ChannelSCTP] = ft

	a, err := h.m.AddAssociation("", 0, "127.0.0.1", 9000, "cli", ChannelSCTP, nil)
	require.NoError(t, err)
	rec := newRecorder()
	a.SetListener(rec)
	require.NoError(t, h.m.StartAssociation("cli"))
	ch := waitFor(t, ft.chans, "dial")
	rec.waitUp(t)
	handler := waitFor(t, ch.started, "start")

	require.NoError(t, h.m.StopAssociation("cli"))
	assert.True(t, ch.isClosed())

	handler.OnPayload(wire.NewPayloadData([]byte("late"), true, false, 0, 0))
	handler.OnRestart()
	handler.OnClose(errors.New("late failure"))
	assert.True(t, rec.quiet(50*time.Millisecond))
	assert.Equal(t, StateIdle, a.State())
	assert.False(t, h.m.scheduler().Pending("cli"))
}

func TestSend(t *testing.T) {
	h := newHarness(t)
	ft := newFakeTransport(h.clock)
	h.m.overrides[ChannelSCTP] = ft

	a, err := h.m.AddAssociation("", 0, "127.0.0.1", 9000, "cli", ChannelSCTP, nil)
	require.NoError(t, err)
	p := wire.NewPayloadData([]byte("x"), true, false, 0, 0)
	assert.ErrorIs(t, a.Send(p), ErrNotConnected)

	rec := newRecorder()
	a.SetListener(rec)
	require.NoError(t, h.m.StartAssociation("cli"))
	ch := waitFor(t, ft.chans, "dial")
	rec.waitUp(t)

	tests := []struct {
		name    string
		stream  int
		sendErr error
		want    error
	}{
		{"StreamOutOfRange", 4, nil, ErrInvalidStream},
		{"TransportRejectsStream", 1, transport.ErrInvalidStream, ErrInvalidStream},
		{"ChannelClosed", 0, transport.ErrChannelClosed, ErrNotConnected},
		{"WouldFragment", 0, transport.ErrWouldFragment, transport.ErrWouldFragment},
		{"IOFailure", 0, io.ErrClosedPipe, ErrTransportFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch.set(0, tt.sendErr)
			err := a.Send(wire.NewPayloadData([]byte("x"), true, false, 0, tt.stream))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	ch.set(0, nil)
	require.NoError(t, a.Send(wire.NewPayloadData([]byte("ok"), true, false, 0, 3)))
	assert.Len(t, ch.sent, 1)
}

func TestInvalidInboundStream(t *testing.T) {
	h := newHarness(t)
	_, srv, _, srvRec := h.startPair(t)

	srv.mu.Lock()
	gen, ch, in := srv.gen, srv.ch, srv.in
	srv.mu.Unlock()

	handler := &channelHandler{a: srv, gen: gen, ch: ch}
	handler.OnPayload(wire.NewPayloadData([]byte("bad"), true, false, 0, in))
	got := waitFor(t, srvRec.invalid, "invalid stream")
	assert.Equal(t, in, got.StreamNumber())

	handler.OnPayload(wire.NewPayloadData([]byte("good"), true, false, 0, in-1))
	assert.Equal(t, []byte("good"), srvRec.waitPayload(t).Data())
}

func TestRestartSignal(t *testing.T) {
	h := newHarness(t)
	cli, srv, _, srvRec := h.startPair(t)

	cli.mu.Lock()
	ch := cli.ch
	cli.mu.Unlock()
	restarter, ok := ch.(interface{ SignalRestart() error })
	require.True(t, ok)
	require.NoError(t, restarter.SignalRestart())

	srvRec.waitRestart(t)
	assert.True(t, srv.IsConnected())
}

func TestCongestionListener(t *testing.T) {
	h := newHarness(t)
	ft := newFakeTransport(h.clock)
	h.m.overrides[ChannelSCTP] = ft
	cong := &congestionRecorder{levels: make(chan int, 16)}
	h.m.AddCongestionListener(cong)

	a, err := h.m.AddAssociation("", 0, "127.0.0.1", 9000, "cli", ChannelSCTP, nil)
	require.NoError(t, err)
	rec := newRecorder()
	a.SetListener(rec)
	require.NoError(t, h.m.StartAssociation("cli"))
	ch := waitFor(t, ft.chans, "dial")
	rec.waitUp(t)

	send := func(delay time.Duration) {
		ch.set(delay, nil)
		require.NoError(t, a.Send(wire.NewPayloadData([]byte("x"), true, false, 0, 0)))
	}

	// Default thresholds: up at 2.5s/8s/14s, down below 1.5s/5.5s/10s.
	send(3 * time.Second)
	assert.Equal(t, 1, waitFor(t, cong.levels, "level 1"))
	assert.Equal(t, 1, a.CongestionLevel())

	send(3 * time.Second)
	send(0)
	assert.Equal(t, 1, a.CongestionLevel(), "estimate 1.5s stays inside the hysteresis band")

	send(0)
	assert.Equal(t, 0, waitFor(t, cong.levels, "level 0"))

	h.m.RemoveCongestionListener(cong)
	for i := 0; i < 3; i++ {
		send(3 * time.Second)
	}
	assert.Equal(t, 1, a.CongestionLevel())
	select {
	case l := <-cong.levels:
		t.Fatalf("removed listener notified of level %d", l)
	case <-time.After(20 * time.Millisecond):
	}
}
