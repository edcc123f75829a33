package management

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sctpmgmt/sctp-go/pkg/transport"
	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

// peer is a raw channel dialed at a server from outside the Management.
type peer struct {
	transport.Channel
	closed   chan error
	payloads chan wire.PayloadData
}

func (p *peer) OnPayload(pd wire.PayloadData) { p.payloads <- pd }
func (p *peer) OnRestart()                    {}
func (p *peer) OnClose(err error)             { p.closed <- err }

func dialPeer(t *testing.T, h *harness, addr string, port int) *peer {
	t.Helper()
	tr := transport.NewMemTransport(h.network, transport.ChannelConfig{HandshakeTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	ch, err := tr.Dial(ctx, transport.DialConfig{PeerAddr: addr, PeerPort: port})
	require.NoError(t, err)
	p := &peer{Channel: ch, closed: make(chan error, 1), payloads: make(chan wire.PayloadData, 16)}
	require.NoError(t, ch.Start(p))
	t.Cleanup(func() { ch.Close() })
	return p
}

func (p *peer) waitClosed(t *testing.T) {
	t.Helper()
	waitFor(t, p.closed, "peer close")
}

func anonymousServer(t *testing.T, h *harness, max int, accept bool) (*serverDecider, *recorder) {
	t.Helper()
	_, err := h.m.AddServer("S", "127.0.0.1", 9000, ChannelSCTP, true, max, nil)
	require.NoError(t, err)
	rec := newRecorder()
	decider := &serverDecider{accept: accept, listener: rec, offered: make(chan *Association, 8)}
	h.m.SetServerListener(decider)
	require.NoError(t, h.m.StartServer("S"))
	return decider, rec
}

func anonymousCount(t *testing.T, h *harness) int {
	info, err := h.m.Server("S")
	require.NoError(t, err)
	return info.AnonymousCount
}

func TestAnonymousMaxConcurrent(t *testing.T) {
	h := newHarness(t)
	decider, rec := anonymousServer(t, h, 1, true)

	first := dialPeer(t, h, "127.0.0.1", 9000)
	a := waitFor(t, decider.offered, "offer")
	rec.waitUp(t)
	assert.Equal(t, AssociationAnonymousServer, a.Type())
	assert.Equal(t, "S", a.ServerName())
	assert.True(t, strings.HasPrefix(a.Name(), AnonymousPrefix))
	assert.Equal(t, 1, anonymousCount(t, h))

	_, err := h.m.Association(a.Name())
	assert.ErrorIs(t, err, ErrNotFound, "anonymous associations are not addressable")

	second := dialPeer(t, h, "127.0.0.1", 9000)
	second.waitClosed(t)
	select {
	case <-decider.offered:
		t.Fatal("second connection offered while the pool is full")
	default:
	}

	require.NoError(t, first.Send(wire.NewPayloadData([]byte("still open"), true, false, 0, 0)))
	assert.Equal(t, []byte("still open"), rec.waitPayload(t).Data())
	require.NoError(t, a.Send(wire.NewPayloadData([]byte("to peer"), true, false, 0, 0)))
	assert.Equal(t, []byte("to peer"), waitFor(t, first.payloads, "peer payload").Data())

	first.Close()
	rec.waitShutdown(t)
	require.Eventually(t, func() bool { return anonymousCount(t, h) == 0 }, waitTimeout, 5*time.Millisecond)

	dialPeer(t, h, "127.0.0.1", 9000)
	waitFor(t, decider.offered, "offer after release")
	rec.waitUp(t)

	doc, err := h.m.store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Associations, "anonymous associations are not persisted")
}

func TestAnonymousRejected(t *testing.T) {
	t.Run("ListenerRejects", func(t *testing.T) {
		h := newHarness(t)
		decider, rec := anonymousServer(t, h, 0, false)

		p := dialPeer(t, h, "127.0.0.1", 9000)
		waitFor(t, decider.offered, "offer")
		p.waitClosed(t)
		assert.True(t, rec.quiet(50*time.Millisecond))
		assert.Equal(t, 0, anonymousCount(t, h))
	})

	t.Run("NoServerListener", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.AddServer("S", "127.0.0.1", 9000, ChannelSCTP, true, 0, nil)
		require.NoError(t, err)
		require.NoError(t, h.m.StartServer("S"))

		dialPeer(t, h, "127.0.0.1", 9000).waitClosed(t)
		assert.Equal(t, 0, anonymousCount(t, h))
	})

	t.Run("AnonymousDisabled", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.AddDefaultServer("S", "127.0.0.1", 9000)
		require.NoError(t, err)
		_, err = h.m.AddServerAssociation("127.0.0.1", 9001, "S", "srv", ChannelSCTP)
		require.NoError(t, err)
		require.NoError(t, h.m.StartServer("S"))
		require.NoError(t, h.m.StartAssociation("srv"))

		dialPeer(t, h, "127.0.0.1", 9000).waitClosed(t)
	})
}

func TestStopServerEvictsAnonymous(t *testing.T) {
	h := newHarness(t)
	decider, rec := anonymousServer(t, h, 0, true)

	p1 := dialPeer(t, h, "127.0.0.1", 9000)
	waitFor(t, decider.offered, "offer")
	rec.waitUp(t)
	p2 := dialPeer(t, h, "127.0.0.1", 9000)
	waitFor(t, decider.offered, "offer")
	rec.waitUp(t)
	assert.Equal(t, 2, anonymousCount(t, h))

	require.NoError(t, h.m.StopServer("S"))
	p1.waitClosed(t)
	p2.waitClosed(t)
	assert.Equal(t, 0, anonymousCount(t, h))
	assert.True(t, rec.quiet(50*time.Millisecond))
}

func TestStopAnonymous(t *testing.T) {
	h := newHarness(t)
	decider, rec := anonymousServer(t, h, 0, true)

	p := dialPeer(t, h, "127.0.0.1", 9000)
	a := waitFor(t, decider.offered, "offer")
	rec.waitUp(t)

	require.NoError(t, a.StopAnonymous())
	p.waitClosed(t)
	assert.Equal(t, 0, anonymousCount(t, h))
	assert.False(t, a.IsStarted())

	cli, err := h.m.AddAssociation("", 0, "127.0.0.1", 9000, "cli", ChannelSCTP, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, cli.StopAnonymous(), ErrInvalidConfig)
	assert.ErrorIs(t, cli.AcceptAnonymous(nil), ErrInvalidConfig)
}

func TestServerAssociationMatching(t *testing.T) {
	t.Run("AnyPeerPort", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.AddDefaultServer("S", "127.0.0.1", 9000)
		require.NoError(t, err)
		srv, err := h.m.AddServerAssociation("127.0.0.1", 0, "S", "srv", ChannelSCTP)
		require.NoError(t, err)
		rec := newRecorder()
		srv.SetListener(rec)
		require.NoError(t, h.m.StartServer("S"))
		require.NoError(t, h.m.StartAssociation("srv"))

		p := dialPeer(t, h, "127.0.0.1", 9000)
		rec.waitUp(t)
		require.NoError(t, p.Send(wire.NewPayloadData([]byte("hi"), true, false, 0, 0)))
		assert.Equal(t, []byte("hi"), rec.waitPayload(t).Data())

		// The association is busy; a second peer is turned away.
		dialPeer(t, h, "127.0.0.1", 9000).waitClosed(t)
	})

	t.Run("StoppedAssociationRefuses", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.AddDefaultServer("S", "127.0.0.1", 9000)
		require.NoError(t, err)
		_, err = h.m.AddServerAssociation("127.0.0.1", 0, "S", "srv", ChannelSCTP)
		require.NoError(t, err)
		require.NoError(t, h.m.StartServer("S"))

		dialPeer(t, h, "127.0.0.1", 9000).waitClosed(t)
	})

	t.Run("StoppedAssociationNotAnonymous", func(t *testing.T) {
		h := newHarness(t)
		decider, _ := anonymousServer(t, h, 0, true)
		_, err := h.m.AddServerAssociation("127.0.0.1", 0, "S", "srv", ChannelSCTP)
		require.NoError(t, err)

		dialPeer(t, h, "127.0.0.1", 9000).waitClosed(t)
		select {
		case a := <-decider.offered:
			t.Fatalf("configured peer offered as anonymous %s", a.Name())
		default:
		}
		assert.Equal(t, 0, anonymousCount(t, h))
	})

	t.Run("ConnectedAssociationNotAnonymous", func(t *testing.T) {
		h := newHarness(t)
		decider, _ := anonymousServer(t, h, 0, true)
		srv, err := h.m.AddServerAssociation("127.0.0.1", 0, "S", "srv", ChannelSCTP)
		require.NoError(t, err)
		rec := newRecorder()
		srv.SetListener(rec)
		require.NoError(t, h.m.StartAssociation("srv"))

		dialPeer(t, h, "127.0.0.1", 9000)
		rec.waitUp(t)

		dialPeer(t, h, "127.0.0.1", 9000).waitClosed(t)
		select {
		case a := <-decider.offered:
			t.Fatalf("configured peer offered as anonymous %s", a.Name())
		default:
		}
		assert.Equal(t, 0, anonymousCount(t, h))
		assert.True(t, srv.IsConnected())
	})

	t.Run("MultiHomed", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.AddServer("S", "127.0.0.1", 9000, ChannelSCTP, false, 0, []string{"127.0.0.2"})
		require.NoError(t, err)
		srv, err := h.m.AddServerAssociation("127.0.0.1", 0, "S", "srv", ChannelSCTP)
		require.NoError(t, err)
		assert.Equal(t, []string{"127.0.0.2"}, srv.ExtraLocalAddresses())
		rec := newRecorder()
		srv.SetListener(rec)
		require.NoError(t, h.m.StartServer("S"))
		require.NoError(t, h.m.StartAssociation("srv"))

		info, err := h.m.Server("S")
		require.NoError(t, err)
		assert.Equal(t, []string{"127.0.0.1:9000", "127.0.0.2:9000"}, info.ListenAddrs)

		dialPeer(t, h, "127.0.0.2", 9000)
		rec.waitUp(t)
	})

	t.Run("ListenFailure", func(t *testing.T) {
		h := newHarness(t)
		release, err := h.network.Occupy("127.0.0.2", 9000)
		require.NoError(t, err)
		defer release()
		_, err = h.m.AddServer("S", "127.0.0.1", 9000, ChannelSCTP, false, 0, []string{"127.0.0.2"})
		require.NoError(t, err)

		assert.ErrorIs(t, h.m.StartServer("S"), ErrTransportFailure)
		info, err := h.m.Server("S")
		require.NoError(t, err)
		assert.False(t, info.Started)

		// The primary listener was released.
		release()
		require.NoError(t, h.m.StartServer("S"))
	})
}
