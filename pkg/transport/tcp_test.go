package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

func tcpConfig(in, out int) TCPConfig {
	cfg := memOptions(in, out)
	cfg.KeepAlive.Disabled = true
	return TCPConfig{ChannelConfig: cfg}
}

func TestTCPLoopback(t *testing.T) {
	client := NewTCPTransport(tcpConfig(16, 6))
	server := NewTCPTransport(tcpConfig(5, 16))

	cch, sch, _ := connectPair(t, client, server, 0)
	defer sch.Close()

	in, out := cch.Streams()
	assert.Equal(t, 16, in)
	assert.Equal(t, 5, out)

	ch, sh := newRecordingHandler(), newRecordingHandler()
	require.NoError(t, cch.Start(ch))
	require.NoError(t, sch.Start(sh))

	big := bytes.Repeat([]byte{0xAB}, 20000)
	require.NoError(t, cch.Send(wire.NewPayloadData(big, true, false, 46, 4)))
	p := sh.waitPayload(t)
	assert.Equal(t, big, p.Data())
	assert.Equal(t, 4, p.StreamNumber())
	assert.Equal(t, uint32(46), p.PayloadProtocolID())

	require.NoError(t, cch.Close())
	assert.NoError(t, sh.waitClose(t))
}

func TestTCPDialOccupiedLocalPort(t *testing.T) {
	server := NewTCPTransport(tcpConfig(4, 4))
	ln, err := server.Listen(context.Background(), ListenConfig{Addr: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	defer ln.Close()
	_, port := SplitAddr(ln.Addr())

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	_, busyPort := SplitAddr(busy.Addr())

	client := NewTCPTransport(tcpConfig(4, 4))
	_, err = client.Dial(context.Background(), DialConfig{
		LocalAddr: "127.0.0.1",
		LocalPort: busyPort,
		PeerAddr:  "127.0.0.1",
		PeerPort:  port,
	})
	assert.Error(t, err)
}

func TestTCPHandshakeTimeout(t *testing.T) {
	// A plain TCP listener never answers INIT.
	silent, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()
	go func() {
		for {
			c, err := silent.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	_, port := SplitAddr(silent.Addr())

	cfg := tcpConfig(4, 4)
	cfg.HandshakeTimeout = 100 * time.Millisecond
	client := NewTCPTransport(cfg)

	start := time.Now()
	_, err = client.Dial(context.Background(), DialConfig{PeerAddr: "127.0.0.1", PeerPort: port})
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSplitAddr(t *testing.T) {
	ip, port := SplitAddr(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 2905})
	assert.Equal(t, "10.0.0.1", ip)
	assert.Equal(t, 2905, port)

	ip, port = SplitAddr(memAddr("192.168.1.2:8011"))
	assert.Equal(t, "192.168.1.2", ip)
	assert.Equal(t, 8011, port)

	ip, port = SplitAddr(nil)
	assert.Empty(t, ip)
	assert.Zero(t, port)
}

func TestNegotiateStreams(t *testing.T) {
	in, out := negotiateStreams(10, 4, 2, 8)
	assert.Equal(t, 8, in)
	assert.Equal(t, 2, out)
}
