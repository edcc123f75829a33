package interactive

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sctpmgmt/sctp-go/pkg/discovery"
	"github.com/sctpmgmt/sctp-go/pkg/management"
	"github.com/sctpmgmt/sctp-go/pkg/transport"
)

type fakeBrowser struct {
	services []*discovery.ServerService
	channel  string
}

func (b *fakeBrowser) BrowseServers(_ context.Context, channelType string) (<-chan *discovery.ServerService, error) {
	b.channel = channelType
	out := make(chan *discovery.ServerService, len(b.services))
	for _, svc := range b.services {
		out <- svc
	}
	close(out)
	return out, nil
}

func (b *fakeBrowser) Stop() {}

func newTestShell(t *testing.T, browser discovery.Browser) (*Shell, *management.Management, *bytes.Buffer) {
	t.Helper()
	mem := transport.NewMemTransport(transport.NewMemNetwork(), transport.ChannelConfig{
		HandshakeTimeout: 2 * time.Second,
	})

	cfg := management.DefaultConfig()
	cfg.Name = "shell"
	cfg.PersistDir = t.TempDir()
	cfg.Transports = map[management.ChannelType]transport.Transport{
		management.ChannelSCTP: mem,
		management.ChannelTCP:  mem,
	}
	m, err := management.New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop() })

	out := &bytes.Buffer{}
	return newShell(m, browser, out), m, out
}

// run executes line and returns what it printed.
func run(t *testing.T, s *Shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.True(t, s.exec(context.Background(), line), "%q ended the shell", line)
	return out.String()
}

func TestShellServerAndAssociations(t *testing.T) {
	s, m, out := newTestShell(t, nil)

	assert.Contains(t, run(t, s, out, "add-server S 127.0.0.1 9000"), "Added server S (SCTP 127.0.0.1:9000)")
	assert.Contains(t, run(t, s, out, "add-peer srv S 127.0.0.1 9001"), "Added server association srv on S")
	assert.Contains(t, run(t, s, out, "add-client cli 127.0.0.1 9001 127.0.0.1 9000 sctp"), "Added client association cli")

	listing := run(t, s, out, "servers")
	assert.Contains(t, listing, "Servers (1)")
	assert.Contains(t, listing, "associations=1")

	details := run(t, s, out, "server S")
	assert.Contains(t, details, "Associations: srv")
	assert.Contains(t, details, "Anonymous:    rejected")

	assert.Contains(t, run(t, s, out, "start-server S"), "OK")
	assert.Contains(t, run(t, s, out, "start srv"), "OK")
	assert.Contains(t, run(t, s, out, "start cli"), "OK")

	cli, err := m.Association("cli")
	require.NoError(t, err)
	srv, err := m.Association("srv")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cli.IsUp() && srv.IsUp() }, 3*time.Second, 10*time.Millisecond)

	info := run(t, s, out, "assoc cli")
	assert.Contains(t, info, "Type:       CLIENT")
	assert.Contains(t, info, "State:      CONNECTED")
	assert.Contains(t, info, "Streams:    in=32 out=32")

	assert.Contains(t, run(t, s, out, "send cli 1 46 Client says Hi"), "Sent 14 bytes on stream 1")
	assert.Contains(t, run(t, s, out, "send cli 99 46 nope"), management.ErrInvalidStream.Error())

	assert.Contains(t, run(t, s, out, "rm-assoc cli"), "dependency violation")
	assert.Contains(t, run(t, s, out, "stop cli"), "OK")
	assert.Contains(t, run(t, s, out, "set-peer cli 127.0.0.1 9100"), "OK")
	assert.Equal(t, 9100, cli.PeerPort())
	assert.Contains(t, run(t, s, out, "rm-assoc cli"), "OK")

	assert.Contains(t, run(t, s, out, "stop-server S"), "dependency violation")
	assert.Contains(t, run(t, s, out, "stop srv"), "OK")
	assert.Contains(t, run(t, s, out, "stop-server S"), "OK")
	assert.Contains(t, run(t, s, out, "set-server S 127.0.0.1 9500"), "OK")

	assert.Equal(t, 9500, srv.LocalPort(), "owned association follows its server")

	assert.Contains(t, run(t, s, out, "add-server T 127.0.0.1 9600"), "Added server T")
	assert.Contains(t, run(t, s, out, "move srv T"), "OK")
	assert.Equal(t, "T", srv.ServerName())

	run(t, s, out, "reset")
	assert.Empty(t, m.Servers())
	assert.Empty(t, m.Associations())
	assert.Contains(t, run(t, s, out, "assocs"), "No associations")
}

func TestShellAnonymousServer(t *testing.T) {
	s, m, out := newTestShell(t, nil)

	run(t, s, out, "add-server A 127.0.0.1 9000 tcp 2 127.0.0.2")
	info, err := m.Server("A")
	require.NoError(t, err)
	assert.Equal(t, management.ChannelTCP, info.ChannelType)
	assert.True(t, info.AcceptAnonymous)
	assert.Equal(t, 2, info.MaxConcurrentConnections)
	assert.Equal(t, []string{"127.0.0.2"}, info.ExtraAddresses)
	assert.Contains(t, run(t, s, out, "server A"), "Anonymous:    0 (max 2)")

	run(t, s, out, "add-server R 127.0.0.1 9001 sctp -1")
	info, err = m.Server("R")
	require.NoError(t, err)
	assert.False(t, info.AcceptAnonymous)

	assert.Contains(t, run(t, s, out, "anon A"), "No anonymous associations")
	assert.Contains(t, run(t, s, out, "kick anonymous-1"), "not found")
}

func TestShellSettings(t *testing.T) {
	s, m, out := newTestShell(t, nil)

	assert.Contains(t, run(t, s, out, "set delay 2s"), "OK")
	assert.Equal(t, 2*time.Second, m.ConnectDelay())
	assert.Contains(t, run(t, s, out, "set delay soon"), "Error")

	assert.Contains(t, run(t, s, out, "set buffer 4096"), "OK")
	assert.Equal(t, 4096, m.BufferSize())
	assert.Contains(t, run(t, s, out, "set buffer 0"), "Error")

	assert.Contains(t, run(t, s, out, "set thresholds 1 2 3 0.5 1.5 2.5"), "OK")
	assert.Equal(t, [3]float64{1, 2, 3}, m.CongestionThresholds().Ascending)
	assert.Contains(t, run(t, s, out, "set thresholds 3 2 1 0 0 0"), "Error")

	assert.Contains(t, run(t, s, out, "set streams 10 5"), "OK")
	assert.Equal(t, 10, m.SocketOptions().MaxInboundStreams)
	assert.Equal(t, 5, m.SocketOptions().MaxOutboundStreams)

	assert.Contains(t, run(t, s, out, "set nofrag on"), "OK")
	assert.True(t, m.SocketOptions().DisableFragmentation)
	assert.Contains(t, run(t, s, out, "set nofrag maybe"), "usage")

	status := run(t, s, out, "status")
	assert.Contains(t, status, "Connect delay:  2s")
	assert.Contains(t, status, "Buffer size:    4096")
	assert.Contains(t, status, "No fragmenting: true")
}

func TestShellBrowse(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		s, _, out := newTestShell(t, nil)
		assert.Contains(t, run(t, s, out, "browse"), "browsing is disabled")
	})

	t.Run("Found", func(t *testing.T) {
		browser := &fakeBrowser{services: []*discovery.ServerService{{
			ServerInfo: discovery.ServerInfo{Instance: "S", Management: "peer", ChannelType: "TCP", Port: 9000},
			Host:       "peer.local",
			Addresses:  []string{"192.168.1.10"},
		}}}
		s, _, out := newTestShell(t, browser)

		output := run(t, s, out, "browse tcp 1s")
		assert.Equal(t, "TCP", browser.channel)
		assert.Contains(t, output, "S (peer) peer.local port 9000 192.168.1.10")
		assert.Contains(t, output, "Found 1 server(s)")
	})
}

func TestShellInput(t *testing.T) {
	s, _, out := newTestShell(t, nil)

	assert.Empty(t, run(t, s, out, "   "))
	assert.Contains(t, run(t, s, out, "frobnicate"), "Unknown command: frobnicate")
	assert.Contains(t, run(t, s, out, "add-server S"), "usage: add-server")
	assert.Contains(t, run(t, s, out, "add-server S 127.0.0.1 http"), `invalid port "http"`)
	assert.Contains(t, run(t, s, out, "add-server S 127.0.0.1 9000 udp"), "invalid configuration")
	assert.Contains(t, run(t, s, out, "start missing"), "not found")
	assert.Contains(t, run(t, s, out, "help"), "SCTP Management Commands")

	out.Reset()
	assert.False(t, s.exec(context.Background(), "quit"))
	assert.Contains(t, out.String(), "Exiting...")
}
