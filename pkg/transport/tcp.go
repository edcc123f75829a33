package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
)

// TCPConfig configures the TCP transport.
type TCPConfig struct {
	ChannelConfig
}

// TCPTransport carries associations over TCP using framed channels.
type TCPTransport struct {
	config ChannelConfig
}

// NewTCPTransport creates a TCP transport.
func NewTCPTransport(config TCPConfig) *TCPTransport {
	return &TCPTransport{config: config.ChannelConfig.withDefaults()}
}

// Dial connects to the peer, binding the local address and port when set.
func (t *TCPTransport) Dial(ctx context.Context, cfg DialConfig) (Channel, error) {
	if cfg.PeerAddr == "" {
		return nil, ErrAddressRequired
	}

	dialer := &net.Dialer{}
	if cfg.LocalAddr != "" || cfg.LocalPort != 0 {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(cfg.LocalAddr), Port: cfg.LocalPort}
	}
	if cfg.LocalPort != 0 {
		// A fixed local port is rebound on every reconnect while the
		// previous connection may still sit in TIME_WAIT.
		dialer.Control = reuseAddrControl
	}

	conn, err := dialer.DialContext(ctx, "tcp", hostPort(cfg.PeerAddr, cfg.PeerPort))
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	ch, err := t.setup(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

// Listen opens a TCP listener on one address.
func (t *TCPTransport) Listen(ctx context.Context, cfg ListenConfig) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", hostPort(cfg.Addr, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	logger := t.config.Logger.With(slog.String("listener", ln.Addr().String()))
	return newStreamListener(ln.Addr(), ln.Accept, ln.Close, t.setup, logger), nil
}

// setup applies socket options and negotiates streams.
func (t *TCPTransport) setup(ctx context.Context, conn net.Conn) (*StreamChannel, error) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := t.config.Options.applyTCP(tc); err != nil {
			return nil, fmt.Errorf("socket options: %w", err)
		}
	}

	ch := newStreamChannel(conn, conn.LocalAddr(), conn.RemoteAddr(), t.config)
	if err := ch.handshake(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}
