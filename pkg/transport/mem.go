package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// In-memory network errors.
var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrAddrInUse         = errors.New("address already in use")
)

// memAddr is an address on a MemNetwork.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// MemNetwork is an in-process network shared by MemTransports. Addresses
// are "ip:port" strings; a port is occupied while a listener or a channel
// bound to it exists.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	bound     map[string]int
	nextPort  int
}

// NewMemNetwork creates an empty in-memory network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		listeners: make(map[string]*memListener),
		bound:     make(map[string]int),
		nextPort:  40000,
	}
}

// Occupy marks addr:port as used by something outside the network's
// transports. The returned func releases it.
func (n *MemNetwork) Occupy(addr string, port int) (release func(), err error) {
	key := hostPort(addr, port)
	if err := n.bind(key); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { n.unbind(key) }) }, nil
}

func (n *MemNetwork) bind(key string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bound[key] > 0 {
		return fmt.Errorf("bind %s: %w", key, ErrAddrInUse)
	}
	n.bound[key]++
	return nil
}

func (n *MemNetwork) unbind(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bound[key]--; n.bound[key] <= 0 {
		delete(n.bound, key)
	}
}

func (n *MemNetwork) ephemeral(addr string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		n.nextPort++
		key := net.JoinHostPort(addr, strconv.Itoa(n.nextPort))
		if n.bound[key] == 0 {
			return key
		}
	}
}

// MemTransport creates framed channels over net.Pipe on a MemNetwork.
type MemTransport struct {
	network *MemNetwork
	config  ChannelConfig
}

// NewMemTransport creates a transport on network. Keep-alive is disabled
// unless config enables it explicitly.
func NewMemTransport(network *MemNetwork, config ChannelConfig) *MemTransport {
	if config.KeepAlive.PingInterval == 0 {
		config.KeepAlive.Disabled = true
	}
	return &MemTransport{network: network, config: config.withDefaults()}
}

// Dial connects to a listener on the same network.
func (t *MemTransport) Dial(ctx context.Context, cfg DialConfig) (Channel, error) {
	if cfg.PeerAddr == "" {
		return nil, ErrAddressRequired
	}
	localIP := cfg.LocalAddr
	if localIP == "" {
		localIP = "127.0.0.1"
	}

	var localKey string
	if cfg.LocalPort != 0 {
		localKey = hostPort(localIP, cfg.LocalPort)
		if err := t.network.bind(localKey); err != nil {
			return nil, fmt.Errorf("dial failed: %w", err)
		}
	} else {
		localKey = t.network.ephemeral(localIP)
		t.network.bind(localKey)
	}

	peerKey := hostPort(cfg.PeerAddr, cfg.PeerPort)
	t.network.mu.Lock()
	l := t.network.listeners[peerKey]
	t.network.mu.Unlock()
	if l == nil {
		t.network.unbind(localKey)
		return nil, fmt.Errorf("dial %s: %w", peerKey, ErrConnectionRefused)
	}

	local, remote := net.Pipe()
	if !l.deliver(memConn{Conn: remote, local: memAddr(peerKey), remote: memAddr(localKey)}) {
		local.Close()
		remote.Close()
		t.network.unbind(localKey)
		return nil, fmt.Errorf("dial %s: %w", peerKey, ErrConnectionRefused)
	}

	ch := newStreamChannel(local, memAddr(localKey), memAddr(peerKey), t.config)
	ch.setOnRelease(func() { t.network.unbind(localKey) })
	if err := ch.handshake(ctx); err != nil {
		local.Close()
		ch.release()
		return nil, err
	}
	return ch, nil
}

// Listen registers a listener on addr:port.
func (t *MemTransport) Listen(_ context.Context, cfg ListenConfig) (Listener, error) {
	key := hostPort(cfg.Addr, cfg.Port)
	if err := t.network.bind(key); err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	ml := &memListener{conns: make(chan net.Conn), done: make(chan struct{})}
	t.network.mu.Lock()
	t.network.listeners[key] = ml
	t.network.mu.Unlock()

	closeFn := func() error {
		ml.close()
		t.network.mu.Lock()
		delete(t.network.listeners, key)
		t.network.mu.Unlock()
		t.network.unbind(key)
		return nil
	}
	setup := func(ctx context.Context, conn net.Conn) (*StreamChannel, error) {
		mc := conn.(memConn)
		ch := newStreamChannel(conn, mc.local, mc.remote, t.config)
		if err := ch.handshake(ctx); err != nil {
			return nil, err
		}
		return ch, nil
	}
	return newStreamListener(memAddr(key), ml.accept, closeFn, setup, t.config.Logger), nil
}

// memConn carries the network addresses of a pipe end.
type memConn struct {
	net.Conn
	local, remote memAddr
}

func (c memConn) LocalAddr() net.Addr  { return c.local }
func (c memConn) RemoteAddr() net.Addr { return c.remote }

// memListener hands pipe ends from Dial to the accept loop.
type memListener struct {
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *memListener) deliver(c net.Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	}
}

func (l *memListener) accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *memListener) close() {
	l.closeOnce.Do(func() { close(l.done) })
}
