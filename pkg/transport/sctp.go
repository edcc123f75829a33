package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/sctp"
	"github.com/pion/transport/v3/udp"
	"github.com/sctpmgmt/sctp-go/pkg/log"
	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

// ControlPPID is the payload protocol identifier reserved for channel
// control frames (INIT, SHUTDOWN) on SCTP stream 0. Applications cannot
// send it.
const ControlPPID uint32 = 0xFFFFFFFF

// ErrEmptyPayload indicates a zero-length SCTP payload, which a DATA chunk
// cannot carry.
var ErrEmptyPayload = errors.New("empty payload")

// drainTimeout bounds the graceful SCTP shutdown run by Close.
const drainTimeout = time.Second

// SCTPConfig configures the SCTP transport.
type SCTPConfig struct {
	ChannelConfig

	// MaxReceiveBufferSize is the SCTP receive window (0 = pion default).
	MaxReceiveBufferSize uint32
}

// SCTPTransport carries associations over the pion/sctp userspace stack
// encapsulated in UDP.
type SCTPTransport struct {
	config     ChannelConfig
	recvWindow uint32
}

// NewSCTPTransport creates an SCTP transport.
func NewSCTPTransport(config SCTPConfig) *SCTPTransport {
	return &SCTPTransport{
		config:     config.ChannelConfig.withDefaults(),
		recvWindow: config.MaxReceiveBufferSize,
	}
}

func (t *SCTPTransport) sctpConfig(conn net.Conn) sctp.Config {
	return sctp.Config{
		NetConn:              conn,
		LoggerFactory:        NewLoggerFactory(t.config.Logger.With(slog.String("component", "pion-sctp"))),
		MaxReceiveBufferSize: t.recvWindow,
		MaxMessageSize:       t.config.MaxMessageSize,
	}
}

// Dial runs the SCTP four-way handshake from a UDP socket bound to the
// local address and port.
func (t *SCTPTransport) Dial(ctx context.Context, cfg DialConfig) (Channel, error) {
	if cfg.PeerAddr == "" {
		return nil, ErrAddressRequired
	}
	raddr, err := net.ResolveUDPAddr("udp", hostPort(cfg.PeerAddr, cfg.PeerPort))
	if err != nil {
		return nil, fmt.Errorf("resolve peer: %w", err)
	}
	var laddr *net.UDPAddr
	if cfg.LocalAddr != "" || cfg.LocalPort != 0 {
		laddr = &net.UDPAddr{IP: net.ParseIP(cfg.LocalAddr), Port: cfg.LocalPort}
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.HandshakeTimeout)
	defer cancel()

	assoc, err := t.associate(ctx, conn, sctp.Client)
	if err != nil {
		return nil, err
	}
	return t.establish(ctx, conn, assoc)
}

// associate runs a blocking pion handshake, abandoning it when ctx ends.
func (t *SCTPTransport) associate(ctx context.Context, conn net.Conn,
	fn func(sctp.Config) (*sctp.Association, error)) (*sctp.Association, error) {
	type result struct {
		assoc *sctp.Association
		err   error
	}
	done := make(chan result, 1)
	go func() {
		a, err := fn(t.sctpConfig(conn))
		done <- result{a, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			conn.Close()
			return nil, fmt.Errorf("sctp handshake: %w", r.err)
		}
		return r.assoc, nil
	case <-ctx.Done():
		conn.Close()
		go func() {
			if r := <-done; r.assoc != nil {
				r.assoc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// establish exchanges INIT control frames and returns the channel.
func (t *SCTPTransport) establish(ctx context.Context, conn net.Conn, assoc *sctp.Association) (*sctpChannel, error) {
	ch := newSCTPChannel(conn, assoc, t.config)
	if err := ch.handshake(ctx); err != nil {
		ch.abort()
		return nil, err
	}
	return ch, nil
}

// Listen opens a UDP listener that demultiplexes peers into associations.
func (t *SCTPTransport) Listen(_ context.Context, cfg ListenConfig) (Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", hostPort(cfg.Addr, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	lc := &udp.ListenConfig{}
	ln, err := lc.Listen("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &sctpListener{
		ln:        ln,
		transport: t,
		logger:    t.config.Logger.With(slog.String("listener", ln.Addr().String())),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan Channel, acceptBacklog),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// sctpListener accepts SCTP associations over a demultiplexed UDP socket.
type sctpListener struct {
	ln        net.Listener
	transport *SCTPTransport
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan Channel
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func (l *sctpListener) Addr() net.Addr { return l.ln.Addr() }

func (l *sctpListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.ready:
		return ch, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *sctpListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.ln.Close()
		l.wg.Wait()
		for {
			select {
			case ch := <-l.ready:
				ch.Close()
			default:
				return
			}
		}
	})
	return err
}

func (l *sctpListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.logger.Debug("accept error", "error", err)
			continue
		}
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *sctpListener) handleConnection(conn net.Conn) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(l.ctx, l.transport.config.HandshakeTimeout)
	defer cancel()

	assoc, err := l.transport.associate(ctx, conn, sctp.Server)
	if err != nil {
		l.logger.Debug("inbound association failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	ch, err := l.transport.establish(ctx, conn, assoc)
	if err != nil {
		l.logger.Debug("inbound stream negotiation failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	select {
	case l.ready <- ch:
	case <-l.ctx.Done():
		ch.Close()
	}
}

// sctpStream serializes writes on one SCTP stream.
type sctpStream struct {
	mu        sync.Mutex
	s         *sctp.Stream
	unordered bool
	reading   bool
}

// sctpChannel is a Channel over one pion association.
type sctpChannel struct {
	id     string
	conn   net.Conn
	assoc  *sctp.Association
	config ChannelConfig
	logger *slog.Logger
	events log.Logger
	bufLen int

	mu           sync.Mutex
	in, out      int
	streams      map[uint16]*sctpStream
	handler      Handler
	started      bool
	closed       bool
	peerShutdown bool

	// dispatchMu keeps handler calls from concurrent stream readers apart.
	dispatchMu sync.Mutex
}

func newSCTPChannel(conn net.Conn, assoc *sctp.Association, config ChannelConfig) *sctpChannel {
	id := uuid.New().String()
	bufLen := int(config.MaxMessageSize)
	if config.BufferSize > bufLen {
		bufLen = config.BufferSize
	}
	return &sctpChannel{
		id:      id,
		conn:    conn,
		assoc:   assoc,
		config:  config,
		logger:  config.Logger.With("conn_id", id, "remote", conn.RemoteAddr().String()),
		events:  log.OrNoop(config.EventLogger),
		bufLen:  bufLen,
		streams: make(map[uint16]*sctpStream),
	}
}

func (c *sctpChannel) ID() string           { return c.id }
func (c *sctpChannel) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *sctpChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *sctpChannel) Streams() (in, out int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in, c.out
}

// handshake sends INIT on stream 0 and waits for the peer's INIT.
func (c *sctpChannel) handshake(ctx context.Context) error {
	st, err := c.stream(0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := c.writeControl(&wire.Frame{
		Type:               wire.FrameInit,
		MaxInboundStreams:  uint16(c.config.Options.MaxInboundStreams),
		MaxOutboundStreams: uint16(c.config.Options.MaxOutboundStreams),
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	type result struct {
		f   *wire.Frame
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, c.bufLen)
		for {
			n, ppi, err := st.s.ReadSCTP(buf)
			if err != nil {
				done <- result{err: err}
				return
			}
			if uint32(ppi) != ControlPPID {
				continue
			}
			f, err := wire.DecodeFrame(buf[:n])
			done <- result{f: f, err: err}
			return
		}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, r.err)
		}
		if r.f.Type != wire.FrameInit {
			return fmt.Errorf("%w: expected INIT, got %s", ErrHandshake, r.f.Type)
		}
		return c.applyInit(r.f)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *sctpChannel) applyInit(f *wire.Frame) error {
	if f.MaxInboundStreams == 0 || f.MaxOutboundStreams == 0 {
		return fmt.Errorf("%w: peer offered no streams", ErrHandshake)
	}
	in, out := negotiateStreams(
		c.config.Options.MaxInboundStreams, c.config.Options.MaxOutboundStreams,
		int(f.MaxInboundStreams), int(f.MaxOutboundStreams),
	)
	c.mu.Lock()
	c.in, c.out = in, out
	c.mu.Unlock()

	c.logControl(log.DirectionIn, &log.ControlMsgEvent{
		Type:            log.ControlMsgInit,
		InboundStreams:  in,
		OutboundStreams: out,
	})
	return nil
}

// stream returns the stream with id, opening it if needed. Readers start
// for every known stream once the channel is started.
func (c *sctpChannel) stream(id uint16) (*sctpStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.streams[id]; ok {
		return st, nil
	}
	if c.closed {
		return nil, ErrChannelClosed
	}
	s, err := c.assoc.OpenStream(id, sctp.PayloadProtocolIdentifier(ControlPPID))
	if err != nil {
		return nil, err
	}
	s.SetReliabilityParams(false, sctp.ReliabilityTypeReliable, 0)
	st := &sctpStream{s: s}
	c.streams[id] = st
	c.startReaderLocked(st)
	return st, nil
}

// adopt registers a stream accepted from the peer.
func (c *sctpChannel) adopt(s *sctp.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.streams[s.StreamIdentifier()]
	if !ok {
		st = &sctpStream{s: s}
		c.streams[s.StreamIdentifier()] = st
	}
	c.startReaderLocked(st)
}

func (c *sctpChannel) startReaderLocked(st *sctpStream) {
	if !c.started || c.closed || st.reading {
		return
	}
	st.reading = true
	go c.readStream(st)
}

// Start begins delivering inbound payloads to h.
func (c *sctpChannel) Start(h Handler) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.started = true
	c.handler = h
	for _, st := range c.streams {
		c.startReaderLocked(st)
	}
	c.mu.Unlock()

	go c.acceptLoop()
	return nil
}

// Send writes one payload as a single SCTP message.
func (c *sctpChannel) Send(p wire.PayloadData) error {
	c.mu.Lock()
	closed, out := c.closed, c.out
	c.mu.Unlock()

	if closed {
		return ErrChannelClosed
	}
	if p.StreamNumber() < 0 || p.StreamNumber() >= out {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidStream, p.StreamNumber(), out)
	}
	if p.PayloadProtocolID() == ControlPPID {
		return ErrReservedPPID
	}
	if p.DataLength() == 0 {
		return ErrEmptyPayload
	}
	if c.config.Options.DisableFragmentation && p.DataLength() > UnfragmentedSize {
		return fmt.Errorf("%w: %d > %d", ErrWouldFragment, p.DataLength(), UnfragmentedSize)
	}
	if p.DataLength() > int(c.config.MaxMessageSize) {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, p.DataLength(), c.config.MaxMessageSize)
	}

	st, err := c.stream(uint16(p.StreamNumber()))
	if err != nil {
		c.fail(err)
		return err
	}
	if err := c.write(st, p.Data(), p.PayloadProtocolID(), p.IsUnordered()); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *sctpChannel) write(st *sctpStream, data []byte, ppid uint32, unordered bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.unordered != unordered {
		st.s.SetReliabilityParams(unordered, sctp.ReliabilityTypeReliable, 0)
		st.unordered = unordered
	}
	_, err := st.s.WriteSCTP(data, sctp.PayloadProtocolIdentifier(ppid))
	return err
}

func (c *sctpChannel) writeControl(f *wire.Frame) error {
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	st, err := c.stream(0)
	if err != nil {
		return err
	}
	return c.write(st, data, ControlPPID, false)
}

// SignalRestart re-sends INIT. The peer reports it through OnRestart.
func (c *sctpChannel) SignalRestart() error {
	return c.writeControl(&wire.Frame{
		Type:               wire.FrameInit,
		MaxInboundStreams:  uint16(c.config.Options.MaxInboundStreams),
		MaxOutboundStreams: uint16(c.config.Options.MaxOutboundStreams),
	})
}

// Close sends the SHUTDOWN marker, runs the SCTP shutdown sequence for up
// to drainTimeout and ends the association. The handler is not called.
func (c *sctpChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	st0 := c.streams[0]
	c.mu.Unlock()

	if st0 != nil && c.writeControl(&wire.Frame{Type: wire.FrameShutdown}) == nil {
		c.logControl(log.DirectionOut, &log.ControlMsgEvent{Type: log.ControlMsgShutdown})
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		err := c.assoc.Shutdown(ctx)
		cancel()
		if err == nil {
			// Shutdown already closed the association.
			c.conn.Close()
			return nil
		}
		c.logger.Debug("graceful shutdown incomplete", "error", err)
	}

	return c.abort()
}

// abort closes the association and its socket. A socket already closed by
// the association is not an error.
func (c *sctpChannel) abort() error {
	err := c.assoc.Close()
	c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// fail ends the channel after a local I/O error and reports it.
func (c *sctpChannel) fail(err error) {
	go c.finish(err)
}

func (c *sctpChannel) acceptLoop() {
	for {
		s, err := c.assoc.AcceptStream()
		if err != nil {
			c.mu.Lock()
			clean := c.peerShutdown
			c.mu.Unlock()
			if clean {
				c.finish(nil)
			} else {
				c.finish(fmt.Errorf("%w: association ended: %v", ErrChannelClosed, err))
			}
			return
		}
		c.adopt(s)
	}
}

func (c *sctpChannel) readStream(st *sctpStream) {
	buf := make([]byte, c.bufLen)
	sid := int(st.s.StreamIdentifier())
	for {
		n, ppi, err := st.s.ReadSCTP(buf)
		if err != nil {
			// Stream or association ended; acceptLoop reports the latter.
			return
		}

		if uint32(ppi) == ControlPPID {
			if c.handleControl(buf[:n]) {
				return
			}
			continue
		}

		p := wire.NewPayloadData(buf[:n], true, false, uint32(ppi), sid)
		c.dispatch(func(h Handler) { h.OnPayload(p) })
	}
}

// handleControl processes a control frame and reports whether the channel
// ended.
func (c *sctpChannel) handleControl(data []byte) bool {
	f, err := wire.DecodeFrame(data)
	if err != nil {
		c.logger.Debug("bad control frame", "error", err)
		return false
	}
	switch f.Type {
	case wire.FrameInit:
		if err := c.applyInit(f); err != nil {
			c.finish(err)
			return true
		}
		c.dispatch(func(h Handler) { h.OnRestart() })
	case wire.FrameShutdown:
		c.logControl(log.DirectionIn, &log.ControlMsgEvent{Type: log.ControlMsgShutdown})
		c.mu.Lock()
		c.peerShutdown = true
		c.mu.Unlock()
		c.finish(nil)
		return true
	}
	return false
}

func (c *sctpChannel) dispatch(fn func(Handler)) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	h, closed := c.handler, c.closed
	c.mu.Unlock()
	if h != nil && !closed {
		fn(h)
	}
}

// finish tears the channel down once and reports to the handler unless it
// was closed locally.
func (c *sctpChannel) finish(cause error) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	h := c.handler
	c.mu.Unlock()

	c.abort()

	if cause != nil {
		c.logger.Debug("association lost", "error", cause)
		c.events.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: c.id,
			Layer:        log.LayerTransport,
			Category:     log.CategoryError,
			RemoteAddr:   c.conn.RemoteAddr().String(),
			ChannelType:  "SCTP",
			Error: &log.ErrorEventData{
				Layer:   log.LayerTransport,
				Message: cause.Error(),
				Context: "association",
			},
		})
	}
	if h != nil {
		h.OnClose(cause)
	}
}

func (c *sctpChannel) logControl(dir log.Direction, ev *log.ControlMsgEvent) {
	c.events.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryControl,
		RemoteAddr:   c.conn.RemoteAddr().String(),
		ChannelType:  "SCTP",
		ControlMsg:   ev,
	})
}
