package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sctpmgmt/sctp-go/pkg/log"
	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

// shutdownWriteTimeout bounds the SHUTDOWN frame written by Close.
const shutdownWriteTimeout = time.Second

// ChannelConfig configures framed channels.
type ChannelConfig struct {
	// Options supplies the offered stream limits.
	Options SocketOptions

	// MaxMessageSize is the maximum frame size (default: 64KB).
	MaxMessageSize uint32

	// BufferSize is the read buffer size (default: 8KB).
	BufferSize int

	// HandshakeTimeout bounds stream negotiation (default: 10s).
	HandshakeTimeout time.Duration

	// KeepAlive configuration.
	KeepAlive KeepAliveConfig

	// Logger for operational logging (optional).
	Logger *slog.Logger

	// EventLogger receives frame and control events (optional).
	EventLogger log.Logger
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.Options.MaxInboundStreams == 0 && c.Options.MaxOutboundStreams == 0 {
		c.Options = DefaultSocketOptions()
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 8192
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// StreamChannel carries association traffic over a byte stream using
// length-prefixed CBOR frames.
type StreamChannel struct {
	id     string
	conn   net.Conn
	frames *frameConn
	local  net.Addr
	remote net.Addr
	config ChannelConfig
	logger *slog.Logger
	events log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	in, out   int
	handler   Handler
	started   bool
	closed    bool
	failErr   error
	keepAlive *KeepAlive
	onRelease func()
	released  bool
}

// newStreamChannel wraps conn. The caller must run handshake before
// handing the channel out.
func newStreamChannel(conn net.Conn, local, remote net.Addr, config ChannelConfig) *StreamChannel {
	config = config.withDefaults()
	id := uuid.New().String()

	ctx, cancel := context.WithCancel(context.Background())
	c := &StreamChannel{
		id:     id,
		conn:   conn,
		frames: newFrameConn(conn, config.MaxMessageSize, config.BufferSize),
		local:  local,
		remote: remote,
		config: config,
		logger: config.Logger.With("conn_id", id, "remote", remote.String()),
		events: log.OrNoop(config.EventLogger),
		ctx:    ctx,
		cancel: cancel,
	}
	if config.EventLogger != nil {
		c.frames.observe = c.logFrame
	}
	return c
}

// ID returns the channel identifier.
func (c *StreamChannel) ID() string { return c.id }

// LocalAddr returns the local network address.
func (c *StreamChannel) LocalAddr() net.Addr { return c.local }

// RemoteAddr returns the remote network address.
func (c *StreamChannel) RemoteAddr() net.Addr { return c.remote }

// Streams returns the negotiated stream counts.
func (c *StreamChannel) Streams() (in, out int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in, c.out
}

// handshake exchanges INIT frames with the peer.
func (c *StreamChannel) handshake(ctx context.Context) error {
	deadline := time.Now().Add(c.config.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer c.conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	// Written concurrently with the read: in-memory pipes do not buffer.
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.writeFrame(c.initFrame())
	}()

	f, err := c.frames.readFrame()
	if werr := <-writeErr; werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if f.Type != wire.FrameInit {
		return fmt.Errorf("%w: expected INIT, got %s", ErrHandshake, f.Type)
	}
	return c.applyInit(f)
}

func (c *StreamChannel) initFrame() *wire.Frame {
	return &wire.Frame{
		Type:               wire.FrameInit,
		MaxInboundStreams:  uint16(c.config.Options.MaxInboundStreams),
		MaxOutboundStreams: uint16(c.config.Options.MaxOutboundStreams),
	}
}

func (c *StreamChannel) applyInit(f *wire.Frame) error {
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

// Start begins delivering inbound frames to h.
func (c *StreamChannel) Start(h Handler) error {
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

	if !c.config.KeepAlive.Disabled {
		c.keepAlive = NewKeepAlive(c.config.KeepAlive, c.sendPing, c.keepAliveTimeout)
		c.keepAlive.Start(c.ctx)
	}
	c.mu.Unlock()

	go c.readLoop(h)
	return nil
}

// Send writes a payload as a data frame.
func (c *StreamChannel) Send(p wire.PayloadData) error {
	c.mu.Lock()
	closed, out := c.closed, c.out
	c.mu.Unlock()

	if closed {
		return ErrChannelClosed
	}
	if p.StreamNumber() < 0 || p.StreamNumber() >= out {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidStream, p.StreamNumber(), out)
	}

	data, err := wire.EncodeData(p)
	if err != nil {
		return err
	}
	if err := c.frames.writeRaw(data); err != nil {
		if !errors.Is(err, ErrMessageTooLarge) {
			c.fail(err)
		}
		return err
	}
	return nil
}

// SignalRestart re-sends the INIT frame. The peer reports it through
// Handler.OnRestart.
func (c *StreamChannel) SignalRestart() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	return c.writeFrame(c.initFrame())
}

// Close sends SHUTDOWN and closes the connection. The handler is not called.
func (c *StreamChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ka := c.keepAlive
	c.mu.Unlock()

	if ka != nil {
		ka.Stop()
	}

	c.conn.SetWriteDeadline(time.Now().Add(shutdownWriteTimeout))
	if err := c.writeFrame(&wire.Frame{Type: wire.FrameShutdown}); err == nil {
		c.logControl(log.DirectionOut, &log.ControlMsgEvent{Type: log.ControlMsgShutdown})
	}

	c.cancel()
	err := c.conn.Close()
	c.release()
	return err
}

// fail closes the connection after an I/O error so the read loop reports
// the loss.
func (c *StreamChannel) fail(err error) {
	c.mu.Lock()
	if c.failErr == nil {
		c.failErr = err
	}
	c.mu.Unlock()
	c.conn.Close()
}

func (c *StreamChannel) readLoop(h Handler) {
	for {
		f, err := c.frames.readFrame()
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("%w: peer closed without shutdown", ErrChannelClosed)
			}
			c.finish(h, err)
			return
		}

		switch f.Type {
		case wire.FrameData:
			p, err := wire.PayloadFromFrame(f)
			if err != nil {
				c.finish(h, err)
				return
			}
			h.OnPayload(p)

		case wire.FramePing:
			c.logControl(log.DirectionIn, &log.ControlMsgEvent{Type: log.ControlMsgPing, Sequence: f.Sequence})
			// Answered off the read loop; a pipe peer may be writing to us.
			go c.writeFrame(&wire.Frame{Type: wire.FramePong, Sequence: f.Sequence})

		case wire.FramePong:
			c.mu.Lock()
			ka := c.keepAlive
			c.mu.Unlock()
			if ka != nil {
				ka.PongReceived(f.Sequence)
			}

		case wire.FrameInit:
			if err := c.applyInit(f); err != nil {
				c.finish(h, err)
				return
			}
			c.logger.Debug("peer restarted")
			h.OnRestart()

		case wire.FrameShutdown:
			c.logControl(log.DirectionIn, &log.ControlMsgEvent{Type: log.ControlMsgShutdown})
			c.finish(h, nil)
			return
		}
	}
}

// finish tears the channel down and reports to h unless it was closed
// locally.
func (c *StreamChannel) finish(h Handler, cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.failErr != nil {
		cause = c.failErr
	}
	ka := c.keepAlive
	c.mu.Unlock()

	if ka != nil {
		ka.Stop()
	}
	c.cancel()
	c.conn.Close()
	c.release()

	if cause != nil {
		c.logger.Debug("channel lost", "error", cause)
		c.events.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: c.id,
			Layer:        log.LayerTransport,
			Category:     log.CategoryError,
			RemoteAddr:   c.remote.String(),
			Error: &log.ErrorEventData{
				Layer:   log.LayerTransport,
				Message: cause.Error(),
				Context: "read",
			},
		})
	}
	h.OnClose(cause)
}

func (c *StreamChannel) sendPing(seq uint32) error {
	return c.writeFrame(&wire.Frame{Type: wire.FramePing, Sequence: seq})
}

func (c *StreamChannel) keepAliveTimeout() {
	c.fail(ErrKeepAlive)
}

func (c *StreamChannel) writeFrame(f *wire.Frame) error {
	return c.frames.writeFrame(f)
}

// setOnRelease registers a hook run once when the channel ends.
func (c *StreamChannel) setOnRelease(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRelease = fn
}

func (c *StreamChannel) release() {
	c.mu.Lock()
	fn := c.onRelease
	done := c.released
	c.released = true
	c.mu.Unlock()
	if fn != nil && !done {
		fn()
	}
}

// logFrame captures one raw frame, keeping at most MaxLogFrameDataSize
// bytes of it.
func (c *StreamChannel) logFrame(dir log.Direction, raw []byte) {
	data, truncated := raw, false
	if len(data) > MaxLogFrameDataSize {
		data, truncated = data[:MaxLogFrameDataSize], true
	}
	c.events.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryFrame,
		RemoteAddr:   c.remote.String(),
		Frame: &log.FrameEvent{
			Size:      LengthPrefixSize + len(raw),
			Data:      data,
			Truncated: truncated,
		},
	})
}

func (c *StreamChannel) logControl(dir log.Direction, ev *log.ControlMsgEvent) {
	c.events.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryControl,
		RemoteAddr:   c.remote.String(),
		ControlMsg:   ev,
	})
}
