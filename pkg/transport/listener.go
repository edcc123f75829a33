package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
)

// acceptBacklog is the number of established channels queued for Accept.
const acceptBacklog = 16

// streamListener accepts connections from a net.Listener-like source and
// performs the INIT exchange before queueing the channel.
type streamListener struct {
	addr    net.Addr
	accept  func() (net.Conn, error)
	closeFn func() error
	setup   func(ctx context.Context, conn net.Conn) (*StreamChannel, error)
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan Channel
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func newStreamListener(addr net.Addr, accept func() (net.Conn, error), closeFn func() error,
	setup func(ctx context.Context, conn net.Conn) (*StreamChannel, error), logger *slog.Logger) *streamListener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &streamListener{
		addr:    addr,
		accept:  accept,
		closeFn: closeFn,
		setup:   setup,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan Channel, acceptBacklog),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l
}

// Addr returns the listen address.
func (l *streamListener) Addr() net.Addr { return l.addr }

// Accept waits for the next negotiated channel.
func (l *streamListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.ready:
		return ch, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting and closes channels not yet handed out.
func (l *streamListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.closeFn()
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

// acceptLoop accepts incoming connections.
func (l *streamListener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.accept()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.logger.Debug("accept error", "addr", l.addr.String(), "error", err)
			continue
		}

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

// handleConnection negotiates one inbound connection.
func (l *streamListener) handleConnection(conn net.Conn) {
	defer l.wg.Done()

	ch, err := l.setup(l.ctx, conn)
	if err != nil {
		conn.Close()
		l.logger.Debug("inbound handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	select {
	case l.ready <- ch:
	case <-l.ctx.Done():
		ch.Close()
	}
}
