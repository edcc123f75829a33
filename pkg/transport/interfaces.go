package transport

import (
	"context"
	"errors"
	"net"

	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

// Channel errors.
var (
	ErrChannelClosed   = errors.New("channel closed")
	ErrInvalidStream   = errors.New("stream number out of range")
	ErrWouldFragment   = errors.New("payload exceeds unfragmented size")
	ErrReservedPPID    = errors.New("payload protocol id is reserved")
	ErrHandshake       = errors.New("stream negotiation failed")
	ErrKeepAlive       = errors.New("keep-alive timeout")
	ErrListenerClosed  = errors.New("listener closed")
	ErrAlreadyStarted  = errors.New("channel already started")
	ErrAddressRequired = errors.New("address required")
)

// Handler receives channel events. Calls for one channel come from a single
// goroutine and are never concurrent.
type Handler interface {
	// OnPayload is called for every inbound payload.
	OnPayload(p wire.PayloadData)

	// OnRestart is called when the peer restarted the association on the
	// same channel. Stream counts may have changed.
	OnRestart()

	// OnClose is called once when the channel ends for a reason other than
	// a local Close. err is nil for a clean shutdown by the peer.
	OnClose(err error)
}

// Channel is one established association-level connection.
type Channel interface {
	// ID returns a unique identifier for logging.
	ID() string

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// Streams returns the negotiated inbound and outbound stream counts.
	Streams() (in, out int)

	// Start begins delivering inbound events to h. It must be called
	// exactly once; nothing is delivered before it.
	Start(h Handler) error

	// Send writes a payload. It blocks until the payload is handed to the
	// transport.
	Send(p wire.PayloadData) error

	// Close gracefully shuts the channel down. It is idempotent.
	Close() error
}

// Listener accepts inbound channels.
type Listener interface {
	// Accept waits for the next established channel.
	Accept(ctx context.Context) (Channel, error)

	// Addr returns the listen address.
	Addr() net.Addr

	// Close stops listening. Pending Accept calls return ErrListenerClosed.
	Close() error
}

// Transport creates channels of one kind.
type Transport interface {
	// Dial establishes an outbound channel.
	Dial(ctx context.Context, cfg DialConfig) (Channel, error)

	// Listen opens a listener on one local address.
	Listen(ctx context.Context, cfg ListenConfig) (Listener, error)
}

// DialConfig describes an outbound channel.
type DialConfig struct {
	// LocalAddr is the local bind address (empty for any).
	LocalAddr string

	// LocalPort is the local bind port (0 for ephemeral).
	LocalPort int

	// ExtraLocalAddrs are additional local addresses for multi-homing.
	// Transports that are not multi-homed ignore them.
	ExtraLocalAddrs []string

	// PeerAddr and PeerPort identify the remote endpoint.
	PeerAddr string
	PeerPort int
}

// ListenConfig describes one listening address.
type ListenConfig struct {
	Addr string
	Port int
}

// Compile-time interface satisfaction checks.
var (
	_ Channel   = (*StreamChannel)(nil)
	_ Channel   = (*sctpChannel)(nil)
	_ Listener  = (*streamListener)(nil)
	_ Listener  = (*sctpListener)(nil)
	_ Transport = (*TCPTransport)(nil)
	_ Transport = (*SCTPTransport)(nil)
	_ Transport = (*MemTransport)(nil)
)
