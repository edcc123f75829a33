package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Socket option defaults.
const (
	DefaultMaxStreams = 32

	// UnfragmentedSize is the largest payload sent when fragmentation is
	// disabled.
	UnfragmentedSize = 1200

	// DefaultHandshakeTimeout bounds stream negotiation on a new channel.
	DefaultHandshakeTimeout = 10 * time.Second
)

// ErrInvalidOptions indicates socket options out of range.
var ErrInvalidOptions = errors.New("invalid socket options")

// SocketOptions is the option bag applied to every channel.
type SocketOptions struct {
	// DisableFragmentation rejects SCTP payloads larger than
	// UnfragmentedSize instead of letting the stack fragment them.
	DisableFragmentation bool `yaml:"disable_fragmentation"`

	// FragmentInterleave is the SCTP fragment interleave level (0, 1 or 2).
	FragmentInterleave int `yaml:"fragment_interleave"`

	// MaxInboundStreams and MaxOutboundStreams are the stream limits
	// offered to the peer.
	MaxInboundStreams  int `yaml:"max_inbound_streams"`
	MaxOutboundStreams int `yaml:"max_outbound_streams"`

	// NoDelay disables Nagle on TCP channels.
	NoDelay bool `yaml:"no_delay"`

	// SendBufferSize and ReceiveBufferSize set the kernel socket buffers
	// (0 keeps the system default).
	SendBufferSize    int `yaml:"send_buffer_size"`
	ReceiveBufferSize int `yaml:"receive_buffer_size"`

	// Linger is the SO_LINGER timeout in seconds; negative disables it.
	Linger int `yaml:"linger"`
}

// DefaultSocketOptions returns the default option bag.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		MaxInboundStreams:  DefaultMaxStreams,
		MaxOutboundStreams: DefaultMaxStreams,
		NoDelay:            true,
		Linger:             -1,
	}
}

// Validate checks option ranges.
func (o SocketOptions) Validate() error {
	if o.FragmentInterleave < 0 || o.FragmentInterleave > 2 {
		return fmt.Errorf("%w: fragment interleave %d", ErrInvalidOptions, o.FragmentInterleave)
	}
	if o.MaxInboundStreams < 1 || o.MaxInboundStreams > 0xFFFF {
		return fmt.Errorf("%w: max inbound streams %d", ErrInvalidOptions, o.MaxInboundStreams)
	}
	if o.MaxOutboundStreams < 1 || o.MaxOutboundStreams > 0xFFFF {
		return fmt.Errorf("%w: max outbound streams %d", ErrInvalidOptions, o.MaxOutboundStreams)
	}
	if o.SendBufferSize < 0 || o.ReceiveBufferSize < 0 {
		return fmt.Errorf("%w: negative buffer size", ErrInvalidOptions)
	}
	return nil
}

// applyTCP sets the options supported by a TCP socket.
func (o SocketOptions) applyTCP(c *net.TCPConn) error {
	if err := c.SetNoDelay(o.NoDelay); err != nil {
		return err
	}
	if o.SendBufferSize > 0 {
		if err := c.SetWriteBuffer(o.SendBufferSize); err != nil {
			return err
		}
	}
	if o.ReceiveBufferSize > 0 {
		if err := c.SetReadBuffer(o.ReceiveBufferSize); err != nil {
			return err
		}
	}
	if o.Linger >= 0 {
		if err := c.SetLinger(o.Linger); err != nil {
			return err
		}
	}
	return nil
}

// negotiateStreams returns the usable stream counts given local and peer
// limits.
func negotiateStreams(localIn, localOut, peerIn, peerOut int) (in, out int) {
	return min(localIn, peerOut), min(localOut, peerIn)
}

// hostPort joins an address and port, accepting an empty address.
func hostPort(addr string, port int) string {
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// SplitAddr returns the IP string and port of a network address.
func SplitAddr(a net.Addr) (string, int) {
	if a == nil {
		return "", 0
	}
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.IP.String(), v.Port
	case *net.UDPAddr:
		return v.IP.String(), v.Port
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
