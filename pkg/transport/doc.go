// Package transport provides the channels that carry association traffic.
//
// A Transport dials and listens; both produce a Channel, which is one
// established, full-duplex association-level connection with negotiated
// stream counts. Channels report inbound payloads, peer restarts and
// closure to a Handler.
//
// Three transports are provided:
//
//   - SCTPTransport runs the pion/sctp userspace stack over UDP. Streams,
//     ordering and message boundaries are native.
//   - TCPTransport is the degraded substitute. It carries the same
//     semantics over a TCP byte stream using the framed channel below.
//   - MemTransport connects channels over in-process pipes and is used in
//     tests.
//
// # Framed Channel Stack
//
//	┌────────────────────────────────┐
//	│   CBOR frames (wire.Frame)     │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│      TCP / in-memory pipe      │
//	└────────────────────────────────┘
//
// Both ends send an INIT frame carrying their inbound and outbound stream
// limits. The negotiated outbound count is min(local outbound, peer
// inbound) and the inbound count is min(local inbound, peer outbound).
// A later INIT from the peer signals a restart.
//
// # Closing
//
// Close sends a SHUTDOWN frame before closing the socket; the peer reports
// a clean close (Handler.OnClose with a nil error). Any other end of the
// stream, a decode error or a keep-alive timeout is reported with a
// non-nil error. A locally closed channel does not call its Handler.
//
// # Keep-Alive
//
// Framed channels monitor liveness using ping/pong frames:
//   - Ping interval: 30 seconds
//   - Pong timeout: 5 seconds
//   - Max missed pongs: 3
//   - Maximum detection delay: 95 seconds
package transport
