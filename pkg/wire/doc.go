// Package wire defines the payload value exchanged between an association
// and its listener, and the CBOR frame format used by the TCP channel.
//
// SCTP carries stream number, payload protocol identifier and the unordered
// flag natively. TCP has none of these, so the TCP channel wraps every
// payload in a Frame with integer keys:
//
//	┌────────────────────────────────┐
//	│   Frame (CBOR, integer keys)   │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// # Frame Types
//
//   - Init: stream counts announced once by each side after connect
//   - Data: one payload chunk
//   - Ping/Pong: keep-alive on otherwise idle TCP associations
//   - Shutdown: graceful close, lets the peer tell a shutdown from a loss
package wire
