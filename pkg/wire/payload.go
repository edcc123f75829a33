package wire

import (
	"bytes"
	"fmt"
)

// PayloadData is one message chunk crossing the association/listener
// boundary. It is immutable once constructed: the byte slice is copied in
// and every accessor returns a copy.
type PayloadData struct {
	data       []byte
	dataLength int
	complete   bool
	unordered  bool
	ppid       uint32
	stream     int
}

// NewPayloadData creates a payload from data. The declared length is
// len(data).
func NewPayloadData(data []byte, complete, unordered bool, payloadProtocolID uint32, streamNumber int) PayloadData {
	return PayloadData{
		data:       bytes.Clone(data),
		dataLength: len(data),
		complete:   complete,
		unordered:  unordered,
		ppid:       payloadProtocolID,
		stream:     streamNumber,
	}
}

// Data returns a copy of the payload bytes.
func (p PayloadData) Data() []byte {
	return bytes.Clone(p.data)
}

// DataLength returns the declared payload length.
func (p PayloadData) DataLength() int {
	return p.dataLength
}

// IsComplete reports whether this chunk ends a message.
func (p PayloadData) IsComplete() bool {
	return p.complete
}

// IsUnordered reports whether the chunk may be delivered out of order.
func (p PayloadData) IsUnordered() bool {
	return p.unordered
}

// PayloadProtocolID returns the application protocol identifier.
func (p PayloadData) PayloadProtocolID() uint32 {
	return p.ppid
}

// StreamNumber returns the stream the chunk travels on.
func (p PayloadData) StreamNumber() int {
	return p.stream
}

// Equal reports whether two payloads carry the same bytes and metadata.
func (p PayloadData) Equal(o PayloadData) bool {
	return p.dataLength == o.dataLength &&
		p.complete == o.complete &&
		p.unordered == o.unordered &&
		p.ppid == o.ppid &&
		p.stream == o.stream &&
		bytes.Equal(p.data, o.data)
}

// String returns a short description without dumping the payload bytes.
func (p PayloadData) String() string {
	return fmt.Sprintf("PayloadData[len=%d complete=%t unordered=%t ppid=%d stream=%d]",
		p.dataLength, p.complete, p.unordered, p.ppid, p.stream)
}
