package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for channel frames.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for channel frames.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient decoding for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Codec errors.
var (
	ErrUnknownFrame = errors.New("unknown frame type")
	ErrBadFrame     = errors.New("malformed frame")
)

// FrameType identifies the kind of a TCP channel frame.
type FrameType uint8

const (
	FrameInit FrameType = iota + 1
	FrameData
	FramePing
	FramePong
	FrameShutdown
)

// String returns the frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameInit:
		return "INIT"
	case FrameData:
		return "DATA"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Frame is the CBOR envelope of the TCP channel.
type Frame struct {
	Type FrameType `cbor:"1,keyasint"`

	// Init
	MaxInboundStreams  uint16 `cbor:"2,keyasint,omitempty"`
	MaxOutboundStreams uint16 `cbor:"3,keyasint,omitempty"`

	// Data
	Stream    uint16 `cbor:"4,keyasint,omitempty"`
	PPID      uint32 `cbor:"5,keyasint,omitempty"`
	Unordered bool   `cbor:"6,keyasint,omitempty"`
	Complete  bool   `cbor:"7,keyasint,omitempty"`
	Data      []byte `cbor:"8,keyasint,omitempty"`

	// Ping/Pong
	Sequence uint32 `cbor:"9,keyasint,omitempty"`
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a new CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a new CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// EncodeFrame encodes a frame to CBOR bytes.
func EncodeFrame(f *Frame) ([]byte, error) {
	if f.Type < FrameInit || f.Type > FrameShutdown {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrame, f.Type)
	}
	return Marshal(f)
}

// DecodeFrame decodes CBOR bytes into a frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.Type < FrameInit || f.Type > FrameShutdown {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrame, f.Type)
	}
	return &f, nil
}

// EncodeData wraps a payload into a data frame.
func EncodeData(p PayloadData) ([]byte, error) {
	if p.StreamNumber() < 0 || p.StreamNumber() > 0xFFFF {
		return nil, fmt.Errorf("%w: stream %d out of range", ErrBadFrame, p.StreamNumber())
	}
	return EncodeFrame(&Frame{
		Type:      FrameData,
		Stream:    uint16(p.StreamNumber()),
		PPID:      p.PayloadProtocolID(),
		Unordered: p.IsUnordered(),
		Complete:  p.IsComplete(),
		Data:      p.data,
	})
}

// PayloadFromFrame converts a data frame back into a payload.
func PayloadFromFrame(f *Frame) (PayloadData, error) {
	if f.Type != FrameData {
		return PayloadData{}, fmt.Errorf("%w: %s is not a data frame", ErrBadFrame, f.Type)
	}
	return NewPayloadData(f.Data, f.Complete, f.Unordered, f.PPID, int(f.Stream)), nil
}
