package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sctpmgmt/sctp-go/pkg/log"
	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

// Stream channels carry one CBOR wire.Frame per record, preceded by its
// length as a 4-byte big-endian integer.
const (
	LengthPrefixSize = 4

	// DefaultMaxMessageSize bounds one encoded frame (64 KB).
	DefaultMaxMessageSize = 65536

	// MaxLogFrameDataSize bounds the frame bytes kept in a capture event.
	MaxLogFrameDataSize = 4096
)

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
)

// frameConn reads and writes length-prefixed frames on a byte stream.
// Writes may come from any goroutine; reads belong to one reader at a time.
type frameConn struct {
	r       *bufio.Reader
	w       io.Writer
	maxSize int
	prefix  [LengthPrefixSize]byte

	wmu sync.Mutex

	// observe, when set, sees every raw frame in either direction.
	observe func(dir log.Direction, raw []byte)
}

func newFrameConn(rw io.ReadWriter, maxSize uint32, bufSize int) *frameConn {
	return &frameConn{
		r:       bufio.NewReaderSize(rw, bufSize),
		w:       rw,
		maxSize: int(maxSize),
	}
}

// writeFrame encodes f and writes it as one record.
func (fc *frameConn) writeFrame(f *wire.Frame) error {
	raw, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	return fc.writeRaw(raw)
}

// writeRaw writes an already encoded frame. Prefix and body go out in one
// Write so concurrent writers never interleave.
func (fc *frameConn) writeRaw(raw []byte) error {
	switch {
	case len(raw) == 0:
		return ErrMessageEmpty
	case len(raw) > fc.maxSize:
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(raw), fc.maxSize)
	}

	rec := make([]byte, LengthPrefixSize+len(raw))
	binary.BigEndian.PutUint32(rec, uint32(len(raw)))
	copy(rec[LengthPrefixSize:], raw)

	fc.wmu.Lock()
	_, err := fc.w.Write(rec)
	fc.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	if fc.observe != nil {
		fc.observe(log.DirectionOut, raw)
	}
	return nil
}

// readFrame reads and decodes the next frame. io.EOF is returned unwrapped
// when the stream ends on a record boundary.
func (fc *frameConn) readFrame() (*wire.Frame, error) {
	raw, err := fc.readRaw()
	if err != nil {
		return nil, err
	}
	return wire.DecodeFrame(raw)
}

func (fc *frameConn) readRaw() ([]byte, error) {
	if _, err := io.ReadFull(fc.r, fc.prefix[:]); err != nil {
		switch {
		case err == io.EOF:
			return nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := int(binary.BigEndian.Uint32(fc.prefix[:]))
	switch {
	case n == 0:
		return nil, ErrMessageEmpty
	case n > fc.maxSize:
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, fc.maxSize)
	}

	raw := make([]byte, n)
	if _, err := io.ReadFull(fc.r, raw); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}

	if fc.observe != nil {
		fc.observe(log.DirectionIn, raw)
	}
	return raw, nil
}
