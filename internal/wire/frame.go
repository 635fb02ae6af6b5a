// Package wire implements the PostgreSQL v3 frame codec: parsing typed and
// startup frames from a byte stream, the primitive field codecs, and the
// backend message builders.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgio"
)

const (
	// ProtocolVersion is v3.0: major 3 in the high 16 bits, minor 0 in the low.
	ProtocolVersionMajor = 3
	ProtocolVersionMinor = 0
	ProtocolVersion      = ProtocolVersionMajor<<16 | ProtocolVersionMinor

	// Special startup request codes (fake version numbers).
	SSLRequestCode    = 80877103
	CancelRequestCode = 80877102
	GSSEncRequestCode = 80877104

	// MaxMessageLength caps any typed frame's declared payload length.
	MaxMessageLength = 1 << 24

	// MaxStartupLength caps the untyped startup frame.
	MaxStartupLength = 10000
)

// Frontend message types.
const (
	MsgQuery     byte = 'Q'
	MsgParse     byte = 'P'
	MsgBind      byte = 'B'
	MsgDescribe  byte = 'D'
	MsgExecute   byte = 'E'
	MsgSync      byte = 'S'
	MsgClose     byte = 'C'
	MsgFlush     byte = 'H'
	MsgTerminate byte = 'X'
	MsgCopyFail  byte = 'f'
	MsgPassword  byte = 'p'
)

// Backend message types.
const (
	MsgAuthentication       byte = 'R'
	MsgParameterStatus      byte = 'S'
	MsgBackendKeyData       byte = 'K'
	MsgReadyForQuery        byte = 'Z'
	MsgRowDescription       byte = 'T'
	MsgDataRow              byte = 'D'
	MsgCommandComplete      byte = 'C'
	MsgEmptyQueryResponse   byte = 'I'
	MsgErrorResponse        byte = 'E'
	MsgNoticeResponse       byte = 'N'
	MsgNotificationResponse byte = 'A'
	MsgParseComplete        byte = '1'
	MsgBindComplete         byte = '2'
	MsgCloseComplete        byte = '3'
	MsgParameterDescription byte = 't'
	MsgNoData               byte = 'n'
	MsgPortalSuspended      byte = 's'
	MsgCopyInResponse       byte = 'G'
	MsgCopyOutResponse      byte = 'H'
)

// Shared by both directions during COPY.
const (
	MsgCopyData byte = 'd'
	MsgCopyDone byte = 'c'
)

// Transaction status bytes reported in ReadyForQuery.
const (
	TxStatusIdle   byte = 'I'
	TxStatusInTx   byte = 'T'
	TxStatusFailed byte = 'E'
)

// ErrIncomplete reports that the buffer does not yet hold a whole frame.
// The parse consumed nothing; the caller should read more bytes and retry.
var ErrIncomplete = errors.New("incomplete frame")

// ErrMalformedLength reports a length field below the protocol minimum.
var ErrMalformedLength = errors.New("malformed frame length")

// ErrFrameTooLarge reports a length field above MaxMessageLength.
var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// Frame is one protocol message. Type is zero for untyped startup frames.
// Payload excludes the type byte and the length field.
type Frame struct {
	Type    byte
	Payload []byte
}

// ParseFrame decodes one typed frame from buf. It returns the frame and the
// number of bytes consumed. When buf holds less than a whole frame it
// returns ErrIncomplete and consumes zero bytes; it never consumes a partial
// frame. The declared length counts itself but not the type byte.
func ParseFrame(buf []byte) (Frame, int, error) {
	if len(buf) < 5 {
		return Frame{}, 0, ErrIncomplete
	}
	length := int(binary.BigEndian.Uint32(buf[1:5]))
	if length < 4 {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrMalformedLength, length)
	}
	if length-4 > MaxMessageLength {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}
	total := 1 + length
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}
	payload := make([]byte, length-4)
	copy(payload, buf[5:total])
	return Frame{Type: buf[0], Payload: payload}, total, nil
}

// ParseStartupFrame decodes one untyped startup-phase frame: a 4-byte
// length (counting itself) followed by the payload. Frame.Type is zero.
func ParseStartupFrame(buf []byte) (Frame, int, error) {
	if len(buf) < 4 {
		return Frame{}, 0, ErrIncomplete
	}
	length := int(binary.BigEndian.Uint32(buf[:4]))
	if length < 8 {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrMalformedLength, length)
	}
	if length > MaxStartupLength {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}
	if len(buf) < length {
		return Frame{}, 0, ErrIncomplete
	}
	payload := make([]byte, length-4)
	copy(payload, buf[4:length])
	return Frame{Payload: payload}, length, nil
}

// AppendFrame appends the encoding of a typed frame to dst.
func AppendFrame(dst []byte, msgType byte, payload []byte) []byte {
	dst = append(dst, msgType)
	dst = pgio.AppendInt32(dst, int32(len(payload)+4))
	return append(dst, payload...)
}

// EncodeFrame encodes a typed frame. EncodeFrame of a ParseFrame result
// reproduces the original bytes.
func EncodeFrame(msgType byte, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, 5+len(payload)), msgType, payload)
}

// EncodeStartupFrame encodes an untyped startup-phase frame.
func EncodeStartupFrame(payload []byte) []byte {
	buf := pgio.AppendInt32(make([]byte, 0, 4+len(payload)), int32(len(payload)+4))
	return append(buf, payload...)
}

// Reader assembles whole frames from an io.Reader. It buffers partial input
// internally so the ParseFrame contract (incomplete means consume nothing)
// holds across short reads.
type Reader struct {
	src       io.Reader
	buf       []byte
	start     int
	totalRead int64
}

// NewReader wraps src in a frame reader.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src, buf: make([]byte, 0, 4096)}
}

// ReadFrame blocks until one whole typed frame is available.
func (r *Reader) ReadFrame() (Frame, error) {
	return r.read(ParseFrame)
}

// ReadStartupFrame blocks until one whole untyped frame is available.
func (r *Reader) ReadStartupFrame() (Frame, error) {
	return r.read(ParseStartupFrame)
}

// TotalRead reports the cumulative bytes read from the source.
func (r *Reader) TotalRead() int64 {
	return r.totalRead
}

func (r *Reader) read(parse func([]byte) (Frame, int, error)) (Frame, error) {
	for {
		frame, n, err := parse(r.buf[r.start:])
		if err == nil {
			r.start += n
			if r.start == len(r.buf) {
				r.buf = r.buf[:0]
				r.start = 0
			}
			return frame, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return Frame{}, err
		}
		if err := r.fill(); err != nil {
			return Frame{}, err
		}
	}
}

// fill reads more bytes from the source, compacting consumed space first.
func (r *Reader) fill() error {
	if r.start > 0 {
		n := copy(r.buf, r.buf[r.start:])
		r.buf = r.buf[:n]
		r.start = 0
	}
	if len(r.buf) == cap(r.buf) {
		grown := make([]byte, len(r.buf), cap(r.buf)*2)
		copy(grown, r.buf)
		r.buf = grown
	}
	chunk := r.buf[len(r.buf):cap(r.buf)]
	n, err := r.src.Read(chunk)
	if n > 0 {
		r.buf = r.buf[:len(r.buf)+n]
		r.totalRead += int64(n)
	}
	if err != nil {
		if err == io.EOF && n > 0 {
			return nil
		}
		return err
	}
	return nil
}
