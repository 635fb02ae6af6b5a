package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jackc/pgio"
)

// ErrTruncatedMessage reports a frame payload that ended mid-field. Unlike
// ErrIncomplete this is a protocol violation: the frame arrived whole but
// its contents do not decode.
var ErrTruncatedMessage = errors.New("truncated message payload")

// Cursor walks a frame payload field by field.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor returns a cursor positioned at the start of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Remaining reports the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// Byte reads one byte.
func (c *Cursor) Byte() (byte, error) {
	if c.Remaining() < 1 {
		return 0, ErrTruncatedMessage
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

// Bytes reads exactly n bytes.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if n < 0 || c.Remaining() < n {
		return nil, ErrTruncatedMessage
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// CString reads a null-terminated UTF-8 string.
func (c *Cursor) CString() (string, error) {
	for i := c.pos; i < len(c.buf); i++ {
		if c.buf[i] == 0 {
			s := string(c.buf[c.pos:i])
			c.pos = i + 1
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unterminated string", ErrTruncatedMessage)
}

// Uint16 reads a big-endian 16-bit unsigned integer.
func (c *Cursor) Uint16() (uint16, error) {
	if c.Remaining() < 2 {
		return 0, ErrTruncatedMessage
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

// Int16 reads a big-endian 16-bit signed integer.
func (c *Cursor) Int16() (int16, error) {
	v, err := c.Uint16()
	return int16(v), err
}

// Uint32 reads a big-endian 32-bit unsigned integer.
func (c *Cursor) Uint32() (uint32, error) {
	if c.Remaining() < 4 {
		return 0, ErrTruncatedMessage
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

// Int32 reads a big-endian 32-bit signed integer.
func (c *Cursor) Int32() (int32, error) {
	v, err := c.Uint32()
	return int32(v), err
}

// ParameterMap reads cstring key/value pairs until an empty key or the end
// of the payload. Startup messages and function-call option lists use this
// layout.
func (c *Cursor) ParameterMap() (map[string]string, error) {
	params := make(map[string]string)
	for c.Remaining() > 1 {
		key, err := c.CString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			return params, nil
		}
		value, err := c.CString()
		if err != nil {
			return nil, err
		}
		params[key] = value
	}
	// Consume the trailing terminator when present.
	if c.Remaining() == 1 {
		c.pos++
	}
	return params, nil
}

// AppendCString appends s and its null terminator to dst.
func AppendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}

// AppendParameterMap appends key/value pairs in the given order followed by
// the empty-key terminator.
func AppendParameterMap(dst []byte, pairs [][2]string) []byte {
	for _, kv := range pairs {
		dst = AppendCString(dst, kv[0])
		dst = AppendCString(dst, kv[1])
	}
	return append(dst, 0)
}

// AppendUint32 appends a big-endian 32-bit unsigned integer.
func AppendUint32(dst []byte, v uint32) []byte {
	return pgio.AppendUint32(dst, v)
}
