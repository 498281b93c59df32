package protocol

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/google/uuid"
)

// Cursor is a positional reader over an immutable payload slice. Every read
// fails with CodeTruncatedPayload if too few bytes remain; read-string also
// fails with CodeInvalidUTF8 on malformed bytes. Callers are expected to bail
// out on the first error rather than keep reading from a desynchronized
// cursor.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor wraps payload for sequential reads. payload is not copied.
func NewCursor(payload []byte) *Cursor {
	return &Cursor{buf: payload}
}

func (c *Cursor) need(n int) error {
	if len(c.buf)-c.pos < n {
		return errors.New(errors.CodeTruncatedPayload, "payload ended before expected field", nil)
	}
	return nil
}

// ReadU8 reads a single byte.
func (c *Cursor) ReadU8() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

// ReadU32 reads a big-endian uint32.
func (c *Cursor) ReadU32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos : c.pos+4])
	c.pos += 4
	return v, nil
}

// ReadU64 reads a big-endian uint64.
func (c *Cursor) ReadU64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.buf[c.pos : c.pos+8])
	c.pos += 8
	return v, nil
}

// ReadUUID reads 16 raw bytes and parses them as a UUID.
func (c *Cursor) ReadUUID() (uuid.UUID, error) {
	if err := c.need(16); err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	copy(id[:], c.buf[c.pos:c.pos+16])
	c.pos += 16
	return id, nil
}

// ReadString reads a u32 length prefix followed by that many UTF-8 bytes.
func (c *Cursor) ReadString() (string, error) {
	n, err := c.ReadU32()
	if err != nil {
		return "", err
	}
	if err := c.need(int(n)); err != nil {
		return "", err
	}
	b := c.buf[c.pos : c.pos+int(n)]
	c.pos += int(n)
	if !utf8.Valid(b) {
		return "", errors.New(errors.CodeInvalidUTF8, "string field is not valid utf-8", nil)
	}
	return string(b), nil
}

// ReadBytes reads a u32 length prefix followed by that many raw bytes.
func (c *Cursor) ReadBytes() ([]byte, error) {
	n, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	if err := c.need(int(n)); err != nil {
		return nil, err
	}
	b := c.buf[c.pos : c.pos+int(n)]
	c.pos += int(n)
	return b, nil
}

// ReadRemaining returns everything left in the cursor without advancing
// past the end; it is a cheap slice of the underlying buffer.
func (c *Cursor) ReadRemaining() []byte {
	rest := c.buf[c.pos:]
	c.pos = len(c.buf)
	return rest
}

// Remaining reports how many bytes are left unread.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}
