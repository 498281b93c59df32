package protocol_test

import (
	"encoding/binary"
	"testing"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorReadsFixedWidthFields(t *testing.T) {
	id := uuid.New()
	buf := make([]byte, 0, 1+4+8+16)
	buf = append(buf, 0x7F)
	u32 := make([]byte, 4)
	binary.BigEndian.PutUint32(u32, 123456)
	buf = append(buf, u32...)
	u64 := make([]byte, 8)
	binary.BigEndian.PutUint64(u64, 9999999999)
	buf = append(buf, u64...)
	idBytes, err := id.MarshalBinary()
	require.NoError(t, err)
	buf = append(buf, idBytes...)

	c := protocol.NewCursor(buf)

	b, err := c.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7F), b)

	v32, err := c.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(123456), v32)

	v64, err := c.ReadU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(9999999999), v64)

	gotID, err := c.ReadUUID()
	require.NoError(t, err)
	assert.Equal(t, id, gotID)

	assert.Equal(t, 0, c.Remaining())
}

func TestCursorReadStringRoundTrip(t *testing.T) {
	s := "home/kitchen/temp"
	buf := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(s)))
	copy(buf[4:], s)

	c := protocol.NewCursor(buf)
	got, err := c.ReadString()
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestCursorReadStringRejectsInvalidUTF8(t *testing.T) {
	bad := []byte{0xff, 0xfe, 0xfd}
	buf := make([]byte, 4+len(bad))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(bad)))
	copy(buf[4:], bad)

	c := protocol.NewCursor(buf)
	_, err := c.ReadString()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidUTF8, errors.CodeOf(err))
}

func TestCursorFailsWithTruncatedPayload(t *testing.T) {
	c := protocol.NewCursor([]byte{0x01, 0x02})
	_, err := c.ReadU32()
	require.Error(t, err)
	assert.Equal(t, errors.CodeTruncatedPayload, errors.CodeOf(err))
}

func TestCursorReadRemainingIsCheapSlice(t *testing.T) {
	c := protocol.NewCursor([]byte("hello"))
	_, _ = c.ReadU8()
	rest := c.ReadRemaining()
	assert.Equal(t, []byte("ello"), rest)
	assert.Equal(t, 0, c.Remaining())
}
