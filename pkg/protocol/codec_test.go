package protocol_test

import (
	"testing"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	payload := []byte("nexo-test-payload")
	encoded := protocol.EncodeResponse(42, protocol.Data(payload))

	frame, n, ok, err := protocol.Decode(encoded)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, protocol.TypeResponse, frame.Header.Type)
	assert.Equal(t, protocol.StatusData, frame.Header.Meta)
	assert.Equal(t, uint32(42), frame.Header.CorrelationID)
	assert.Equal(t, payload, frame.Payload)
}

func TestEncodeErrResponseCarriesLengthPrefixedMessage(t *testing.T) {
	encoded := protocol.EncodeResponse(7, protocol.Err("boom"))

	frame, _, ok, err := protocol.Decode(encoded)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusErr, frame.Header.Meta)

	c := protocol.NewCursor(frame.Payload)
	msg, err := c.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "boom", msg)
}

func TestDecodeReturnsNotOkOnIncompleteHeader(t *testing.T) {
	buf := make([]byte, protocol.HeaderSize-1)

	_, _, ok, err := protocol.Decode(buf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeReturnsNotOkOnIncompletePayload(t *testing.T) {
	encoded := protocol.EncodeResponse(1, protocol.Data([]byte("hello world")))
	truncated := encoded[:protocol.HeaderSize+1]

	_, _, ok, err := protocol.Decode(truncated)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeRejectsOversizedPayloadLen(t *testing.T) {
	buf := make([]byte, protocol.HeaderSize)
	buf[6], buf[7], buf[8], buf[9] = 0xFF, 0xFF, 0xFF, 0xFF

	_, _, ok, err := protocol.Decode(buf)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, errors.CodeTruncatedPayload, errors.CodeOf(err))
}

func TestDecodeHandlesMultipleFramesBackToBack(t *testing.T) {
	first := protocol.EncodeResponse(1, protocol.OK())
	second := protocol.EncodeResponse(2, protocol.Null())
	buf := append(append([]byte{}, first...), second...)

	f1, n1, ok, err := protocol.Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), f1.Header.CorrelationID)

	f2, n2, ok, err := protocol.Decode(buf[n1:])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), f2.Header.CorrelationID)
	assert.Equal(t, len(buf), n1+n2)
}

func TestEncodePingAndRequest(t *testing.T) {
	ping := protocol.EncodePing(99)
	frame, _, ok, err := protocol.Decode(ping)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, protocol.TypePing, frame.Header.Type)

	req := protocol.EncodeRequest(1, protocol.OpQueuePush, []byte("payload"))
	frame, _, ok, err = protocol.Decode(req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeRequest, frame.Header.Type)
	assert.Equal(t, protocol.OpQueuePush, frame.Header.Meta)
}
