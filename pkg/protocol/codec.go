package protocol

import (
	"encoding/binary"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
)

// MaxPayloadLen bounds the accepted payload-len field, guarding against a
// corrupt or hostile peer claiming a multi-gigabyte frame.
const MaxPayloadLen = 64 << 20 // 64 MiB

// Decode attempts to pull one whole frame off the front of buf. It returns
// the frame, the number of bytes consumed, and ok=false if buf does not yet
// hold a complete frame (the caller should read more and retry). The
// returned frame's Payload aliases buf; callers that need to keep it past
// the next Decode call must copy it.
func Decode(buf []byte) (Frame, int, bool, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, false, nil
	}

	payloadLen := binary.BigEndian.Uint32(buf[6:10])
	if payloadLen > MaxPayloadLen {
		return Frame{}, 0, false, errors.New(errors.CodeTruncatedPayload, "frame payload exceeds maximum size", nil)
	}

	total := HeaderSize + int(payloadLen)
	if len(buf) < total {
		return Frame{}, 0, false, nil
	}

	h := Header{
		Type:          buf[0],
		Meta:          buf[1],
		CorrelationID: binary.BigEndian.Uint32(buf[2:6]),
		PayloadLen:    payloadLen,
	}

	return Frame{Header: h, Payload: buf[HeaderSize:total]}, total, true, nil
}

// EncodeResponse serializes a RESPONSE frame for the given correlation id.
// ERR payloads are [len u32 BE][utf8 message]; every other status carries
// its payload verbatim.
func EncodeResponse(id uint32, r Response) []byte {
	var payload []byte
	switch r.Status {
	case StatusErr:
		payload = make([]byte, 4+len(r.Err))
		binary.BigEndian.PutUint32(payload[:4], uint32(len(r.Err)))
		copy(payload[4:], r.Err)
	default:
		payload = r.Payload
	}
	return encodeFrame(TypeResponse, r.Status, id, payload)
}

// EncodePush serializes a PUSH frame. Pushes are not replies to a request;
// id is whatever correlation id the caller wants echoed (typically 0).
func EncodePush(id uint32, pushType byte, payload []byte) []byte {
	return encodeFrame(TypePush, pushType, id, payload)
}

// EncodeRequest serializes a REQUEST frame; used by tests and by any
// in-process client harness exercising the wire format end to end.
func EncodeRequest(id uint32, opcode byte, payload []byte) []byte {
	return encodeFrame(TypeRequest, opcode, id, payload)
}

// EncodePing serializes a PING frame.
func EncodePing(id uint32) []byte {
	return encodeFrame(TypePing, 0, id, nil)
}

func encodeFrame(frameType, meta byte, id uint32, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	out[0] = frameType
	out[1] = meta
	binary.BigEndian.PutUint32(out[2:6], id)
	binary.BigEndian.PutUint32(out[6:10], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}
