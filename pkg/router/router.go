// Package router maps a REQUEST frame's opcode and payload cursor onto the
// right broker manager call and back onto a wire Response, per spec §4.8: a
// pure function of (opcode, cursor, engine, client-id).
package router

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/engine"
	apperrors "github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/protocol"
	"github.com/chris-alexander-pop/msgbroker/pkg/pubsub"
	"github.com/chris-alexander-pop/msgbroker/pkg/queue"
	"github.com/chris-alexander-pop/msgbroker/pkg/stream"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer instruments every Queue/Pub-Sub/Stream actor command dispatched
// through this router, the one place all three brokers' hot-path commands
// funnel through, the way the teacher's pkg/messaging/instrumented.go wraps
// every Producer/Consumer call with a span.
var tracer = otel.Tracer("pkg/router")

// spanName returns the span name for opcode's broker actor command, and
// false for Store ops and anything else that isn't a Queue/Pub-Sub/Stream
// command worth a trace (spec's tracing scope names those three brokers
// only).
func spanName(opcode byte) (string, bool) {
	switch {
	case opcode >= protocol.OpQueueCreate && opcode <= protocol.OpQueueNack:
		return "router.queue", true
	case opcode >= protocol.OpPubSubPub && opcode <= protocol.OpPubSubUnsub:
		return "router.pubsub", true
	case opcode >= protocol.OpStreamCreate && opcode <= protocol.OpStreamDelete:
		return "router.stream", true
	default:
		return "", false
	}
}

// msToDuration converts a wire millisecond TTL (0 meaning "no expiry") into
// the time.Duration the store's Set expects.
func msToDuration(ms uint64) time.Duration {
	if ms == 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Dispatch runs one REQUEST frame's command against eng on behalf of
// clientID and returns the Response to encode back to the caller. It never
// panics on malformed input — every broker/parse error becomes Response{ERR}.
// Queue/Pub-Sub/Stream opcodes are wrapped in a trace span; Store opcodes and
// unknown opcodes are dispatched untraced.
func Dispatch(ctx context.Context, opcode byte, cur *protocol.Cursor, eng *engine.Engine, clientID uuid.UUID) protocol.Response {
	name, traced := spanName(opcode)
	if !traced {
		return dispatch(opcode, cur, eng, clientID)
	}

	_, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("router.opcode", int(opcode)),
	))
	defer span.End()

	resp := dispatch(opcode, cur, eng, clientID)
	if resp.Status == protocol.StatusErr {
		span.SetStatus(codes.Error, resp.Err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return resp
}

// dispatch is the untraced opcode switch Dispatch wraps.
func dispatch(opcode byte, cur *protocol.Cursor, eng *engine.Engine, clientID uuid.UUID) protocol.Response {
	switch opcode {
	case protocol.OpStoreSet:
		return storeSet(cur, eng)
	case protocol.OpStoreGet:
		return storeGet(cur, eng)
	case protocol.OpStoreDel:
		return storeDel(cur, eng)

	case protocol.OpQueueCreate:
		return queueCreate(cur, eng)
	case protocol.OpQueuePush:
		return queuePush(cur, eng)
	case protocol.OpQueueConsume:
		return queueConsume(cur, eng)
	case protocol.OpQueueAck:
		return queueAck(cur, eng)
	case protocol.OpQueueNack:
		return queueNack(cur, eng)
	case protocol.OpQueueExists:
		return queueExists(cur, eng)
	case protocol.OpQueueDelete:
		return queueDelete(cur, eng)
	case protocol.OpQueuePeekDLQ:
		return queuePeekDLQ(cur, eng)
	case protocol.OpQueueMoveToQueue:
		return queueMoveToQueue(cur, eng)
	case protocol.OpQueueDeleteDLQ:
		return queueDeleteDLQ(cur, eng)
	case protocol.OpQueuePurgeDLQ:
		return queuePurgeDLQ(cur, eng)

	case protocol.OpPubSubPub:
		return pubsubPub(cur, eng)
	case protocol.OpPubSubSub:
		return pubsubSub(cur, eng, clientID)
	case protocol.OpPubSubUnsub:
		return pubsubUnsub(cur, eng, clientID)

	case protocol.OpStreamCreate:
		return streamCreate(cur, eng)
	case protocol.OpStreamPub:
		return streamPub(cur, eng)
	case protocol.OpStreamFetch:
		return streamFetch(cur, eng, clientID)
	case protocol.OpStreamJoin:
		return streamJoin(cur, eng, clientID)
	case protocol.OpStreamCommit:
		return streamCommit(cur, eng, clientID)
	case protocol.OpStreamExists:
		return streamExists(cur, eng)
	case protocol.OpStreamDelete:
		return streamDelete(cur, eng)

	default:
		return errResponse(apperrors.New(apperrors.CodeUnknownOpcode, "unknown opcode", nil))
	}
}

// errResponse renders err as a Response{ERR}, using the AppError message if
// available so clients see a stable, code-prefixed reason.
func errResponse(err error) protocol.Response {
	if ae, ok := err.(*apperrors.AppError); ok {
		return protocol.Err(ae.Code + ": " + ae.Message)
	}
	return protocol.Err(err.Error())
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func lenPrefixedString(s string) []byte {
	b := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(b[:4], uint32(len(s)))
	copy(b[4:], s)
	return b
}

func lenPrefixedBytes(v []byte) []byte {
	b := make([]byte, 4+len(v))
	binary.BigEndian.PutUint32(b[:4], uint32(len(v)))
	copy(b[4:], v)
	return b
}

// --- Store ---

func storeSet(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	key, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	ttlMs, err := cur.ReadU64()
	if err != nil {
		return errResponse(err)
	}
	value := cur.ReadRemaining()
	eng.Store.Set(key, append([]byte(nil), value...), msToDuration(ttlMs))
	return protocol.OK()
}

func storeGet(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	key, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	v, ok := eng.Store.Get(key)
	if !ok {
		return protocol.Null()
	}
	return protocol.Data(v)
}

func storeDel(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	key, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	eng.Store.Del(key)
	return protocol.OK()
}

// --- Queue ---

func queueCreate(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	optsRaw := cur.ReadRemaining()
	var opts queue.CreateOptions
	if err := protocol.ParseOptions(optsRaw, &opts); err != nil {
		return errResponse(err)
	}
	cfg := opts.ToConfig(eng.Queue.DefaultConfig())
	if err := eng.Queue.Create(name, cfg); err != nil {
		return errResponse(err)
	}
	return protocol.OK()
}

func queuePush(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	optsRaw, err := cur.ReadBytes()
	if err != nil {
		return errResponse(err)
	}
	var opts queue.PushOptions
	if err := protocol.ParseOptions(optsRaw, &opts); err != nil {
		return errResponse(err)
	}
	payload := cur.ReadRemaining()

	q, ok := eng.Queue.Get(name)
	if !ok {
		return errResponse(apperrors.New(apperrors.CodeNotFound, "queue not found: "+name, nil))
	}
	var priority uint8
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	var delayMs int64
	if opts.DelayMs != nil {
		delayMs = *opts.DelayMs
	}
	msg := q.Push(append([]byte(nil), payload...), priority, delayMs)
	return protocol.Data(msg.ID[:])
}

func queueConsume(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	optsRaw := cur.ReadRemaining()
	var opts queue.ConsumeOptions
	if err := protocol.ParseOptions(optsRaw, &opts); err != nil {
		return errResponse(err)
	}

	q, ok := eng.Queue.Get(name)
	if !ok {
		return errResponse(apperrors.New(apperrors.CodeNotFound, "queue not found: "+name, nil))
	}
	msgs := q.Consume(opts.BatchSize, opts.WaitMs)
	return protocol.Data(encodeMessages(msgs))
}

func encodeMessages(msgs []*queue.Message) []byte {
	out := u32(uint32(len(msgs)))
	for _, m := range msgs {
		out = append(out, m.ID[:]...)
		out = append(out, m.Priority)
		out = append(out, u32(m.Attempts)...)
		out = append(out, u64(uint64(m.CreatedAt))...)
		out = append(out, lenPrefixedBytes(m.Payload)...)
	}
	return out
}

func queueAck(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	id, err := cur.ReadUUID()
	if err != nil {
		return errResponse(err)
	}
	q, ok := eng.Queue.Get(name)
	if !ok {
		return errResponse(apperrors.New(apperrors.CodeNotFound, "queue not found: "+name, nil))
	}
	q.Ack(id)
	return protocol.OK()
}

func queueNack(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	id, err := cur.ReadUUID()
	if err != nil {
		return errResponse(err)
	}
	reason, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	q, ok := eng.Queue.Get(name)
	if !ok {
		return errResponse(apperrors.New(apperrors.CodeNotFound, "queue not found: "+name, nil))
	}
	q.Nack(id, reason)
	return protocol.OK()
}

func queueExists(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	if !eng.Queue.Exists(name) {
		return protocol.Null()
	}
	return protocol.OK()
}

func queueDelete(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	if err := eng.Queue.Delete(name); err != nil {
		return errResponse(err)
	}
	return protocol.OK()
}

func queuePeekDLQ(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	offset, err := cur.ReadU32()
	if err != nil {
		return errResponse(err)
	}
	limit, err := cur.ReadU32()
	if err != nil {
		return errResponse(err)
	}
	q, ok := eng.Queue.Get(name)
	if !ok {
		return errResponse(apperrors.New(apperrors.CodeNotFound, "queue not found: "+name, nil))
	}
	total, items := q.PeekDLQ(int(offset), int(limit))

	out := u32(uint32(total))
	out = append(out, u32(uint32(len(items)))...)
	for _, d := range items {
		out = append(out, d.ID[:]...)
		out = append(out, d.Priority)
		out = append(out, u32(d.Attempts)...)
		out = append(out, u64(uint64(d.CreatedAt))...)
		out = append(out, u64(uint64(d.FailedAt))...)
		out = append(out, lenPrefixedString(d.FailureReason)...)
		out = append(out, lenPrefixedBytes(d.Payload)...)
	}
	return protocol.Data(out)
}

func queueMoveToQueue(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	id, err := cur.ReadUUID()
	if err != nil {
		return errResponse(err)
	}
	q, ok := eng.Queue.Get(name)
	if !ok {
		return errResponse(apperrors.New(apperrors.CodeNotFound, "queue not found: "+name, nil))
	}
	msg, ok := q.MoveToQueue(id)
	if !ok {
		return protocol.Null()
	}
	return protocol.Data(msg.ID[:])
}

func queueDeleteDLQ(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	id, err := cur.ReadUUID()
	if err != nil {
		return errResponse(err)
	}
	q, ok := eng.Queue.Get(name)
	if !ok {
		return errResponse(apperrors.New(apperrors.CodeNotFound, "queue not found: "+name, nil))
	}
	if !q.DeleteDLQ(id) {
		return protocol.Null()
	}
	return protocol.OK()
}

func queuePurgeDLQ(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	q, ok := eng.Queue.Get(name)
	if !ok {
		return errResponse(apperrors.New(apperrors.CodeNotFound, "queue not found: "+name, nil))
	}
	q.PurgeDLQ()
	return protocol.OK()
}

// --- Pub/Sub ---

func pubsubPub(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	topic, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	optsRaw, err := cur.ReadBytes()
	if err != nil {
		return errResponse(err)
	}
	var opts pubsub.PubOptions
	if err := protocol.ParseOptions(optsRaw, &opts); err != nil {
		return errResponse(err)
	}
	payload := cur.ReadRemaining()

	var retain bool
	if opts.Retain != nil {
		retain = *opts.Retain
	}
	var ttlMs int64
	if opts.TTLSecs != nil {
		ttlMs = *opts.TTLSecs * 1000
	}
	sent := eng.PubSub.Publish(topic, append([]byte(nil), payload...), retain, ttlMs)
	return protocol.Data(u32(uint32(sent)))
}

func pubsubSub(cur *protocol.Cursor, eng *engine.Engine, clientID uuid.UUID) protocol.Response {
	pattern, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	eng.PubSub.Subscribe(clientID, pattern)
	return protocol.OK()
}

func pubsubUnsub(cur *protocol.Cursor, eng *engine.Engine, clientID uuid.UUID) protocol.Response {
	pattern, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	eng.PubSub.Unsubscribe(clientID, pattern)
	return protocol.OK()
}

// --- Stream ---

func streamCreate(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	optsRaw := cur.ReadRemaining()
	var opts stream.CreateOptions
	if err := protocol.ParseOptions(optsRaw, &opts); err != nil {
		return errResponse(err)
	}
	cfg := opts.ToConfig(eng.Stream.DefaultTopicConfig())
	if err := eng.Stream.CreateTopic(name, cfg); err != nil {
		return errResponse(err)
	}
	return protocol.OK()
}

func streamPub(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	optsRaw, err := cur.ReadBytes()
	if err != nil {
		return errResponse(err)
	}
	var opts stream.PublishOptions
	if err := protocol.ParseOptions(optsRaw, &opts); err != nil {
		return errResponse(err)
	}
	payload := cur.ReadRemaining()

	var key []byte
	if opts.Key != nil {
		key = []byte(*opts.Key)
	}
	partition, msg, err := eng.Stream.Publish(name, key, append([]byte(nil), payload...))
	if err != nil {
		return errResponse(err)
	}
	out := u32(partition)
	out = append(out, u64(msg.Offset)...)
	return protocol.Data(out)
}

// streamFetch reads group-id/generation off the cursor alongside the raw
// partition/offset/limit fields so both fetch paths in spec §4.6.2/§4.6.3
// are reachable through the one FETCH opcode: an empty group string means
// "raw fetch" (eng.Stream.Read, no epoch check; clientID is passed through,
// so a client that belongs to a group bound to the topic gets no messages
// from a partition that group has not assigned to it), a non-empty group
// routes through FetchGroup so a stale generation fails with CodeFenced and
// an unowned partition with CodeNotOwner, the same checks COMMIT applies.
func streamFetch(cur *protocol.Cursor, eng *engine.Engine, clientID uuid.UUID) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	group, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	partition, err := cur.ReadU32()
	if err != nil {
		return errResponse(err)
	}
	offset, err := cur.ReadU64()
	if err != nil {
		return errResponse(err)
	}
	limit, err := cur.ReadU32()
	if err != nil {
		return errResponse(err)
	}
	generation, err := cur.ReadU64()
	if err != nil {
		return errResponse(err)
	}

	var msgs []stream.Message
	if group == "" {
		msgs, _, err = eng.Stream.Read(name, partition, offset, int(limit), clientID)
	} else {
		msgs, err = eng.Stream.FetchGroup(group, name, clientID, generation, partition, offset, int(limit))
	}
	if err != nil {
		return errResponse(err)
	}
	return protocol.Data(encodeStreamMessages(msgs))
}

func encodeStreamMessages(msgs []stream.Message) []byte {
	out := u32(uint32(len(msgs)))
	for _, m := range msgs {
		out = append(out, u64(m.Offset)...)
		out = append(out, u64(uint64(m.Timestamp))...)
		out = append(out, lenPrefixedBytes(m.Payload)...)
	}
	return out
}

func streamJoin(cur *protocol.Cursor, eng *engine.Engine, clientID uuid.UUID) protocol.Response {
	group, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	topic, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	generation, assignment, err := eng.Stream.JoinGroup(group, topic, clientID)
	if err != nil {
		return errResponse(err)
	}
	out := u64(generation)
	out = append(out, u32(uint32(len(assignment)))...)
	for _, a := range assignment {
		out = append(out, u32(a.Partition)...)
		out = append(out, u64(a.Offset)...)
	}
	return protocol.Data(out)
}

func streamCommit(cur *protocol.Cursor, eng *engine.Engine, clientID uuid.UUID) protocol.Response {
	group, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	topic, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	partition, err := cur.ReadU32()
	if err != nil {
		return errResponse(err)
	}
	offset, err := cur.ReadU64()
	if err != nil {
		return errResponse(err)
	}
	generation, err := cur.ReadU64()
	if err != nil {
		return errResponse(err)
	}
	if err := eng.Stream.CommitOffset(group, topic, partition, offset, generation, clientID); err != nil {
		return errResponse(err)
	}
	return protocol.OK()
}

func streamExists(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	if !eng.Stream.Exists(name) {
		return protocol.Null()
	}
	return protocol.OK()
}

func streamDelete(cur *protocol.Cursor, eng *engine.Engine) protocol.Response {
	name, err := cur.ReadString()
	if err != nil {
		return errResponse(err)
	}
	if err := eng.Stream.DeleteTopic(name); err != nil {
		return errResponse(err)
	}
	return protocol.OK()
}
