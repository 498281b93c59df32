package queue

import (
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/concurrency"
	dsqueue "github.com/chris-alexander-pop/msgbroker/pkg/datastructures/queue"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/queue/persistence"
	"github.com/google/uuid"
)

// internalState is the single-writer state a Queue's mutex guards. All of
// its fields are indexes over registry: the sole owner of the Message
// value. Every other index stores only ids, and may outlive its registry
// entry (lazy cleanup) — any reader that follows an id back to registry and
// finds nothing treats that as "already gone", never an error.
type internalState struct {
	registry  map[uuid.UUID]*Message
	ready     map[uint8][]uuid.UUID // priority -> FIFO of ids
	scheduled *timeIndex            // delayed-until -> ids
	inflight  *timeIndex            // visible-at -> ids
	ttl       *timeIndex            // created-at+ttl -> ids
	parked    *dsqueue.Queue[*waiter]
	dlq       *dlq
}

type waiter struct {
	ch chan *Message
}

func newInternalState() *internalState {
	return &internalState{
		registry:  make(map[uuid.UUID]*Message),
		ready:     make(map[uint8][]uuid.UUID),
		scheduled: newTimeIndex(),
		inflight:  newTimeIndex(),
		ttl:       newTimeIndex(),
		parked:    dsqueue.New[*waiter](),
		dlq:       newDLQ(),
	}
}

// Queue is one declared queue: a single logical actor guarded by a
// short-lived mutex rather than a command channel, exactly the tradeoff
// spec's design notes call out — the reaper needs to sweep three time
// indexes without a channel round trip, so InternalState is protected by a
// mutex held only for the duration of each operation, never across an
// await/blocking point.
type Queue struct {
	Name   string
	Config Config

	mu     *concurrency.SmartMutex
	state  *internalState
	writer *persistence.Writer

	stopReaper chan struct{}
}

func newQueue(name string, cfg Config, writer *persistence.Writer) *Queue {
	cfg.applyDefaults()
	return &Queue{
		Name:       name,
		Config:     cfg,
		mu:         concurrency.NewSmartMutex(concurrency.MutexConfig{Name: "queue:" + name}),
		state:      newInternalState(),
		writer:     writer,
		stopReaper: make(chan struct{}),
	}
}

// startReaper launches the periodic sweep goroutine; see reap().
func (q *Queue) startReaper(interval time.Duration) {
	if interval <= 0 {
		interval = 75 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stopReaper:
				return
			case <-ticker.C:
				q.reap()
			}
		}
	}()
}

// Stop halts the reaper. The writer is closed separately by the manager,
// which owns its lifecycle independent of the actor.
func (q *Queue) Stop() {
	close(q.stopReaper)
}

// Push creates a Message and either schedules it or dispatches it
// immediately, per spec §4.4.1.
func (q *Queue) Push(payload []byte, priority uint8, delayMs int64) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := nowMs()
	effectiveDelay := delayMs
	if effectiveDelay <= 0 && q.Config.DefaultDelayMs > 0 {
		effectiveDelay = q.Config.DefaultDelayMs
	}

	msg := &Message{
		ID: uuid.New(), Payload: payload, Priority: priority,
		CreatedAt: now, State: StateReady,
	}
	var delayedUntil int64
	if effectiveDelay > 0 {
		delayedUntil = now + effectiveDelay
		msg.DelayedUntil = delayedUntil
		msg.State = StateScheduled
	}

	q.state.registry[msg.ID] = msg
	q.state.ttl.add(msg.CreatedAt+q.Config.TTLMs, msg.ID)

	q.submit(persistence.OpInsert{Record: persistence.Record{
		ID: [16]byte(msg.ID), Payload: msg.Payload, Priority: msg.Priority,
		CreatedAt: msg.CreatedAt, DelayedUntil: delayedUntil,
	}})

	if delayedUntil > 0 {
		q.state.scheduled.add(delayedUntil, msg.ID)
	} else {
		q.dispatch(msg.ID, now)
	}
	return msg
}

// dispatch delivers id to a parked consumer if one is waiting, otherwise
// appends it to its priority's ready bucket. Must be called with q.mu held.
func (q *Queue) dispatch(id uuid.UUID, now int64) {
	msg, ok := q.state.registry[id]
	if !ok {
		return
	}
	if now-msg.CreatedAt > q.Config.TTLMs {
		delete(q.state.registry, id)
		return
	}

	if w, ok := q.state.parked.Dequeue(); ok {
		delivered := q.moveToInflight(id, now)
		w.ch <- delivered
		return
	}

	q.state.ready[msg.Priority] = append(q.state.ready[msg.Priority], id)
}

// moveToInflight marks id in-flight: bumps attempts, sets visible-at, and
// indexes it for the reaper. Must be called with q.mu held and id present
// in registry.
func (q *Queue) moveToInflight(id uuid.UUID, now int64) *Message {
	msg := q.state.registry[id]
	msg.State = StateInFlight
	msg.Attempts++
	msg.VisibleAt = now + q.Config.VisibilityTimeoutMs
	q.state.inflight.add(msg.VisibleAt, id)

	q.submit(persistence.OpUpdateState{ID: [16]byte(id), VisibleAt: msg.VisibleAt, Attempts: msg.Attempts})

	cp := *msg
	return &cp
}

// nextReadyID walks priority buckets highest-first, skipping ids whose
// registry entry is missing or TTL-expired (lazy cleanup). Must be called
// with q.mu held.
func (q *Queue) nextReadyID(now int64) (uuid.UUID, bool) {
	for p := 255; p >= 0; p-- {
		bucket := q.state.ready[uint8(p)]
		for len(bucket) > 0 {
			id := bucket[0]
			bucket = bucket[1:]
			q.state.ready[uint8(p)] = bucket

			msg, ok := q.state.registry[id]
			if !ok {
				continue
			}
			if now-msg.CreatedAt > q.Config.TTLMs {
				delete(q.state.registry, id)
				continue
			}
			return id, true
		}
	}
	var zero uuid.UUID
	return zero, false
}

// Pop returns the next ready message without blocking, or nil if none.
func (q *Queue) Pop() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := nowMs()
	id, ok := q.nextReadyID(now)
	if !ok {
		return nil
	}
	return q.moveToInflight(id, now)
}

// Consume returns up to batchSize ready messages. If none are ready and
// waitMs > 0, it parks and resolves as soon as a single message becomes
// available (early-wakeup on first push, not on a full batch — see the
// open-question decision in the design notes) or when waitMs elapses,
// whichever comes first.
func (q *Queue) Consume(batchSize int, waitMs int64) []*Message {
	if batchSize <= 0 {
		batchSize = 1
	}

	q.mu.Lock()
	now := nowMs()
	msgs := make([]*Message, 0, batchSize)
	for len(msgs) < batchSize {
		id, ok := q.nextReadyID(now)
		if !ok {
			break
		}
		msgs = append(msgs, q.moveToInflight(id, now))
	}

	if len(msgs) > 0 || waitMs <= 0 {
		q.mu.Unlock()
		return msgs
	}

	w := &waiter{ch: make(chan *Message, 1)}
	q.state.parked.Enqueue(w)
	q.mu.Unlock()

	select {
	case msg := <-w.ch:
		return []*Message{msg}
	case <-time.After(time.Duration(waitMs) * time.Millisecond):
		q.mu.Lock()
		q.removeParked(w)
		q.mu.Unlock()
		return msgs
	}
}

// removeParked drops w from the parked list if it is still there. Must be
// called with q.mu held. Because dispatch() also dequeues from this FIFO
// under the same lock, a waiter that timed out can never receive a late
// delivery: whichever side reaches the lock first wins.
func (q *Queue) removeParked(w *waiter) {
	q.state.parked.Remove(func(p *waiter) bool { return p == w })
}

// Ack removes id from the registry and from the TTL and in-flight indexes;
// a leftover ready-bucket or scheduled entry is skipped lazily once the id
// is gone from the registry. Idempotent: acking an unknown id is a
// success, matching at-least-once delivery semantics.
func (q *Queue) Ack(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.state.registry[id]
	if !ok {
		return
	}
	delete(q.state.registry, id)
	q.state.ttl.remove(msg.CreatedAt+q.Config.TTLMs, id)
	q.state.inflight.remove(msg.VisibleAt, id)
	q.submit(persistence.OpDelete{ID: [16]byte(id)})
}

// Nack releases id from in-flight. If it has exhausted max-retries it moves
// to the DLQ; otherwise it's redispatched for another attempt.
func (q *Queue) Nack(id uuid.UUID, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.state.registry[id]
	if !ok {
		return
	}
	q.state.inflight.remove(msg.VisibleAt, id)
	now := nowMs()
	if msg.Attempts >= q.Config.MaxRetries {
		q.moveToDLQInternal(msg, reason)
		return
	}
	q.dispatch(id, now)
}

// moveToDLQInternal removes msg from registry and files it under the DLQ.
// Must be called with q.mu held.
func (q *Queue) moveToDLQInternal(msg *Message, reason string) {
	delete(q.state.registry, msg.ID)
	q.state.ttl.remove(msg.CreatedAt+q.Config.TTLMs, msg.ID)
	d := dlqMessageFrom(msg, reason)
	q.state.dlq.push(d)

	q.submit(persistence.OpMoveToDLQ{
		ID: [16]byte(msg.ID),
		DLQ: persistence.DLQRecord{
			ID: [16]byte(d.ID), Payload: d.Payload, Priority: d.Priority,
			Attempts: d.Attempts, CreatedAt: d.CreatedAt, FailedAt: d.FailedAt, Reason: d.FailureReason,
		},
	})
}

// PeekDLQ returns (total, items) newest-first, per spec §4.4.1.
func (q *Queue) PeekDLQ(offset, limit int) (int, []DlqMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.dlq.peek(offset, limit)
}

// MoveToQueue pops a DLQ entry and reinserts it as a fresh Ready message
// with reset attempts — the move-to-queue round-trip law.
func (q *Queue) MoveToQueue(id uuid.UUID) (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.state.dlq.remove(id)
	if !ok {
		return nil, false
	}
	msg := d.toMessage()
	q.state.registry[msg.ID] = msg
	q.state.ttl.add(msg.CreatedAt+q.Config.TTLMs, msg.ID)

	q.submit(persistence.OpMoveToMain{
		ID: [16]byte(id),
		Record: persistence.Record{
			ID: [16]byte(msg.ID), Payload: msg.Payload, Priority: msg.Priority, CreatedAt: msg.CreatedAt,
		},
	})

	q.dispatch(msg.ID, nowMs())
	return msg, true
}

// DeleteDLQ removes a single DLQ entry.
func (q *Queue) DeleteDLQ(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.state.dlq.remove(id)
	if ok {
		q.submit(persistence.OpDeleteDLQ{ID: [16]byte(id)})
	}
	return ok
}

// PurgeDLQ clears every DLQ entry.
func (q *Queue) PurgeDLQ() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.state.dlq.clear()
	q.submit(persistence.OpPurgeDLQ{})
}

// reap runs the periodic sweep described in spec §4.4.4: TTL eviction,
// promoting scheduled messages, and timing out in-flight messages into
// either a retry or the DLQ.
func (q *Queue) reap() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := nowMs()

	for _, id := range q.state.ttl.extractExpired(now) {
		delete(q.state.registry, id)
	}

	for _, id := range q.state.scheduled.extractExpired(now) {
		if _, ok := q.state.registry[id]; ok {
			q.dispatch(id, now)
		}
	}

	for _, id := range q.state.inflight.extractExpired(now) {
		msg, ok := q.state.registry[id]
		if !ok {
			continue
		}
		if msg.Attempts >= q.Config.MaxRetries {
			q.moveToDLQInternal(msg, "visibility timeout exceeded max retries")
		} else {
			q.dispatch(id, now)
		}
	}
}

// submit forwards op to the persistence writer, logging (not propagating) a
// failure in Async mode, matching spec's best-effort durability contract.
// Must be called with q.mu held; Submit() itself never blocks waiting on
// the lock, so this never risks holding the mutex across slow I/O except in
// ModeSync, where spec explicitly requires the caller to observe the
// commit outcome.
func (q *Queue) submit(op persistence.Op) {
	if q.writer == nil {
		return
	}
	if err := q.writer.Submit(op); err != nil {
		logger.L().Error("queue persistence op failed", "queue", q.Name, "error", err)
	}
}

// Len reports the number of live (registry) messages, used by snapshot
// readers and tests; it does not include DLQ entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.state.registry)
}

// Snapshot is a point-in-time read-only summary of a queue, for the
// out-of-scope dashboard/CLI named in spec §1 (the dashboard itself is a
// Non-goal; this accessor is the external interface it would consume).
type Snapshot struct {
	Name        string
	Depth       int // ready, not yet delivered
	InFlight    int
	Scheduled   int
	DLQSize     int
	OldestAgeMs int64 // age of the oldest live message, 0 if empty
}

// Snapshot reports the queue's current depth, in-flight/scheduled counts,
// DLQ size, and the age of its oldest live message.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := 0
	for _, bucket := range q.state.ready {
		depth += len(bucket)
	}

	now := nowMs()
	var oldest int64
	for _, msg := range q.state.registry {
		if oldest == 0 || msg.CreatedAt < oldest {
			oldest = msg.CreatedAt
		}
	}
	var oldestAge int64
	if oldest > 0 {
		oldestAge = now - oldest
	}

	return Snapshot{
		Name:        q.Name,
		Depth:       depth,
		InFlight:    q.state.inflight.len(),
		Scheduled:   q.state.scheduled.len(),
		DLQSize:     q.state.dlq.len(),
		OldestAgeMs: oldestAge,
	}
}
