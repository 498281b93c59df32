package queue

import (
	"github.com/chris-alexander-pop/msgbroker/pkg/ordmap"
	"github.com/google/uuid"
)

// DlqMessage is a message that exhausted its retries. Attempts/CreatedAt
// are carried over from the original Message for diagnostics.
type DlqMessage struct {
	ID            uuid.UUID
	Payload       []byte
	Priority      uint8
	Attempts      uint32
	CreatedAt     int64
	FailedAt      int64
	FailureReason string
}

func dlqMessageFrom(m *Message, reason string) DlqMessage {
	return DlqMessage{
		ID: m.ID, Payload: m.Payload, Priority: m.Priority, Attempts: m.Attempts,
		CreatedAt: m.CreatedAt, FailedAt: nowMs(), FailureReason: reason,
	}
}

// toMessage replays a DLQ entry back into a fresh Ready message with reset
// attempts, per the move-to-queue law: identical payload, attempts=0.
func (d DlqMessage) toMessage() *Message {
	return &Message{
		ID: d.ID, Payload: d.Payload, Priority: d.Priority,
		Attempts: 0, CreatedAt: d.CreatedAt, VisibleAt: 0, State: StateReady,
	}
}

// dlq wraps an insertion-ordered map so peek-dlq can page newest-first
// (spec §4.4.1) while move-to-queue/delete stay O(1).
type dlq struct {
	messages *ordmap.Map[uuid.UUID, DlqMessage]
}

func newDLQ() *dlq {
	return &dlq{messages: ordmap.New[uuid.UUID, DlqMessage]()}
}

func (d *dlq) push(msg DlqMessage) {
	d.messages.Set(msg.ID, msg)
}

func (d *dlq) remove(id uuid.UUID) (DlqMessage, bool) {
	return d.messages.Delete(id)
}

func (d *dlq) clear() {
	d.messages.Clear()
}

func (d *dlq) len() int {
	return d.messages.Len()
}

// peek returns (total, items) in newest-first order, per spec.
func (d *dlq) peek(offset, limit int) (int, []DlqMessage) {
	return d.messages.Page(offset, limit)
}
