package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	cfg := Config{VisibilityTimeoutMs: 50, MaxRetries: 2, TTLMs: 60_000}
	q := newQueue("t", cfg, nil)
	q.startReaper(10 * time.Millisecond)
	t.Cleanup(q.Stop)
	return q
}

func TestPushPopRoundTrip(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("hello"), 0, 0)

	msg := q.Pop()
	require.NotNil(t, msg)
	assert.Equal(t, []byte("hello"), msg.Payload)
	assert.Equal(t, uint32(1), msg.Attempts)
	assert.Equal(t, 1, q.Len())
}

func TestPopEmptyReturnsNil(t *testing.T) {
	q := testQueue(t)
	assert.Nil(t, q.Pop())
}

func TestHigherPriorityPopsFirst(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("low"), 1, 0)
	q.Push([]byte("high"), 9, 0)

	msg := q.Pop()
	require.NotNil(t, msg)
	assert.Equal(t, []byte("high"), msg.Payload)
}

func TestFIFOWithinSamePriority(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("first"), 0, 0)
	q.Push([]byte("second"), 0, 0)

	a := q.Pop()
	b := q.Pop()
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, []byte("first"), a.Payload)
	assert.Equal(t, []byte("second"), b.Payload)
}

func TestAckRemovesMessage(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("x"), 0, 0)
	msg := q.Pop()
	require.NotNil(t, msg)

	q.Ack(msg.ID)
	assert.Equal(t, 0, q.Len())
}

func TestAckUnknownIDIsNoOp(t *testing.T) {
	q := testQueue(t)
	q.Ack(msg(t).ID)
	assert.Equal(t, 0, q.Len())
}

func msg(t *testing.T) *Message {
	t.Helper()
	q := testQueue(t)
	return q.Push([]byte("x"), 0, 0)
}

func TestNackRedispatchesUntilMaxRetries(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("x"), 0, 0)

	first := q.Pop()
	require.NotNil(t, first)
	q.Nack(first.ID, "boom")

	second := q.Pop()
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, uint32(2), second.Attempts)
}

func TestNackMovesToDLQAfterMaxRetries(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("x"), 0, 0)

	msg := q.Pop()
	require.NotNil(t, msg)
	q.Nack(msg.ID, "fail 1")

	msg = q.Pop()
	require.NotNil(t, msg)
	q.Nack(msg.ID, "fail 2")

	assert.Equal(t, 0, q.Len())
	total, items := q.PeekDLQ(0, 10)
	require.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "fail 2", items[0].FailureReason)
}

func TestMoveToQueueResetsAttempts(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("x"), 0, 0)

	m := q.Pop()
	require.NotNil(t, m)
	q.Nack(m.ID, "f1")
	m = q.Pop()
	require.NotNil(t, m)
	q.Nack(m.ID, "f2")

	_, items := q.PeekDLQ(0, 10)
	require.Len(t, items, 1)

	revived, ok := q.MoveToQueue(items[0].ID)
	require.True(t, ok)
	assert.Equal(t, uint32(0), revived.Attempts)

	popped := q.Pop()
	require.NotNil(t, popped)
	assert.Equal(t, items[0].ID, popped.ID)
}

func TestDeleteDLQRemovesEntry(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("x"), 0, 0)
	m := q.Pop()
	q.Nack(m.ID, "f1")
	m = q.Pop()
	q.Nack(m.ID, "f2")

	_, items := q.PeekDLQ(0, 10)
	require.Len(t, items, 1)

	assert.True(t, q.DeleteDLQ(items[0].ID))
	total, _ := q.PeekDLQ(0, 10)
	assert.Equal(t, 0, total)
}

func TestPurgeDLQClearsAll(t *testing.T) {
	q := testQueue(t)
	for i := 0; i < 2; i++ {
		q.Push([]byte("x"), 0, 0)
	}
	for i := 0; i < 2; i++ {
		m := q.Pop()
		q.Nack(m.ID, "f1")
		m = q.Pop()
		q.Nack(m.ID, "f2")
	}
	total, _ := q.PeekDLQ(0, 10)
	require.Equal(t, 2, total)

	q.PurgeDLQ()
	total, _ = q.PeekDLQ(0, 10)
	assert.Equal(t, 0, total)
}

func TestDelayedPushIsNotImmediatelyReady(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("later"), 0, 5000)
	assert.Nil(t, q.Pop())
}

func TestReaperPromotesScheduledMessage(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("soon"), 0, 20)

	require.Eventually(t, func() bool {
		return q.Pop() != nil
	}, time.Second, 5*time.Millisecond)
}

func TestReaperRedispatchesTimedOutInFlight(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("x"), 0, 0)
	first := q.Pop()
	require.NotNil(t, first)

	require.Eventually(t, func() bool {
		m := q.Pop()
		return m != nil && m.ID == first.ID && m.Attempts == 2
	}, time.Second, 5*time.Millisecond)
}

func TestConsumeReturnsImmediatelyWhenReady(t *testing.T) {
	q := testQueue(t)
	q.Push([]byte("a"), 0, 0)
	q.Push([]byte("b"), 0, 0)

	msgs := q.Consume(5, 1000)
	assert.Len(t, msgs, 2)
}

func TestConsumeZeroWaitReturnsEmptyImmediately(t *testing.T) {
	q := testQueue(t)
	msgs := q.Consume(1, 0)
	assert.Empty(t, msgs)
}

func TestConsumeWakesOnPush(t *testing.T) {
	q := testQueue(t)

	done := make(chan []*Message, 1)
	go func() {
		done <- q.Consume(1, 2000)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push([]byte("wake"), 0, 0)

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, []byte("wake"), msgs[0].Payload)
	case <-time.After(time.Second):
		t.Fatal("consume did not wake on push")
	}
}

func TestConsumeTimesOutWithNoMessages(t *testing.T) {
	q := testQueue(t)
	start := time.Now()
	msgs := q.Consume(1, 30)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}
