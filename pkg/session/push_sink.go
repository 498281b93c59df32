package session

import (
	"github.com/chris-alexander-pop/msgbroker/pkg/concurrency"
)

// pushSink implements pubsub.Sink over a bounded channel drained by the
// connection's bridge goroutine. Push never blocks the publisher (spec §5):
// admission is gated by a semaphore sized to the server's configured safety
// ceiling, and Push reports false once that ceiling is crossed so the
// manager can drop the slow client rather than stall delivery to everyone
// else.
type pushSink struct {
	sem *concurrency.Semaphore
	out chan []byte
}

func newPushSink(capacity int64) *pushSink {
	return &pushSink{
		sem: concurrency.NewSemaphore(capacity),
		out: make(chan []byte, capacity),
	}
}

// Push admits payload if the outstanding-item ceiling isn't already
// crossed. The permit is released by the bridge goroutine once the push has
// been handed to the connection's writer goroutine (or dropped on shutdown).
func (p *pushSink) Push(payload []byte) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	select {
	case p.out <- payload:
		return true
	default:
		p.sem.Release(1)
		return false
	}
}

// close drains no further pushes; the bridge goroutine exits when it
// observes the channel closed.
func (p *pushSink) close() {
	close(p.out)
}
