package logger

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"sync"
)

// AsyncHandler buffers records on a channel and writes them from a single
// background goroutine, so that Handle never blocks the caller on slow
// output (disk, network). Records are dropped (not blocked) once the buffer
// is full when dropOnFull is true; otherwise Handle blocks like any
// unbuffered handler once the channel fills up.
type AsyncHandler struct {
	next      slog.Handler
	recs      chan asyncRecord
	dropFull  bool
	closeOnce sync.Once
	done      chan struct{}
}

type asyncRecord struct {
	ctx context.Context
	r   slog.Record
}

// NewAsyncHandler wraps next so writes happen off the caller's goroutine.
func NewAsyncHandler(next slog.Handler, bufferSize int, dropOnFull bool) *AsyncHandler {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	h := &AsyncHandler{
		next:     next,
		recs:     make(chan asyncRecord, bufferSize),
		dropFull: dropOnFull,
		done:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *AsyncHandler) loop() {
	defer close(h.done)
	for ar := range h.recs {
		_ = h.next.Handle(ar.ctx, ar.r)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	ar := asyncRecord{ctx: ctx, r: r.Clone()}
	if h.dropFull {
		select {
		case h.recs <- ar:
		default:
			// Buffer full: drop rather than block the producer.
		}
		return nil
	}
	h.recs <- ar
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{next: h.next.WithAttrs(attrs), recs: h.recs, dropFull: h.dropFull, done: h.done}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{next: h.next.WithGroup(name), recs: h.recs, dropFull: h.dropFull, done: h.done}
}

// Close drains and stops the background goroutine. Not part of slog.Handler;
// callers that own the top-level handler may call this during shutdown.
func (h *AsyncHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.recs)
	})
	<-h.done
}

// SamplingHandler drops a fraction of records before they reach next, to cap
// logging volume in hot loops. Errors and warnings always pass through.
type SamplingHandler struct {
	next slog.Handler
	rate float64
}

// NewSamplingHandler samples records at the given rate in [0,1].
func NewSamplingHandler(next slog.Handler, rate float64) *SamplingHandler {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &SamplingHandler{next: next, rate: rate}
}

func (h *SamplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SamplingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn || rand.Float64() < h.rate {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *SamplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SamplingHandler{next: h.next.WithAttrs(attrs), rate: h.rate}
}

func (h *SamplingHandler) WithGroup(name string) slog.Handler {
	return &SamplingHandler{next: h.next.WithGroup(name), rate: h.rate}
}

// RedactHandler scrubs attribute values that look like emails or payment
// card numbers before they reach next. It's intentionally conservative:
// false positives (over-redaction) are cheaper than leaking PII.
type RedactHandler struct {
	next slog.Handler
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
)

// NewRedactHandler wraps next with PII redaction on string attribute values.
func NewRedactHandler(next slog.Handler) *RedactHandler {
	return &RedactHandler{next: next}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, nr)
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	if emailPattern.MatchString(s) {
		return slog.String(a.Key, emailPattern.ReplaceAllString(s, "[REDACTED_EMAIL]"))
	}
	if cardPattern.MatchString(s) {
		return slog.String(a.Key, cardPattern.ReplaceAllString(s, "[REDACTED_CARD]"))
	}
	return a
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactHandler{next: h.next.WithAttrs(redacted)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{next: h.next.WithGroup(name)}
}
