package persistence

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/resilience"
)

type opRequest struct {
	op    Op
	reply chan error // non-nil only in Sync mode
}

type segment struct {
	f *os.File
	w *bufio.Writer
}

// Writer owns one topic's durable log: one append-only segment file per
// partition plus a shared commits.log, all written from a single
// background goroutine, mirroring "no writer is shared across topics or
// queues" and the queue persistence writer's single-goroutine-per-store
// shape.
type Writer struct {
	cfg Config
	cb  *resilience.CircuitBreaker

	segments map[uint32]*segment
	commits  *segment

	ops  chan opRequest
	done chan struct{}
}

// NewWriter creates the topic's persistence directory, opens (or creates)
// every partition's segment file plus commits.log, and starts the flush
// loop. In ModeMemory nothing is opened, Submit and Close become no-ops and
// ForPartition returns nil.
func NewWriter(cfg Config) (*Writer, error) {
	w := &Writer{cfg: cfg}
	if cfg.Mode == ModeMemory {
		return w, nil
	}

	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create stream persistence dir")
	}

	w.segments = make(map[uint32]*segment, cfg.Partitions)
	for p := uint32(0); p < cfg.Partitions; p++ {
		seg, err := openSegment(filepath.Join(cfg.RootDir, fmt.Sprintf("%d.log", p)))
		if err != nil {
			return nil, errors.Wrap(err, "open partition segment")
		}
		w.segments[p] = seg
	}
	commits, err := openSegment(filepath.Join(cfg.RootDir, "commits.log"))
	if err != nil {
		return nil, errors.Wrap(err, "open commits log")
	}
	w.commits = commits

	w.cb = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("stream-writer"))
	w.ops = make(chan opRequest, 1024)
	w.done = make(chan struct{})
	go w.loop()
	return w, nil
}

func openSegment(path string) (*segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &segment{f: f, w: bufio.NewWriter(f)}, nil
}

// Submit enqueues op. In Sync mode it blocks until the op has been written
// and fsynced and returns that error. In Async mode it returns immediately.
// In Memory mode it is a no-op.
func (w *Writer) Submit(op Op) error {
	if w.ops == nil {
		return nil
	}
	req := opRequest{op: op}
	if w.cfg.Mode == ModeSync {
		req.reply = make(chan error, 1)
	}
	select {
	case w.ops <- req:
	case <-w.done:
		return errors.New(errors.CodeUnavailable, "stream writer is closed", nil)
	}
	if req.reply == nil {
		return nil
	}
	return <-req.reply
}

// submitBestEffort is the fire-and-forget path used by a partition's
// append: it logs a failure rather than propagating it, the same
// best-effort durability stance the queue broker takes.
func (w *Writer) submitBestEffort(op Op) {
	if err := w.Submit(op); err != nil {
		logger.L().Error("stream persistence op failed", "error", err)
	}
}

// ForPartition returns the narrow Submit-only view a partition holds.
func (w *Writer) ForPartition(id uint32) *PartitionWriter {
	if w == nil || w.ops == nil {
		return nil
	}
	return &PartitionWriter{w: w}
}

// SubmitCommit durably records a consumer-group offset commit.
func (w *Writer) SubmitCommit(op OpCommit) error {
	return w.Submit(op)
}

// Close drains any pending batch, flushes every segment, and stops the
// background goroutine.
func (w *Writer) Close() {
	if w.ops == nil {
		return
	}
	close(w.ops)
	<-w.done

	for _, seg := range w.segments {
		seg.w.Flush()
		seg.f.Close()
	}
	w.commits.w.Flush()
	w.commits.f.Close()
}

func (w *Writer) loop() {
	defer close(w.done)

	batchSize := w.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	var tick <-chan time.Time
	if w.cfg.Mode == ModeAsync {
		interval := time.Duration(w.cfg.FlushEvery) * time.Millisecond
		if interval <= 0 {
			interval = 50 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var batch []opRequest
	for {
		select {
		case req, ok := <-w.ops:
			if !ok {
				if len(batch) > 0 {
					w.flush(batch)
				}
				return
			}
			batch = append(batch, req)
			if req.reply != nil || len(batch) >= batchSize {
				w.flush(batch)
				batch = nil
			}
		case <-tick:
			if len(batch) > 0 {
				w.flush(batch)
				batch = nil
			}
		}
	}
}

func (w *Writer) flush(batch []opRequest) {
	err := resilience.RetryWithCircuitBreaker(context.Background(), w.cb, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
		touched := make(map[*segment]struct{})
		for _, req := range batch {
			seg, err := w.writeOp(req.op)
			if err != nil {
				return err
			}
			touched[seg] = struct{}{}
		}
		for seg := range touched {
			if err := seg.w.Flush(); err != nil {
				return errors.Wrap(err, "flush stream segment")
			}
			if err := seg.f.Sync(); err != nil {
				return errors.Wrap(err, "sync stream segment")
			}
		}
		return nil
	})
	for _, req := range batch {
		if req.reply != nil {
			req.reply <- err
		}
	}
	if err != nil && w.cfg.Mode == ModeAsync {
		logger.L().Error("stream persistence flush failed, batch dropped", "ops", len(batch), "error", err)
	}
}

func (w *Writer) writeOp(op Op) (*segment, error) {
	switch v := op.(type) {
	case OpAppend:
		seg, ok := w.segments[v.Partition]
		if !ok {
			return nil, errors.New(errors.CodeInternal, "unknown stream partition segment", nil)
		}
		body := encodeAppendBody(v.Offset, v.Timestamp, v.Payload)
		if err := writeFramed(seg.w, body); err != nil {
			return nil, errors.Wrap(err, "write append record")
		}
		return seg, nil
	case OpCommit:
		body := encodeCommitBody(v.Generation, v.Partition, v.Offset, v.GroupID)
		if err := writeFramed(w.commits.w, body); err != nil {
			return nil, errors.Wrap(err, "write commit record")
		}
		return w.commits, nil
	default:
		return nil, errors.New(errors.CodeInternal, "unknown stream persistence op", nil)
	}
}

// writeFramed writes [len:u32 BE][crc32:u32 BE][body], CRC covering
// everything after the CRC field (the body itself).
func writeFramed(w *bufio.Writer, body []byte) error {
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(body))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// encodeAppendBody builds [offset:u64][timestamp:u64][payload].
func encodeAppendBody(offset uint64, timestamp int64, payload []byte) []byte {
	buf := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], offset)
	binary.BigEndian.PutUint64(buf[8:16], uint64(timestamp))
	copy(buf[16:], payload)
	return buf
}

// encodeCommitBody builds [generation:u64][partition:u32][offset:u64]
// [group_len:u16][group_bytes].
func encodeCommitBody(generation uint64, partition uint32, offset uint64, groupID string) []byte {
	buf := make([]byte, 22+len(groupID))
	binary.BigEndian.PutUint64(buf[0:8], generation)
	binary.BigEndian.PutUint32(buf[8:12], partition)
	binary.BigEndian.PutUint64(buf[12:20], offset)
	binary.BigEndian.PutUint16(buf[20:22], uint16(len(groupID)))
	copy(buf[22:], groupID)
	return buf
}
