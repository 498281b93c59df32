package persistence

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/resilience"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type opRequest struct {
	op    Op
	reply chan error // non-nil only in Sync mode
}

// Writer owns one queue's sqlite connection. All access to the database
// happens on the single background goroutine started by NewWriter; Submit
// is the only way in, so there is never more than one writer for a given
// file, matching spec's "no writer is shared across topics or queues".
type Writer struct {
	cfg Config
	db  *gorm.DB
	cb  *resilience.CircuitBreaker

	ops  chan opRequest
	done chan struct{}
}

// NewWriter opens (and migrates) the queue's sqlite file and starts the
// background flush loop. In ModeMemory, no file is opened and Submit/Close
// become no-ops — the queue runs with no durability at all.
func NewWriter(cfg Config) (*Writer, error) {
	w := &Writer{cfg: cfg}
	if cfg.Mode == ModeMemory {
		return w, nil
	}

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open queue db")
	}

	syncMode := "NORMAL"
	if cfg.Mode == ModeSync {
		syncMode = "FULL"
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, errors.Wrap(err, "enable wal")
	}
	if err := db.Exec("PRAGMA synchronous=" + syncMode).Error; err != nil {
		return nil, errors.Wrap(err, "set synchronous pragma")
	}
	if err := db.AutoMigrate(&queueRow{}, &dlqRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate queue schema")
	}

	w.db = db
	w.cb = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("queue-writer"))
	w.ops = make(chan opRequest, 1024)
	w.done = make(chan struct{})
	go w.loop()
	return w, nil
}

// Submit enqueues op. In Sync mode it blocks until the containing
// transaction has committed (or failed) and returns that error. In Async
// mode it returns immediately; a failed flush is logged by the writer and
// the batch is dropped, not surfaced here. In Memory mode it is a no-op.
func (w *Writer) Submit(op Op) error {
	if w.db == nil {
		return nil
	}
	req := opRequest{op: op}
	if w.cfg.Mode == ModeSync {
		req.reply = make(chan error, 1)
	}
	select {
	case w.ops <- req:
	case <-w.done:
		return errors.New(errors.CodeUnavailable, "queue writer is closed", nil)
	}
	if req.reply == nil {
		return nil
	}
	return <-req.reply
}

// Close drains any pending batch and stops the background goroutine.
func (w *Writer) Close() {
	if w.db == nil {
		return
	}
	close(w.ops)
	<-w.done
}

func (w *Writer) loop() {
	defer close(w.done)

	batchSize := w.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 5000
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
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, req := range batch {
				if err := applyOp(tx, req.op); err != nil {
					return err
				}
			}
			return nil
		})
	})
	for _, req := range batch {
		if req.reply != nil {
			req.reply <- err
		}
	}
	if err != nil && w.cfg.Mode == ModeAsync {
		logger.L().Error("queue persistence flush failed, batch dropped", "ops", len(batch), "error", err)
	}
}

func applyOp(tx *gorm.DB, op Op) error {
	switch v := op.(type) {
	case OpInsert:
		return tx.Create(recordToRow(v.Record)).Error
	case OpDelete:
		return tx.Delete(&queueRow{}, "id = ?", idString(v.ID)).Error
	case OpUpdateState:
		return tx.Model(&queueRow{}).Where("id = ?", idString(v.ID)).
			Updates(map[string]any{"visible_at": v.VisibleAt, "attempts": v.Attempts}).Error
	case OpMoveToDLQ:
		if err := tx.Delete(&queueRow{}, "id = ?", idString(v.ID)).Error; err != nil {
			return err
		}
		return tx.Create(dlqRecordToRow(v.DLQ)).Error
	case OpMoveToMain:
		if err := tx.Delete(&dlqRow{}, "id = ?", idString(v.ID)).Error; err != nil {
			return err
		}
		return tx.Create(recordToRow(v.Record)).Error
	case OpDeleteDLQ:
		return tx.Delete(&dlqRow{}, "id = ?", idString(v.ID)).Error
	case OpPurgeDLQ:
		return tx.Where("1 = 1").Delete(&dlqRow{}).Error
	default:
		return errors.New(errors.CodeInternal, "unknown queue persistence op", nil)
	}
}

// Recover reads both tables into memory for warm start. Message state is
// reconstructed by the caller from (visible_at, attempts) using the same
// rules as the live state machine.
func (w *Writer) Recover() ([]Record, []DLQRecord, error) {
	if w.db == nil {
		return nil, nil, nil
	}

	var rows []queueRow
	if err := w.db.Order("visible_at asc, priority desc, created_at asc").Find(&rows).Error; err != nil {
		return nil, nil, errors.Wrap(err, "recover queue rows")
	}
	var dlqRows []dlqRow
	if err := w.db.Find(&dlqRows).Error; err != nil {
		return nil, nil, errors.Wrap(err, "recover dlq rows")
	}

	records := make([]Record, len(rows))
	for i, r := range rows {
		records[i] = rowToRecord(r)
	}
	dlqRecords := make([]DLQRecord, len(dlqRows))
	for i, r := range dlqRows {
		dlqRecords[i] = rowToDLQRecord(r)
	}
	return records, dlqRecords, nil
}

func idString(id [16]byte) string {
	return uuid.UUID(id).String()
}

func recordToRow(r Record) *queueRow {
	return &queueRow{
		ID: idString(r.ID), Payload: r.Payload, Priority: r.Priority,
		VisibleAt: r.VisibleAt, Attempts: r.Attempts, CreatedAt: r.CreatedAt,
		DelayedUntil: r.DelayedUntil,
	}
}

func dlqRecordToRow(r DLQRecord) *dlqRow {
	return &dlqRow{
		ID: idString(r.ID), Payload: r.Payload, Priority: r.Priority,
		Attempts: r.Attempts, CreatedAt: r.CreatedAt, FailedAt: r.FailedAt, Error: r.Reason,
	}
}

func rowToRecord(r queueRow) Record {
	id, _ := uuid.Parse(r.ID)
	return Record{
		ID: [16]byte(id), Payload: r.Payload, Priority: r.Priority,
		VisibleAt: r.VisibleAt, Attempts: r.Attempts, CreatedAt: r.CreatedAt,
		DelayedUntil: r.DelayedUntil,
	}
}

func rowToDLQRecord(r dlqRow) DLQRecord {
	id, _ := uuid.Parse(r.ID)
	return DLQRecord{
		ID: [16]byte(id), Payload: r.Payload, Priority: r.Priority,
		Attempts: r.Attempts, CreatedAt: r.CreatedAt, FailedAt: r.FailedAt, Reason: r.Error,
	}
}
