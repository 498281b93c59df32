package queue

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/queue/persistence"
	"github.com/google/uuid"
)

// Manager owns every declared queue's actor and persistence writer, keyed by
// name. It is the broker-facing entry point: the router calls through it
// rather than touching a Queue directly, mirroring how the source keeps one
// map of named actors per broker rather than letting callers reach into
// actor internals.
type Manager struct {
	mu              sync.RWMutex
	queues          map[string]*Queue
	rootDir         string
	reapEveryMs     int64
	defaults        Config
	writerBatchSize int
}

// NewManager constructs an empty manager rooted at rootDir, where
// file_sync/file_async queues each get their own "<name>.db" file.
func NewManager(rootDir string, reapEveryMs int64) *Manager {
	return &Manager{
		queues:          make(map[string]*Queue),
		rootDir:         rootDir,
		reapEveryMs:     reapEveryMs,
		defaults:        DefaultConfig(),
		writerBatchSize: 5000,
	}
}

// SetWriterBatchSize overrides the number of buffered writes an async
// persistence writer accumulates before flushing, normally populated from
// QUEUE_WRITER_BATCH_SIZE at startup.
func (m *Manager) SetWriterBatchSize(n int) {
	m.mu.Lock()
	m.writerBatchSize = n
	m.mu.Unlock()
}

// SetDefaultConfig overrides the Config CREATE options are merged onto when a
// field is left unset, normally populated from the server's environment
// configuration (QUEUE_VISIBILITY_MS, QUEUE_MAX_RETRIES, QUEUE_TTL_MS,
// QUEUE_DEFAULT_FLUSH_MS) at startup, before any queue is declared.
func (m *Manager) SetDefaultConfig(cfg Config) {
	cfg.applyDefaults()
	m.mu.Lock()
	m.defaults = cfg
	m.mu.Unlock()
}

// DefaultConfig returns the Config new queues fall back to.
func (m *Manager) DefaultConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaults
}

// Recover scans rootDir for existing queue database files and warm-starts
// each one: re-declaring the queue with its persisted rows reloaded into
// registry/ready/scheduled/inflight/ttl indexes, exactly as a fresh push or
// consume would leave them, before the server accepts any command.
func (m *Manager) Recover() error {
	entries, err := os.ReadDir(m.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read queue persistence root")
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".db" {
			continue
		}
		name := entry.Name()[:len(entry.Name())-len(".db")]
		if err := m.recoverOne(name); err != nil {
			return errors.Wrap(err, "recover queue "+name)
		}
	}
	return nil
}

func (m *Manager) recoverOne(name string) error {
	cfg := DefaultConfig()
	cfg.Persistence = PersistenceSync
	q, err := m.openQueue(name, cfg)
	if err != nil {
		return err
	}

	records, dlqRecords, err := q.writer.Recover()
	if err != nil {
		return err
	}
	q.mu.Lock()
	now := nowMs()
	for _, r := range records {
		msg := &Message{
			ID: uuid.UUID(r.ID), Payload: r.Payload, Priority: r.Priority,
			Attempts: r.Attempts, CreatedAt: r.CreatedAt, VisibleAt: r.VisibleAt,
			DelayedUntil: r.DelayedUntil,
		}
		q.state.registry[msg.ID] = msg
		q.state.ttl.add(msg.CreatedAt+cfg.TTLMs, msg.ID)
		switch {
		case r.DelayedUntil > 0 && r.DelayedUntil > now:
			msg.State = StateScheduled
			q.state.scheduled.add(r.DelayedUntil, msg.ID)
		case r.VisibleAt > 0:
			msg.State = StateInFlight
			q.state.inflight.add(r.VisibleAt, msg.ID)
		default:
			msg.State = StateReady
			q.state.ready[msg.Priority] = append(q.state.ready[msg.Priority], msg.ID)
		}
	}
	for _, r := range dlqRecords {
		q.state.dlq.push(DlqMessage{
			ID: uuid.UUID(r.ID), Payload: r.Payload, Priority: r.Priority,
			Attempts: r.Attempts, CreatedAt: r.CreatedAt, FailedAt: r.FailedAt, FailureReason: r.Reason,
		})
	}
	q.mu.Unlock()

	q.startReaper(m.reapInterval())
	m.mu.Lock()
	m.queues[name] = q
	m.mu.Unlock()

	logger.L().Info("recovered queue", "queue", name, "messages", len(records), "dlq", len(dlqRecords))
	return nil
}

// Create declares a new queue. Returns AlreadyExists if name is taken.
func (m *Manager) Create(name string, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[name]; ok {
		return errors.New(errors.CodeAlreadyExists, "queue already exists: "+name, nil)
	}

	q, err := m.openQueue(name, cfg)
	if err != nil {
		return err
	}
	q.startReaper(m.reapInterval())
	m.queues[name] = q
	return nil
}

// openQueue builds a Queue with a persistence writer appropriate to
// cfg.Persistence, but does not register it or start its reaper — used by
// both Create and recoverOne.
func (m *Manager) openQueue(name string, cfg Config) (*Queue, error) {
	var pcfg persistence.Config
	switch cfg.Persistence {
	case PersistenceMemory:
		pcfg.Mode = persistence.ModeMemory
	case PersistenceSync:
		pcfg.Mode = persistence.ModeSync
		pcfg.DBPath = m.dbPath(name)
	default:
		pcfg.Mode = persistence.ModeAsync
		pcfg.DBPath = m.dbPath(name)
		pcfg.FlushEvery = cfg.FlushMs
		m.mu.RLock()
		pcfg.BatchSize = m.writerBatchSize
		m.mu.RUnlock()
	}

	writer, err := persistence.NewWriter(pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "open queue persistence")
	}
	return newQueue(name, cfg, writer), nil
}

func (m *Manager) dbPath(name string) string {
	return filepath.Join(m.rootDir, name+".db")
}

func (m *Manager) reapInterval() time.Duration {
	return time.Duration(m.reapEveryMs) * time.Millisecond
}

// Close stops every declared queue's reaper and persistence writer, used on
// server shutdown. It does not remove any persisted file.
func (m *Manager) Close() {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.Stop()
		q.writer.Close()
	}
}

// Get returns the named queue, or (nil, false) if it does not exist.
func (m *Manager) Get(name string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Exists reports whether name has been declared.
func (m *Manager) Exists(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Delete stops the queue's actor and writer and drops its persisted file,
// if any.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	if ok {
		delete(m.queues, name)
	}
	m.mu.Unlock()

	if !ok {
		return errors.New(errors.CodeNotFound, "queue not found: "+name, nil)
	}

	q.Stop()
	q.writer.Close()

	path := m.dbPath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove queue db file")
	}
	return nil
}
