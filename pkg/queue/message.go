// Package queue implements the work-queue broker: priority delivery, delayed
// scheduling, visibility-timeout retries, and a dead-letter queue, backed by
// a write-ahead persistence writer.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// State is the message's position in the state machine. Ready/InFlight/
// Scheduled are mutually exclusive; Failed is terminal (message has moved
// to the DLQ and is no longer tracked in the registry).
type State int

const (
	StateScheduled State = iota
	StateReady
	StateInFlight
	StateFailed
)

// Message is a single queue entry. VisibleAt is 0 while Ready; DelayedUntil
// is 0 unless the message is Scheduled.
type Message struct {
	ID           uuid.UUID
	Payload      []byte
	Priority     uint8
	Attempts     uint32
	CreatedAt    int64 // ms since epoch
	VisibleAt    int64 // ms since epoch; 0 = ready
	DelayedUntil int64 // ms since epoch; 0 = not scheduled
	State        State
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// PersistenceKind selects how the queue's writer durably records operations.
type PersistenceKind int

const (
	PersistenceMemory PersistenceKind = iota
	PersistenceSync
	PersistenceAsync
)

// Config holds per-queue tunables. Zero values are filled in by
// applyDefaults, mirroring the source's merge_defaults: a field left at its
// zero value falls back to a sane default rather than failing validation.
type Config struct {
	VisibilityTimeoutMs int64
	MaxRetries          uint32
	TTLMs               int64
	DefaultDelayMs      int64
	Persistence         PersistenceKind
	FlushMs             int64 // only meaningful when Persistence == PersistenceAsync
}

// DefaultConfig returns the queue's out-of-the-box tunables.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeoutMs: 30_000,
		MaxRetries:          5,
		TTLMs:               7 * 24 * 60 * 60 * 1000,
		DefaultDelayMs:      0,
		Persistence:         PersistenceAsync,
		FlushMs:             50,
	}
}

// applyDefaults fills zero-valued fields from DefaultConfig, the same
// selective merge the source performs (merge_defaults): it never overrides
// an explicitly-set value, only a missing one.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.VisibilityTimeoutMs == 0 {
		c.VisibilityTimeoutMs = def.VisibilityTimeoutMs
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.TTLMs == 0 {
		c.TTLMs = def.TTLMs
	}
	if c.Persistence == PersistenceAsync && c.FlushMs == 0 {
		c.FlushMs = def.FlushMs
	}
}

// CreateOptions is the JSON options blob carried by a CREATE command.
type CreateOptions struct {
	VisibilityTimeoutMs *int64  `json:"visibilityTimeoutMs"`
	MaxRetries          *uint32 `json:"maxRetries"`
	TTLMs               *int64  `json:"ttlMs"`
	Persistence         *string `json:"persistence"` // "memory" | "file_sync" | "file_async"
}

// ToConfig converts the wire options into a Config, falling back to
// defaults (normally the server's configured defaults, see pkg/engine) for
// any field the caller didn't set.
func (o CreateOptions) ToConfig(defaults Config) Config {
	cfg := defaults
	if o.VisibilityTimeoutMs != nil {
		cfg.VisibilityTimeoutMs = *o.VisibilityTimeoutMs
	}
	if o.MaxRetries != nil {
		cfg.MaxRetries = *o.MaxRetries
	}
	if o.TTLMs != nil {
		cfg.TTLMs = *o.TTLMs
	}
	if o.Persistence != nil {
		switch *o.Persistence {
		case "memory":
			cfg.Persistence = PersistenceMemory
		case "file_sync":
			cfg.Persistence = PersistenceSync
		default:
			cfg.Persistence = PersistenceAsync
		}
	}
	cfg.applyDefaults()
	return cfg
}

// PushOptions is the JSON options blob carried by a PUSH command.
type PushOptions struct {
	Priority *uint8 `json:"priority"`
	DelayMs  *int64 `json:"delayMs"`
}

// ConsumeOptions is the JSON options blob carried by a CONSUME command.
type ConsumeOptions struct {
	BatchSize int   `json:"batchSize"`
	WaitMs    int64 `json:"waitMs"`
}
