// Package stream implements the partitioned append-only log broker:
// per-partition ordered append/read, consumer groups with deterministic
// rebalancing and epoch fencing, and a durable CRC-framed segment log.
package stream

import "time"

// Message is one record in a partition. Offset is assigned by the
// partition at append time and is never reused; Key is optional and only
// used for partition selection, it is not itself stored on replay.
type Message struct {
	Offset    uint64
	Timestamp int64 // ms since epoch
	Payload   []byte
	Key       []byte
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// PersistenceKind selects how a topic's partitions are durably logged.
type PersistenceKind int

const (
	PersistenceMemory PersistenceKind = iota
	PersistenceSync
	PersistenceAsync
)

// RetentionConfig bounds how much of a partition's log is kept. Zero means
// unbounded for that dimension.
type RetentionConfig struct {
	MaxBytes int64
	MaxAgeMs int64
}

// TopicConfig holds a topic's per-topic tunables. Zero values are filled in
// by applyDefaults, the same selective merge the queue config uses.
type TopicConfig struct {
	Partitions  uint32
	Persistence PersistenceKind
	FlushMs     int64 // only meaningful when Persistence == PersistenceAsync
	Retention   RetentionConfig
}

// DefaultTopicConfig returns the broker's out-of-the-box tunables.
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		Partitions:  4,
		Persistence: PersistenceAsync,
		FlushMs:     50,
		Retention: RetentionConfig{
			MaxBytes: 0,
			MaxAgeMs: 0,
		},
	}
}

func (c *TopicConfig) applyDefaults() {
	def := DefaultTopicConfig()
	if c.Partitions == 0 {
		c.Partitions = def.Partitions
	}
	if c.Persistence == PersistenceAsync && c.FlushMs == 0 {
		c.FlushMs = def.FlushMs
	}
}

// CreateOptions is the JSON options blob carried by a Stream CREATE command.
type CreateOptions struct {
	Partitions  *uint32 `json:"partitions"`
	Persistence *string `json:"persistence"` // "memory" | "file_sync" | "file_async"
	Retention   *struct {
		MaxAgeMs *int64 `json:"maxAgeMs"`
		MaxBytes *int64 `json:"maxBytes"`
	} `json:"retention"`
}

// ToConfig converts the wire options into a TopicConfig, falling back to
// defaults (normally the server's configured defaults, see pkg/engine) for
// any field the caller didn't set.
func (o CreateOptions) ToConfig(defaults TopicConfig) TopicConfig {
	cfg := defaults
	if o.Partitions != nil {
		cfg.Partitions = *o.Partitions
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
	if o.Retention != nil {
		if o.Retention.MaxAgeMs != nil {
			cfg.Retention.MaxAgeMs = *o.Retention.MaxAgeMs
		}
		if o.Retention.MaxBytes != nil {
			cfg.Retention.MaxBytes = *o.Retention.MaxBytes
		}
	}
	cfg.applyDefaults()
	return cfg
}

// PublishOptions is the JSON options blob carried by a Stream PUB command.
type PublishOptions struct {
	Key *string `json:"key"`
}
