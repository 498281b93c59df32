// Package engine wires the four brokers (Store, Queue, Pub/Sub, Stream)
// into the single server the session layer and router dispatch against.
package engine

import (
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/pubsub"
	"github.com/chris-alexander-pop/msgbroker/pkg/queue"
	"github.com/chris-alexander-pop/msgbroker/pkg/store"
	"github.com/chris-alexander-pop/msgbroker/pkg/stream"
)

// Config binds the environment variables named in spec §6 to the defaults
// each broker falls back to when a CREATE command's options leave a field
// unset, plus the store's TTL sweep interval and the reaper/retention sweep
// intervals carried over unchanged from their broker-internal defaults.
type Config struct {
	QueueRootPersistencePath string `env:"QUEUE_ROOT_PERSISTENCE_PATH" env-default:"./data/queues"`
	QueueVisibilityMs        int64  `env:"QUEUE_VISIBILITY_MS" env-default:"30000"`
	QueueMaxRetries          uint32 `env:"QUEUE_MAX_RETRIES" env-default:"5"`
	QueueTTLMs               int64  `env:"QUEUE_TTL_MS" env-default:"604800000"`
	QueueDefaultFlushMs      int64  `env:"QUEUE_DEFAULT_FLUSH_MS" env-default:"50"`
	QueueWriterBatchSize     int    `env:"QUEUE_WRITER_BATCH_SIZE" env-default:"5000"`

	StreamRootPersistencePath  string `env:"STREAM_ROOT_PERSISTENCE_PATH" env-default:"./data/streams"`
	StreamPartitions           uint32 `env:"STREAM_PARTITIONS" env-default:"4"`
	StreamMaxSegmentSize       int64  `env:"STREAM_MAX_SEGMENT_SIZE" env-default:"0"`
	StreamDefaultRetentionAge  int64  `env:"STREAM_DEFAULT_RETENTION_AGE_MS" env-default:"0"`
	StreamDefaultRetentionByte int64  `env:"STREAM_DEFAULT_RETENTION_BYTES" env-default:"0"`

	PubSubActorChanCap int64 `env:"PUBSUB_ACTOR_CHAN_CAP" env-default:"4096"`

	QueueReapEveryMs   int64 `env:"QUEUE_REAP_EVERY_MS" env-default:"75"`
	StreamSweepEveryMs int64 `env:"STREAM_SWEEP_EVERY_MS" env-default:"30000"`
	StoreSweepEvery    int64 `env:"STORE_SWEEP_EVERY_MS" env-default:"30000"`
}

// Engine owns every broker manager plus the Pub/Sub push-ceiling constant
// the session layer needs when constructing each connection's sink.
type Engine struct {
	Config Config

	Store  *store.Store
	Queue  *queue.Manager
	PubSub *pubsub.Manager
	Stream *stream.Manager
}

// New builds every broker manager from cfg, applies the configured defaults
// (queue/stream CREATE options fall back onto these), and warm-starts
// persisted queues and topics, then starts the stream retention sweep before
// returning. Queue reaper goroutines are not started here; each starts
// per-queue at Create/recover time.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		Config: cfg,
		Store:  store.New(time.Duration(cfg.StoreSweepEvery) * time.Millisecond),
		Queue:  queue.NewManager(cfg.QueueRootPersistencePath, cfg.QueueReapEveryMs),
		PubSub: pubsub.NewManager(),
		Stream: stream.NewManager(cfg.StreamRootPersistencePath, cfg.StreamSweepEveryMs),
	}

	e.Queue.SetWriterBatchSize(cfg.QueueWriterBatchSize)
	e.Queue.SetDefaultConfig(queue.Config{
		VisibilityTimeoutMs: cfg.QueueVisibilityMs,
		MaxRetries:          cfg.QueueMaxRetries,
		TTLMs:               cfg.QueueTTLMs,
		Persistence:         queue.PersistenceAsync,
		FlushMs:             cfg.QueueDefaultFlushMs,
	})
	e.Stream.SetDefaultTopicConfig(stream.TopicConfig{
		Partitions:  cfg.StreamPartitions,
		Persistence: stream.PersistenceAsync,
		FlushMs:     50,
		Retention: stream.RetentionConfig{
			MaxAgeMs: cfg.StreamDefaultRetentionAge,
			MaxBytes: cfg.StreamDefaultRetentionByte,
		},
	})

	if err := e.Queue.Recover(); err != nil {
		return nil, err
	}
	if err := e.Stream.Recover(); err != nil {
		return nil, err
	}
	e.Stream.Start()

	return e, nil
}

// Close stops every broker's background goroutines and persistence writers.
func (e *Engine) Close() {
	e.Stream.Stop()
	e.Stream.Close()
	e.Queue.Close()
	e.Store.Close()
}
