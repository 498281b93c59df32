package stream

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/stream/persistence"
)

// Topic is a named partitioned log. Each partition owns its own lock, so
// concurrent publishes to different partitions never contend.
type Topic struct {
	Name       string
	Config     TopicConfig
	partitions []*partition
	writer     *persistence.Writer // nil when Config.Persistence == PersistenceMemory

	rr atomic.Uint64 // round-robin counter, used when no key is given
}

func newTopic(name string, cfg TopicConfig, writer *persistence.Writer) *Topic {
	t := &Topic{Name: name, Config: cfg, writer: writer}
	t.partitions = make([]*partition, cfg.Partitions)
	for i := range t.partitions {
		var pw *persistence.PartitionWriter
		if writer != nil {
			pw = writer.ForPartition(uint32(i))
		}
		t.partitions[i] = newPartition(uint32(i), pw)
	}
	return t
}

// selectPartition returns the partition index a publish with the given
// (optional) key lands on: hash64(key) mod P if a key is given, otherwise
// round-robin via an atomic counter.
func (t *Topic) selectPartition(key []byte) uint32 {
	p := uint32(len(t.partitions))
	if len(key) > 0 {
		return uint32(xxhash.Sum64(key) % uint64(p))
	}
	return uint32(t.rr.Add(1) % uint64(p))
}

// Publish appends payload to the partition chosen for key (which may be
// nil) and returns the assigned partition id and message.
func (t *Topic) Publish(key, payload []byte) (uint32, Message) {
	p := t.selectPartition(key)
	msg := t.partitions[p].append(payload, key)
	return p, msg
}

// Read returns messages from one partition starting at offset, per the
// partition's own clamp/empty-result rules.
func (t *Topic) Read(partitionID uint32, offset uint64, limit int) ([]Message, chan struct{}, bool) {
	if int(partitionID) >= len(t.partitions) {
		return nil, nil, false
	}
	msgs, wait := t.partitions[partitionID].read(offset, limit)
	return msgs, wait, true
}

// Partitions reports the partition count.
func (t *Topic) Partitions() uint32 {
	return uint32(len(t.partitions))
}

func (t *Topic) partition(id uint32) *partition {
	if int(id) >= len(t.partitions) {
		return nil
	}
	return t.partitions[id]
}

// Close stops the topic's writer, if any.
func (t *Topic) Close() {
	if t.writer != nil {
		t.writer.Close()
	}
}

// submitCommit durably records a consumer-group offset commit to the
// topic's shared commits.log, logging (not propagating) a failure the same
// best-effort way a partition append does.
func (t *Topic) submitCommit(op persistence.OpCommit) {
	if t.writer == nil {
		return
	}
	if err := t.writer.SubmitCommit(op); err != nil {
		logger.L().Error("stream commit persist failed", "topic", t.Name, "error", err)
	}
}

// TopicSnapshot is a point-in-time view of every partition's bounds, used
// by dashboard/snapshot readers.
type TopicSnapshot struct {
	Name       string
	Partitions []PartitionSnapshot
}

type PartitionSnapshot struct {
	ID          uint32
	StartOffset uint64
	NextOffset  uint64
	Bytes       int64
}

func (t *Topic) Snapshot() TopicSnapshot {
	snap := TopicSnapshot{Name: t.Name, Partitions: make([]PartitionSnapshot, len(t.partitions))}
	for i, p := range t.partitions {
		start, next, bytes := p.snapshot()
		snap.Partitions[i] = PartitionSnapshot{ID: p.id, StartOffset: start, NextOffset: next, Bytes: bytes}
	}
	return snap
}
