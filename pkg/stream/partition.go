package stream

import (
	"github.com/chris-alexander-pop/msgbroker/pkg/concurrency"
	"github.com/chris-alexander-pop/msgbroker/pkg/stream/persistence"
)

// partition is one ordered shard of a topic's log. Each partition has its
// own read-write lock so independent partitions of the same topic never
// contend with each other; writers (append, evict) take the write lock,
// readers (read, highWatermark) take the read lock.
type partition struct {
	id uint32
	mu *concurrency.SmartRWMutex

	messages    []Message // messages[i] has offset startOffset+i
	startOffset uint64
	nextOffset  uint64
	bytes       int64 // total payload bytes currently held, for retention

	notify chan struct{} // closed and replaced on every append, for long-poll wakeups

	writer *persistence.PartitionWriter // nil when the topic is PersistenceMemory
}

func newPartition(id uint32, writer *persistence.PartitionWriter) *partition {
	return &partition{
		id:     id,
		mu:     concurrency.NewSmartRWMutex(concurrency.MutexConfig{Name: "stream:partition"}),
		notify: make(chan struct{}),
		writer: writer,
	}
}

// append assigns the next offset and timestamp, stores the message, and
// wakes every waiter parked on the previous notify channel.
func (p *partition) append(payload, key []byte) Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := Message{
		Offset:    p.nextOffset,
		Timestamp: nowMs(),
		Payload:   payload,
		Key:       key,
	}
	p.nextOffset++
	p.messages = append(p.messages, msg)
	p.bytes += int64(len(payload))

	if p.writer != nil {
		p.writer.Submit(persistence.OpAppend{Partition: p.id, Offset: msg.Offset, Timestamp: msg.Timestamp, Payload: msg.Payload})
	}

	close(p.notify)
	p.notify = make(chan struct{})
	return msg
}

// read returns messages with offsets in [max(offset, startOffset),
// nextOffset), up to limit, and the channel to wait on if the result is
// empty because offset has caught up to the high watermark.
func (p *partition) read(offset uint64, limit int) ([]Message, chan struct{}) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if offset < p.startOffset {
		offset = p.startOffset
	}
	if offset >= p.nextOffset {
		return nil, p.notify
	}

	start := int(offset - p.startOffset)
	end := len(p.messages)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Message, end-start)
	copy(out, p.messages[start:end])
	return out, nil
}

// restoreFromLog seeds this partition's in-memory state from recovered
// segment records (already CRC-verified and in offset order), used only
// during warm start before the partition accepts any live append.
func (p *partition) restoreFromLog(msgs []Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(msgs) == 0 {
		return
	}
	p.messages = msgs
	p.startOffset = msgs[0].Offset
	p.nextOffset = msgs[len(msgs)-1].Offset + 1
	for _, m := range msgs {
		p.bytes += int64(len(m.Payload))
	}
}

func (p *partition) highWatermark() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextOffset
}

func (p *partition) snapshot() (start, next uint64, size int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.startOffset, p.nextOffset, p.bytes
}

// evictOlderThan drops every message whose timestamp is strictly before
// cutoffMs, advancing startOffset accordingly. Used by the retention sweep.
func (p *partition) evictOlderThan(cutoffMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for n < len(p.messages) && p.messages[n].Timestamp < cutoffMs {
		p.bytes -= int64(len(p.messages[n].Payload))
		n++
	}
	if n == 0 {
		return
	}
	p.messages = p.messages[n:]
	p.startOffset += uint64(n)
}

// evictBytes drops the oldest messages until total retained bytes is at
// most maxBytes, advancing startOffset accordingly.
func (p *partition) evictBytes(maxBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for p.bytes > maxBytes && n < len(p.messages) {
		p.bytes -= int64(len(p.messages[n].Payload))
		n++
	}
	if n == 0 {
		return
	}
	p.messages = p.messages[n:]
	p.startOffset += uint64(n)
}
