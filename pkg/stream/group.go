package stream

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// member is one consumer group participant.
type member struct {
	assigned []uint32
}

// group is a consumer group bound to exactly one topic. All fields are
// guarded by mu; generation is read/written alongside the rest rather than
// kept as a separate atomic, since every mutation that touches it also
// touches members/committed under the same lock.
type group struct {
	mu sync.Mutex

	id         string
	topic      string
	generation uint64
	committed  map[uint32]uint64 // partition -> offset
	members    map[uuid.UUID]*member
}

func newGroup(id, topic string) *group {
	return &group{
		id:        id,
		topic:     topic,
		committed: make(map[uint32]uint64),
		members:   make(map[uuid.UUID]*member),
	}
}

// join adds clientID as a member (a no-op if already a member) and runs
// rebalance, returning the resulting generation and this client's assigned
// partitions with their committed offsets.
func (g *group) join(clientID uuid.UUID, partitions uint32) (uint64, []PartitionOffset) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[clientID]; !ok {
		g.members[clientID] = &member{}
	}
	g.rebalanceLocked(partitions)
	return g.generation, g.assignmentLocked(clientID)
}

// leave removes clientID and rebalances the remaining members. A no-op if
// clientID was not a member.
func (g *group) leave(clientID uuid.UUID, partitions uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[clientID]; !ok {
		return
	}
	delete(g.members, clientID)
	g.rebalanceLocked(partitions)
}

// rebalanceLocked deterministically reassigns every partition: member ids
// sorted ascending lexicographically, partition p goes to
// members[p % member_count]. Always strictly increments generation, even
// when the assignment happens to come out the same, since a join/leave is
// itself a membership change per spec.
func (g *group) rebalanceLocked(partitions uint32) {
	g.generation++
	ids := make([]string, 0, len(g.members))
	byStr := make(map[string]uuid.UUID, len(g.members))
	for id, m := range g.members {
		m.assigned = m.assigned[:0]
		ids = append(ids, id.String())
		byStr[id.String()] = id
	}
	sort.Strings(ids)

	if len(ids) == 0 {
		return
	}
	for p := uint32(0); p < partitions; p++ {
		owner := byStr[ids[int(p)%len(ids)]]
		g.members[owner].assigned = append(g.members[owner].assigned, p)
	}
}

// PartitionOffset pairs a partition id with its committed offset (0 if
// never committed).
type PartitionOffset struct {
	Partition uint32
	Offset    uint64
}

func (g *group) assignmentLocked(clientID uuid.UUID) []PartitionOffset {
	m, ok := g.members[clientID]
	if !ok {
		return nil
	}
	out := make([]PartitionOffset, len(m.assigned))
	for i, p := range m.assigned {
		out[i] = PartitionOffset{Partition: p, Offset: g.committed[p]}
	}
	return out
}

// owns reports whether clientID currently owns partition, under the
// current generation.
func (g *group) owns(clientID uuid.UUID, partition uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[clientID]
	if !ok {
		return false
	}
	for _, p := range m.assigned {
		if p == partition {
			return true
		}
	}
	return false
}

// checkFence reports whether generation matches the group's current
// generation, the epoch-fencing check shared by commit and fetch.
func (g *group) checkFence(generation uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return generation == g.generation
}

// commit records offset for partition, last-writer-wins, once the caller
// has already verified fencing and ownership.
func (g *group) commit(partition uint32, offset uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.committed[partition] = offset
}

func (g *group) committedOffset(partition uint32) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committed[partition]
}

func (g *group) currentGeneration() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// GroupSnapshot is a point-in-time view of a group's membership and
// committed offsets.
type GroupSnapshot struct {
	ID         string
	Topic      string
	Generation uint64
	Committed  map[uint32]uint64
	Members    map[uuid.UUID][]uint32
}

func (g *group) snapshot() GroupSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := GroupSnapshot{
		ID: g.id, Topic: g.topic, Generation: g.generation,
		Committed: make(map[uint32]uint64, len(g.committed)),
		Members:   make(map[uuid.UUID][]uint32, len(g.members)),
	}
	for p, o := range g.committed {
		snap.Committed[p] = o
	}
	for id, m := range g.members {
		assigned := make([]uint32, len(m.assigned))
		copy(assigned, m.assigned)
		snap.Members[id] = assigned
	}
	return snap
}
