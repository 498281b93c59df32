package stream

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupJoinAssignsAllPartitionsToSoleMember(t *testing.T) {
	g := newGroup("g1", "orders")
	client := uuid.New()

	gen, assignment := g.join(client, 4)

	assert.Equal(t, uint64(1), gen)
	require.Len(t, assignment, 4)
	for _, po := range assignment {
		assert.Equal(t, uint64(0), po.Offset)
	}
}

func TestGroupRebalanceSplitsPartitionsAcrossMembers(t *testing.T) {
	g := newGroup("g1", "orders")
	a, b := uuid.New(), uuid.New()

	g.join(a, 4)
	gen, _ := g.join(b, 4)

	assert.Equal(t, uint64(2), gen) // second join rebalances again
	snap := g.snapshot()
	total := 0
	seen := make(map[uint32]bool)
	for _, assigned := range snap.Members {
		total += len(assigned)
		for _, p := range assigned {
			assert.False(t, seen[p], "partition assigned to more than one member")
			seen[p] = true
		}
	}
	assert.Equal(t, 4, total)
}

func TestGroupLeaveRebalancesRemainingMembers(t *testing.T) {
	g := newGroup("g1", "orders")
	a, b := uuid.New(), uuid.New()
	g.join(a, 4)
	g.join(b, 4)

	g.leave(a, 4)

	assert.False(t, g.owns(a, 0))
	snap := g.snapshot()
	assigned := snap.Members[b]
	assert.Len(t, assigned, 4)
}

func TestGroupCommitAndCommittedOffset(t *testing.T) {
	g := newGroup("g1", "orders")
	client := uuid.New()
	g.join(client, 2)

	g.commit(0, 42)
	assert.Equal(t, uint64(42), g.committedOffset(0))
}

func TestGroupCheckFenceDetectsStaleGeneration(t *testing.T) {
	g := newGroup("g1", "orders")
	client := uuid.New()
	gen, _ := g.join(client, 2)

	assert.True(t, g.checkFence(gen))

	g.join(uuid.New(), 2) // triggers another rebalance, bumping generation
	assert.False(t, g.checkFence(gen))
}

func TestGroupOwnsReflectsCurrentAssignment(t *testing.T) {
	g := newGroup("g1", "orders")
	client := uuid.New()
	_, assignment := g.join(client, 3)

	for _, po := range assignment {
		assert.True(t, g.owns(client, po.Partition))
	}
	assert.False(t, g.owns(client, 99))
}
