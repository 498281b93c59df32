package stream

import (
	"path/filepath"
	"testing"

	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerCreateExistsDelete(t *testing.T) {
	m := NewManager(t.TempDir(), 1000)
	require.NoError(t, m.CreateTopic("orders", TopicConfig{Partitions: 2, Persistence: PersistenceMemory}))
	assert.True(t, m.Exists("orders"))

	require.NoError(t, m.DeleteTopic("orders"))
	assert.False(t, m.Exists("orders"))
}

func TestManagerCreateDuplicateFails(t *testing.T) {
	m := NewManager(t.TempDir(), 1000)
	require.NoError(t, m.CreateTopic("orders", TopicConfig{Partitions: 1, Persistence: PersistenceMemory}))
	err := m.CreateTopic("orders", TopicConfig{Partitions: 1, Persistence: PersistenceMemory})
	assert.Error(t, err)
}

func TestManagerPublishRequiresExistingTopic(t *testing.T) {
	m := NewManager(t.TempDir(), 1000)
	_, _, err := m.Publish("nope", nil, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestManagerPublishThenRead(t *testing.T) {
	m := NewManager(t.TempDir(), 1000)
	require.NoError(t, m.CreateTopic("orders", TopicConfig{Partitions: 1, Persistence: PersistenceMemory}))

	_, msg, err := m.Publish("orders", nil, []byte("hi"))
	require.NoError(t, err)

	msgs, _, err := m.Read("orders", 0, 0, 10, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.Payload, msgs[0].Payload)
}

func TestManagerJoinGroupAssignsPartitionsAndCommit(t *testing.T) {
	m := NewManager(t.TempDir(), 1000)
	require.NoError(t, m.CreateTopic("orders", TopicConfig{Partitions: 2, Persistence: PersistenceMemory}))

	client := uuid.New()
	gen, assignment, err := m.JoinGroup("g1", "orders", client)
	require.NoError(t, err)
	require.Len(t, assignment, 2)

	p := assignment[0].Partition
	require.NoError(t, m.CommitOffset("g1", "orders", p, 5, gen, client))

	msgs, err := m.FetchGroup("g1", "orders", client, gen, p, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestManagerCommitOffsetFencedOnStaleGeneration(t *testing.T) {
	m := NewManager(t.TempDir(), 1000)
	require.NoError(t, m.CreateTopic("orders", TopicConfig{Partitions: 1, Persistence: PersistenceMemory}))

	a := uuid.New()
	gen, assignment, err := m.JoinGroup("g1", "orders", a)
	require.NoError(t, err)

	m.JoinGroup("g1", "orders", uuid.New()) // rebalances, bumps generation

	err = m.CommitOffset("g1", "orders", assignment[0].Partition, 1, gen, a)
	require.Error(t, err)
	assert.Equal(t, errors.CodeFenced, errors.CodeOf(err))
}

func TestManagerCommitOffsetRejectsNonOwner(t *testing.T) {
	m := NewManager(t.TempDir(), 1000)
	require.NoError(t, m.CreateTopic("orders", TopicConfig{Partitions: 4, Persistence: PersistenceMemory}))

	a := uuid.New()
	gen, _, err := m.JoinGroup("g1", "orders", a)
	require.NoError(t, err)

	err = m.CommitOffset("g1", "orders", 99, 1, gen, a)
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotOwner, errors.CodeOf(err))
}

func TestManagerDisconnectRebalancesGroups(t *testing.T) {
	m := NewManager(t.TempDir(), 1000)
	require.NoError(t, m.CreateTopic("orders", TopicConfig{Partitions: 2, Persistence: PersistenceMemory}))

	a, b := uuid.New(), uuid.New()
	m.JoinGroup("g1", "orders", a)
	m.JoinGroup("g1", "orders", b)

	m.Disconnect(a)

	g, ok := m.lookupGroup("g1")
	require.True(t, ok)
	assert.False(t, g.owns(a, 0))
	assert.False(t, g.owns(a, 1))
}

func TestManagerRecoverWarmStartsTopicsAndGroups(t *testing.T) {
	dir := t.TempDir()

	m1 := NewManager(dir, 1000)
	require.NoError(t, m1.CreateTopic("orders", TopicConfig{Partitions: 2, Persistence: PersistenceSync}))
	m1.Publish("orders", nil, []byte("hello"))
	client := uuid.New()
	gen, assignment, err := m1.JoinGroup("g1", "orders", client)
	require.NoError(t, err)
	require.NoError(t, m1.CommitOffset("g1", "orders", assignment[0].Partition, 1, gen, client))

	t1, _ := m1.getTopic("orders")
	t1.Close()

	m2 := NewManager(dir, 1000)
	require.NoError(t, m2.Recover())
	assert.True(t, m2.Exists("orders"))

	msgs, _, err := m2.Read("orders", 0, 0, 10, uuid.Nil)
	require.NoError(t, err)

	t2, err := m2.getTopic("orders")
	require.NoError(t, err)
	total := 0
	for i := uint32(0); i < t2.Partitions(); i++ {
		got, _, err := m2.Read("orders", i, 0, 10, uuid.Nil)
		require.NoError(t, err)
		total += len(got)
	}
	assert.GreaterOrEqual(t, total, 1)
	_ = msgs

	g, ok := m2.lookupGroup("g1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), g.committedOffset(assignment[0].Partition))
}

func TestManagerRecoverOnEmptyRootIsNoOp(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "does-not-exist"), 1000)
	assert.NoError(t, m.Recover())
}
