package ordmap_test

import (
	"testing"

	"github.com/chris-alexander-pop/msgbroker/pkg/ordmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	m := ordmap.New[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = m.Delete("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestSetOnExistingKeyPreservesPosition(t *testing.T) {
	m := ordmap.New[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 99) // update, not reinsert

	var order []string
	m.Oldest(func(k string, v int) bool {
		order = append(order, k)
		return true
	})
	assert.Equal(t, []string{"a", "b"}, order)

	v, _ := m.Get("a")
	assert.Equal(t, 99, v)
}

func TestOldestWalksInsertionOrder(t *testing.T) {
	m := ordmap.New[int, string]()
	for i := 0; i < 5; i++ {
		m.Set(i, "v")
	}

	var seen []int
	m.Oldest(func(k int, v string) bool {
		seen = append(seen, k)
		return true
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestPageReturnsNewestFirstWithOffsetAndLimit(t *testing.T) {
	m := ordmap.New[int, string]()
	for i := 0; i < 5; i++ {
		m.Set(i, "v")
	}

	total, items := m.Page(0, 2)
	assert.Equal(t, 5, total)
	assert.Len(t, items, 2)

	_, firstPage := m.Page(0, 10)
	assert.Equal(t, []string{"v", "v", "v", "v", "v"}, firstPage)
}

func TestPageNewestFirstOrderByKeys(t *testing.T) {
	m := ordmap.New[int, int]()
	for i := 0; i < 3; i++ {
		m.Set(i, i)
	}

	_, items := m.Page(0, 10)
	assert.Equal(t, []int{2, 1, 0}, items)
}

func TestDeleteUnlinksMiddleNode(t *testing.T) {
	m := ordmap.New[int, int]()
	m.Set(1, 1)
	m.Set(2, 2)
	m.Set(3, 3)

	m.Delete(2)

	var order []int
	m.Oldest(func(k, v int) bool {
		order = append(order, k)
		return true
	})
	assert.Equal(t, []int{1, 3}, order)
}

func TestClearResetsMap(t *testing.T) {
	m := ordmap.New[int, int]()
	m.Set(1, 1)
	m.Clear()
	assert.Equal(t, 0, m.Len())
	total, items := m.Page(0, 10)
	assert.Equal(t, 0, total)
	assert.Empty(t, items)
}
