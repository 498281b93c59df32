package store_test

import (
	"testing"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDel(t *testing.T) {
	s := store.New(time.Hour)
	defer s.Close()

	s.Set("k1", []byte("v1"), 0)
	v, ok := s.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	s.Del("k1")
	_, ok = s.Get("k1")
	assert.False(t, ok)
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	s := store.New(time.Hour)
	defer s.Close()

	_, ok := s.Get("missing")
	assert.False(t, ok)
}

func TestLazyExpiryOnGet(t *testing.T) {
	s := store.New(time.Hour) // sweeper interval deliberately long; expiry must be caught lazily
	defer s.Close()

	s.Set("k", []byte("v"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestPeriodicSweepRemovesExpiredEntries(t *testing.T) {
	s := store.New(10 * time.Millisecond)
	defer s.Close()

	s.Set("k", []byte("v"), 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestDelOnMissingKeyIsNoOp(t *testing.T) {
	s := store.New(time.Hour)
	defer s.Close()

	s.Del("missing") // must not panic
}

func TestCloseIsIdempotent(t *testing.T) {
	s := store.New(time.Hour)
	s.Close()
	s.Close()
}
