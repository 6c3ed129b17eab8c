package workingmem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetUpdatesAccessBookkeeping(t *testing.T) {
	s := New(0, 0)
	s.Set("a", []byte("hello"), 1.0)

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)

	_, _ = s.Get("a")
	item, _ := s.cache.Peek("a")
	assert.Equal(t, int64(2), item.AccessCount)
}

func TestStore_EvictsLowestRetentionScoreFirst(t *testing.T) {
	s := New(2, 0)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.Set("low", []byte("x"), 0.1)
	fixed = fixed.Add(time.Minute)
	s.now = func() time.Time { return fixed }
	s.Set("high", []byte("x"), 10.0)
	fixed = fixed.Add(time.Minute)
	s.now = func() time.Time { return fixed }

	// Inserting a third item over the 2-item ceiling must evict "low", the
	// lowest-priority item, not "high".
	s.Set("newest", []byte("x"), 5.0)

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("low")
	assert.False(t, ok)
	_, ok = s.Get("high")
	assert.True(t, ok)
}

func TestStore_EvictsOnByteCeiling(t *testing.T) {
	s := New(0, 10)
	s.Set("a", []byte("0123456789"), 1.0)
	s.Set("b", []byte("x"), 1.0)

	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("b")
	assert.True(t, ok)
}

func TestStore_DeleteRemovesItem(t *testing.T) {
	s := New(0, 0)
	s.Set("a", []byte("x"), 1.0)
	s.Delete("a")
	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}
