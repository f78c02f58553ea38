package h2mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolAccounting(t *testing.T) {
	pool := NewBufferPool()

	small := pool.Get(10)
	large := pool.Get(100 << 10)
	assert.Len(t, small.Bytes(), 10)
	assert.Len(t, large.Bytes(), 100<<10)
	assert.Equal(t, int64(2), pool.Outstanding())

	require.NoError(t, small.Release())
	require.NoError(t, large.Release())
	assert.Zero(t, pool.Outstanding())
}

func TestBufferDoubleRelease(t *testing.T) {
	pool := NewBufferPool()
	b := pool.Get(32)
	copy(b.Bytes(), "payload")

	require.NoError(t, b.Release())
	assert.True(t, b.Released())
	assert.Nil(t, b.Bytes())
	assert.Zero(t, b.Len())

	assert.ErrorIs(t, b.Release(), ErrBufferReleased)
	assert.Zero(t, pool.Outstanding(), "second release must not touch the pool")
}

func TestNilBufferRelease(t *testing.T) {
	var b *Buffer
	assert.NoError(t, b.Release())
	assert.Nil(t, b.Bytes())
	assert.False(t, b.Released())
}

func TestFragmentView(t *testing.T) {
	pool := NewBufferPool()

	first := pool.Get(3)
	copy(first.Bytes(), "abc")
	second := pool.Get(2)
	copy(second.Bytes(), "de")

	var v fragmentView
	assert.True(t, v.empty())

	v.append(first.Bytes(), first)
	assert.Equal(t, []byte("abc"), v.bytes())

	v.append(second.Bytes(), second)
	assert.False(t, v.empty())
	assert.Equal(t, []byte("abcde"), v.bytes())
	assert.Equal(t, int64(2), pool.Outstanding())

	v.release()
	assert.True(t, v.empty())
	assert.Zero(t, pool.Outstanding())
	assert.True(t, first.Released())
	assert.True(t, second.Released())
}
