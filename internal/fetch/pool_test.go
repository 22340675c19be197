package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/holonet/internal/clock"
	"github.com/ssd-technologies/holonet/internal/hash"
)

var (
	spaceA = hash.FromContent([]byte("space a"))
	spaceB = hash.FromContent([]byte("space b"))
	peer1  = hash.FromContent([]byte("peer 1"))
	peer2  = hash.FromContent([]byte("peer 2"))
)

func opHash(i int) hash.Hash {
	return hash.FromContent([]byte{byte(i), byte(i >> 8)})
}

func newTestPool(limit int64) (*Pool, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	return NewPool(Config{ByteLimit: limit, Clock: clk}), clk
}

func TestPushMergesSourcesAndContext(t *testing.T) {
	p, _ := newTestPool(0)
	op := opHash(1)

	require.True(t, p.Push(spaceA, op, 10, peer1, ContextGossip))
	require.True(t, p.Push(spaceA, op, 10, peer1, ContextRequestValidationReceipt))
	require.True(t, p.Push(spaceA, op, 10, peer2, 0))

	assert.Equal(t, 1, p.Len())
	assert.EqualValues(t, 10, p.Bytes(), "merging must not double count bytes")

	req, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, op, req.Op)
	assert.True(t, req.Context.Has(ContextGossip|ContextRequestValidationReceipt))
}

// TestByteLimitOvershootIsBounded pushes ops until the pool refuses them and
// checks it never exceeds the limit by more than one op.
func TestByteLimitOvershootIsBounded(t *testing.T) {
	const limit = 1000
	const maxOp = 300
	p, _ := newTestPool(limit)

	accepted := 0
	for i := 0; i < 100; i++ {
		size := uint32(50 + (i*37)%(maxOp-50))
		if p.Push(spaceA, opHash(i), size, peer1, 0) {
			accepted++
		}
		require.LessOrEqual(t, p.Bytes(), int64(limit+maxOp))
	}
	assert.Less(t, accepted, 100, "pool should start dropping pushes")

	// Existing ops still merge once full.
	assert.True(t, p.Push(spaceA, opHash(0), 60, peer2, 0))
}

func TestNextBackoffAndCompletion(t *testing.T) {
	p, clk := newTestPool(0)
	op := opHash(7)
	p.Push(spaceA, op, 1, peer1, 0)

	_, ok := p.Next()
	require.True(t, ok, "fresh op is immediately eligible")

	_, ok = p.Next()
	assert.False(t, ok, "op should back off after an attempt")

	clk.Advance(2 * time.Second)
	_, ok = p.Next()
	require.True(t, ok, "op eligible after 2^1 * base")

	clk.Advance(3 * time.Second)
	_, ok = p.Next()
	assert.False(t, ok, "second backoff is 4s")

	clk.Advance(time.Hour)
	for i := 0; i < 10; i++ {
		_, ok = p.Next()
		require.True(t, ok)
		clk.Advance(DefaultMaxBackoff)
	}

	p.Complete(op)
	assert.Equal(t, 0, p.Len())
	assert.EqualValues(t, 0, p.Bytes())
	_, ok = p.Next()
	assert.False(t, ok)
}

func TestSourcesRotateAndSkipUnavailable(t *testing.T) {
	p, clk := newTestPool(0)
	op := opHash(3)
	p.Push(spaceA, op, 1, peer1, 0)
	p.Push(spaceA, op, 1, peer2, 0)

	first, _ := p.Next()
	clk.Advance(time.Minute)
	second, _ := p.Next()
	assert.NotEqual(t, first.Source, second.Source, "sources should rotate")

	p.SourceUnavailable(peer1)
	p.SourceUnavailable(peer2)
	clk.Advance(10 * time.Second)
	_, ok := p.Next()
	assert.False(t, ok, "all sources are cooling down")

	clk.Advance(DefaultSourceRetryDelay)
	_, ok = p.Next()
	assert.True(t, ok, "sources come back after the retry delay")
}

func TestInfoAndRemoveBySpace(t *testing.T) {
	p, _ := newTestPool(0)
	p.Push(spaceA, opHash(1), 10, peer1, 0)
	p.Push(spaceA, opHash(2), 20, peer1, 0)
	p.Push(spaceB, opHash(3), 5, peer1, 0)

	bytes, count := p.Info([]hash.Hash{spaceA})
	assert.EqualValues(t, 30, bytes)
	assert.Equal(t, 2, count)

	bytes, count = p.Info([]hash.Hash{spaceA, spaceB})
	assert.EqualValues(t, 35, bytes)
	assert.Equal(t, 3, count)

	p.Remove(spaceA)
	assert.Equal(t, 1, p.Len())
	assert.False(t, p.Contains(opHash(1)))
	assert.True(t, p.Contains(opHash(3)))
}
