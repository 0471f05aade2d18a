package pagemap_test

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/pgrewind/internal/pagemap"
)

func collect(m *pagemap.Map) []uint32 {
	var got []uint32
	it := m.Iterate()
	for {
		blk, ok := it.Next()
		if !ok {
			return got
		}
		got = append(got, blk)
	}
}

func TestEmpty(t *testing.T) {
	var m pagemap.Map
	assert.True(t, m.IsEmpty())
	assert.Empty(t, collect(&m))
	assert.Equal(t, "", m.String())
}

func TestAddAndIterate(t *testing.T) {
	var m pagemap.Map
	for _, blk := range []uint32{100, 3, 3, 0, 77, 100} {
		m.Add(blk)
	}
	assert.False(t, m.IsEmpty())
	assert.Equal(t, []uint32{0, 3, 77, 100}, collect(&m))
}

func TestIterateYieldsSortedUnique(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var m pagemap.Map
	seen := map[uint32]bool{}
	for i := 0; i < 500; i++ {
		blk := uint32(rng.Intn(200000))
		m.Add(blk)
		seen[blk] = true
	}

	want := make([]uint32, 0, len(seen))
	for blk := range seen {
		want = append(want, blk)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	assert.Equal(t, want, collect(&m))
}

func TestIteratorIsSinglePass(t *testing.T) {
	var m pagemap.Map
	m.Add(5)

	it := m.Iterate()
	_, ok := it.Next()
	require.True(t, ok)
	_, ok = it.Next()
	assert.False(t, ok)
	_, ok = it.Next()
	assert.False(t, ok)

	// A fresh iterator starts over.
	blk, ok := m.Iterate().Next()
	require.True(t, ok)
	assert.Equal(t, uint32(5), blk)
}

func TestString(t *testing.T) {
	var m pagemap.Map
	m.Add(0)
	m.Add(42)
	assert.Equal(t, "  block 0\n  block 42\n", m.String())
}
