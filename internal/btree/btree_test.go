package btree

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type val struct{ n int }

func collect(t *Tree[val]) []uint64 {
	var keys []uint64
	t.Scan(func(key uint64, _ *val) {
		keys = append(keys, key)
	})
	return keys
}

func TestInsertSearchSequential(t *testing.T) {
	tr := New[val](0)
	const n = 500 // forces several levels of splits

	for i := uint64(1); i <= n; i++ {
		tr.Insert(i, &val{n: int(i)})
	}
	assert.Equal(t, uint64(n), tr.Count)

	for i := uint64(1); i <= n; i++ {
		v := tr.Search(i)
		require.NotNil(t, v, "key %d", i)
		assert.Equal(t, int(i), v.n)
	}
	assert.Nil(t, tr.Search(n+1))
	assert.Nil(t, tr.Search(0))
}

func TestScanAscendingAfterRandomInserts(t *testing.T) {
	tr := New[val](0)
	rng := rand.New(rand.NewSource(7))
	seen := map[uint64]bool{}
	for len(seen) < 1000 {
		k := uint64(rng.Intn(100000) + 1)
		if seen[k] {
			continue
		}
		seen[k] = true
		tr.Insert(k, &val{n: int(k)})
	}

	keys := collect(tr)
	require.Len(t, keys, 1000)
	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1], keys[i], "scan order violated at %d", i)
	}
}

func TestRootSplitAtMaxKeys(t *testing.T) {
	tr := New[val](0)
	for i := uint64(1); i <= MaxKeys; i++ {
		tr.Insert(i, &val{n: int(i)})
	}
	assert.True(t, tr.Root.Leaf)
	assert.Equal(t, uint32(MaxKeys), tr.Root.NumKeys)

	tr.Insert(MaxKeys+1, &val{n: MaxKeys + 1})
	assert.False(t, tr.Root.Leaf)
	assert.Equal(t, uint32(1), tr.Root.NumKeys)
	assert.Equal(t, uint64(MaxKeys/2+1), tr.Root.Keys[0]) // median key promoted
	assert.Equal(t, uint32(MaxKeys/2), tr.Root.Children[0].NumKeys)

	for i := uint64(1); i <= MaxKeys+1; i++ {
		require.NotNil(t, tr.Search(i))
	}
}

func TestDuplicateKeyOverwrites(t *testing.T) {
	tr := New[val](0)
	tr.Insert(5, &val{n: 1})
	tr.Insert(7, &val{n: 2})
	tr.Insert(5, &val{n: 3})

	v := tr.Search(5)
	require.NotNil(t, v)
	assert.Equal(t, 3, v.n)
	assert.Equal(t, []uint64{5, 7}, collect(tr))

	// Count tracks traffic, not live keys: the overwrite still counts.
	assert.Equal(t, uint64(3), tr.Count)
}

func TestDeleteLeaf(t *testing.T) {
	tr := New[val](0)
	for i := uint64(1); i <= 10; i++ {
		tr.Insert(i, &val{n: int(i)})
	}

	assert.True(t, tr.Delete(4))
	assert.Nil(t, tr.Search(4))
	assert.Equal(t, uint64(9), tr.Count)
	assert.Equal(t, []uint64{1, 2, 3, 5, 6, 7, 8, 9, 10}, collect(tr))

	assert.False(t, tr.Delete(4))
	assert.False(t, tr.Delete(999))
}

func TestDeleteInternalTombstones(t *testing.T) {
	tr := New[val](0)
	for i := uint64(1); i <= MaxKeys+1; i++ {
		tr.Insert(i, &val{n: int(i)})
	}
	root := tr.Root
	require.False(t, root.Leaf)
	promoted := root.Keys[0]

	require.True(t, tr.Delete(promoted))
	assert.Nil(t, tr.Search(promoted))

	// The key stays structural; only the value slot is nulled.
	assert.Equal(t, promoted, root.Keys[0])
	assert.Nil(t, root.Values[0])

	keys := collect(tr)
	assert.NotContains(t, keys, promoted)
	assert.Len(t, keys, MaxKeys)
}

func TestDeleteManyThenScan(t *testing.T) {
	tr := New[val](0)
	const n = 300
	for i := uint64(1); i <= n; i++ {
		tr.Insert(i, &val{n: int(i)})
	}
	for i := uint64(2); i <= n; i += 2 {
		require.True(t, tr.Delete(i))
	}

	keys := collect(tr)
	require.Len(t, keys, n/2)
	for _, k := range keys {
		assert.Equal(t, uint64(1), k%2)
	}
}

func TestInsertMarksDirty(t *testing.T) {
	tr := New[val](0)
	tr.Root.Dirty = false
	tr.Insert(1, &val{n: 1})
	assert.True(t, tr.Root.Dirty)
}

func TestDestroy(t *testing.T) {
	tr := New[val](0)
	tr.Insert(1, &val{n: 1})
	tr.Destroy()
	assert.Nil(t, tr.Root)
	assert.Equal(t, uint64(0), tr.Count)
}
