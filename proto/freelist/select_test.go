package freelist

import (
	"math/bits"
	"math/rand"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SELECTION TESTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Select is the combinational heart of the free list. These vectors double as
// the expected outputs for an RTL implementation of the rank selector.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// setOf builds an n-bit set holding ids.
func setOf(n int, ids ...PhysID) *bitset.BitSet {
	b := bitset.New(uint(n))
	for _, id := range ids {
		b.Set(uint(id))
	}
	return b
}

// selectSerial is the textbook free list: lowest set bit, clear, repeat.
// It is the reference the parallel selector must match.
func selectSerial(free *bitset.BitSet, width int) Selection {
	sel := Selection{IDs: make([]PhysID, width), OK: make([]bool, width)}
	remaining := free.Clone()
	remaining.Clear(0)
	for w := 0; w < width; w++ {
		id, ok := remaining.NextSet(0)
		if !ok {
			break
		}
		sel.IDs[w] = PhysID(id)
		sel.OK[w] = true
		remaining.Clear(id)
	}
	return sel
}

func TestSelect_LowestFirst(t *testing.T) {
	// WHAT: free = {2,5,7}; lanes take ranks 0,1,2 in index order
	// WHY: Lowest-first is the contract every consumer relies on
	free := setOf(16, 2, 5, 7)

	tests := []struct {
		width int
		ids   []PhysID
		ok    []bool
	}{
		{width: 2, ids: []PhysID{2, 5}, ok: []bool{true, true}},
		{width: 3, ids: []PhysID{2, 5, 7}, ok: []bool{true, true, true}},
		{width: 4, ids: []PhysID{2, 5, 7, Sentinel}, ok: []bool{true, true, true, false}},
	}
	for _, tc := range tests {
		sel := Select(free, tc.width)
		assert.Equal(t, tc.ids, sel.IDs, "width %d", tc.width)
		assert.Equal(t, tc.ok, sel.OK, "width %d", tc.width)
	}
}

func TestSelect_SentinelNeverSelected(t *testing.T) {
	// WHAT: Bit 0 set in the input is ignored
	// WHY: Register 0 is the "uninitialized" id, never a valid grant
	free := setOf(8, 0, 3)

	sel := Select(free, 2)
	assert.Equal(t, []PhysID{3, Sentinel}, sel.IDs)
	assert.Equal(t, []bool{true, false}, sel.OK)
}

func TestSelect_Empty(t *testing.T) {
	sel := Select(bitset.New(128), 4)
	for w := 0; w < 4; w++ {
		assert.False(t, sel.OK[w])
		assert.Equal(t, Sentinel, sel.IDs[w])
	}
}

func TestSelect_CrossesWordBoundaries(t *testing.T) {
	// WHAT: Free registers spread over three words
	// WHY: Prefix scan and word search must hand ranks across words
	free := setOf(192, 63, 64, 127, 128, 191)

	sel := Select(free, 6)
	assert.Equal(t, []PhysID{63, 64, 127, 128, 191, Sentinel}, sel.IDs)
	assert.Equal(t, []bool{true, true, true, true, true, false}, sel.OK)
}

func TestSelect_OKIsPrefix(t *testing.T) {
	// INVARIANT: OK[w] false implies OK[w+1] false
	// WHY: Callers stall from the first failing lane onwards
	free := setOf(64, 9, 40)
	sel := Select(free, 5)
	seenFalse := false
	for w := range sel.OK {
		if seenFalse {
			assert.False(t, sel.OK[w], "lane %d granted after a failed lane", w)
		}
		if !sel.OK[w] {
			seenFalse = true
		}
	}
}

func TestSelect_MatchesSerialReference(t *testing.T) {
	// INVARIANT: Parallel rank selection ≡ serial lowest-bit-clear loop
	// WHY: The parallel form only changes depth, never the answer
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 2000; trial++ {
		n := 2 + rng.Intn(300)
		free := bitset.New(uint(n))
		density := rng.Float64()
		for i := 0; i < n; i++ {
			if rng.Float64() < density {
				free.Set(uint(i))
			}
		}
		width := 1 + rng.Intn(12)

		got := Select(free, width)
		want := selectSerial(free, width)
		require.Equal(t, want, got, "trial %d n=%d width=%d free=%v", trial, n, width, free)
	}
}

func TestSelect_Uniqueness(t *testing.T) {
	// INVARIANT: No two lanes receive the same register
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 500; trial++ {
		free := bitset.New(256)
		for i := 0; i < 256; i++ {
			if rng.Intn(3) == 0 {
				free.Set(uint(i))
			}
		}
		sel := Select(free, 8)
		seen := map[PhysID]bool{}
		for w := range sel.IDs {
			if !sel.OK[w] {
				continue
			}
			require.False(t, seen[sel.IDs[w]], "register %d granted twice", sel.IDs[w])
			require.True(t, free.Test(uint(sel.IDs[w])), "register %d was not free", sel.IDs[w])
			seen[sel.IDs[w]] = true
		}
	}
}

func TestSelectInWord(t *testing.T) {
	// WHAT: Every rank of a dense and a sparse word
	words := []uint64{0xFFFFFFFFFFFFFFFF, 0x8000_0001_0000_8001, 0x00F0_0000_0000_0F00}
	for _, x := range words {
		pos := 0
		for r := 0; r < bits.OnesCount64(x); r++ {
			for x>>pos&1 == 0 {
				pos++
			}
			assert.Equal(t, pos, selectInWord(x, r), "x=%#x r=%d", x, r)
			pos++
		}
	}
}

func TestInclusiveScan(t *testing.T) {
	in := []int{3, 0, 5, 1, 1, 0, 7}
	out := make([]int, len(in))
	tmp := make([]int, len(in))
	inclusiveScan(in, out, tmp)
	assert.Equal(t, []int{3, 3, 8, 9, 10, 10, 17}, out)
}

func BenchmarkSelect_Width8(b *testing.B) {
	free := bitset.New(256)
	for i := uint(0); i < 256; i += 3 {
		free.Set(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Select(free, 8)
	}
}

func BenchmarkSelectSerial_Width8(b *testing.B) {
	free := bitset.New(256)
	for i := uint(0); i < 256; i += 3 {
		free.Set(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = selectSerial(free, 8)
	}
}
