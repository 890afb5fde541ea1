package predict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// HASHING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestHashIndex_BaseIgnoresHistory(t *testing.T) {
	pc := uint64(0x1234)
	assert.Equal(t, hashIndex(pc, 0, 0), hashIndex(pc, 0xDEADBEEF, 0))
}

func TestHashIndex_MasksHistoryLength(t *testing.T) {
	// WHAT: Only the low historyLen bits of history reach the index
	pc := uint64(0x1234)
	assert.Equal(t, hashIndex(pc, 0x3, 4), hashIndex(pc, 0xF3, 4))
	assert.NotEqual(t, hashIndex(pc, 0x3, 4), hashIndex(pc, 0x2, 4))
}

func TestHashIndex_InRange(t *testing.T) {
	for _, l := range HistoryLengths {
		assert.Less(t, hashIndex(^uint64(0), ^uint64(0), l), uint32(EntriesPerTable))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PREDICTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestPredictor_PowerOnPredictsTaken(t *testing.T) {
	p := New()
	assert.True(t, p.Predict(0x1000))
	assert.True(t, p.Predict(0xFFFC))
	assert.Equal(t, Stats{}, p.Stats())
}

func TestPredictor_LearnsNotTaken(t *testing.T) {
	// WHAT: A branch that is never taken
	// WHY:  The first outcome mispredicts and allocates a tagged entry; the
	//       entry predicts every later instance
	p := New()
	for i := 0; i < 10; i++ {
		p.Resolve(0x2000, false)
	}
	assert.False(t, p.Predict(0x2000))
	assert.Equal(t, uint64(10), p.Stats().Branches)
	assert.Equal(t, uint64(1), p.Stats().Mispredicts)
	assert.Equal(t, uint64(1), p.Stats().Allocations)
}

func TestPredictor_LearnsLoopExit(t *testing.T) {
	// WHAT: Loop branch taken three times, then not taken
	// WHY:  The base table alone misses every exit. Four bits of history
	//       identify the exit iteration, so the tagged tables learn it.
	p := New()
	late := 0
	for i := 0; i < 4000; i++ {
		taken := i%4 != 3
		if p.Resolve(0x3000, taken) && i >= 3000 {
			late++
		}
	}
	assert.Less(t, late, 5)
	assert.NotZero(t, p.Stats().Allocations)
}

func TestPredictor_Reset(t *testing.T) {
	p := New()
	for i := 0; i < 10; i++ {
		p.Resolve(0x2000, false)
	}
	p.Reset()
	assert.True(t, p.Predict(0x2000))
	assert.Equal(t, Stats{}, p.Stats())
}

func TestVictim_PrefersInvalidSlot(t *testing.T) {
	p := New()
	tbl := &p.tables[1]
	tbl.valid.Set(10)
	tbl.valid.Set(12)
	assert.Equal(t, uint32(11), victim(tbl, 10))
}

func TestVictim_PrefersOldest(t *testing.T) {
	p := New()
	tbl := &p.tables[1]
	for j := uint(20); j < 24; j++ {
		tbl.valid.Set(j)
		tbl.entries[j] = entry{useful: true, age: 1}
	}
	tbl.entries[22].age = 5
	assert.Equal(t, uint32(22), victim(tbl, 20))

	tbl.entries[21] = entry{useful: false, age: 5}
	assert.Equal(t, uint32(21), victim(tbl, 20), "not useful breaks the tie")
}

func TestVictim_WrapsAround(t *testing.T) {
	p := New()
	tbl := &p.tables[1]
	tbl.valid.Set(EntriesPerTable - 1)
	assert.Equal(t, uint32(0), victim(tbl, EntriesPerTable-1))
}

func TestPredictor_AgingClearsUseful(t *testing.T) {
	p := New()
	tbl := &p.tables[2]
	tbl.valid.Set(7)
	tbl.entries[7] = entry{useful: true, age: MaxAge - 1}
	p.age()
	assert.Equal(t, uint8(MaxAge), tbl.entries[7].age)
	assert.True(t, tbl.entries[7].useful)
	p.age()
	assert.False(t, tbl.entries[7].useful)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PROGRAM
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestProgram_Deterministic(t *testing.T) {
	a, b := NewProgram(32, 7), NewProgram(32, 7)
	for i := 0; i < 1000; i++ {
		pa, ta := a.Next()
		pb, tb := b.Next()
		require.Equal(t, pa, pb)
		require.Equal(t, ta, tb)
	}
}

func TestProgram_DistinctSites(t *testing.T) {
	g := NewProgram(64, 1)
	seen := map[uint64]bool{}
	for _, s := range g.sites {
		assert.False(t, seen[s.pc], "pc %#x reused", s.pc)
		seen[s.pc] = true
		assert.Zero(t, s.pc%4)
	}
	assert.Equal(t, 64, g.Len())
}

func TestProgram_LoopSitesExitOncePerTrip(t *testing.T) {
	g := NewProgram(1, 3)
	g.sites[0] = site{pc: 0x1000, kind: Loop, trip: 5}
	var exits int
	for i := 0; i < 50; i++ {
		_, taken := g.Next()
		if !taken {
			exits++
			assert.Equal(t, 4, i%5)
		}
	}
	assert.Equal(t, 10, exits)
}

func TestProgram_PredictorAccuracy(t *testing.T) {
	g := NewProgram(64, 11)
	p := New()
	for i := 0; i < 20000; i++ {
		p.Resolve(g.Next())
	}
	s := p.Stats()
	assert.NotZero(t, s.Mispredicts)
	assert.Greater(t, s.Accuracy(), 0.6)
}
