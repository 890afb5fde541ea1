// ═══════════════════════════════════════════════════════════════════════════════════════════════
// Branch Outcome Source - Tagged Geometric History Predictor
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// The synthetic pipeline needs mispredicts that cluster the way real code
// makes them: loop exits, data-dependent branches, cold branches. A fixed
// per-branch probability gives none of that. This package runs a synthetic
// program's branch stream through a small TAGE predictor and reports which
// branches it gets wrong.
//
// TABLE ARCHITECTURE:
// ──────────────────
//   Table 0:    base bimodal table, PC-indexed, always valid, no tags
//   Tables 1-7: tagged, indexed by hash(PC, history[0:len]), allocated on demand
//
// HISTORY LENGTHS: [0, 4, 8, 12, 16, 24, 32, 64]
// ──────────────────────────────────────────────
// Longest matching table provides the prediction. A mispredict allocates
// into the table one step longer than the provider.
//
// ENTRY:
// ─────
//   tag      13 bits of PC
//   counter  3-bit saturating, taken when ≥ 4
//   useful   set when the entry provided a correct prediction
//   age      LRU approximation, reset on access, bumped every AgingInterval
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package predict

import (
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

const (
	NumTables       = 8
	indexBits       = 10
	EntriesPerTable = 1 << indexBits
	indexMask       = EntriesPerTable - 1
	tagMask         = 0x1FFF

	NeutralCounter = 4
	TakenThreshold = 4
	MaxCounter     = 7
	MaxAge         = 7

	AgingInterval  = 1024 // branches between aging passes
	LRUSearchWidth = 4    // slots probed for a victim
)

// HistoryLengths is the global history depth each table hashes in.
var HistoryLengths = [NumTables]int{0, 4, 8, 12, 16, 24, 32, 64}

type entry struct {
	tag     uint16
	counter uint8
	useful  bool
	age     uint8
}

type table struct {
	entries    [EntriesPerTable]entry
	valid      *bitset.BitSet
	historyLen int
}

// Stats counts predictor activity.
type Stats struct {
	Branches    uint64
	Mispredicts uint64
	Allocations uint64
	Provider    [NumTables]uint64 // predictions supplied per table
}

// Accuracy is the fraction of branches predicted correctly.
func (s Stats) Accuracy() float64 {
	if s.Branches == 0 {
		return 1
	}
	return 1 - float64(s.Mispredicts)/float64(s.Branches)
}

// Predictor is a single-context TAGE predictor.
type Predictor struct {
	tables  [NumTables]table
	history uint64
	since   int // branches since the last aging pass
	stats   Stats
}

// New returns a predictor with a neutral base table and empty tagged tables.
func New() *Predictor {
	p := &Predictor{}
	for i := range p.tables {
		p.tables[i].historyLen = HistoryLengths[i]
		p.tables[i].valid = bitset.New(EntriesPerTable)
	}
	p.Reset()
	return p
}

// Reset returns the predictor to power-on state.
func (p *Predictor) Reset() {
	base := &p.tables[0]
	for i := range base.entries {
		base.entries[i] = entry{counter: NeutralCounter}
	}
	base.valid.ClearAll().FlipRange(0, EntriesPerTable)
	for t := 1; t < NumTables; t++ {
		p.tables[t].valid.ClearAll()
	}
	p.history = 0
	p.since = 0
	p.stats = Stats{}
}

func (p *Predictor) Stats() Stats { return p.stats }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// HASHING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// hashIndex folds the low historyLen bits of history into the PC index.
func hashIndex(pc, history uint64, historyLen int) uint32 {
	idx := uint32(pc>>2) & indexMask
	if historyLen == 0 {
		return idx
	}
	if historyLen < 64 {
		history &= 1<<historyLen - 1
	}
	for history != 0 {
		idx ^= uint32(history) & indexMask
		history >>= indexBits
	}
	return idx
}

func hashTag(pc uint64) uint16 {
	return uint16((pc>>2)^(pc>>(2+indexBits))) & tagMask
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PREDICT / UPDATE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// lookup returns the prediction, the providing table and its entry index.
//
// ALGORITHM:
//
//	STEP 1: Probe tables 1-7 in parallel, one hit bit per table
//	STEP 2: Longest hit wins (leading zeros of the hit bitmap)
//	STEP 3: No hit falls back to the base table
func (p *Predictor) lookup(pc uint64) (taken bool, provider int, idx uint32) {
	tag := hashTag(pc)

	// STEP 1
	var hits uint8
	var idxs [NumTables]uint32
	for i := 1; i < NumTables; i++ {
		t := &p.tables[i]
		j := hashIndex(pc, p.history, t.historyLen)
		if t.valid.Test(uint(j)) && t.entries[j].tag == tag {
			hits |= 1 << i
			idxs[i] = j
		}
	}

	// STEP 2
	if hits != 0 {
		w := 7 - bits.LeadingZeros8(hits)
		return p.tables[w].entries[idxs[w]].counter >= TakenThreshold, w, idxs[w]
	}

	// STEP 3
	j := hashIndex(pc, 0, 0)
	return p.tables[0].entries[j].counter >= TakenThreshold, 0, j
}

// Predict returns the predicted direction of the branch at pc.
func (p *Predictor) Predict(pc uint64) bool {
	taken, _, _ := p.lookup(pc)
	return taken
}

// Resolve predicts the branch at pc, trains on the actual outcome and reports
// whether the prediction was wrong.
func (p *Predictor) Resolve(pc uint64, taken bool) (mispredicted bool) {
	predicted, provider, idx := p.lookup(pc)
	mispredicted = predicted != taken

	p.stats.Branches++
	p.stats.Provider[provider]++
	if mispredicted {
		p.stats.Mispredicts++
	}

	bump(&p.tables[0].entries[hashIndex(pc, 0, 0)].counter, taken)
	if provider > 0 {
		e := &p.tables[provider].entries[idx]
		bump(&e.counter, taken)
		e.useful = !mispredicted
		e.age = 0
	}
	if mispredicted && provider < NumTables-1 {
		p.allocate(provider+1, pc, taken)
	}

	p.history <<= 1
	if taken {
		p.history |= 1
	}

	p.since++
	if p.since >= AgingInterval {
		p.age()
		p.since = 0
	}
	return mispredicted
}

func bump(c *uint8, taken bool) {
	switch {
	case taken && *c < MaxCounter:
		*c++
	case !taken && *c > 0:
		*c--
	}
}

// allocate claims a slot near the hashed index of table t, weakly biased
// toward the observed direction.
func (p *Predictor) allocate(t int, pc uint64, taken bool) {
	tbl := &p.tables[t]
	v := victim(tbl, hashIndex(pc, p.history, tbl.historyLen))
	counter := uint8(TakenThreshold - 1)
	if taken {
		counter = TakenThreshold
	}
	tbl.entries[v] = entry{tag: hashTag(pc), counter: counter}
	tbl.valid.Set(uint(v))
	p.stats.Allocations++
}

// victim prefers an invalid slot, then the oldest entry, then one that is
// not useful.
func victim(t *table, preferred uint32) uint32 {
	best := preferred
	bestScore := -1
	for off := uint32(0); off < LRUSearchWidth; off++ {
		j := (preferred + off) & indexMask
		if !t.valid.Test(uint(j)) {
			return j
		}
		e := &t.entries[j]
		score := int(e.age) * 2
		if !e.useful {
			score++
		}
		if score > bestScore {
			best, bestScore = j, score
		}
	}
	return best
}

// age bumps every tagged entry. Entries at MaxAge lose their useful bit.
func (p *Predictor) age() {
	for t := 1; t < NumTables; t++ {
		tbl := &p.tables[t]
		for j, ok := tbl.valid.NextSet(0); ok; j, ok = tbl.valid.NextSet(j + 1) {
			e := &tbl.entries[j]
			if e.age < MaxAge {
				e.age++
			} else {
				e.useful = false
			}
		}
	}
}
