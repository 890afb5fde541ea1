package freelist

import (
	"math/bits"
	"sort"

	"github.com/bits-and-blooms/bitset"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SELECTION: W LOWEST FREE REGISTERS
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// THE PROBLEM:
// ───────────
// The textbook free list finds the lowest set bit, clears it, and repeats.
// Lane w cannot start until lane w-1 has cleared its bit:
//
//	lane 0: CTZ(free)            → clear
//	lane 1: CTZ(free & ~lane0)   → clear
//	lane 2: CTZ(free & ~lane0 & ~lane1) ...
//
// That is a W-deep serial chain of priority encoders.
//
// THE APPROACH: rank selection
// ───────────────────────────
// Lane w wants the free register of rank w (0-based). Rank is a popcount
// question, and popcounts compose with a prefix scan:
//
//	Stage 1: popcount every 64-bit word                 (all words parallel)
//	Stage 2: inclusive prefix scan of word counts       (log2(words) rounds)
//	Stage 3: per lane, binary search the prefix         (log2(words) compares)
//	Stage 4: per lane, select rank r inside the word    (6 halving rounds)
//
// No lane reads another lane's result, so all W lanes run side by side and
// the depth is logarithmic in both N and W. Distinct ranks give distinct
// registers, and rank order is index order, so lane 0 always gets the lowest.
//
// EXAMPLE: free = {2, 5, 7}, W = 4
//
//	lane 0 → rank 0 → 2 ✓
//	lane 1 → rank 1 → 5 ✓
//	lane 2 → rank 2 → 7 ✓
//	lane 3 → rank 3 → none (only 3 free) ✗

// Selection is the per-lane result of Select.
// OK[w] is false when fewer than w+1 registers are free; IDs[w] is then Sentinel.
type Selection struct {
	IDs []PhysID
	OK  []bool
}

// Select returns the width lowest free registers of free, sentinel excluded,
// assigned to lanes in increasing index order.
func Select(free *bitset.BitSet, width int) Selection {
	sel := Selection{
		IDs: make([]PhysID, width),
		OK:  make([]bool, width),
	}
	scratch := newScanScratch(int(free.Len()))
	selectInto(free.Bytes(), &sel, &scratch)
	return sel
}

type scanScratch struct {
	counts    []int
	inclusive []int
	tmp       []int
}

func newScanScratch(slots int) scanScratch {
	words := (slots + 63) / 64
	return scanScratch{
		counts:    make([]int, words),
		inclusive: make([]int, words),
		tmp:       make([]int, words),
	}
}

// selectInto fills sel from the raw free words. len(sel.IDs) is the width.
func selectInto(words []uint64, sel *Selection, s *scanScratch) {
	for w := range sel.IDs {
		sel.IDs[w] = Sentinel
		sel.OK[w] = false
	}
	n := len(words)
	if n == 0 {
		return
	}
	if len(s.counts) < n {
		*s = newScanScratch(n * 64)
	}

	// Stage 1: word popcounts, sentinel masked out of word 0
	for i := 0; i < n; i++ {
		word := words[i]
		if i == 0 {
			word &^= 1
		}
		s.counts[i] = bits.OnesCount64(word)
	}

	// Stage 2: prefix scan
	inclusiveScan(s.counts[:n], s.inclusive[:n], s.tmp[:n])
	total := s.inclusive[n-1]

	// Stages 3-4: every lane independently
	for w := range sel.IDs {
		if w >= total {
			continue
		}
		j := sort.Search(n, func(i int) bool { return s.inclusive[i] > w })
		rank := w - (s.inclusive[j] - s.counts[j])

		word := words[j]
		if j == 0 {
			word &^= 1
		}
		sel.IDs[w] = PhysID(j*64 + selectInWord(word, rank))
		sel.OK[w] = true
	}
}

// inclusiveScan computes out[i] = in[0] + ... + in[i] with a Hillis-Steele
// scan: round d adds the value d positions to the left. log2(n) rounds, each
// round fully parallel in hardware.
func inclusiveScan(in, out, tmp []int) {
	copy(out, in)
	for d := 1; d < len(out); d <<= 1 {
		copy(tmp, out)
		for i := d; i < len(out); i++ {
			out[i] = tmp[i] + tmp[i-d]
		}
	}
}

// selectInWord returns the bit position of the set bit of rank r in x.
// r must be below the popcount of x.
//
// HOW: halve the window six times (32, 16, 8, 4, 2, 1). If the low half
// holds more than r set bits the answer is in the low half; otherwise skip it
// and subtract its popcount from r.
func selectInWord(x uint64, r int) int {
	pos := 0
	for width := 32; width > 0; width >>= 1 {
		low := x & (uint64(1)<<width - 1)
		c := bits.OnesCount64(low)
		if r >= c {
			r -= c
			x >>= width
			pos += width
		} else {
			x = low
		}
	}
	return pos
}
