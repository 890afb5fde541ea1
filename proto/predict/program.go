package predict

import "math/rand"

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SYNTHETIC BRANCH STREAM
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// A Program is a fixed set of static branch sites, each with its own
// behaviour:
//
//	loop     taken trip-1 times, then not taken once
//	biased   taken with a fixed probability near 0 or 1
//	random   taken half the time (unpredictable)
//
// Sites are drawn at random, so the stream interleaves them the way a real
// program's basic blocks interleave.

// SiteKind is the behaviour of one static branch.
type SiteKind uint8

const (
	Loop SiteKind = iota
	Biased
	Random
)

type site struct {
	pc   uint64
	kind SiteKind
	trip int     // loop
	iter int     // loop position
	bias float64 // biased: P(taken)
}

// Program produces a deterministic branch stream from its seed.
type Program struct {
	sites []site
	rng   *rand.Rand
}

// NewProgram lays out n branch sites. Roughly half are loops, a third biased
// and the rest random.
func NewProgram(n int, seed int64) *Program {
	rng := rand.New(rand.NewSource(seed))
	g := &Program{sites: make([]site, n), rng: rng}
	for i := range g.sites {
		s := &g.sites[i]
		s.pc = 0x1000 + uint64(i)*0x40 + uint64(rng.Intn(16))*4
		switch r := rng.Float64(); {
		case r < 0.5:
			s.kind = Loop
			s.trip = 2 + rng.Intn(15)
		case r < 0.85:
			s.kind = Biased
			s.bias = 0.95
			if rng.Intn(2) == 0 {
				s.bias = 0.05
			}
		default:
			s.kind = Random
			s.bias = 0.5
		}
	}
	return g
}

// Len returns the number of sites.
func (g *Program) Len() int { return len(g.sites) }

// Next returns the PC and outcome of the next dynamic branch.
func (g *Program) Next() (pc uint64, taken bool) {
	s := &g.sites[g.rng.Intn(len(g.sites))]
	if s.kind == Loop {
		s.iter++
		if s.iter == s.trip {
			s.iter = 0
			return s.pc, false
		}
		return s.pc, true
	}
	return s.pc, g.rng.Float64() < s.bias
}
