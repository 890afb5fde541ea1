// ═══════════════════════════════════════════════════════════════════════════════════════════════
// Speculative Physical Register Free List - Hardware Reference Model
// ───────────────────────────────────────────────────────────────────────────────────────────────
//
// DESIGN PHILOSOPHY:
// ─────────────────
// 1. Bitmap ownership: bit i = 1 means physical register i is free
// 2. Popcount selection: W lowest free registers found in log depth, no serial CTZ chain
// 3. Branch snapshots: one allocation delta per branch tag, union-only until resolved
// 4. Single-cycle recovery: mispredict returns a whole delta to the pool in one step
// 5. Committed shadow: non-speculative mirror, full pipeline flush is one copy
// 6. Register 0 is the sentinel: never selected, never free, never freed
//
// PIPELINE (one call to Step):
// ───────────────────────────
//   Select      → W lowest free registers from start-of-cycle state
//   Reverse fold → branch lanes capture allocations younger than themselves
//   Accumulate  → every other snapshot absorbs this cycle's allocations
//   Update      → normal, mispredict or flush update of the free bitmap
//   Shadow      → committed bitmap follows commit lanes only
//
// All effects of one Step are computed from the start-of-cycle state and become
// visible together. Nothing blocks; a lane without a grant stalls in the caller.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package freelist

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// PhysID names one physical register slot.
type PhysID uint16

// Tag names one branch snapshot. Tags are owned by the external branch-tag
// allocator; the free list only reads and writes by tag.
type Tag uint8

// Sentinel is the reserved "uninitialized" register. It is never handed out,
// and as a free or superseded id it means "nothing".
const Sentinel PhysID = 0

// MaxCheckpoints bounds the snapshot table (Tag is 8 bits wide).
const MaxCheckpoints = 256

// MaxSlots is the largest pool whose ids all fit a PhysID.
const MaxSlots = 1<<16 - 1

// Config sizes one free list instance.
type Config struct {
	Slots       int  // N: physical registers, including the sentinel
	Checkpoints int  // K: branch snapshots
	Width       int  // W: lanes per cycle
	Committed   bool // keep the committed shadow (required for Flush)
}

var (
	ErrConfig       = errors.New("freelist: invalid configuration")
	ErrLaneCount    = errors.New("freelist: lane count does not match width")
	ErrBadSlot      = errors.New("freelist: slot out of range")
	ErrSentinelSlot = errors.New("freelist: slot 0 is never allocated")
	ErrDoubleFree   = errors.New("freelist: slot freed twice")
	ErrBadTag       = errors.New("freelist: branch tag out of range")
	ErrUnknownTag   = errors.New("freelist: branch tag has no snapshot")
	ErrNoCommitted  = errors.New("freelist: flush requires the committed shadow")
)

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Width <= 0:
		return fmt.Errorf("%w: width %d", ErrConfig, c.Width)
	case c.Slots < 2 || c.Slots > MaxSlots:
		return fmt.Errorf("%w: slots %d", ErrConfig, c.Slots)
	case c.Checkpoints <= 0 || c.Checkpoints > MaxCheckpoints:
		return fmt.Errorf("%w: checkpoints %d", ErrConfig, c.Checkpoints)
	}
	return nil
}

// Pool is the free list for one register class.
//
// State:
//
//	free        N bits  bit i = 1: register i can be selected
//	checkpoints K×N     registers allocated after snapshot k was taken
//	committed   N bits  free bitmap as of the last committed instruction
//	live        K bits  tags captured since reset (assertions only)
//
// Pools share nothing; one instance per register class.
type Pool struct {
	cfg Config

	free        *bitset.BitSet
	committed   *bitset.BitSet
	checkpoints []*bitset.BitSet
	live        *bitset.BitSet

	// Per-cycle scratch, reused so Step does not allocate bitmaps.
	selected   *bitset.BitSet
	freed      *bitset.BitSet
	commitNew  *bitset.BitSet
	commitFree *bitset.BitSet
	total      *bitset.BitSet
	capturedAt *bitset.BitSet
	allocs     []PhysID
	scan       scanScratch

	cycle uint64
}

// NewPool creates a pool with every register free except the sentinel.
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := uint(cfg.Slots)
	p := &Pool{
		cfg:         cfg,
		free:        bitset.New(n),
		checkpoints: make([]*bitset.BitSet, cfg.Checkpoints),
		live:        bitset.New(uint(cfg.Checkpoints)),
		selected:    bitset.New(n),
		freed:       bitset.New(n),
		commitNew:   bitset.New(n),
		commitFree:  bitset.New(n),
		total:       bitset.New(n),
		capturedAt:  bitset.New(uint(cfg.Checkpoints)),
		allocs:      make([]PhysID, cfg.Width),
		scan:        newScanScratch(cfg.Slots),
	}
	for i := range p.checkpoints {
		p.checkpoints[i] = bitset.New(n)
	}
	if cfg.Committed {
		p.committed = bitset.New(n)
	}
	p.Reset()
	return p, nil
}

// Reset returns the pool to its power-on state.
func (p *Pool) Reset() {
	n := uint(p.cfg.Slots)
	p.free.ClearAll().FlipRange(1, n)
	if p.committed != nil {
		p.committed.ClearAll().FlipRange(1, n)
	}
	for _, cp := range p.checkpoints {
		cp.ClearAll()
	}
	p.live.ClearAll()
	p.cycle = 0
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// DEBUG VIEWS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (p *Pool) Config() Config { return p.cfg }

// Cycle returns the number of steps taken since reset.
func (p *Pool) Cycle() uint64 { return p.cycle }

// Free returns a copy of the free bitmap.
func (p *Pool) Free() *bitset.BitSet { return p.free.Clone() }

// Committed returns a copy of the committed shadow, or nil when disabled.
func (p *Pool) Committed() *bitset.BitSet {
	if p.committed == nil {
		return nil
	}
	return p.committed.Clone()
}

// Checkpoint returns a copy of the allocation delta held under tag.
func (p *Pool) Checkpoint(tag Tag) *bitset.BitSet {
	if int(tag) >= len(p.checkpoints) {
		return nil
	}
	return p.checkpoints[tag].Clone()
}

// IsFree reports whether register id can currently be selected.
func (p *Pool) IsFree(id PhysID) bool { return p.free.Test(uint(id)) }

// FreeCount returns the number of selectable registers.
func (p *Pool) FreeCount() int { return int(p.free.Count()) }

// AllocatedCount returns the number of registers owned by someone, sentinel excluded.
func (p *Pool) AllocatedCount() int { return p.cfg.Slots - 1 - p.FreeCount() }

// Peek runs the selection against the current state without changing it.
// The dispatch stage uses this to decide which lanes can fire this cycle.
func (p *Pool) Peek() Selection {
	return Select(p.free, p.cfg.Width)
}
