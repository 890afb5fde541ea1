package freelist

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PER-CYCLE INTERFACE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Lane carries one lane's signals for a cycle. Lane index is program order.
type Lane struct {
	// Request takes this lane's selected register out of the pool.
	Request bool

	// Claimed names the register this lane's instruction took in program
	// order when it differs from the selection (buffered presentation: the
	// instruction consumes a register latched in an earlier cycle). It feeds
	// snapshot bookkeeping only; the pool already removed ClaimedID when it
	// was selected.
	Claimed   bool
	ClaimedID PhysID

	// Free returns a register on the commit path (superseded mapping).
	Free   bool
	FreeID PhysID

	// Rollback returns a register on the exception undo path.
	// Ignored when Free is set on the same lane.
	Rollback   bool
	RollbackID PhysID

	// BranchStart opens snapshot BranchTag at this lane.
	BranchStart bool
	BranchTag   Tag

	// Commit updates the committed shadow: CommitNewID becomes owned,
	// CommitSupersededID (Sentinel for none) becomes free.
	Commit             bool
	CommitNewID        PhysID
	CommitSupersededID PhysID
}

// StepInput is everything the pool consumes in one cycle.
type StepInput struct {
	Lanes []Lane

	// At most one mispredict per cycle.
	Mispredict    bool
	MispredictTag Tag

	// Flush discards the whole pipeline: free := committed.
	Flush bool

	// ClaimsOnly marks grants as latched by the caller instead of consumed in
	// program order (buffered presentation). Snapshots then record Claimed
	// lanes only; a latched register joins a snapshot when it is claimed.
	ClaimsOnly bool
}

// StepOutput reports the grant of every lane.
// OK[w] is true only when lane w requested, a register was available, and the
// cycle was not a recovery cycle. IDs[w] is the selection even when OK[w] is
// false so debug views can show what would have been granted.
type StepOutput struct {
	IDs []PhysID
	OK  []bool
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// REVERSE FOLD: BRANCH SNAPSHOT CAPTURE
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// A branch at lane b must remember exactly the registers allocated by lanes
// YOUNGER than b in program order (lanes b+1..W-1 this cycle, everything in
// later cycles). Lanes 0..b are older than the branch: they survive its
// mispredict, so they must not be in its delta.
//
// Walking lanes from last to first, the accumulator holds at each lane the
// union of allocations of the lanes after it:
//
//	lane:      0      1(br)    2      3
//	alloc:    {4}      -      {5}    {9}
//	acc:   {4,5,9}  {5,9}    {9}     {}     ← value seen before folding the lane
//	capture at lane 1 = {5,9} ✓ (lane 0's {4} excluded)
//
// The branch lane's own allocation is folded after its capture, so it lands in
// older snapshots only.

// ReverseFold walks lanes from youngest to oldest. For every branch lane it
// calls capture with the union of allocs of strictly younger lanes; the set
// passed to capture is only valid during the call. allocs[w] is Sentinel when
// lane w allocates nothing. acc is cleared first and holds the union of all
// allocations on return.
func ReverseFold(lanes []Lane, allocs []PhysID, acc *bitset.BitSet, capture func(lane int, tag Tag, younger *bitset.BitSet)) {
	acc.ClearAll()
	for w := len(lanes) - 1; w >= 0; w-- {
		if lanes[w].BranchStart && capture != nil {
			capture(w, lanes[w].BranchTag, acc)
		}
		if w < len(allocs) && allocs[w] != Sentinel {
			acc.Set(uint(allocs[w]))
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// STEP
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Step advances the pool by one cycle.
//
// ALGORITHM:
//
//	STEP 1: Select W lowest free registers (start-of-cycle state)
//	STEP 2: Per-lane allocations: claimed id, else granted request
//	STEP 3: Reverse fold captures branch snapshots
//	STEP 4: Snapshots not captured this cycle absorb all allocations
//	STEP 5: Union of frees (commit free wins over rollback on a lane)
//	STEP 6: Normal:     free = free &^ selected | freed
//	        Mispredict: free = free | delta | freed, other snapshots &^= delta
//	        Flush:      free = committed, snapshots cleared
//	STEP 7: Committed shadow = committed &^ newly committed | superseded
//
// WHY NO ALLOCATION IN RECOVERY CYCLES:
//
//	Recovery replaces the normal update, so a selection made this cycle is
//	never removed from the pool. Reporting it as granted, or recording it in
//	a snapshot, would let the same register be handed out twice.
//
// Step trusts its input. Call Validate first to catch contract violations.
func (p *Pool) Step(in *StepInput) StepOutput {
	width := p.cfg.Width
	recovering := in.Mispredict || in.Flush

	// STEP 1: selection from start-of-cycle state
	sel := Selection{IDs: make([]PhysID, width), OK: make([]bool, width)}
	selectInto(p.free.Bytes(), &sel, &p.scan)

	out := StepOutput{
		IDs: make([]PhysID, len(in.Lanes)),
		OK:  make([]bool, len(in.Lanes)),
	}
	if cap(p.allocs) < len(in.Lanes) {
		p.allocs = make([]PhysID, len(in.Lanes))
	}
	allocs := p.allocs[:len(in.Lanes)]

	// Out-of-range ids would grow the scratch bitmaps; Validate reports them.
	n := PhysID(p.cfg.Slots)
	mark := func(b *bitset.BitSet, id PhysID) {
		if id < n {
			b.Set(uint(id))
		}
	}

	p.selected.ClearAll()
	p.freed.ClearAll()
	p.commitNew.ClearAll()
	p.commitFree.ClearAll()

	// STEP 2 + STEP 5: per-lane decode (all lanes parallel in hardware)
	for w := range in.Lanes {
		lane := &in.Lanes[w]
		allocs[w] = Sentinel

		if w < width {
			out.IDs[w] = sel.IDs[w]
			if lane.Request && sel.OK[w] && !recovering {
				out.OK[w] = true
				p.selected.Set(uint(sel.IDs[w]))
			}
		}

		if !recovering {
			switch {
			case lane.Claimed && lane.ClaimedID < n:
				allocs[w] = lane.ClaimedID
			case out.OK[w] && !in.ClaimsOnly:
				allocs[w] = sel.IDs[w]
			}
		}

		switch {
		case lane.Free:
			mark(p.freed, lane.FreeID)
		case lane.Rollback:
			mark(p.freed, lane.RollbackID)
		}

		if lane.Commit {
			mark(p.commitNew, lane.CommitNewID)
			mark(p.commitFree, lane.CommitSupersededID)
		}
	}
	p.freed.Clear(uint(Sentinel))
	p.commitFree.Clear(uint(Sentinel))

	// STEP 7 (independent of everything else)
	if p.committed != nil {
		p.committed.InPlaceDifference(p.commitNew)
		p.committed.InPlaceUnion(p.commitFree)
		p.committed.Clear(uint(Sentinel))
	}

	// Flush supersedes both the normal and the mispredict update.
	if in.Flush && p.committed != nil {
		p.free.ClearAll().InPlaceUnion(p.committed)
		for _, cp := range p.checkpoints {
			cp.ClearAll()
		}
		p.live.ClearAll()
		p.cycle++
		return out
	}

	// Mispredict delta is the start-of-cycle snapshot, read before capture.
	var delta *bitset.BitSet
	if in.Mispredict && int(in.MispredictTag) < len(p.checkpoints) {
		delta = p.checkpoints[in.MispredictTag].Clone()
	}

	// STEP 3: reverse fold
	p.capturedAt.ClearAll()
	ReverseFold(in.Lanes, allocs, p.total, func(_ int, tag Tag, younger *bitset.BitSet) {
		if int(tag) >= len(p.checkpoints) {
			return
		}
		p.checkpoints[tag].ClearAll().InPlaceUnion(younger)
		p.capturedAt.Set(uint(tag))
		p.live.Set(uint(tag))
	})

	// STEP 4: accumulate (and clear the recovered delta)
	for i, cp := range p.checkpoints {
		if p.capturedAt.Test(uint(i)) {
			continue
		}
		if delta != nil {
			cp.InPlaceDifference(delta)
		}
		cp.InPlaceUnion(p.total)
	}

	// STEP 6: free bitmap
	if delta != nil {
		p.free.InPlaceUnion(delta)
		p.free.InPlaceUnion(p.freed)
	} else if !in.Mispredict {
		p.free.InPlaceDifference(p.selected)
		p.free.InPlaceUnion(p.freed)
	} else {
		// Mispredict on a tag outside the table: recovery of nothing.
		p.free.InPlaceUnion(p.freed)
	}
	p.free.Clear(uint(Sentinel))

	p.cycle++
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONTRACT ASSERTIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Validate reports every caller contract violation in in, checked against the
// current (start-of-cycle) state. Violations corrupt the bookkeeping for the
// rest of the run, so callers in debug builds check before every Step.
func (p *Pool) Validate(in *StepInput) error {
	var errs []error
	n := PhysID(p.cfg.Slots)
	k := p.cfg.Checkpoints

	if len(in.Lanes) != p.cfg.Width {
		errs = append(errs, fmt.Errorf("%w: got %d lanes, width %d", ErrLaneCount, len(in.Lanes), p.cfg.Width))
	}

	freeing := bitset.New(uint(p.cfg.Slots))
	checkFree := func(w int, kind string, id PhysID) {
		switch {
		case id == Sentinel:
			errs = append(errs, fmt.Errorf("%w: lane %d %s", ErrSentinelSlot, w, kind))
		case id >= n:
			errs = append(errs, fmt.Errorf("%w: lane %d %s %d", ErrBadSlot, w, kind, id))
		case p.free.Test(uint(id)):
			errs = append(errs, fmt.Errorf("%w: lane %d %s %d is already free", ErrDoubleFree, w, kind, id))
		case freeing.Test(uint(id)):
			errs = append(errs, fmt.Errorf("%w: lane %d %s %d freed by another lane", ErrDoubleFree, w, kind, id))
		default:
			freeing.Set(uint(id))
		}
	}

	tags := bitset.New(uint(k))
	for w := range in.Lanes {
		lane := &in.Lanes[w]
		switch {
		case lane.Free:
			checkFree(w, "free", lane.FreeID)
		case lane.Rollback:
			checkFree(w, "rollback", lane.RollbackID)
		}

		if lane.Claimed {
			switch {
			case lane.ClaimedID == Sentinel:
				errs = append(errs, fmt.Errorf("%w: lane %d claim", ErrSentinelSlot, w))
			case lane.ClaimedID >= n:
				errs = append(errs, fmt.Errorf("%w: lane %d claim %d", ErrBadSlot, w, lane.ClaimedID))
			case p.free.Test(uint(lane.ClaimedID)):
				errs = append(errs, fmt.Errorf("%w: lane %d claims free slot %d", ErrBadSlot, w, lane.ClaimedID))
			}
		}

		if lane.BranchStart {
			switch {
			case int(lane.BranchTag) >= k:
				errs = append(errs, fmt.Errorf("%w: lane %d tag %d", ErrBadTag, w, lane.BranchTag))
			case tags.Test(uint(lane.BranchTag)):
				errs = append(errs, fmt.Errorf("%w: lane %d tag %d opened twice", ErrBadTag, w, lane.BranchTag))
			default:
				tags.Set(uint(lane.BranchTag))
			}
		}

		if lane.Commit {
			if lane.CommitNewID == Sentinel {
				errs = append(errs, fmt.Errorf("%w: lane %d commits slot 0", ErrSentinelSlot, w))
			}
			if lane.CommitNewID >= n || lane.CommitSupersededID >= n {
				errs = append(errs, fmt.Errorf("%w: lane %d commit %d/%d", ErrBadSlot, w, lane.CommitNewID, lane.CommitSupersededID))
			}
		}
	}

	if in.Mispredict {
		switch {
		case int(in.MispredictTag) >= k:
			errs = append(errs, fmt.Errorf("%w: mispredict tag %d", ErrBadTag, in.MispredictTag))
		case !p.live.Test(uint(in.MispredictTag)):
			errs = append(errs, fmt.Errorf("%w: mispredict tag %d", ErrUnknownTag, in.MispredictTag))
		}
	}
	if in.Flush && p.committed == nil {
		errs = append(errs, ErrNoCommitted)
	}

	return errors.Join(errs...)
}
