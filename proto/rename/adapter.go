// ═══════════════════════════════════════════════════════════════════════════════════════════════
// Rename Free List Adapter
// ───────────────────────────────────────────────────────────────────────────────────────────────
//
// One adapter per register class. Each cycle it turns the rename stage's
// records into the free list's per-lane signals, steps the pool, and shapes
// the grants for dispatch.
//
// SIGNAL MAP (lane w):
// ───────────────────
//   request      = dispatch valid ∧ dst_type == class ∧ ¬kill ∧ ¬recovery
//   branch_start = dispatch valid ∧ alloc_br_tag          (every class snapshots)
//   free         = retire commit ∧ class ∧ stale_pdst ≠ 0
//   rollback     = retire rollback ∧ class ∧ pdst ≠ 0
//   commit       = retire commit ∧ class ∧ pdst ≠ 0   (new = pdst, superseded = stale_pdst)
//
// PRESENTATION MODES:
// ──────────────────
//   Direct:   the grant is visible to dispatch in the cycle it is selected.
//   Buffered: each lane latches one grant. Dispatch consumes the latch; the
//             pool refills lanes whose latch is empty or consumed this cycle.
//             The register leaves the pool when latched and joins branch
//             snapshots when consumed.
//
// HARDWIRED ZERO:
// ──────────────
//   With ZeroRegister set, a granted lane whose logical destination is 0 is
//   shown the sentinel. The grant is still consumed, so the register stays
//   allocated until a reset or flush. Decode normally clears the destination
//   type for x0 writes so this path is rare.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package rename

import (
	"errors"
	"fmt"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/yanghaoming95/riscv-boom/proto/freelist"
)

// Mode selects how grants are presented to dispatch.
type Mode uint8

const (
	Direct Mode = iota
	Buffered
)

func (m Mode) String() string {
	if m == Buffered {
		return "buffered"
	}
	return "direct"
}

// ParseMode accepts "direct" and "buffered".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "direct", "":
		return Direct, nil
	case "buffered":
		return Buffered, nil
	}
	return Direct, fmt.Errorf("rename: unknown mode %q", s)
}

var (
	ErrConfig       = errors.New("rename: invalid configuration")
	ErrTooManyLanes = errors.New("rename: more lanes than width")
)

// Config describes one register class.
type Config struct {
	Name         string          // label in logs and records
	Class        RegClass        // destinations this adapter serves
	Pool         freelist.Config // pool geometry
	Mode         Mode
	ZeroRegister bool // logical 0 is hardwired, shown as the sentinel
	Flush        bool // forward pipeline flushes (needs Pool.Committed)
	Strict       bool // run the pool's contract checks before every step
	Slack        int  // conservation slack when drained
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	switch {
	case c.Class == ClassNone || c.Class > ClassFloat:
		return fmt.Errorf("%w: %s: class %s", ErrConfig, c.Name, c.Class)
	case c.Flush && !c.Pool.Committed:
		return fmt.Errorf("%w: %s: flush needs the committed shadow", ErrConfig, c.Name)
	case c.Slack < 0:
		return fmt.Errorf("%w: %s: slack %d", ErrConfig, c.Name, c.Slack)
	case c.Mode == Buffered && c.Slack < c.Pool.Width:
		return fmt.Errorf("%w: %s: buffered mode holds up to %d latched registers, slack %d",
			ErrConfig, c.Name, c.Pool.Width, c.Slack)
	}
	return nil
}

// Adapter drives one free list from the rename stage.
type Adapter struct {
	cfg  Config
	pool *freelist.Pool
	log  logger.Logger

	// Buffered mode: one-deep latch per lane
	latched  []bool
	latchIDs []freelist.PhysID

	in freelist.StepInput
}

// NewAdapter creates the adapter and its pool.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := freelist.NewPool(cfg.Pool)
	if err != nil {
		return nil, err
	}
	w := cfg.Pool.Width
	return &Adapter{
		cfg:      cfg,
		pool:     pool,
		log:      log,
		latched:  make([]bool, w),
		latchIDs: make([]freelist.PhysID, w),
		in:       freelist.StepInput{Lanes: make([]freelist.Lane, w)},
	}, nil
}

func (a *Adapter) Config() Config { return a.cfg }

// Pool exposes the underlying free list for debug views.
func (a *Adapter) Pool() *freelist.Pool { return a.pool }

// Latched returns the number of registers waiting in buffered latches.
func (a *Adapter) Latched() int {
	n := 0
	for _, l := range a.latched {
		if l {
			n++
		}
	}
	return n
}

// LatchedIDs lists the registers waiting in buffered latches.
func (a *Adapter) LatchedIDs() []freelist.PhysID {
	var out []freelist.PhysID
	for i, l := range a.latched {
		if l {
			out = append(out, a.latchIDs[i])
		}
	}
	return out
}

// Ready reports per lane whether a register is available this cycle.
// Dispatch fires a lane that needs a register of this class only when
// Ready[w] is true. Nothing is granted in a mispredict or flush cycle, so
// dispatch holds those cycles regardless.
func (a *Adapter) Ready() []bool {
	if a.cfg.Mode == Buffered {
		return append([]bool(nil), a.latched...)
	}
	return a.pool.Peek().OK
}

// Step presents one cycle to the pool and returns this class's grants.
// With Strict set, a contract violation is returned and the pool is left
// untouched.
func (a *Adapter) Step(c *Cycle) (Grants, error) {
	w := a.cfg.Pool.Width
	if len(c.Dispatch) > w || len(c.Retire) > w {
		return Grants{}, fmt.Errorf("%w: %d dispatch, %d retire, width %d",
			ErrTooManyLanes, len(c.Dispatch), len(c.Retire), w)
	}

	in := a.build(c)
	if a.cfg.Strict {
		if err := a.pool.Validate(in); err != nil {
			return Grants{}, fmt.Errorf("%s cycle %d: %w", a.cfg.Name, a.pool.Cycle(), err)
		}
	}

	// Taken before Step: the delta the mispredict returns
	var returned int
	if in.Mispredict {
		if cp := a.pool.Checkpoint(in.MispredictTag); cp != nil {
			returned = int(cp.Count())
		}
	}

	out := a.pool.Step(in)
	g := a.present(c, in, out)

	switch {
	case in.Flush:
		a.log.Debugf("%s: flush, %d registers free", a.cfg.Name, a.pool.FreeCount())
	case in.Mispredict:
		a.log.Debugf("%s: mispredict tag %d returned %d registers", a.cfg.Name, in.MispredictTag, returned)
	}
	return g, nil
}

// build fills the pool input for this cycle.
func (a *Adapter) build(c *Cycle) *freelist.StepInput {
	in := &a.in
	for i := range in.Lanes {
		in.Lanes[i] = freelist.Lane{}
	}
	in.Mispredict = c.Mispredict
	in.MispredictTag = c.MispredictTag
	in.Flush = c.Flush && a.cfg.Flush
	in.ClaimsOnly = a.cfg.Mode == Buffered

	// Recovery cycles dispatch nothing
	kill := c.Kill || c.Mispredict || in.Flush

	for i := range c.Dispatch {
		d := &c.Dispatch[i]
		lane := &in.Lanes[i]
		if !d.Valid {
			continue
		}
		if d.Uop.AllocBrTag {
			lane.BranchStart = true
			lane.BranchTag = d.Uop.BrTag
		}
		if d.Uop.DstType != a.cfg.Class || kill {
			continue
		}
		if a.cfg.Mode == Buffered {
			if a.latched[i] {
				lane.Claimed = true
				lane.ClaimedID = a.latchIDs[i]
			}
		} else {
			lane.Request = true
		}
	}

	if a.cfg.Mode == Buffered {
		// Refill lanes whose latch is empty or consumed this cycle
		for i := range in.Lanes {
			in.Lanes[i].Request = !a.latched[i] || in.Lanes[i].Claimed
		}
	}

	for i := range c.Retire {
		r := &c.Retire[i]
		lane := &in.Lanes[i]
		if r.Uop.DstType != a.cfg.Class {
			continue
		}
		switch {
		case r.Commit:
			if r.Uop.StalePDst != freelist.Sentinel {
				lane.Free = true
				lane.FreeID = r.Uop.StalePDst
			}
			if r.Uop.PDst != freelist.Sentinel {
				lane.Commit = true
				lane.CommitNewID = r.Uop.PDst
				lane.CommitSupersededID = r.Uop.StalePDst
			}
		case r.Rollback:
			if r.Uop.PDst != freelist.Sentinel {
				lane.Rollback = true
				lane.RollbackID = r.Uop.PDst
			}
		}
	}
	return in
}

// present shapes the pool output for dispatch and updates the latches.
func (a *Adapter) present(c *Cycle, in *freelist.StepInput, out freelist.StepOutput) Grants {
	w := a.cfg.Pool.Width
	g := Grants{IDs: make([]freelist.PhysID, w), OK: make([]bool, w)}

	zero := func(lane int) bool {
		return a.cfg.ZeroRegister && lane < len(c.Dispatch) && c.Dispatch[lane].Uop.LDst == 0
	}

	if a.cfg.Mode == Direct {
		stalled := 0
		for i := 0; i < w; i++ {
			if !in.Lanes[i].Request {
				continue
			}
			if !out.OK[i] {
				stalled++
				continue
			}
			g.OK[i] = true
			g.IDs[i] = out.IDs[i]
			if zero(i) {
				g.IDs[i] = freelist.Sentinel
			}
		}
		if stalled > 0 && !in.Mispredict && !in.Flush {
			a.log.Debugf("%s: %d lanes stalled, %d registers free", a.cfg.Name, stalled, a.pool.FreeCount())
		}
		return g
	}

	// Buffered
	for i := 0; i < w; i++ {
		lane := &in.Lanes[i]
		if lane.Claimed {
			g.OK[i] = true
			g.IDs[i] = lane.ClaimedID
			if zero(i) {
				g.IDs[i] = freelist.Sentinel
			}
			a.latched[i] = false
		}
		if out.OK[i] {
			a.latched[i] = true
			a.latchIDs[i] = out.IDs[i]
		}
	}
	if in.Flush {
		// Unclaimed latches are dropped; the committed restore already
		// returned their registers.
		for i := range a.latched {
			a.latched[i] = false
		}
	}
	return g
}

// Reset returns the pool and latches to power-on state.
func (a *Adapter) Reset() {
	a.pool.Reset()
	for i := range a.latched {
		a.latched[i] = false
	}
}
