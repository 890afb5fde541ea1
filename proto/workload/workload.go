// ═══════════════════════════════════════════════════════════════════════════════════════════════
// Synthetic Pipeline - Free List Workload Generator
// ───────────────────────────────────────────────────────────────────────────────────────────────
//
// Drives the rename stage the way an out-of-order core would, without
// executing anything. It owns every collaborator the free list only sees
// through signals:
//
//	ROB               in-order window of renamed uops, retires from the head
//	Speculative map   logical → physical at rename, snapshotted per branch
//	Committed map     logical → physical at retire
//	Branch tags       allocated at dispatch, freed at resolution
//	Predictor         optional TAGE model deciding which branches mispredict
//
// EVENTS (at most one recovery per cycle, in priority order):
//
//	Exception rollback   walk the ROB youngest first, W uops per cycle
//	Flush                discard everything, maps := committed
//	Mispredict           oldest completed mispredicting branch squashes younger uops
//	Normal               retire ready uops from the head, dispatch up to W new ones
//
// Dispatch is in order: the first lane that cannot fire (no register, no
// branch tag, ROB full) stops the rest of the cycle.
//
// OWNERSHIP MODEL:
// ───────────────
// At the end of every cycle each allocated register has exactly one owner:
//
//	committed map entry  ∪  PDst of an in-flight uop  ∪  buffered latch
//
// With Verify set, the pool's free bitmap is compared with the complement of
// that set after every cycle. Any leak or double grant shows up at the cycle
// it happens.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package workload

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/bits-and-blooms/bitset"
	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/yanghaoming95/riscv-boom/proto/config"
	"github.com/yanghaoming95/riscv-boom/proto/freelist"
	"github.com/yanghaoming95/riscv-boom/proto/predict"
	"github.com/yanghaoming95/riscv-boom/proto/rename"
)

var (
	ErrNoGrant   = errors.New("workload: dispatched lane received no register")
	ErrDiverged  = errors.New("workload: pool disagrees with ownership model")
	ErrNoDrain   = errors.New("workload: pipeline did not drain")
	ErrNoClasses = errors.New("workload: no register classes")
)

type entry struct {
	uop        rename.Uop
	class      int // index into classes, -1 without destination
	branch     bool
	mispredict bool // resolves as a mispredict
	resolved   bool
	done       uint64 // first cycle the uop may resolve or retire
}

type classState struct {
	name      string
	class     rename.RegClass
	slots     int
	archRegs  int
	zero      bool
	spec      []freelist.PhysID
	committed []freelist.PhysID
}

// Stats counts pipeline events.
type Stats struct {
	Cycles        uint64
	Dispatched    uint64
	Retired       uint64
	Branches      uint64
	Mispredicts   uint64
	Squashed      uint64
	Exceptions    uint64
	RolledBack    uint64
	Flushes       uint64
	Stalls        uint64
	DrainedCycles uint64
}

// Pipeline is the synthetic core around one rename stage.
type Pipeline struct {
	cfg    config.Workload
	width  int
	stage  *rename.Stage
	rng    *rand.Rand
	log    logger.Logger
	verify bool

	classes []*classState
	byClass map[rename.RegClass]int

	// Branch outcomes, nil when mispredicts are drawn from MispredictRate
	prog *predict.Program
	pred *predict.Predictor

	rob      []entry
	freeTags *bitset.BitSet
	mapSnaps [][][]freelist.PhysID // [tag][class] speculative map at the branch

	flushOK     bool
	rollingBack bool
	draining    bool
	cycle       uint64
	stats       Stats
}

// New builds the rename stage described by cfg and a pipeline around it.
// With cfg.Strict set, every cycle is checked against the ownership model.
func New(cfg config.Config, seed int64, log logger.Logger) (*Pipeline, error) {
	rcs, err := cfg.RenameConfigs()
	if err != nil {
		return nil, err
	}
	if len(rcs) == 0 {
		return nil, ErrNoClasses
	}
	stage, err := rename.NewStage(rcs, log)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:     cfg.Workload,
		width:   cfg.Width,
		stage:   stage,
		rng:     rand.New(rand.NewSource(seed)),
		log:     log,
		verify:  cfg.Strict,
		byClass: map[rename.RegClass]int{},
		flushOK: true,
	}
	if cfg.Workload.Predictor {
		p.prog = predict.NewProgram(cfg.Workload.BranchSites, seed)
		p.pred = predict.New()
	}

	tags := freelist.MaxCheckpoints
	for i, rc := range rcs {
		arch := cfg.Classes[i].ArchRegs
		p.classes = append(p.classes, &classState{
			name:      rc.Name,
			class:     rc.Class,
			slots:     rc.Pool.Slots,
			archRegs:  arch,
			zero:      rc.ZeroRegister,
			spec:      make([]freelist.PhysID, arch),
			committed: make([]freelist.PhysID, arch),
		})
		p.byClass[rc.Class] = i
		tags = min(tags, rc.Pool.Checkpoints)
		p.flushOK = p.flushOK && rc.Flush
	}

	p.freeTags = bitset.New(uint(tags))
	p.freeTags.FlipRange(0, uint(tags))
	p.mapSnaps = make([][][]freelist.PhysID, tags)
	for t := range p.mapSnaps {
		p.mapSnaps[t] = make([][]freelist.PhysID, len(p.classes))
		for i, cs := range p.classes {
			p.mapSnaps[t][i] = make([]freelist.PhysID, cs.archRegs)
		}
	}
	return p, nil
}

func (p *Pipeline) Stage() *rename.Stage { return p.stage }

func (p *Pipeline) Stats() Stats { return p.stats }

func (p *Pipeline) Cycle() uint64 { return p.cycle }

// Predictor returns the branch predictor, or nil when it is not configured.
func (p *Pipeline) Predictor() *predict.Predictor { return p.pred }

// InFlight returns the number of uops in the ROB.
func (p *Pipeline) InFlight() int { return len(p.rob) }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CYCLE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Step runs one cycle and returns the records presented to the rename stage.
//
// ALGORITHM:
//
//	STEP 1: Resolve completed, correctly predicted branches (free their tags)
//	STEP 2: Pick the cycle's event and apply its ROB and map effects
//	STEP 3: Step the rename stage
//	STEP 4: Write granted registers into dispatched uops and the speculative map
//	STEP 5: Check the pool against the ownership model (Verify)
func (p *Pipeline) Step() (*rename.Cycle, error) {
	c := &rename.Cycle{}

	// STEP 1
	p.resolveBranches()

	// STEP 2
	var lanes []int // ROB index of each dispatched lane, -1 when idle
	switch {
	case p.rollingBack:
		p.rollback(c)
	case p.flushOK && p.rng.Float64() < p.cfg.FlushRate:
		p.flush(c)
	default:
		if b := p.pendingMispredict(); b >= 0 {
			p.mispredict(c, b)
			break
		}
		if len(p.rob) > 0 && p.rob[0].done <= p.cycle && p.rng.Float64() < p.cfg.ExceptionRate {
			p.stats.Exceptions++
			p.rollingBack = true
			p.log.Debugf("cycle %d: exception, rolling back %d uops", p.cycle, len(p.rob))
			p.rollback(c)
			break
		}
		p.retire(c, len(p.rob))
		if !p.draining {
			lanes = p.dispatch(c)
		}
	}

	c.Drained = len(p.rob) == 0
	if c.Drained {
		p.stats.DrainedCycles++
		c.Held = make(map[string]int, len(p.classes))
		for _, cs := range p.classes {
			c.Held[cs.name] = held(cs.committed)
		}
	}

	// STEP 3
	grants, err := p.stage.Step(c)
	if err != nil {
		return c, err
	}

	// STEP 4
	for w, idx := range lanes {
		if idx < 0 {
			continue
		}
		e := &p.rob[idx]
		switch {
		case e.branch:
			for i, cs := range p.classes {
				copy(p.mapSnaps[e.uop.BrTag][i], cs.spec)
			}
		case e.class >= 0:
			g := grants[e.class]
			if !g.OK[w] {
				return c, fmt.Errorf("%w: cycle %d lane %d (%s)", ErrNoGrant, p.cycle, w, p.classes[e.class].name)
			}
			cs := p.classes[e.class]
			e.uop.PDst = g.IDs[w]
			e.uop.StalePDst = cs.spec[e.uop.LDst]
			cs.spec[e.uop.LDst] = e.uop.PDst
		}
	}

	// STEP 5
	if p.verify {
		if err := p.Verify(); err != nil {
			return c, err
		}
	}

	p.cycle++
	p.stats.Cycles++
	return c, nil
}

// Run steps n cycles, handing every cycle to observe when it is not nil.
func (p *Pipeline) Run(n int, observe func(c *rename.Cycle) error) error {
	for i := 0; i < n; i++ {
		c, err := p.Step()
		if err != nil {
			return err
		}
		if observe != nil {
			if err := observe(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Drain stops dispatch and steps until the ROB is empty, at most limit cycles.
// Dispatch resumes afterwards.
func (p *Pipeline) Drain(limit int, observe func(c *rename.Cycle) error) error {
	p.draining = true
	defer func() { p.draining = false }()
	for i := 0; i < limit; i++ {
		c, err := p.Step()
		if err != nil {
			return err
		}
		if observe != nil {
			if err := observe(c); err != nil {
				return err
			}
		}
		if c.Drained {
			return nil
		}
	}
	return fmt.Errorf("%w: %d uops in flight after %d cycles", ErrNoDrain, len(p.rob), limit)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// EVENTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (p *Pipeline) resolveBranches() {
	for i := range p.rob {
		e := &p.rob[i]
		if e.branch && !e.resolved && !e.mispredict && e.done <= p.cycle {
			e.resolved = true
			p.freeTags.Set(uint(e.uop.BrTag))
		}
	}
}

// pendingMispredict returns the ROB index of the oldest completed branch that
// resolves as a mispredict, or -1.
func (p *Pipeline) pendingMispredict() int {
	for i := range p.rob {
		e := &p.rob[i]
		if e.branch && !e.resolved && e.mispredict && e.done <= p.cycle {
			return i
		}
	}
	return -1
}

// retire commits up to W ready uops among the first limit ROB entries.
func (p *Pipeline) retire(c *rename.Cycle, limit int) int {
	n := 0
	for n < p.width && n < limit && n < len(p.rob) {
		e := &p.rob[n]
		if e.done > p.cycle || (e.branch && !e.resolved) {
			break
		}
		c.Retire = append(c.Retire, rename.RetireLane{Commit: true, Uop: e.uop})
		if e.class >= 0 {
			p.classes[e.class].committed[e.uop.LDst] = e.uop.PDst
		}
		n++
	}
	p.rob = p.rob[n:]
	p.stats.Retired += uint64(n)
	return n
}

func (p *Pipeline) mispredict(c *rename.Cycle, b int) {
	// Older uops may retire alongside the recovery.
	b -= p.retire(c, b)

	br := &p.rob[b]
	c.Mispredict = true
	c.MispredictTag = br.uop.BrTag
	c.Kill = true

	for _, y := range p.rob[b+1:] {
		if y.branch && !y.resolved {
			p.freeTags.Set(uint(y.uop.BrTag))
		}
	}
	p.stats.Squashed += uint64(len(p.rob) - b - 1)
	p.rob = p.rob[:b+1]

	for i, cs := range p.classes {
		copy(cs.spec, p.mapSnaps[br.uop.BrTag][i])
	}
	br.resolved = true
	p.freeTags.Set(uint(br.uop.BrTag))
	p.stats.Mispredicts++
}

// rollback undoes up to W of the youngest uops.
func (p *Pipeline) rollback(c *rename.Cycle) {
	c.Kill = true
	for n := 0; n < p.width && len(p.rob) > 0; n++ {
		e := p.rob[len(p.rob)-1]
		p.rob = p.rob[:len(p.rob)-1]
		c.Retire = append(c.Retire, rename.RetireLane{Rollback: true, Uop: e.uop})
		if e.class >= 0 {
			p.classes[e.class].spec[e.uop.LDst] = e.uop.StalePDst
		}
		if e.branch && !e.resolved {
			p.freeTags.Set(uint(e.uop.BrTag))
		}
		p.stats.RolledBack++
	}
	if len(p.rob) == 0 {
		p.rollingBack = false
	}
}

func (p *Pipeline) flush(c *rename.Cycle) {
	c.Flush = true
	c.Kill = true
	p.stats.Flushes++
	p.stats.Squashed += uint64(len(p.rob))
	p.log.Debugf("cycle %d: flush, %d uops discarded", p.cycle, len(p.rob))

	p.rob = p.rob[:0]
	p.freeTags.ClearAll().FlipRange(0, p.freeTags.Len())
	for _, cs := range p.classes {
		copy(cs.spec, cs.committed)
	}
}

// dispatch fills up to W lanes in order and returns the ROB index per lane.
func (p *Pipeline) dispatch(c *rename.Cycle) []int {
	ready := make([][]bool, len(p.classes))
	for i, cs := range p.classes {
		ready[i] = p.stage.Ready(cs.class)
	}

	lanes := make([]int, p.width)
	for w := range lanes {
		lanes[w] = -1
	}
	c.Dispatch = make([]rename.DispatchLane, p.width)

	for w := 0; w < p.width; w++ {
		if len(p.rob) >= p.cfg.ROBSize {
			p.stats.Stalls++
			break
		}
		e := p.generate()
		if e.branch {
			tag, ok := p.freeTags.NextSet(0)
			if !ok {
				p.stats.Stalls++
				break
			}
			p.freeTags.Clear(tag)
			e.uop.BrTag = freelist.Tag(tag)
			p.stats.Branches++
		} else if e.class >= 0 && !ready[e.class][w] {
			p.stats.Stalls++
			break
		}

		c.Dispatch[w] = rename.DispatchLane{Valid: true, Uop: e.uop}
		lanes[w] = len(p.rob)
		p.rob = append(p.rob, e)
		p.stats.Dispatched++
	}
	return lanes
}

// generate draws one uop. Registers are filled in after the stage grants them.
func (p *Pipeline) generate() entry {
	e := entry{
		class: -1,
		done:  p.cycle + 1 + uint64(p.rng.Intn(p.cfg.MaxLatency)),
	}
	switch {
	case p.rng.Float64() < p.cfg.BranchRate:
		e.branch = true
		if p.pred != nil {
			e.mispredict = p.pred.Resolve(p.prog.Next())
		} else {
			e.mispredict = p.rng.Float64() < p.cfg.MispredictRate
		}
		e.uop.AllocBrTag = true
		return e
	case p.rng.Float64() < p.cfg.NoDstRate:
		return e
	}

	class := rename.ClassInt
	if p.rng.Float64() < p.cfg.FPRate {
		class = rename.ClassFloat
	}
	i, ok := p.byClass[class]
	if !ok {
		i = 0
	}
	cs := p.classes[i]
	e.class = i
	e.uop.DstType = cs.class

	// Decode drops x0 writes, so a hardwired-zero class never sees LDst 0.
	lo := 0
	if cs.zero {
		lo = 1
	}
	e.uop.LDst = uint8(lo + p.rng.Intn(cs.archRegs-lo))
	return e
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// OWNERSHIP MODEL
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func held(m []freelist.PhysID) int {
	n := 0
	for _, id := range m {
		if id != freelist.Sentinel {
			n++
		}
	}
	return n
}

// ExpectedFree returns the free bitmap class i must have: every register
// except the sentinel and those owned by the committed map, an in-flight uop
// or a buffered latch.
func (p *Pipeline) ExpectedFree(i int) *bitset.BitSet {
	cs := p.classes[i]
	free := bitset.New(uint(cs.slots))
	free.FlipRange(1, uint(cs.slots))
	for _, id := range cs.committed {
		free.Clear(uint(id))
	}
	for _, e := range p.rob {
		if e.class == i {
			free.Clear(uint(e.uop.PDst))
		}
	}
	for _, id := range p.stage.Adapters()[i].LatchedIDs() {
		free.Clear(uint(id))
	}
	free.Clear(0)
	return free
}

// Verify compares every class's pool with the ownership model.
func (p *Pipeline) Verify() error {
	var errs []error
	for i, cs := range p.classes {
		want := p.ExpectedFree(i)
		got := p.stage.Adapters()[i].Pool().Free()
		if got.Equal(want) {
			continue
		}
		leaked := want.Difference(got)
		extra := got.Difference(want)
		errs = append(errs, fmt.Errorf("%w: %s cycle %d: owned by nobody %v, free but owned %v",
			ErrDiverged, cs.name, p.cycle, leaked, extra))
	}
	return errors.Join(errs...)
}
