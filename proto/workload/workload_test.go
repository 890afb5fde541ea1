package workload

import (
	"testing"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanghaoming95/riscv-boom/proto/config"
	"github.com/yanghaoming95/riscv-boom/proto/freelist"
	"github.com/yanghaoming95/riscv-boom/proto/rename"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// STRESS TESTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// Every test runs with Strict set: the pool validates each cycle's input and
// the pipeline compares the free bitmap with its ownership model after every
// cycle. A single leaked or doubly granted register fails the run at the cycle
// it happens.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func testLog(t *testing.T) logger.Logger {
	t.Helper()
	logger.New("NOOP")
	t.Cleanup(logger.OnExit)
	return logger.Sugar.WithServiceName("workload-test")
}

// eventful raises the recovery rates so every event shows up in a short run.
func eventful() config.Config {
	cfg := config.Default()
	cfg.Workload.MispredictRate = 0.2
	cfg.Workload.ExceptionRate = 0.01
	cfg.Workload.FlushRate = 0.01
	return cfg
}

func buffered(cfg config.Config) config.Config {
	for i := range cfg.Classes {
		cfg.Classes[i].Mode = "buffered"
		cfg.Classes[i].Slack = cfg.Width
	}
	return cfg
}

func newPipeline(t *testing.T, cfg config.Config, seed int64) *Pipeline {
	t.Helper()
	require.NoError(t, cfg.Validate())
	p, err := New(cfg, seed, testLog(t))
	require.NoError(t, err)
	return p
}

func runAndDrain(t *testing.T, p *Pipeline, cycles int) {
	t.Helper()
	require.NoError(t, p.Run(cycles, nil))
	require.NoError(t, p.Drain(10_000, nil))
	assert.Equal(t, 0, p.InFlight())
}

func assertConserved(t *testing.T, p *Pipeline) {
	t.Helper()
	for _, class := range p.Stage().Classes() {
		r := p.Stage().Monitor(class).Report()
		assert.Zero(t, r.Violations, "%s: %v", class, r.LastError)
		assert.NotZero(t, r.DrainedChecks, "%s never drained", class)
	}
}

func TestPipeline_DefaultConfig(t *testing.T) {
	p := newPipeline(t, config.Default(), 1)
	runAndDrain(t, p, 5000)

	s := p.Stats()
	assert.NotZero(t, s.Dispatched)
	assert.NotZero(t, s.Retired)
	assert.NotZero(t, s.Branches)
	assert.NotZero(t, s.Mispredicts)
	assertConserved(t, p)
}

func TestPipeline_AllRecoveryPaths(t *testing.T) {
	// WHAT: Mispredicts, exception rollbacks and flushes interleaved
	// WHY: Each recovery path rewrites the free bitmap differently; the
	//      ownership model must agree after every one of them
	for seed := int64(1); seed <= 4; seed++ {
		p := newPipeline(t, eventful(), seed)
		runAndDrain(t, p, 3000)

		s := p.Stats()
		assert.NotZero(t, s.Mispredicts, "seed %d", seed)
		assert.NotZero(t, s.Exceptions, "seed %d", seed)
		assert.NotZero(t, s.Flushes, "seed %d", seed)
		assert.NotZero(t, s.RolledBack, "seed %d", seed)
		assertConserved(t, p)
	}
}

func TestPipeline_Buffered(t *testing.T) {
	p := newPipeline(t, buffered(eventful()), 7)
	runAndDrain(t, p, 3000)

	assert.NotZero(t, p.Stats().Dispatched)
	assertConserved(t, p)
	for _, a := range p.Stage().Adapters() {
		assert.LessOrEqual(t, a.Latched(), a.Config().Pool.Width)
	}
}

func TestPipeline_TightResources(t *testing.T) {
	// WHAT: Few spare registers and few branch tags
	// WHY: Stalls on every resource; grants must still match Ready exactly
	cfg := eventful()
	cfg.Width = 4
	cfg.Classes = []config.Class{
		{Name: "int", Class: "int", Slots: 40, Checkpoints: 2, Mode: "direct",
			ZeroRegister: true, Committed: true, Flush: true, ArchRegs: 32},
	}
	cfg.Workload.BranchRate = 0.3
	p := newPipeline(t, cfg, 3)
	runAndDrain(t, p, 3000)

	assert.NotZero(t, p.Stats().Stalls)
	assert.NotZero(t, p.Stats().Retired)
	assertConserved(t, p)
}

func TestPipeline_WithoutFlush(t *testing.T) {
	cfg := eventful()
	for i := range cfg.Classes {
		cfg.Classes[i].Flush = false
		cfg.Classes[i].Committed = false
	}
	p := newPipeline(t, cfg, 11)
	runAndDrain(t, p, 2000)

	assert.Zero(t, p.Stats().Flushes)
	assertConserved(t, p)
}

func TestPipeline_Predictor(t *testing.T) {
	// WHAT: Mispredicts come from a TAGE predictor running a synthetic program
	// WHY:  Mispredicts cluster on loop exits and unpredictable branches
	//       instead of arriving uniformly
	cfg := config.Default()
	cfg.Workload.Predictor = true
	cfg.Workload.BranchSites = 32
	cfg.Workload.BranchRate = 0.25
	p := newPipeline(t, cfg, 13)
	runAndDrain(t, p, 3000)

	require.NotNil(t, p.Predictor())
	ps := p.Predictor().Stats()
	assert.NotZero(t, ps.Branches)
	assert.NotZero(t, ps.Mispredicts)
	assert.NotZero(t, p.Stats().Mispredicts)
	assertConserved(t, p)
}

func TestPipeline_Deterministic(t *testing.T) {
	a := newPipeline(t, eventful(), 42)
	b := newPipeline(t, eventful(), 42)

	var ca, cb []rename.Cycle
	require.NoError(t, a.Run(500, func(c *rename.Cycle) error { ca = append(ca, *c); return nil }))
	require.NoError(t, b.Run(500, func(c *rename.Cycle) error { cb = append(cb, *c); return nil }))
	assert.Equal(t, ca, cb)
	assert.Equal(t, a.Stage().Snapshots(), b.Stage().Snapshots())
}

func TestPipeline_ReplayReproducesState(t *testing.T) {
	// WHAT: Feed the recorded cycles into a fresh stage
	// WHY: The cycle records alone must determine the free list state
	for _, cfg := range []config.Config{eventful(), buffered(eventful())} {
		p := newPipeline(t, cfg, 5)
		var cycles []rename.Cycle
		record := func(c *rename.Cycle) error { cycles = append(cycles, *c); return nil }
		require.NoError(t, p.Run(1500, record))
		require.NoError(t, p.Drain(10_000, record))

		rcs, err := cfg.RenameConfigs()
		require.NoError(t, err)
		stage, err := rename.NewStage(rcs, testLog(t))
		require.NoError(t, err)
		for i := range cycles {
			_, err := stage.Step(&cycles[i])
			require.NoError(t, err, "replay cycle %d", i)
		}
		assert.Equal(t, p.Stage().Snapshots(), stage.Snapshots())
	}
}

func TestPipeline_VerifyCatchesCorruption(t *testing.T) {
	cfg := config.Default()
	cfg.Workload.FlushRate = 0 // a flush would restore the stolen register
	p := newPipeline(t, cfg, 9)
	require.NoError(t, p.Run(200, nil))
	require.NoError(t, p.Verify())

	// Steal one free register behind the pool's back.
	pool := p.Stage().Adapters()[0].Pool()
	s := pool.Snapshot()
	victim, ok := pool.Free().NextSet(0)
	require.True(t, ok)
	s.Free[victim/64] &^= 1 << (victim % 64)
	require.NoError(t, pool.Restore(s))

	assert.ErrorIs(t, p.Verify(), ErrDiverged)
	_, err := p.Step()
	assert.Error(t, err)
}

func TestPipeline_ExpectedFreeAtPowerOn(t *testing.T) {
	p := newPipeline(t, config.Default(), 1)
	for i, a := range p.Stage().Adapters() {
		want := p.ExpectedFree(i)
		assert.True(t, want.Equal(a.Pool().Free()))
		assert.False(t, want.Test(uint(freelist.Sentinel)))
	}
}
