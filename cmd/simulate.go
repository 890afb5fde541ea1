package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yanghaoming95/riscv-boom/proto/rename"
	"github.com/yanghaoming95/riscv-boom/proto/trace"
	"github.com/yanghaoming95/riscv-boom/proto/workload"
)

// drainLimit bounds the drain after the timed run.
const drainLimit = 100_000

var (
	simulateFlagConfig    string
	simulateFlagCycles    int
	simulateFlagSeed      int64
	simulateFlagTraceOut  string
	simulateFlagDB        string
	simulateFlagSnapshots bool
)

func newSimulateCommand() *cobra.Command {
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the synthetic pipeline against the free lists",
		Args:  cobra.NoArgs,
		RunE:  runSimulate,
	}
	simulateCmd.PersistentFlags().StringVar(&simulateFlagConfig, "config", "", "configuration file, built-in machine when empty")
	simulateCmd.PersistentFlags().IntVar(&simulateFlagCycles, "cycles", 10_000, "cycles to run before draining")
	simulateCmd.PersistentFlags().Int64Var(&simulateFlagSeed, "seed", 1, "workload seed")
	simulateCmd.PersistentFlags().StringVar(&simulateFlagTraceOut, "trace-out", "", "write the cycle trace to this file")
	simulateCmd.PersistentFlags().StringVar(&simulateFlagDB, "db", "", "record pool state into this sqlite database")
	simulateCmd.PersistentFlags().BoolVar(&simulateFlagSnapshots, "snapshots", true, "keep full snapshots in the database, not just digests")
	return simulateCmd
}

func runSimulate(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig(simulateFlagConfig)
	if err != nil {
		return err
	}
	log, done := startLogger(cfg.LogLevel)
	defer done()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	p, err := workload.New(cfg, simulateFlagSeed, log)
	if err != nil {
		return err
	}

	runConfig, err := cfg.Marshal()
	if err != nil {
		return err
	}
	rec, err := openRecorder(ctx, simulateFlagDB, cfg.RecordEvery, simulateFlagSnapshots, string(runConfig))
	if err != nil {
		return err
	}
	defer closeInto(&err, rec)

	var tw *trace.Writer
	if simulateFlagTraceOut != "" {
		f, cerr := os.Create(simulateFlagTraceOut)
		if cerr != nil {
			return cerr
		}
		defer closeInto(&err, f)
		tw = trace.NewWriter(f)
	}

	observe := func(c *rename.Cycle) error {
		if tw != nil {
			if err := tw.Write(c); err != nil {
				return err
			}
		}
		return rec.observe(ctx, p.Stage())
	}

	if err := p.Run(simulateFlagCycles, observe); err != nil {
		return err
	}
	if err := p.Drain(drainLimit, observe); err != nil {
		return err
	}
	if tw != nil {
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	s := p.Stats()
	log.Infof("simulate: seed %d, %d cycles, %d dispatched, %d retired, %d branches, %d mispredicts, %d squashed",
		simulateFlagSeed, s.Cycles, s.Dispatched, s.Retired, s.Branches, s.Mispredicts, s.Squashed)
	log.Infof("simulate: %d exceptions, %d rolled back, %d flushes, %d stall cycles",
		s.Exceptions, s.RolledBack, s.Flushes, s.Stalls)
	if pred := p.Predictor(); pred != nil {
		ps := pred.Stats()
		log.Infof("simulate: predictor %d branches, %d mispredicted, accuracy %.3f",
			ps.Branches, ps.Mispredicts, ps.Accuracy())
	}
	if rec != nil {
		log.Infof("simulate: run %s, %d steps recorded", rec.run.ID, rec.steps)
	}
	return summarize(cmd, p.Stage())
}

// summarize prints the final pool and conservation state of every class.
func summarize(cmd *cobra.Command, stage *rename.Stage) error {
	out := cmd.OutOrStdout()
	for _, a := range stage.Adapters() {
		r := stage.Monitor(a.Config().Class).Report()
		if _, err := fmt.Fprintf(out, "%-8s free %4d/%-4d max allocated %4d  checks %d (drained %d)  violations %d\n",
			a.Config().Name, a.Pool().FreeCount(), a.Config().Pool.Slots-1,
			r.MaxAllocated, r.Checks, r.DrainedChecks, r.Violations); err != nil {
			return err
		}
	}
	return nil
}
