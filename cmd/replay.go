package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yanghaoming95/riscv-boom/proto/rename"
	"github.com/yanghaoming95/riscv-boom/proto/trace"
)

var (
	replayFlagConfig    string
	replayFlagDB        string
	replayFlagSnapshots bool
)

func newReplayCommand() *cobra.Command {
	replayCmd := &cobra.Command{
		Use:   "replay [trace_file]",
		Short: "Feed a recorded cycle trace into fresh free lists",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
	replayCmd.PersistentFlags().StringVar(&replayFlagConfig, "config", "", "configuration file, built-in machine when empty")
	replayCmd.PersistentFlags().StringVar(&replayFlagDB, "db", "", "record pool state into this sqlite database")
	replayCmd.PersistentFlags().BoolVar(&replayFlagSnapshots, "snapshots", true, "keep full snapshots in the database, not just digests")
	return replayCmd
}

func runReplay(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig(replayFlagConfig)
	if err != nil {
		return err
	}
	log, done := startLogger(cfg.LogLevel)
	defer done()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rcs, err := cfg.RenameConfigs()
	if err != nil {
		return err
	}
	stage, err := rename.NewStage(rcs, log)
	if err != nil {
		return err
	}

	f, err := openFile(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	runConfig, err := cfg.Marshal()
	if err != nil {
		return err
	}
	rec, err := openRecorder(ctx, replayFlagDB, cfg.RecordEvery, replayFlagSnapshots, string(runConfig))
	if err != nil {
		return err
	}
	defer closeInto(&err, rec)

	tr := trace.NewReader(f)
	for {
		c, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if _, err := stage.Step(&c); err != nil {
			return fmt.Errorf("replay cycle %d: %w", stage.Cycle()-1, err)
		}
		if err := rec.observe(ctx, stage); err != nil {
			return err
		}
	}

	log.Infof("replay: %s, %d cycles", args[0], stage.Cycle())
	if rec != nil {
		log.Infof("replay: run %s, %d steps recorded", rec.run.ID, rec.steps)
	}
	return summarize(cmd, stage)
}
