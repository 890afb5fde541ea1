package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yanghaoming95/riscv-boom/proto/tracedb"
)

var (
	runsFlagDB    string
	runsFlagClass string
)

func newRunsCommand() *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List the runs recorded in a database",
		Args:  cobra.NoArgs,
		RunE:  runRuns,
	}
	runsCmd.PersistentFlags().StringVar(&runsFlagDB, "db", "", "sqlite database written by simulate or replay")
	return runsCmd
}

func newDiffCommand() *cobra.Command {
	diffCmd := &cobra.Command{
		Use:   "diff [run_a] [run_b]",
		Short: "Find the first cycle where two recorded runs disagree",
		Args:  cobra.ExactArgs(2),
		RunE:  runDiff,
	}
	diffCmd.PersistentFlags().StringVar(&runsFlagDB, "db", "", "sqlite database written by simulate or replay")
	diffCmd.PersistentFlags().StringVar(&runsFlagClass, "class", "", "compare one class only")
	return diffCmd
}

func openDB(cmd *cobra.Command) (context.Context, *tracedb.DB, error) {
	if runsFlagDB == "" {
		return nil, nil, fmt.Errorf("--db is required")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := tracedb.Open(ctx, runsFlagDB)
	return ctx, db, err
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx, db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.Runs(ctx)
	if err != nil {
		return err
	}
	for _, r := range runs {
		steps, err := db.Steps(ctx, r.ID, "")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %d steps\n", r.ID, r.StartedAt.Format(time.RFC3339), len(steps))
	}
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	a, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("run %q: %w", args[0], err)
	}
	b, err := uuid.Parse(args[1])
	if err != nil {
		return fmt.Errorf("run %q: %w", args[1], err)
	}

	ctx, db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	cycle, diverged, err := db.FirstDivergence(ctx, a, b, runsFlagClass)
	if err != nil {
		return err
	}
	if diverged {
		return fmt.Errorf("runs diverge at cycle %d", cycle)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "runs agree")
	return nil
}
