package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/spf13/cobra"

	"github.com/yanghaoming95/riscv-boom/proto/config"
)

var rootCmd = &cobra.Command{
	Use:   "riscv-boom",
	Short: "Speculative physical register free list simulator",
}

func Exec() {
	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newReplayCommand())
	rootCmd.AddCommand(newSelectCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newDiffCommand())

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads path, or returns the default machine when path is empty.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// startLogger configures the process logger. The returned func flushes it.
func startLogger(level string) (logger.Logger, func()) {
	logger.New(level)
	return logger.Sugar.WithServiceName("riscv-boom"), logger.OnExit
}

// closeInto closes c and stores its error in *err unless an earlier error is
// already there.
func closeInto(err *error, c io.Closer) {
	if cerr := c.Close(); *err == nil {
		*err = cerr
	}
}

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.IsDir() {
		f.Close()
		return nil, fmt.Errorf("'%s' is a directory, please provide a file", path)
	}
	return f, nil
}
