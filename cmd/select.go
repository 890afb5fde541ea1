package cmd

import (
	"fmt"
	"strconv"

	"github.com/bits-and-blooms/bitset"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/yanghaoming95/riscv-boom/proto/freelist"
)

var (
	selectFlagSlots int
	selectFlagWidth int
	selectFlagDump  bool
)

func newSelectCommand() *cobra.Command {
	selectCmd := &cobra.Command{
		Use:   "select [free_ids...]",
		Short: "Show which registers a set of free ids grants, lane by lane",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSelect,
	}
	selectCmd.PersistentFlags().IntVar(&selectFlagSlots, "slots", 64, "number of physical registers")
	selectCmd.PersistentFlags().IntVar(&selectFlagWidth, "width", 4, "number of lanes")
	selectCmd.PersistentFlags().BoolVar(&selectFlagDump, "dump", false, "dump the raw selection")
	return selectCmd
}

func runSelect(cmd *cobra.Command, args []string) error {
	free, err := parseFree(selectFlagSlots, args)
	if err != nil {
		return err
	}
	if selectFlagWidth <= 0 {
		return fmt.Errorf("width %d", selectFlagWidth)
	}

	sel := freelist.Select(free, selectFlagWidth)
	out := cmd.OutOrStdout()
	if selectFlagDump {
		spew.Fdump(out, sel)
		return nil
	}
	for w := range sel.OK {
		if !sel.OK[w] {
			fmt.Fprintf(out, "lane %d: -\n", w)
			continue
		}
		fmt.Fprintf(out, "lane %d: %d\n", w, sel.IDs[w])
	}
	return nil
}

// parseFree builds the free bitmap from decimal ids. The sentinel and ids
// outside [0, slots) are rejected.
func parseFree(slots int, args []string) (*bitset.BitSet, error) {
	cfg := freelist.Config{Slots: slots, Checkpoints: 1, Width: 1}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	free := bitset.New(uint(slots))
	for _, a := range args {
		id, err := strconv.ParseUint(a, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("free id %q: %w", a, err)
		}
		switch {
		case id == uint64(freelist.Sentinel):
			return nil, fmt.Errorf("free id %d: %w", id, freelist.ErrSentinelSlot)
		case id >= uint64(slots):
			return nil, fmt.Errorf("free id %d: %w", id, freelist.ErrBadSlot)
		}
		free.Set(uint(id))
	}
	return free, nil
}
