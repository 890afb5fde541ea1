// ═══════════════════════════════════════════════════════════════════════════════════════════════
// Conservation Monitor - Diagnostic Invariant Checker
// ───────────────────────────────────────────────────────────────────────────────────────────────
//
// WHAT IT CHECKS:
// ──────────────
// Every physical register is either free or owned by someone. When the
// pipeline is drained nobody in flight owns anything, so the only owners left
// are the architectural mappings (held) plus a small slack for grants latched
// in buffered lanes.
//
//	Always:   sentinel not free, allocated ≤ N-1
//	Drained:  allocated ≤ held + slack
//
// A leak shows up as the drained count creeping upward; a double free shows up
// later as a register granted twice (caught by the free list's own asserts).
//
// The monitor never changes pool state. It is wired to every cycle in tests
// and in strict simulation runs.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package conserve

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrConservation = errors.New("conserve: allocated registers exceed bound")
	ErrSentinelFree = errors.New("conserve: sentinel register marked free")
)

// Monitor checks one register class.
type Monitor struct {
	Slots int // N, sentinel included
	Slack int // registers allowed outside held when drained

	report Report
}

// Report summarizes everything the monitor has seen.
type Report struct {
	Checks        uint64
	DrainedChecks uint64
	Violations    uint64
	MaxAllocated  int // peak over all checks
	MaxLeak       int // peak of allocated - held over drained checks
	LastError     error
}

// New returns a monitor for a class of slots registers.
func New(slots, slack int) *Monitor {
	return &Monitor{Slots: slots, Slack: slack}
}

// Allocated counts owned registers in free, sentinel excluded.
func Allocated(free *bitset.BitSet, slots int) int {
	n := int(free.Count())
	if free.Test(0) {
		n--
	}
	return slots - 1 - n
}

// Check runs the invariant against the end-of-cycle free bitmap.
// held is the number of registers legitimately owned by architectural state.
func (m *Monitor) Check(free *bitset.BitSet, drained bool, held int) error {
	m.report.Checks++
	allocated := Allocated(free, m.Slots)
	if allocated > m.report.MaxAllocated {
		m.report.MaxAllocated = allocated
	}

	var errs []error
	if free.Test(0) {
		errs = append(errs, ErrSentinelFree)
	}
	if allocated > m.Slots-1 {
		errs = append(errs, fmt.Errorf("%w: %d allocated of %d", ErrConservation, allocated, m.Slots-1))
	}
	if drained {
		m.report.DrainedChecks++
		if leak := allocated - held; leak > m.report.MaxLeak {
			m.report.MaxLeak = leak
		}
		if allocated > held+m.Slack {
			errs = append(errs, fmt.Errorf("%w: drained with %d allocated, %d held, slack %d",
				ErrConservation, allocated, held, m.Slack))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	m.report.Violations++
	m.report.LastError = err
	return err
}

// Report returns a copy of the running summary.
func (m *Monitor) Report() Report { return m.report }
