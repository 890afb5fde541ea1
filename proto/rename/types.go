package rename

import (
	"fmt"

	"github.com/yanghaoming95/riscv-boom/proto/freelist"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PIPELINE RECORDS
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// The adapter sees the rename stage through these records only. They carry what
// the surrounding pipeline already knows about each micro-op; the adapter never
// decodes, never reads the map table and never looks at register values.

// RegClass is the register file a destination lives in.
type RegClass uint8

const (
	ClassNone  RegClass = iota // no destination
	ClassInt                   // integer file (x0 hardwired to zero)
	ClassFloat                 // floating point file
)

var classNames = [...]string{"none", "int", "float"}

func (c RegClass) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// ParseRegClass accepts the names printed by String.
func ParseRegClass(s string) (RegClass, error) {
	for i, name := range classNames {
		if name == s {
			return RegClass(i), nil
		}
	}
	return ClassNone, fmt.Errorf("rename: unknown register class %q", s)
}

// Uop is the slice of a micro-op the free list cares about.
type Uop struct {
	DstType    RegClass        `json:"dst_type"`
	LDst       uint8           `json:"ldst"`                 // architectural destination
	PDst       freelist.PhysID `json:"pdst,omitempty"`       // physical destination (retire path)
	StalePDst  freelist.PhysID `json:"stale_pdst,omitempty"` // previous mapping of LDst (retire path)
	AllocBrTag bool            `json:"alloc_br_tag,omitempty"`
	BrTag      freelist.Tag    `json:"br_tag,omitempty"`
}

// DispatchLane is one rename slot. Valid means the uop fires this cycle.
type DispatchLane struct {
	Valid bool `json:"valid"`
	Uop   Uop  `json:"uop"`
}

// RetireLane is one commit/undo slot. At most one of Commit and Rollback is set.
type RetireLane struct {
	Commit   bool `json:"commit,omitempty"`
	Rollback bool `json:"rollback,omitempty"`
	Uop      Uop  `json:"uop"`
}

// Cycle is everything the rename stage presents in one cycle.
// Dispatch and Retire hold at most Width lanes each; lane index is program order.
type Cycle struct {
	Dispatch      []DispatchLane `json:"dispatch,omitempty"`
	Retire        []RetireLane   `json:"retire,omitempty"`
	Kill          bool           `json:"kill,omitempty"`
	Mispredict    bool           `json:"mispredict,omitempty"`
	MispredictTag freelist.Tag   `json:"mispredict_tag,omitempty"`
	Flush         bool           `json:"flush,omitempty"`

	// Diagnostics: pipeline empty, and registers held by architectural state
	// per class name.
	Drained bool           `json:"drained,omitempty"`
	Held    map[string]int `json:"held,omitempty"`
}

// Grants is what one class hands back to dispatch.
// OK[w] means lane w received a register this cycle; IDs[w] is the id to write
// into the uop (Sentinel for a hardwired-zero destination).
type Grants struct {
	IDs []freelist.PhysID
	OK  []bool
}
