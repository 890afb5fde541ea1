package freelist

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Snapshot is a copy of the complete pool state as raw 64-bit words
// (bit i of word i/64 is register i). Committed is nil when the shadow is
// disabled.
type Snapshot struct {
	Cycle       uint64     `cbor:"cycle" json:"cycle"`
	Slots       int        `cbor:"slots" json:"slots"`
	Width       int        `cbor:"width" json:"width"`
	Free        []uint64   `cbor:"free" json:"free"`
	Committed   []uint64   `cbor:"committed,omitempty" json:"committed,omitempty"`
	Checkpoints [][]uint64 `cbor:"checkpoints" json:"checkpoints"`
	Live        []uint64   `cbor:"live" json:"live"`
}

func words(b *bitset.BitSet) []uint64 {
	return append([]uint64(nil), b.Bytes()...)
}

// Snapshot copies the pool state.
func (p *Pool) Snapshot() Snapshot {
	s := Snapshot{
		Cycle:       p.cycle,
		Slots:       p.cfg.Slots,
		Width:       p.cfg.Width,
		Free:        words(p.free),
		Checkpoints: make([][]uint64, len(p.checkpoints)),
		Live:        words(p.live),
	}
	if p.committed != nil {
		s.Committed = words(p.committed)
	}
	for i, cp := range p.checkpoints {
		s.Checkpoints[i] = words(cp)
	}
	return s
}

// Restore loads a snapshot taken from a pool of the same shape.
// Bits beyond the slot count and the sentinel bit are dropped.
func (p *Pool) Restore(s Snapshot) error {
	if s.Slots != p.cfg.Slots || len(s.Checkpoints) != len(p.checkpoints) {
		return fmt.Errorf("%w: snapshot is %d slots × %d checkpoints, pool is %d × %d",
			ErrConfig, s.Slots, len(s.Checkpoints), p.cfg.Slots, len(p.checkpoints))
	}
	if (s.Committed != nil) != (p.committed != nil) {
		return fmt.Errorf("%w: committed shadow mismatch", ErrConfig)
	}

	load(p.free, s.Free)
	p.free.Clear(uint(Sentinel))
	if p.committed != nil {
		load(p.committed, s.Committed)
		p.committed.Clear(uint(Sentinel))
	}
	for i, cp := range p.checkpoints {
		load(cp, s.Checkpoints[i])
	}
	load(p.live, s.Live)
	p.cycle = s.Cycle
	return nil
}

// load overwrites dst with src, keeping dst's length. src is not modified.
func load(dst *bitset.BitSet, src []uint64) {
	n := dst.Len()
	in := bitset.From(append([]uint64(nil), src...))
	in.InPlaceIntersection(bitset.New(n).FlipRange(0, n))
	dst.ClearAll()
	copy(dst.Bytes(), in.Bytes())
}
