package rename

import (
	"errors"
	"fmt"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/yanghaoming95/riscv-boom/proto/conserve"
	"github.com/yanghaoming95/riscv-boom/proto/freelist"
)

// Stage is the free list side of the rename stage: one adapter and one
// conservation monitor per register class, stepped together. Classes share
// nothing; the order of adapters does not matter.
type Stage struct {
	adapters []*Adapter
	monitors []*conserve.Monitor
	byClass  map[RegClass]int
	log      logger.Logger
	cycle    uint64
}

// NewStage builds every class. Class names and classes must be unique.
func NewStage(cfgs []Config, log logger.Logger) (*Stage, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("%w: no register classes", ErrConfig)
	}
	s := &Stage{byClass: map[RegClass]int{}, log: log}
	names := map[string]bool{}
	for _, cfg := range cfgs {
		if names[cfg.Name] {
			return nil, fmt.Errorf("%w: duplicate class name %q", ErrConfig, cfg.Name)
		}
		if _, dup := s.byClass[cfg.Class]; dup {
			return nil, fmt.Errorf("%w: class %s configured twice", ErrConfig, cfg.Class)
		}
		a, err := NewAdapter(cfg, log)
		if err != nil {
			return nil, err
		}
		names[cfg.Name] = true
		s.byClass[cfg.Class] = len(s.adapters)
		s.adapters = append(s.adapters, a)
		s.monitors = append(s.monitors, conserve.New(cfg.Pool.Slots, cfg.Slack))
	}
	return s, nil
}

// Adapters returns the per-class adapters in configuration order.
func (s *Stage) Adapters() []*Adapter { return s.adapters }

// Adapter returns the adapter serving class, or nil.
func (s *Stage) Adapter(class RegClass) *Adapter {
	i, ok := s.byClass[class]
	if !ok {
		return nil
	}
	return s.adapters[i]
}

// Monitor returns the conservation monitor of class, or nil.
func (s *Stage) Monitor(class RegClass) *conserve.Monitor {
	i, ok := s.byClass[class]
	if !ok {
		return nil
	}
	return s.monitors[i]
}

// Ready returns the per-lane availability of class, nil when the class is
// not configured.
func (s *Stage) Ready(class RegClass) []bool {
	if a := s.Adapter(class); a != nil {
		return a.Ready()
	}
	return nil
}

// Cycle returns the number of cycles stepped.
func (s *Stage) Cycle() uint64 { return s.cycle }

// Step presents c to every class, then checks conservation on the resulting
// state. Grants are indexed like Adapters. Errors of all classes are joined;
// a class that fails its contract check is not stepped.
func (s *Stage) Step(c *Cycle) ([]Grants, error) {
	grants := make([]Grants, len(s.adapters))
	var errs []error
	for i, a := range s.adapters {
		g, err := a.Step(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		grants[i] = g

		held := 0
		if c.Held != nil {
			held = c.Held[a.cfg.Name]
		}
		if err := s.monitors[i].Check(a.pool.Free(), c.Drained, held); err != nil {
			errs = append(errs, fmt.Errorf("%s cycle %d: %w", a.cfg.Name, s.cycle, err))
		}
	}
	s.cycle++
	return grants, errors.Join(errs...)
}

// Reset returns every class to power-on state. Monitor reports are kept.
func (s *Stage) Reset() {
	for _, a := range s.adapters {
		a.Reset()
	}
	s.cycle = 0
}

// Classes lists the configured register classes in configuration order.
func (s *Stage) Classes() []RegClass {
	out := make([]RegClass, len(s.adapters))
	for i, a := range s.adapters {
		out[i] = a.cfg.Class
	}
	return out
}

// Snapshots returns the pool state of every class, keyed by class name.
func (s *Stage) Snapshots() map[string]freelist.Snapshot {
	out := make(map[string]freelist.Snapshot, len(s.adapters))
	for _, a := range s.adapters {
		out[a.cfg.Name] = a.pool.Snapshot()
	}
	return out
}
