// Package config loads simulation configuration files.
//
// The file is JSON:
//
//	{
//	  "width": 4,
//	  "log_level": "INFO",
//	  "strict": true,
//	  "record_every": 1,
//	  "classes": [
//	    {"name": "int", "class": "int", "slots": 96, "checkpoints": 16,
//	     "mode": "direct", "zero_register": true, "committed": true,
//	     "flush": true, "slack": 0, "arch_regs": 32}
//	  ],
//	  "workload": {"rob_size": 64, "branch_rate": 0.15, ...}
//	}
//
// Every field has a default; an empty object is a valid file.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sugawarayuuta/sonnet"

	"github.com/yanghaoming95/riscv-boom/proto/freelist"
	"github.com/yanghaoming95/riscv-boom/proto/rename"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Width       int      `json:"width"`
	LogLevel    string   `json:"log_level"`
	Strict      bool     `json:"strict"`
	RecordEvery int      `json:"record_every"` // record every n-th cycle, 0 disables
	Classes     []Class  `json:"classes"`
	Workload    Workload `json:"workload"`
}

// Class is one register file.
type Class struct {
	Name         string `json:"name"`
	Class        string `json:"class"` // "int" or "float"
	Slots        int    `json:"slots"`
	Checkpoints  int    `json:"checkpoints"`
	Mode         string `json:"mode"` // "direct" or "buffered"
	ZeroRegister bool   `json:"zero_register"`
	Committed    bool   `json:"committed"`
	Flush        bool   `json:"flush"`
	Slack        int    `json:"slack"`
	ArchRegs     int    `json:"arch_regs"`
}

// Workload shapes the synthetic pipeline. Rates are per dispatched uop
// (branch, fp) or per cycle (mispredict, exception, flush).
type Workload struct {
	ROBSize        int     `json:"rob_size"`
	BranchRate     float64 `json:"branch_rate"`
	MispredictRate float64 `json:"mispredict_rate"`
	ExceptionRate  float64 `json:"exception_rate"`
	FlushRate      float64 `json:"flush_rate"`
	FPRate         float64 `json:"fp_rate"`
	NoDstRate      float64 `json:"no_dst_rate"`
	MaxLatency     int     `json:"max_latency"`

	// With Predictor set, branch outcomes come from a synthetic program of
	// BranchSites static branches run through a TAGE predictor, and
	// MispredictRate is unused.
	Predictor   bool `json:"predictor"`
	BranchSites int  `json:"branch_sites"`
}

// Default is a 4-wide machine with integer and floating point files.
func Default() Config {
	return Config{
		Width:       4,
		LogLevel:    "INFO",
		Strict:      true,
		RecordEvery: 1,
		Classes: []Class{
			{Name: "int", Class: "int", Slots: 96, Checkpoints: 16, Mode: "direct",
				ZeroRegister: true, Committed: true, Flush: true, ArchRegs: 32},
			{Name: "fp", Class: "float", Slots: 64, Checkpoints: 16, Mode: "direct",
				Committed: true, Flush: true, ArchRegs: 32},
		},
		Workload: Workload{
			ROBSize:        64,
			BranchRate:     0.15,
			MispredictRate: 0.05,
			ExceptionRate:  0.002,
			FlushRate:      0.001,
			FPRate:         0.3,
			NoDstRate:      0.1,
			MaxLatency:     4,
			BranchSites:    64,
		},
	}
}

// Parse decodes data over the defaults and validates the result.
// A file that lists classes replaces the default classes entirely.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	cfg.Classes = nil
	if err := sonnet.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if len(cfg.Classes) == 0 {
		cfg.Classes = Default().Classes
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Marshal encodes cfg as JSON, for recording alongside a run.
func (c Config) Marshal() ([]byte, error) {
	return sonnet.Marshal(c)
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Width <= 0 {
		errs = append(errs, fmt.Errorf("%w: width %d", ErrInvalid, c.Width))
	}
	if c.RecordEvery < 0 {
		errs = append(errs, fmt.Errorf("%w: record_every %d", ErrInvalid, c.RecordEvery))
	}
	if len(c.Classes) == 0 {
		errs = append(errs, fmt.Errorf("%w: no classes", ErrInvalid))
	}

	names := map[string]bool{}
	kinds := map[string]bool{}
	for _, cl := range c.Classes {
		if names[cl.Name] {
			errs = append(errs, fmt.Errorf("%w: duplicate class name %q", ErrInvalid, cl.Name))
		}
		names[cl.Name] = true
		if kinds[cl.Class] {
			errs = append(errs, fmt.Errorf("%w: class %q configured twice", ErrInvalid, cl.Class))
		}
		kinds[cl.Class] = true

		if cl.Slots <= c.Width {
			errs = append(errs, fmt.Errorf("%w: %s: %d slots for width %d", ErrInvalid, cl.Name, cl.Slots, c.Width))
		}
		if cl.ArchRegs <= 0 || cl.ArchRegs > 256 || cl.ArchRegs >= cl.Slots {
			errs = append(errs, fmt.Errorf("%w: %s: arch_regs %d", ErrInvalid, cl.Name, cl.ArchRegs))
		}
		if c.Width > 0 {
			rc, err := c.RenameConfig(cl)
			if err != nil {
				errs = append(errs, err)
			} else if err := rc.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalid, cl.Name, err))
			}
		}
	}

	w := c.Workload
	for name, rate := range map[string]float64{
		"branch_rate": w.BranchRate, "mispredict_rate": w.MispredictRate,
		"exception_rate": w.ExceptionRate, "flush_rate": w.FlushRate,
		"fp_rate": w.FPRate, "no_dst_rate": w.NoDstRate,
	} {
		if rate < 0 || rate > 1 {
			errs = append(errs, fmt.Errorf("%w: workload %s %v", ErrInvalid, name, rate))
		}
	}
	if w.ROBSize < c.Width {
		errs = append(errs, fmt.Errorf("%w: workload rob_size %d", ErrInvalid, w.ROBSize))
	}
	if w.MaxLatency < 1 {
		errs = append(errs, fmt.Errorf("%w: workload max_latency %d", ErrInvalid, w.MaxLatency))
	}
	if w.Predictor && w.BranchSites <= 0 {
		errs = append(errs, fmt.Errorf("%w: workload branch_sites %d", ErrInvalid, w.BranchSites))
	}
	return errors.Join(errs...)
}

// RenameConfig converts one class entry for the rename stage.
func (c Config) RenameConfig(cl Class) (rename.Config, error) {
	class, err := rename.ParseRegClass(cl.Class)
	if err != nil {
		return rename.Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, cl.Name, err)
	}
	mode, err := rename.ParseMode(cl.Mode)
	if err != nil {
		return rename.Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, cl.Name, err)
	}
	return rename.Config{
		Name:  cl.Name,
		Class: class,
		Pool: freelist.Config{
			Slots:       cl.Slots,
			Checkpoints: cl.Checkpoints,
			Width:       c.Width,
			Committed:   cl.Committed,
		},
		Mode:         mode,
		ZeroRegister: cl.ZeroRegister,
		Flush:        cl.Flush,
		Strict:       c.Strict,
		Slack:        cl.Slack,
	}, nil
}

// RenameConfigs converts every class.
func (c Config) RenameConfigs() ([]rename.Config, error) {
	out := make([]rename.Config, 0, len(c.Classes))
	for _, cl := range c.Classes {
		rc, err := c.RenameConfig(cl)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, nil
}
