package gic

import (
	"fmt"
	"sync/atomic"
)

// Mode is the path used to reach the CPU interface.
type Mode uint32

const (
	ModeMMIO = Mode(iota) // memory-mapped GICC registers
	ModeRegs              // ICC_* system registers
)

func (m Mode) String() string {
	switch m {
	case ModeMMIO:
		return "mmio"

	case ModeRegs:
		return "regs"

	default:
		return fmt.Sprintf("Mode(%d)", uint32(m))
	}
}

// modeState holds the global access mode. The only transition is
// ModeMMIO to ModeRegs.
type modeState struct {
	v atomic.Uint32
}

func (s *modeState) load() Mode {
	return Mode(s.v.Load())
}

// promote moves the mode to ModeRegs. It reports whether this call made the
// transition.
func (s *modeState) promote() bool {
	return s.v.CompareAndSwap(uint32(ModeMMIO), uint32(ModeRegs))
}
