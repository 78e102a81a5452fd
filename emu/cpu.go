package emu

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c35s/gic/gic"
	"github.com/c35s/gic/reg"
)

// CPU is an emulated core. It implements gic.Core and reg.SysFile.
type CPU struct {
	m     *Machine
	id    int
	mpidr uint64

	mu  sync.Mutex
	sys map[reg.SysReg]uint64

	isb atomic.Int64
}

func (c *CPU) ID() int { return c.id }

func (c *CPU) IsBoot() bool { return c.id == c.m.cfg.Boot }

func (c *CPU) HasGICSysRegs() bool { return c.m.cfg.SysRegs }

func (c *CPU) SysRegs() reg.SysFile { return c }

func (c *CPU) ISB() { c.isb.Add(1) }

// ISBs returns the number of instruction barriers the core has executed.
func (c *CPU) ISBs() int64 { return c.isb.Load() }

// MPIDR returns the core's affinity.
func (c *CPU) MPIDR() uint64 { return c.mpidr }

// SysReg returns the value of system register r without side effects.
func (c *CPU) SysReg(r reg.SysReg) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sys[r]
}

// ReadSys implements reg.SysFile. Accessing a GIC system register on a core
// without them, or before ICC_SRE_EL2.SRE is set, is undefined and panics.
func (c *CPU) ReadSys(r reg.SysReg) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.check(r)
	return c.sys[r]
}

// WriteSys implements reg.SysFile.
func (c *CPU) WriteSys(r reg.SysReg, v uint64) {
	if r == gic.IccSgi1rEL1 {
		c.checkLocked(r)
		c.deliverSGI1R(gic.DecodeSGI1R(v))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.check(r)

	switch r {
	case gic.IccSreEL2:
		if !c.m.cfg.IgnoreSRE {
			c.sys[r] = v & 0xf
		}

	default:
		c.sys[r] = v
	}
}

func (c *CPU) checkLocked(r reg.SysReg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.check(r)
}

func (c *CPU) check(r reg.SysReg) {
	if !c.m.cfg.SysRegs {
		panic(fmt.Sprintf("emu: cpu %d: %v: undefined instruction", c.id, r))
	}

	if r != gic.IccSreEL2 && c.sys[gic.IccSreEL2]&1 == 0 {
		panic(fmt.Sprintf("emu: cpu %d: %v: system register interface disabled", c.id, r))
	}
}

func (c *CPU) deliverSGI1R(s gic.SGI1R) {
	for _, t := range c.m.cpus {
		if s.IRM {
			if t != c {
				c.m.raiseSGI(t.id, s.INTID)
			}

			continue
		}

		a := gic.AffinityOf(t.mpidr)
		if a.Aff3 != s.Aff3 || a.Aff2 != s.Aff2 || a.Aff1 != s.Aff1 || a.Aff0 >= 16 {
			continue
		}

		if s.TargetList&(1<<a.Aff0) != 0 {
			c.m.raiseSGI(t.id, s.INTID)
		}
	}
}

// sysImage returns the core's system registers, one "name value" line each.
func (c *CPU) sysImage() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs := make([]reg.SysReg, 0, len(c.sys))
	for r := range c.sys {
		regs = append(regs, r)
	}

	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })

	var b []byte
	for _, r := range regs {
		b = fmt.Appendf(b, "%v %#x\n", r, c.sys[r])
	}

	return b
}
