package gic

import (
	"fmt"

	"github.com/c35s/gic/reg"
)

// generation holds the behavior that differs between architecture versions.
// It is chosen once, at discovery.
type generation interface {

	// firstBanked is the first id a core initializes.
	firstBanked() uint

	// addressable reports whether id can be configured individually.
	addressable(id uint) bool

	// initLocal finishes init for core after the banks are reset.
	initLocal(d *Distributor, core Core)

	// enableBits is the CTLR value that enables forwarding.
	enableBits() uint32

	// route targets SPI id at a logical CPU.
	route(d *Distributor, id uint, cpu int)

	// target reads back the routing of id.
	target(d *Distributor, id uint) uint64

	waitRWP(d *Distributor)
}

func generationFor(arch uint) generation {
	if arch < 3 {
		return legacy{}
	}

	return affinity{}
}

// legacy is GICv1/v2: banked SGI/PPI in the distributor, bitmask targeting,
// synchronous register writes.
type legacy struct{}

func (legacy) firstBanked() uint { return BaseSGI }
func (legacy) addressable(uint) bool { return true }
func (legacy) enableBits() uint32 { return ctlrEnableGrp0 }
func (legacy) waitRWP(*Distributor) {}

func (legacy) initLocal(d *Distributor, core Core) {
	id, ok := interfaceID(gicdITARGETSR.Read(d.regs, 0))
	if !ok {
		panic(fmt.Errorf("%w: cpu %d has no interface id", ErrContract, core.ID()))
	}

	d.ifid[core.ID()] = id

	// enable all SGIs
	gicdISENABLER.Write(d.regs, 0, reg.Mask(NumSGI-1, 0))

	// our SGIs must stay available
	if gicdISENABLER.Read(d.regs, 0)&reg.Mask(1, 0) != reg.Mask(1, 0) {
		panic(fmt.Errorf("%w: cpu %d: SGIs 0 and 1 not enabled", ErrContract, core.ID()))
	}
}

func (legacy) route(d *Distributor, id uint, cpu int) {
	sh := targetShift(id)
	t := gicdITARGETSR.Read(d.regs, id/4)
	t &^= reg.Mask(7, 0) << sh
	t |= reg.Bit(uint(d.ifid[cpu])) << sh
	gicdITARGETSR.Write(d.regs, id/4, t)
}

func (legacy) target(d *Distributor, id uint) uint64 {
	return uint64(gicdITARGETSR.Read(d.regs, id/4) >> targetShift(id) & 0xff)
}

// affinity is GICv3/v4: SGI/PPI live in the redistributors, SPIs are routed
// by affinity, and CTLR/ICENABLER writes complete asynchronously.
type affinity struct{}

func (affinity) firstBanked() uint { return BaseSPI }
func (affinity) addressable(id uint) bool { return id >= BaseSPI }
func (affinity) enableBits() uint32 { return ctlrARENS | ctlrEnableGrp1A }
func (affinity) initLocal(*Distributor, Core) {}

func (affinity) route(d *Distributor, id uint, cpu int) {
	gicdIROUTER.Write(d.regs, id, AffinityRoute(d.topo.MPIDR(cpu)))
}

func (affinity) target(d *Distributor, id uint) uint64 {
	return gicdIROUTER.Read(d.regs, id)
}

func (affinity) waitRWP(d *Distributor) {
	d.spinRWP()
}
