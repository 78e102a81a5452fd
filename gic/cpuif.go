package gic

import (
	"fmt"

	"github.com/c35s/gic/reg"
)

// cpu interface register offsets (memory-mapped mode)

const (
	giccCTLR = reg.Reg32(0x0000) // control (RW)
	giccPMR  = reg.Reg32(0x0004) // priority mask (RW)
	giccBPR  = reg.Reg32(0x0008) // binary point (RW)
	giccIIDR = reg.Reg32(0x00fc) // interface identification (R)
)

// GICC_CTLR bits
const (
	giccCtlrEnableGrp1    = 1 << 0
	giccCtlrFIQBypDisGrp1 = 1 << 5
	giccCtlrIRQBypDisGrp1 = 1 << 6
	giccCtlrEOImodeNS     = 1 << 9
)

// cpu interface system registers

const (
	IccSreEL2     = reg.SysReg(0xe64d) // S3_4_C12_C9_5 (RW)
	IccCtlrEL1    = reg.SysReg(0xc664) // S3_0_C12_C12_4 (RW)
	IccPmrEL1     = reg.SysReg(0xc230) // S3_0_C4_C6_0 (RW)
	IccBpr1EL1    = reg.SysReg(0xc663) // S3_0_C12_C12_3 (RW)
	IccIgrpen1EL1 = reg.SysReg(0xc667) // S3_0_C12_C12_7 (RW)
	IccSgi1rEL1   = reg.SysReg(0xc65d) // S3_0_C12_C11_5 (W)
)

// ICC_SRE_EL2 bits
const (
	sreSRE = 1 << 0 // system register interface enabled
	sreDFB = 1 << 1 // FIQ bypass disabled
	sreDIB = 1 << 2 // IRQ bypass disabled
)

// CPUInterfaceSizeDefault is the size of the common two-page GICC frame.
const CPUInterfaceSizeDefault = 2 * PageSize

// cpuInterfaceAliased is the GICC size of platforms that alias each page at
// 64K granularity; their registers start at the last 4K of the first 64K.
const (
	cpuInterfaceAliased     = 0x20000
	cpuInterfaceAliasedOffs = 0xf000
)

// CPUInterface is the per-core GIC CPU interface. In ModeMMIO every core
// reaches its own interface through one shared window; in ModeRegs each
// core uses its ICC system registers.
type CPUInterface struct {
	mode *modeState
	regs reg.File // ModeMMIO only
	phys uint64
	size uint64

	topo Topology
	tr   tracer
}

// initMode runs on the boot core before anything is mapped. It requests
// system register access and promotes the mode if the hardware confirms it.
func (ci *CPUInterface) initMode(core Core) {
	if !core.HasGICSysRegs() {
		return
	}

	if ci.enableSysRegs(core) && ci.mode.promote() {
		ci.tr.trace(TraceMode, "GICC: mode", "cpu", core.ID(), "mode", ModeRegs)
	}
}

// rearm repeats the per-core system register enable on a core joining a
// system that already runs in ModeRegs.
func (ci *CPUInterface) rearm(core Core) {
	if ci.mode.load() != ModeRegs {
		return
	}

	if !core.HasGICSysRegs() || !ci.enableSysRegs(core) {
		panic(fmt.Errorf("%w: cpu %d cannot enable GIC system registers", ErrContract, core.ID()))
	}
}

func (ci *CPUInterface) enableSysRegs(core Core) bool {
	sr := core.SysRegs()

	// disable IRQ/FIQ bypass and enable system registers
	sr.WriteSys(IccSreEL2, sr.ReadSys(IccSreEL2)|sreDIB|sreDFB|sreSRE)

	// the write must take effect before the read back
	core.ISB()

	return sr.ReadSys(IccSreEL2)&sreSRE != 0
}

func (ci *CPUInterface) mmap(cfg Config) error {
	if cfg.CPUInterfacePhys == 0 {
		return fmt.Errorf("%w: no physical address", ErrNoCPUInterface)
	}

	ci.phys = cfg.CPUInterfacePhys
	ci.size = cfg.CPUInterfaceSize

	var offs uint64
	if ci.size == cpuInterfaceAliased {
		offs = cpuInterfaceAliasedOffs
	}

	regs, err := cfg.Mapper.Map(ci.phys+offs, 2*PageSize, PermG|PermW|PermR, MemDevice)
	if err != nil {
		return fmt.Errorf("%w: cpu interface %#x+%#x: %w", ErrMap, ci.phys+offs, 2*PageSize, err)
	}

	ci.regs = regs
	return nil
}

func (ci *CPUInterface) init(core Core) {
	switch ci.mode.load() {
	case ModeMMIO:
		ci.initMMIO(core)

	case ModeRegs:
		ci.initRegs(core)
	}
}

func (ci *CPUInterface) initMMIO(core Core) {
	// disable signaling
	giccCTLR.Write(ci.regs, 0)

	giccBPR.Write(ci.regs, reg.Mask(2, 0))
	giccPMR.Write(ci.regs, reg.Mask(7, 0))

	// enable signaling
	giccCTLR.Write(ci.regs, giccCtlrEOImodeNS|giccCtlrIRQBypDisGrp1|giccCtlrFIQBypDisGrp1|giccCtlrEnableGrp1)

	iidr := giccIIDR.Read(ci.regs)
	ci.tr.trace(TraceIntr, "GICC",
		"cpu", core.ID(),
		"phys", fmt.Sprintf("%#010x", ci.phys),
		"arch", reg.Field(iidr, 19, 16),
		"rev", reg.Field(iidr, 15, 12),
		"impl", fmt.Sprintf("%#x", reg.Field(iidr, 11, 0)),
		"prod", fmt.Sprintf("%#x", reg.Field(iidr, 31, 20)))
}

func (ci *CPUInterface) initRegs(core Core) {
	sr := core.SysRegs()
	sr.WriteSys(IccBpr1EL1, uint64(reg.Mask(2, 0)))
	sr.WriteSys(IccPmrEL1, uint64(reg.Mask(7, 0)))
	sr.WriteSys(IccIgrpen1EL1, 1)
	sr.WriteSys(IccCtlrEL1, 1<<1) // EOImode

	// no interrupt may be taken before these writes are in effect
	core.ISB()

	ci.tr.trace(TraceIntr, "GICC: REGS", "cpu", core.ID())
}

// SendCPU sends sgi from core to a logical CPU. It is only valid in ModeRegs.
func (ci *CPUInterface) SendCPU(from Core, sgi uint, cpu int) {
	if sgi >= NumSGI || ci.mode.load() != ModeRegs || cpu < 0 || cpu >= ci.topo.NumCPU() {
		panic(fmt.Errorf("%w: cpu interface send sgi %d to cpu %d in %v mode", ErrContract, sgi, cpu, ci.mode.load()))
	}

	ci.sendSGI(from, SGI1RFor(sgi, ci.topo.MPIDR(cpu)))
}

// SendExc sends sgi from core to all other cores. It is only valid in
// ModeRegs.
func (ci *CPUInterface) SendExc(from Core, sgi uint) {
	if sgi >= NumSGI || ci.mode.load() != ModeRegs {
		panic(fmt.Errorf("%w: cpu interface broadcast sgi %d in %v mode", ErrContract, sgi, ci.mode.load()))
	}

	ci.sendSGI(from, SGI1R{INTID: uint8(sgi), IRM: true})
}

func (ci *CPUInterface) sendSGI(from Core, s SGI1R) {
	ci.tr.trace(TraceSGI, "GICC: SGI", "cpu", from.ID(), "sgi", s.INTID, "aff", fmt.Sprintf("%d.%d.%d", s.Aff3, s.Aff2, s.Aff1), "targets", fmt.Sprintf("%#04x", s.TargetList), "irm", s.IRM)
	from.SysRegs().WriteSys(IccSgi1rEL1, s.Encode())
}

// Mode returns the current access mode.
func (ci *CPUInterface) Mode() Mode { return ci.mode.load() }
