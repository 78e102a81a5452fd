package gic

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/c35s/gic/reg"
)

// distributor register offsets

const (
	gicdCTLR       = reg.Reg32(0x0000) // control (RW)
	gicdTYPER      = reg.Reg32(0x0004) // controller type (R)
	gicdIIDR       = reg.Reg32(0x0008) // implementer identification (R)
	gicdSGIR       = reg.Reg32(0x0f00) // software generated interrupt, arch < 3 (W)
	gicdIGROUPR    = reg.Arr32(0x0080) // group, 32 ids per word (RW)
	gicdISENABLER  = reg.Arr32(0x0100) // set-enable alias (RW)
	gicdICENABLER  = reg.Arr32(0x0180) // clear-enable alias (RW)
	gicdISACTIVER  = reg.Arr32(0x0300) // set-active alias (RW)
	gicdICACTIVER  = reg.Arr32(0x0380) // clear-active alias (RW)
	gicdIPRIORITYR = reg.Arr32(0x0400) // priority, 4 ids per word (RW)
	gicdITARGETSR  = reg.Arr32(0x0800) // legacy targets, 4 ids per word (RW)
	gicdICFGR      = reg.Arr32(0x0c00) // trigger config, 16 ids per word (RW)
	gicdIROUTER    = reg.Arr64(0x6000) // affinity routing, indexed by id, arch >= 3 (RW)
)

// control and type bits

const (
	ctlrEnableGrp0  = 1 << 0  // arch < 3: forward interrupts
	ctlrEnableGrp1A = 1 << 1  // arch >= 3: forward non-secure group 1
	ctlrARENS       = 1 << 4  // arch >= 3: affinity routing
	ctlrRWP         = 1 << 31 // arch >= 3: register write pending

	typerSecurityExtn = 1 << 10
	typerESPI         = 1 << 8
	typerLPIS         = 1 << 17
)

// coresightPIDR2 is the distance of PIDR2 from the end of a register frame.
const coresightPIDR2 = 0x18

// Distributor is the system-wide GIC distributor.
type Distributor struct {
	regs reg.File
	phys uint64
	size uint64

	arch  uint
	intid uint
	group Group
	gen   generation

	topo    Topology
	barrier Barrier
	tr      tracer

	rwpLimit int

	// ifid maps logical CPUs to legacy CPU interface ids. Entry i is
	// written once, by CPU i during its init.
	ifid []uint8

	mu sync.Mutex // serializes Apply
}

// Info describes a discovered distributor.
type Info struct {
	Phys     uint64
	Size     uint64
	Arch     uint
	NumIntID uint
	Group    Group
	IIDR     uint32
	TYPER    uint32
}

// Probe discovers the distributor at cfg.DistributorPhys using cfg.Mapper.
// On success the distributor's physical window is reserved and stays mapped.
func Probe(cfg Config) (Info, error) {
	cfg = cfg.withDefaults()
	if cfg.Mapper == nil {
		return Info{}, fmt.Errorf("%w: mapper is not set", ErrConfig)
	}

	d, err := probe(cfg)
	if err != nil {
		return Info{}, err
	}

	if err := cfg.Mapper.Reserve(d.phys, d.size); err != nil {
		return Info{}, errors.Join(fmt.Errorf("%w: reserve distributor: %w", ErrMap, err), cfg.Mapper.Unmap(d.regs))
	}

	return d.Info(), nil
}

// probe maps and identifies the distributor. It does not reserve it.
func probe(cfg Config) (*Distributor, error) {
	if cfg.DistributorPhys == 0 {
		return nil, fmt.Errorf("%w: no physical address", ErrNoDistributor)
	}

	tr := tracer{log: cfg.Logger, flags: cfg.Trace}

	for size := uint64(PageSize); size <= PageSize<<4; size <<= 4 {
		regs, err := cfg.Mapper.Map(cfg.DistributorPhys, size, PermG|PermW|PermR, MemDevice)
		if err != nil {
			return nil, fmt.Errorf("%w: distributor %#x+%#x: %w", ErrMap, cfg.DistributorPhys, size, err)
		}

		pidr := regs.Read32(size - coresightPIDR2)
		if pidr == 0 {
			if err := cfg.Mapper.Unmap(regs); err != nil {
				return nil, fmt.Errorf("%w: distributor %#x+%#x: %w", ErrMap, cfg.DistributorPhys, size, err)
			}

			continue
		}

		var (
			iidr  = gicdIIDR.Read(regs)
			typer = gicdTYPER.Read(regs)
			arch  = uint(reg.Field(pidr, 7, 4))
		)

		d := &Distributor{
			regs:     regs,
			phys:     cfg.DistributorPhys,
			size:     size,
			arch:     arch,
			intid:    min(32*(uint(reg.Field(typer, 4, 0))+1), BaseRSV),
			group:    Group0,
			gen:      generationFor(arch),
			topo:     cfg.Topology,
			barrier:  cfg.Barrier,
			tr:       tr,
			rwpLimit: cfg.RWPSpinLimit,
		}

		if arch >= 3 || typer&typerSecurityExtn != 0 {
			d.group = Group1
		}

		if cfg.Topology != nil {
			d.ifid = make([]uint8, cfg.Topology.NumCPU())
		}

		tr.trace(TraceIntr, "GICD",
			"phys", fmt.Sprintf("%#010x", d.phys),
			"arch", arch,
			"rev", reg.Field(iidr, 19, 16),
			"patch", reg.Field(iidr, 15, 12),
			"impl", fmt.Sprintf("%#x", reg.Field(iidr, 11, 0)),
			"prod", fmt.Sprintf("%#x", reg.Field(iidr, 31, 24)),
			"espi", arch >= 3 && typer&typerESPI != 0,
			"lpis", arch >= 3 && typer&typerLPIS != 0,
			"intid", d.intid,
			"security", typer&typerSecurityExtn != 0,
			"group", d.group)

		return d, nil
	}

	return nil, ErrNoDistributor
}

// init configures the distributor banks visible to core. The boot core
// initializes the SGI/PPI and SPI banks, other cores only their private
// SGI/PPI bank, and arch >= 3 skips SGI/PPI since the redistributors own it.
func (d *Distributor) init(core Core) {
	// disable forwarding
	gicdCTLR.Write(d.regs, 0)

	s := d.gen.firstBanked()
	e := uint(BaseSPI)
	if core.IsBoot() {
		e = d.intid
	}

	// assign groups and disable
	for i := s; i < e; i += 32 {
		gicdICENABLER.Write(d.regs, i/32, reg.Mask(31, 0))
		gicdIGROUPR.Write(d.regs, i/32, uint32(d.group))
	}

	// assign priorities
	for i := s; i < e; i += 4 {
		gicdIPRIORITYR.Write(d.regs, i/4, 0)
	}

	// wait for CTLR and ICENABLER
	d.waitRWP()

	d.gen.initLocal(d, core)

	// enable forwarding
	gicdCTLR.Write(d.regs, d.gen.enableBits())
}

// GetAct reports whether interrupt id is active.
func (d *Distributor) GetAct(id uint) bool {
	d.checkID(id)
	return gicdISACTIVER.Read(d.regs, id/32)&reg.Bit(id%32) != 0
}

// SetAct marks interrupt id active or inactive. The change is visible to all
// cores when SetAct returns.
func (d *Distributor) SetAct(id uint, active bool) {
	d.checkID(id)

	r := gicdICACTIVER
	if active {
		r = gicdISACTIVER
	}

	r.Write(d.regs, id/32, reg.Bit(id%32))
	d.barrier.FSB()
}

// Reconfig is a trigger and routing change for one interrupt.
type Reconfig struct {
	ID     uint
	Masked bool // leave the interrupt disabled afterwards
	Level  bool // level triggered; edge otherwise
	CPU    int  // destination, SPIs only
}

// Conf reconfigures interrupt id. See Apply.
func (d *Distributor) Conf(id uint, masked, level bool, cpu int) {
	d.Apply(Reconfig{ID: id, Masked: masked, Level: level, CPU: cpu})
}

// Apply applies rc. The interrupt is masked, and the mask has taken effect,
// before its trigger mode or target changes, so no core ever observes a
// partly applied configuration on an enabled interrupt.
func (d *Distributor) Apply(rc Reconfig) {
	d.checkID(rc.ID)
	if rc.ID >= BaseSPI {
		d.checkCPU(rc.CPU)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := rc.ID

	// mask during reconfiguration
	gicdICENABLER.Write(d.regs, id/32, reg.Bit(id%32))
	d.waitRWP()

	// trigger mode
	b := cfgEdge(id)
	v := gicdICFGR.Read(d.regs, id/16)
	if rc.Level {
		v &^= b
	} else {
		v |= b
	}

	gicdICFGR.Write(d.regs, id/16, v)

	// target (read-only for SGI/PPI)
	if id >= BaseSPI {
		d.gen.route(d, id, rc.CPU)
	}

	if !rc.Masked {
		gicdISENABLER.Write(d.regs, id/32, reg.Bit(id%32))
	}
}

// Enabled reports whether interrupt id is enabled.
func (d *Distributor) Enabled(id uint) bool {
	d.checkID(id)
	return gicdISENABLER.Read(d.regs, id/32)&reg.Bit(id%32) != 0
}

// Level reports whether interrupt id is level triggered.
func (d *Distributor) Level(id uint) bool {
	d.checkID(id)
	return gicdICFGR.Read(d.regs, id/16)&cfgEdge(id) == 0
}

// Target returns the routing of interrupt id: the ITARGETSR byte on
// arch < 3, the IROUTER value otherwise.
func (d *Distributor) Target(id uint) uint64 {
	d.checkID(id)
	return d.gen.target(d, id)
}

// Group returns the group (0 or 1) of interrupt id.
func (d *Distributor) Group(id uint) uint {
	d.checkID(id)
	return uint(gicdIGROUPR.Read(d.regs, id/32) >> (id % 32) & 1)
}

// Priority returns the priority of interrupt id.
func (d *Distributor) Priority(id uint) uint8 {
	d.checkID(id)
	return uint8(gicdIPRIORITYR.Read(d.regs, id/4) >> targetShift(id))
}

// SendCPU sends sgi to a logical CPU through the legacy SGI register.
// It is only valid on arch < 3.
func (d *Distributor) SendCPU(sgi uint, cpu int) {
	if sgi >= NumSGI || cpu < 0 || cpu >= 8 || cpu >= len(d.ifid) || d.arch >= 3 {
		panic(fmt.Errorf("%w: distributor send sgi %d to cpu %d on arch %d", ErrContract, sgi, cpu, d.arch))
	}

	d.sendSGI(SGIR{INTID: uint8(sgi), TargetList: 1 << d.ifid[cpu]})
}

// SendExc sends sgi to all cores except the sender. It is only valid on
// arch < 3.
func (d *Distributor) SendExc(sgi uint) {
	if sgi >= NumSGI || d.arch >= 3 {
		panic(fmt.Errorf("%w: distributor broadcast sgi %d on arch %d", ErrContract, sgi, d.arch))
	}

	d.sendSGI(SGIR{INTID: uint8(sgi), Filter: SGIRFilterOthers})
}

func (d *Distributor) sendSGI(s SGIR) {
	d.tr.trace(TraceSGI, "GICD: SGI", "sgi", s.INTID, "targets", fmt.Sprintf("%#02x", s.TargetList), "filter", s.Filter)
	gicdSGIR.Write(d.regs, s.Encode())
}

// waitRWP waits until outstanding CTLR and ICENABLER writes have taken
// effect. Without an RWP limit it spins forever on hardware that never
// clears the bit.
func (d *Distributor) waitRWP() {
	d.gen.waitRWP(d)
}

func (d *Distributor) spinRWP() {
	for n := 0; gicdCTLR.Read(d.regs)&ctlrRWP != 0; n++ {
		if d.rwpLimit > 0 && n >= d.rwpLimit {
			panic(fmt.Errorf("%w: after %d polls", ErrRWPTimeout, n))
		}
	}
}

func (d *Distributor) checkID(id uint) {
	if !d.gen.addressable(id) || id >= BaseRSV || id >= d.intid {
		panic(fmt.Errorf("%w: interrupt %d on arch %d with %d ids", ErrContract, id, d.arch, d.intid))
	}
}

func (d *Distributor) checkCPU(cpu int) {
	if cpu < 0 || cpu >= d.topo.NumCPU() {
		panic(fmt.Errorf("%w: no cpu %d", ErrContract, cpu))
	}
}

// Arch returns the architecture version.
func (d *Distributor) Arch() uint { return d.arch }

// NumIntID returns the number of supported interrupt ids, capped at BaseRSV.
func (d *Distributor) NumIntID() uint { return d.intid }

// DefaultGroup returns the group assigned to every interrupt at init.
func (d *Distributor) DefaultGroup() Group { return d.group }

// InterfaceID returns the legacy CPU interface id of a logical CPU.
func (d *Distributor) InterfaceID(cpu int) uint8 {
	if cpu < 0 || cpu >= len(d.ifid) {
		panic(fmt.Errorf("%w: no cpu %d", ErrContract, cpu))
	}

	return d.ifid[cpu]
}

func (d *Distributor) Info() Info {
	return Info{
		Phys:     d.phys,
		Size:     d.size,
		Arch:     d.arch,
		NumIntID: d.intid,
		Group:    d.group,
		IIDR:     gicdIIDR.Read(d.regs),
		TYPER:    gicdTYPER.Read(d.regs),
	}
}

// interfaceID returns the lowest CPU interface id in a legacy target mask.
func interfaceID(mask uint32) (uint8, bool) {
	if mask == 0 {
		return 0, false
	}

	return uint8(bits.TrailingZeros32(mask)), true
}
