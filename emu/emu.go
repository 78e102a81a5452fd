// Package emu emulates enough of an ARM GIC and its host platform to run the
// gic driver without hardware: a GICv2/v3/v4 distributor, a GICv2 CPU
// interface, per-core ICC system registers, an MMIO bus, a CPU topology and
// barrier counters.
//
// Banked registers are resolved against the requesting core. Code that
// stands for a particular core runs inside Machine.Exec; everything else is
// attributed to the boot core.
package emu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c35s/gic/gic"
	"github.com/c35s/gic/reg"
	"golang.org/x/sync/errgroup"
)

// Config describes an emulated machine.
type Config struct {

	// Arch is the GIC architecture version (2, 3 or 4).
	// If Arch is 0, it is 3.
	Arch uint

	// Lines is the number of 32-id blocks the distributor implements
	// (TYPER.ITLinesNumber+1). If Lines is 0, it is 4. It must be <= 32.
	Lines uint

	// SecurityExtn sets TYPER.SecurityExtn.
	SecurityExtn bool

	// MPIDR lists the affinity of each CPU. Its length is the CPU count.
	// If MPIDR is empty, the machine has a single CPU with affinity 0.
	MPIDR []uint64

	// Boot is the index of the boot CPU.
	Boot int

	// IFID lists the legacy CPU interface id of each CPU (arch < 3).
	// If IFID is empty, CPU i has interface id i.
	IFID []uint8

	// SysRegs makes the cores advertise the GIC system register interface.
	SysRegs bool

	// IgnoreSRE makes the cores silently drop writes to ICC_SRE_EL2.
	IgnoreSRE bool

	// RWPDelay is the number of CTLR reads that report a pending write
	// after each CTLR or ICENABLER write (arch >= 3).
	RWPDelay int

	// DistributorPhys is the distributor base. If it is 0, it is
	// DistributorPhysDefault.
	DistributorPhys uint64

	// NoDistributor leaves the distributor off the bus.
	NoDistributor bool

	// CPUInterfacePhys is the base of the memory-mapped CPU interface.
	// If it is 0, it is CPUInterfacePhysDefault.
	CPUInterfacePhys uint64

	// CPUInterfaceSize is the size of the CPU interface frame. A size of
	// 0x20000 places the registers at +0xf000. If it is 0, it is 0x2000.
	CPUInterfaceSize uint64
}

// QEMU virt layout
const (
	DistributorPhysDefault  = 0x08000000
	CPUInterfacePhysDefault = 0x08010000
)

var (
	ErrReserved = errors.New("emu: range is reserved")
	ErrMap      = errors.New("emu: bad mapping")
)

// Machine is an emulated platform. It implements gic.Mapper, gic.Topology
// and gic.Barrier.
type Machine struct {
	cfg  Config
	bus  Bus
	gicd *distributor
	gicc *cpuInterface
	cpus []*CPU

	execMu    sync.Mutex
	requester atomic.Int32

	mu       sync.Mutex
	reserved reg.RangeSet
	windows  map[*window]struct{}

	fsb atomic.Int64

	sgiMu   sync.Mutex
	pending []uint16
}

// New creates a machine. It panics if cfg is inconsistent.
func New(cfg Config) *Machine {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		panic(err)
	}

	m := &Machine{
		cfg:     cfg,
		windows: make(map[*window]struct{}),
		pending: make([]uint16, len(cfg.MPIDR)),
	}

	m.requester.Store(int32(cfg.Boot))

	for i, mpidr := range cfg.MPIDR {
		m.cpus = append(m.cpus, &CPU{
			m:     m,
			id:    i,
			mpidr: mpidr,
			sys:   make(map[reg.SysReg]uint64),
		})
	}

	if !cfg.NoDistributor {
		m.gicd = newDistributor(m)
		m.bus.install("gicd", cfg.DistributorPhys, m.gicd.size, m.gicd)
	}

	var offs uint64
	if cfg.CPUInterfaceSize == 0x20000 {
		offs = 0xf000
	}

	m.gicc = newCPUInterface(m)
	m.bus.install("gicc", cfg.CPUInterfacePhys+offs, 2*gic.PageSize, m.gicc)

	return m
}

// CPU returns logical CPU i.
func (m *Machine) CPU(i int) *CPU { return m.cpus[i] }

// BootCPU returns the boot CPU.
func (m *Machine) BootCPU() *CPU { return m.cpus[m.cfg.Boot] }

// Bus returns the machine's MMIO bus.
func (m *Machine) Bus() *Bus { return &m.bus }

// Exec runs fn with bus accesses attributed to cpu. Calls are serialized.
func (m *Machine) Exec(cpu int, fn func()) {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	prev := m.requester.Swap(int32(cpu))
	defer m.requester.Store(prev)

	fn()
}

// Requester returns the CPU that bus accesses are currently attributed to.
func (m *Machine) Requester() int { return int(m.requester.Load()) }

// Start runs fn for the boot CPU, then for every other CPU in its own
// goroutine. Each call runs inside Exec, so the calls themselves are
// serialized. It returns the first error and stops starting CPUs once ctx
// is done.
func (m *Machine) Start(ctx context.Context, fn func(ctx context.Context, cpu *CPU) error) error {
	run := func(ctx context.Context, c *CPU) (err error) {
		m.Exec(c.id, func() {
			err = fn(ctx, c)
		})

		if err != nil {
			return fmt.Errorf("cpu %d: %w", c.id, err)
		}

		return nil
	}

	if err := run(ctx, m.BootCPU()); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.cpus {
		if c.IsBoot() {
			continue
		}

		c := c
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			return run(ctx, c)
		})
	}

	return g.Wait()
}

// Map implements gic.Mapper.
func (m *Machine) Map(phys, size uint64, perm gic.Perm, attr gic.MemAttr) (reg.File, error) {
	if size == 0 || phys%gic.PageSize != 0 || size%gic.PageSize != 0 {
		return nil, fmt.Errorf("%w: %#x+%#x is not page aligned", ErrMap, phys, size)
	}

	if attr != gic.MemDevice || perm&(gic.PermR|gic.PermW) != gic.PermR|gic.PermW {
		return nil, fmt.Errorf("%w: register windows must be read/write device memory", ErrMap)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reserved.Overlaps(phys, size) {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrReserved, phys, size)
	}

	w := &window{m: m, base: phys, size: size}
	m.windows[w] = struct{}{}

	return w, nil
}

// Unmap implements gic.Mapper.
func (m *Machine) Unmap(f reg.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := f.(*window)
	if _, mapped := m.windows[w]; !ok || !mapped {
		return fmt.Errorf("%w: not mapped", ErrMap)
	}

	delete(m.windows, w)
	return nil
}

// Reserve implements gic.Mapper.
func (m *Machine) Reserve(phys, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reserved.Add(phys, size)
	return nil
}

// Reserved returns the reserved physical ranges.
func (m *Machine) Reserved() []reg.Range {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reserved.Ranges()
}

// Mappings returns the number of live windows.
func (m *Machine) Mappings() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.windows)
}

// NumCPU implements gic.Topology.
func (m *Machine) NumCPU() int { return len(m.cpus) }

// MPIDR implements gic.Topology.
func (m *Machine) MPIDR(cpu int) uint64 { return m.cpus[cpu].mpidr }

// FSB implements gic.Barrier.
func (m *Machine) FSB() { m.fsb.Add(1) }

// Barriers returns the number of full-system barriers issued.
func (m *Machine) Barriers() int64 { return m.fsb.Load() }

func (m *Machine) raiseSGI(cpu int, sgi uint8) {
	m.sgiMu.Lock()
	defer m.sgiMu.Unlock()

	m.pending[cpu] |= 1 << (sgi & 0xf)
}

// PendingSGIs returns the SGIs pending on cpu, one bit per SGI id.
func (m *Machine) PendingSGIs(cpu int) uint16 {
	m.sgiMu.Lock()
	defer m.sgiMu.Unlock()

	return m.pending[cpu]
}

// TakeSGIs returns and clears the SGIs pending on cpu.
func (m *Machine) TakeSGIs(cpu int) uint16 {
	m.sgiMu.Lock()
	defer m.sgiMu.Unlock()

	p := m.pending[cpu]
	m.pending[cpu] = 0
	return p
}

// OnDistributorAccess calls fn after every distributor register access,
// on the accessing goroutine and outside the distributor's lock. A nil fn
// removes the hook.
func (m *Machine) OnDistributorAccess(fn func(Access)) {
	m.gicd.mu.Lock()
	defer m.gicd.mu.Unlock()

	m.gicd.hook = fn
}

// InterruptEnabled reports whether the distributor has interrupt id enabled,
// as seen by cpu. It does not go through the bus.
func (m *Machine) InterruptEnabled(cpu int, id uint) bool {
	return m.gicd.enabled(cpu, id)
}

// GICConfig returns a gic.Config for this machine's layout.
func (m *Machine) GICConfig() gic.Config {
	return gic.Config{
		DistributorPhys:  m.cfg.DistributorPhys,
		CPUInterfacePhys: m.cfg.CPUInterfacePhys,
		CPUInterfaceSize: m.cfg.CPUInterfaceSize,
		Mapper:           m,
		Topology:         m,
		Barrier:          m,
	}
}

// Validate reports whether New would accept cfg.
func (cfg Config) Validate() error {
	return cfg.withDefaults().validate()
}

func (cfg Config) withDefaults() Config {
	if cfg.Arch == 0 {
		cfg.Arch = 3
	}

	if cfg.Lines == 0 {
		cfg.Lines = 4
	}

	if len(cfg.MPIDR) == 0 {
		cfg.MPIDR = []uint64{0}
	}

	if len(cfg.IFID) == 0 {
		cfg.IFID = make([]uint8, len(cfg.MPIDR))
		for i := range cfg.IFID {
			cfg.IFID[i] = uint8(i)
		}
	}

	if cfg.DistributorPhys == 0 {
		cfg.DistributorPhys = DistributorPhysDefault
	}

	if cfg.CPUInterfacePhys == 0 {
		cfg.CPUInterfacePhys = CPUInterfacePhysDefault
	}

	if cfg.CPUInterfaceSize == 0 {
		cfg.CPUInterfaceSize = gic.CPUInterfaceSizeDefault
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Arch < 1 || cfg.Arch > 4 {
		return fmt.Errorf("emu: unsupported arch %d", cfg.Arch)
	}

	if cfg.Lines > 32 {
		return fmt.Errorf("emu: too many lines: %d > 32", cfg.Lines)
	}

	if cfg.Boot < 0 || cfg.Boot >= len(cfg.MPIDR) {
		return fmt.Errorf("emu: boot cpu %d out of range", cfg.Boot)
	}

	if len(cfg.IFID) != len(cfg.MPIDR) {
		return fmt.Errorf("emu: %d interface ids for %d cpus", len(cfg.IFID), len(cfg.MPIDR))
	}

	if cfg.Arch < 3 {
		if len(cfg.MPIDR) > 8 {
			return fmt.Errorf("emu: arch %d supports at most 8 cpus", cfg.Arch)
		}

		for _, id := range cfg.IFID {
			if id >= 8 {
				return fmt.Errorf("emu: interface id %d >= 8", id)
			}
		}
	}

	return nil
}
