// Package gic drives an ARM Generic Interrupt Controller: the system-wide
// distributor and the per-core CPU interfaces.
//
// The boot core builds a Controller with New, which selects the CPU interface
// access mode, discovers the distributor and maps the register windows. Every
// core, the boot core included, then calls InitCPU exactly once. Afterwards
// any core may mask, reconfigure and acknowledge interrupts through the
// Distributor and send software-generated interrupts with SendCPU and
// SendExc.
//
// Boot failures are returned as errors. Calls that break an operation's
// contract, such as an out-of-range interrupt id or an SGI sent through the
// wrong access path, panic with an error wrapping ErrContract.
package gic

import (
	"errors"
	"fmt"
	"log/slog"
)

// PageSize is the granule of GIC register frames.
const PageSize = 0x1000

// Config describes the platform a Controller runs on.
type Config struct {

	// DistributorPhys is the physical base of the distributor.
	DistributorPhys uint64

	// CPUInterfacePhys is the physical base of the memory-mapped CPU
	// interface. It is only required if the cores don't support (or don't
	// confirm) system register access.
	CPUInterfacePhys uint64

	// CPUInterfaceSize is the size of the CPU interface frame.
	// If it is 0, CPUInterfaceSizeDefault is used.
	CPUInterfaceSize uint64

	Mapper   Mapper
	Topology Topology
	Barrier  Barrier

	// Logger receives traces for the categories selected by Trace.
	// If Logger is nil, slog.Default is used.
	Logger *slog.Logger
	Trace  TraceFlags

	// RWPSpinLimit, if positive, bounds the number of polls of the
	// distributor's register-write-pending bit. Exceeding it panics with an
	// error wrapping ErrRWPTimeout. Zero polls forever, like the hardware
	// reference flow.
	RWPSpinLimit int
}

var (
	ErrConfig         = errors.New("gic: invalid config")
	ErrNoDistributor  = errors.New("gic: distributor MMIO unavailable")
	ErrNoCPUInterface = errors.New("gic: cpu interface MMIO unavailable")
	ErrMap            = errors.New("gic: map failed")
	ErrContract       = errors.New("gic: contract violation")
	ErrRWPTimeout     = errors.New("gic: register write pending timeout")
)

// Controller is the driver context shared by all cores.
type Controller struct {
	mode modeState
	dist *Distributor
	cpu  *CPUInterface
	tr   tracer
}

// New discovers and maps the GIC. It must run on the boot core, before any
// other core calls InitCPU. It returns a nil Controller on any error.
func New(cfg Config, boot Core) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if boot == nil || !boot.IsBoot() {
		return nil, fmt.Errorf("%w: New must run on the boot core", ErrConfig)
	}

	c := &Controller{
		tr: tracer{log: cfg.Logger, flags: cfg.Trace},
	}

	c.cpu = &CPUInterface{
		mode: &c.mode,
		topo: cfg.Topology,
		tr:   c.tr,
	}

	// pick the access mode before mapping anything
	c.cpu.initMode(boot)

	dist, err := probe(cfg)
	if err != nil {
		return nil, err
	}

	c.dist = dist

	if c.mode.load() == ModeMMIO {
		if err := c.cpu.mmap(cfg); err != nil {
			return nil, errors.Join(err, c.unmap(cfg.Mapper))
		}
	}

	// reserve only once everything is mapped
	if err := c.reserve(cfg.Mapper); err != nil {
		return nil, errors.Join(err, c.unmap(cfg.Mapper))
	}

	return c, nil
}

func (c *Controller) reserve(m Mapper) error {
	if err := m.Reserve(c.dist.phys, c.dist.size); err != nil {
		return fmt.Errorf("%w: reserve distributor: %w", ErrMap, err)
	}

	if c.cpu.regs == nil {
		return nil
	}

	if err := m.Reserve(c.cpu.phys, c.cpu.size); err != nil {
		return fmt.Errorf("%w: reserve cpu interface: %w", ErrMap, err)
	}

	return nil
}

// unmap releases the windows mapped by a failed New.
func (c *Controller) unmap(m Mapper) error {
	var errs []error
	if c.cpu.regs != nil {
		errs = append(errs, m.Unmap(c.cpu.regs))
	}

	errs = append(errs, m.Unmap(c.dist.regs))
	return errors.Join(errs...)
}

// InitCPU initializes the distributor banks and the CPU interface for core.
// Each core calls it once, the boot core first.
func (c *Controller) InitCPU(core Core) {
	if !core.IsBoot() {
		c.cpu.rearm(core)
	}

	c.dist.init(core)
	c.cpu.init(core)
}

// Resume reinitializes core after the GIC lost its state, for example on
// resume from system suspend. Discovery and mapping are not repeated.
func (c *Controller) Resume(core Core) {
	c.cpu.rearm(core)
	c.dist.init(core)
	c.cpu.init(core)
}

// SendCPU sends sgi from core to a logical CPU through the path of the
// current mode and architecture.
func (c *Controller) SendCPU(from Core, sgi uint, cpu int) {
	if c.mode.load() == ModeRegs {
		c.cpu.SendCPU(from, sgi, cpu)
		return
	}

	c.dist.SendCPU(sgi, cpu)
}

// SendExc sends sgi from core to all other cores through the path of the
// current mode and architecture.
func (c *Controller) SendExc(from Core, sgi uint) {
	if c.mode.load() == ModeRegs {
		c.cpu.SendExc(from, sgi)
		return
	}

	c.dist.SendExc(sgi)
}

// Mode returns the CPU interface access mode.
func (c *Controller) Mode() Mode { return c.mode.load() }

func (c *Controller) Distributor() *Distributor { return c.dist }

func (c *Controller) CPUInterface() *CPUInterface { return c.cpu }

func (cfg Config) validate() error {
	if cfg.Mapper == nil {
		return errors.New("mapper is not set")
	}

	if cfg.Topology == nil {
		return errors.New("topology is not set")
	}

	if cfg.Barrier == nil {
		return errors.New("barrier is not set")
	}

	if n := cfg.Topology.NumCPU(); n < 1 {
		return fmt.Errorf("topology has %d cpus", n)
	}

	if cfg.CPUInterfaceSize < 2*PageSize {
		return fmt.Errorf("cpu interface is too small: %#x < %#x", cfg.CPUInterfaceSize, 2*PageSize)
	}

	if cfg.RWPSpinLimit < 0 {
		return fmt.Errorf("negative RWP spin limit %d", cfg.RWPSpinLimit)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.CPUInterfaceSize == 0 {
		cfg.CPUInterfaceSize = CPUInterfaceSizeDefault
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
