package main

import (
	"compress/gzip"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/c35s/gic/board"
	"github.com/c35s/gic/devmem"
	"github.com/c35s/gic/emu"
	"github.com/c35s/gic/gic"
	"github.com/google/subcommands"
)

// machineFlags selects the board to run on.
type machineFlags struct {
	board    string
	arch     uint
	lines    uint
	cpus     int
	sysregs  bool
	rwpDelay int
	rwpLimit int
}

func (mf *machineFlags) SetFlags(f *flag.FlagSet) {
	f.StringVar(&mf.board, "board", "", "load the board description from file or URL")
	f.UintVar(&mf.arch, "arch", 0, "override the GIC architecture version (2, 3 or 4)")
	f.UintVar(&mf.lines, "lines", 0, "override the number of 32-interrupt blocks")
	f.IntVar(&mf.cpus, "cpus", 0, "override the number of CPUs")
	f.BoolVar(&mf.sysregs, "sysregs", false, "give the CPUs GIC system registers")
	f.IntVar(&mf.rwpDelay, "rwp-delay", 0, "emulate slow distributor writes")
	f.IntVar(&mf.rwpLimit, "rwp-limit", 0, "bound register-write-pending polls (0 polls forever)")
}

// load returns the selected board, or QEMU's virt layout with one CPU.
func (mf *machineFlags) load() (*board.Board, error) {
	var b *board.Board
	if mf.board != "" {
		var err error
		if b, err = board.Load(mf.board); err != nil {
			return nil, err
		}
	} else {
		b = &board.Board{Name: "virt", CPUs: []board.CPU{{}}}
		b.GIC.Distributor.Phys = emu.DistributorPhysDefault
		b.GIC.CPUInterface.Phys = emu.CPUInterfacePhysDefault
	}

	if mf.cpus > 0 {
		b.CPUs = b.CPUs[:0]
		for i := 0; i < mf.cpus; i++ {
			b.CPUs = append(b.CPUs, board.CPU{MPIDR: uint64(i/16)<<8 | uint64(i%16)})
		}
	}

	if mf.arch != 0 {
		b.GIC.Arch = mf.arch
	}

	if mf.lines != 0 {
		b.GIC.Lines = mf.lines
	}

	if mf.sysregs {
		b.GIC.SysRegs = true
	}

	return b, nil
}

func (mf *machineFlags) machine() (*board.Board, *emu.Machine, error) {
	b, err := mf.load()
	if err != nil {
		return nil, nil, err
	}

	cfg := b.EmuConfig()
	cfg.RWPDelay = mf.rwpDelay

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return b, emu.New(cfg), nil
}

// boot brings up every CPU of the selected board.
func (mf *machineFlags) boot(ctx context.Context, log *slog.Logger, tf gic.TraceFlags) (*emu.Machine, *gic.Controller, error) {
	_, m, err := mf.machine()
	if err != nil {
		return nil, nil, err
	}

	cfg := m.GICConfig()
	cfg.Logger = log
	cfg.Trace = tf
	cfg.RWPSpinLimit = mf.rwpLimit

	c, err := gic.New(cfg, m.BootCPU())
	if err != nil {
		return nil, nil, err
	}

	err = m.Start(ctx, func(ctx context.Context, cpu *emu.CPU) error {
		c.InitCPU(cpu)
		return nil
	})

	if err != nil {
		return nil, nil, err
	}

	return m, c, nil
}

type probeCmd struct {
	machineFlags
	devmem string
}

func (*probeCmd) Name() string { return "probe" }
func (*probeCmd) Synopsis() string { return "discover the distributor" }
func (*probeCmd) Usage() string {
	return "probe [-board file] [-devmem path]:\n\tPrint the distributor's identity and capabilities.\n"
}

func (p *probeCmd) SetFlags(f *flag.FlagSet) {
	p.machineFlags.SetFlags(f)
	f.StringVar(&p.devmem, "devmem", "", "probe through a memory device such as "+devmem.DefaultPath+" instead of the emulator")
}

func (p *probeCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	log, tf := execArgs(args)

	info, err := p.probe(log, tf)
	if err != nil {
		log.Error("probe failed", "err", err)
		return subcommands.ExitFailure
	}

	printInfo(os.Stdout, info)
	return subcommands.ExitSuccess
}

func (p *probeCmd) probe(log *slog.Logger, tf gic.TraceFlags) (gic.Info, error) {
	if p.devmem == "" {
		_, m, err := p.machine()
		if err != nil {
			return gic.Info{}, err
		}

		cfg := m.GICConfig()
		cfg.Logger = log
		cfg.Trace = tf
		return gic.Probe(cfg)
	}

	b, err := p.load()
	if err != nil {
		return gic.Info{}, err
	}

	mem, err := devmem.Open(p.devmem)
	if err != nil {
		return gic.Info{}, err
	}

	defer mem.Close()

	cfg := b.GICConfig()
	cfg.Mapper = mem
	cfg.Logger = log
	cfg.Trace = tf
	return gic.Probe(cfg)
}

type bootCmd struct {
	machineFlags
	snapshot string
}

func (*bootCmd) Name() string { return "boot" }
func (*bootCmd) Synopsis() string { return "initialize the GIC on every CPU of an emulated board" }
func (*bootCmd) Usage() string {
	return "boot [-board file] [-arch n] [-cpus n] [-sysregs] [-snapshot file]:\n\tBoot all CPUs and print the resulting configuration.\n"
}

func (bc *bootCmd) SetFlags(f *flag.FlagSet) {
	bc.machineFlags.SetFlags(f)
	f.StringVar(&bc.snapshot, "snapshot", "", "write the register state as a cpio archive (gzipped if the name ends in .gz)")
}

func (bc *bootCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	log, tf := execArgs(args)

	m, c, err := bc.boot(ctx, log, tf)
	if err != nil {
		log.Error("boot failed", "err", err)
		return subcommands.ExitFailure
	}

	printInfo(os.Stdout, c.Distributor().Info())
	printCPUs(os.Stdout, m, c)

	if bc.snapshot != "" {
		if err := writeSnapshot(bc.snapshot, m); err != nil {
			log.Error("snapshot failed", "err", err)
			return subcommands.ExitFailure
		}
	}

	return subcommands.ExitSuccess
}

type sgiCmd struct {
	machineFlags
	from      int
	to        int
	sgi       uint
	broadcast bool
}

func (*sgiCmd) Name() string { return "sgi" }
func (*sgiCmd) Synopsis() string { return "send a software-generated interrupt between emulated CPUs" }
func (*sgiCmd) Usage() string {
	return "sgi [-board file] -from cpu (-to cpu | -broadcast) -sgi id:\n\tBoot all CPUs, send an SGI and print the pending SGIs of each CPU.\n"
}

func (s *sgiCmd) SetFlags(f *flag.FlagSet) {
	s.machineFlags.SetFlags(f)
	f.IntVar(&s.from, "from", 0, "sending CPU")
	f.IntVar(&s.to, "to", 0, "receiving CPU")
	f.UintVar(&s.sgi, "sgi", 0, "SGI id (0-15)")
	f.BoolVar(&s.broadcast, "broadcast", false, "send to every CPU except the sender")
}

func (s *sgiCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	log, tf := execArgs(args)

	if s.sgi >= gic.NumSGI {
		log.Error("bad sgi", "sgi", s.sgi)
		return subcommands.ExitUsageError
	}

	m, c, err := s.boot(ctx, log, tf)
	if err != nil {
		log.Error("boot failed", "err", err)
		return subcommands.ExitFailure
	}

	n := m.NumCPU()
	if s.from < 0 || s.from >= n || s.to < 0 || s.to >= n {
		log.Error("no such cpu", "from", s.from, "to", s.to, "cpus", n)
		return subcommands.ExitUsageError
	}

	if c.Mode() == gic.ModeMMIO && c.Distributor().Arch() >= 3 {
		log.Error("affinity-routed SGIs need system registers; try -sysregs")
		return subcommands.ExitUsageError
	}

	from := m.CPU(s.from)
	m.Exec(s.from, func() {
		if s.broadcast {
			c.SendExc(from, s.sgi)
		} else {
			c.SendCPU(from, s.sgi, s.to)
		}
	})

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CPU\tPENDING")
	for i := 0; i < n; i++ {
		fmt.Fprintf(tw, "%d\t%s\n", i, sgiList(m.TakeSGIs(i)))
	}

	tw.Flush()
	return subcommands.ExitSuccess
}

func printInfo(w io.Writer, info gic.Info) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "distributor\t%#010x+%#x\n", info.Phys, info.Size)
	fmt.Fprintf(tw, "arch\t%d\n", info.Arch)
	fmt.Fprintf(tw, "intids\t%d\n", info.NumIntID)
	fmt.Fprintf(tw, "group\t%v\n", info.Group)
	fmt.Fprintf(tw, "iidr\t%#010x\n", info.IIDR)
	fmt.Fprintf(tw, "typer\t%#010x\n", info.TYPER)
	tw.Flush()
}

func printCPUs(w io.Writer, m *emu.Machine, c *gic.Controller) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "mode\t%v\n\n", c.Mode())
	fmt.Fprintln(tw, "CPU\tMPIDR\tBOOT\tIFID\tPMR")

	for i := 0; i < m.NumCPU(); i++ {
		cpu := m.CPU(i)

		ifid := "-"
		if c.Distributor().Arch() < 3 {
			ifid = fmt.Sprint(c.Distributor().InterfaceID(i))
		}

		var pmr uint64
		if c.Mode() == gic.ModeRegs {
			pmr = cpu.SysReg(gic.IccPmrEL1)
		} else {
			pmr = uint64(m.CPUInterfaceRegs(i).PMR)
		}

		fmt.Fprintf(tw, "%d\t%#x\t%v\t%s\t%#x\n", i, cpu.MPIDR(), cpu.IsBoot(), ifid, pmr)
	}

	tw.Flush()
}

func writeSnapshot(path string, m *emu.Machine) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if !strings.HasSuffix(path, ".gz") {
		return m.WriteSnapshot(f)
	}

	zw := gzip.NewWriter(f)
	if err := m.WriteSnapshot(zw); err != nil {
		return err
	}

	return zw.Close()
}

func sgiList(p uint16) string {
	var ids []string
	for i := 0; i < gic.NumSGI; i++ {
		if p&(1<<i) != 0 {
			ids = append(ids, fmt.Sprint(i))
		}
	}

	if len(ids) == 0 {
		return "-"
	}

	return strings.Join(ids, ",")
}
