package gic_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c35s/gic/emu"
	"github.com/c35s/gic/gic"
	"github.com/c35s/gic/reg"
	"github.com/google/go-cmp/cmp"
)

func TestNew(t *testing.T) {
	t.Run("no distributor", func(t *testing.T) {
		m := emu.New(emu.Config{NoDistributor: true})
		c, err := gic.New(m.GICConfig(), m.BootCPU())
		if !errors.Is(err, gic.ErrNoDistributor) {
			t.Errorf("err %v is not ErrNoDistributor", err)
		}

		if c != nil {
			t.Error("controller is not nil")
		}

		if n := m.Mappings(); n != 0 {
			t.Errorf("%d probe mappings left behind", n)
		}

		if r := m.Reserved(); len(r) != 0 {
			t.Errorf("reserved %v", r)
		}
	})

	t.Run("no distributor address", func(t *testing.T) {
		m := emu.New(emu.Config{})
		cfg := m.GICConfig()
		cfg.DistributorPhys = 0

		if _, err := gic.New(cfg, m.BootCPU()); !errors.Is(err, gic.ErrNoDistributor) {
			t.Errorf("err %v is not ErrNoDistributor", err)
		}
	})

	t.Run("no cpu interface address", func(t *testing.T) {
		m := emu.New(emu.Config{Arch: 2})
		cfg := m.GICConfig()
		cfg.CPUInterfacePhys = 0

		c, err := gic.New(cfg, m.BootCPU())
		if !errors.Is(err, gic.ErrNoCPUInterface) {
			t.Errorf("err %v is not ErrNoCPUInterface", err)
		}

		if c != nil {
			t.Error("controller is not nil")
		}

		if n := m.Mappings(); n != 0 {
			t.Errorf("%d mappings left behind", n)
		}

		if r := m.Reserved(); len(r) != 0 {
			t.Errorf("reserved %v", r)
		}

		// a corrected config still works
		if _, err := gic.New(m.GICConfig(), m.BootCPU()); err != nil {
			t.Errorf("retry: %v", err)
		}
	})

	t.Run("cpu interface map fails", func(t *testing.T) {
		m := emu.New(emu.Config{Arch: 2})
		cfg := m.GICConfig()
		cfg.CPUInterfacePhys += 0x10

		c, err := gic.New(cfg, m.BootCPU())
		if !errors.Is(err, gic.ErrMap) {
			t.Errorf("err %v is not ErrMap", err)
		}

		if c != nil {
			t.Error("controller is not nil")
		}

		if n := m.Mappings(); n != 0 {
			t.Errorf("%d mappings left behind", n)
		}

		if r := m.Reserved(); len(r) != 0 {
			t.Errorf("reserved %v", r)
		}
	})

	t.Run("cpu interface not needed", func(t *testing.T) {
		m := emu.New(emu.Config{SysRegs: true})
		cfg := m.GICConfig()
		cfg.CPUInterfacePhys = 0

		c, err := gic.New(cfg, m.BootCPU())
		if err != nil {
			t.Fatal(err)
		}

		if c.Mode() != gic.ModeRegs {
			t.Errorf("mode %v != regs", c.Mode())
		}
	})

	t.Run("not boot core", func(t *testing.T) {
		m := emu.New(emu.Config{MPIDR: []uint64{0, 1}})
		if _, err := gic.New(m.GICConfig(), m.CPU(1)); !errors.Is(err, gic.ErrConfig) {
			t.Errorf("err %v is not ErrConfig", err)
		}
	})

	bad := map[string]func(*gic.Config){
		"no mapper":          func(cfg *gic.Config) { cfg.Mapper = nil },
		"no topology":        func(cfg *gic.Config) { cfg.Topology = nil },
		"no barrier":         func(cfg *gic.Config) { cfg.Barrier = nil },
		"small cpu iface":    func(cfg *gic.Config) { cfg.CPUInterfaceSize = gic.PageSize },
		"negative rwp limit": func(cfg *gic.Config) { cfg.RWPSpinLimit = -1 },
	}

	for name, fn := range bad {
		t.Run(name, func(t *testing.T) {
			m := emu.New(emu.Config{})
			cfg := m.GICConfig()
			fn(&cfg)

			if _, err := gic.New(cfg, m.BootCPU()); !errors.Is(err, gic.ErrConfig) {
				t.Errorf("err %v is not ErrConfig", err)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name string
		cfg  emu.Config
		want gic.Info
	}{
		{
			name: "v2",
			cfg:  emu.Config{Arch: 2, MPIDR: []uint64{0, 1}},
			want: gic.Info{
				Phys:     emu.DistributorPhysDefault,
				Size:     0x1000,
				Arch:     2,
				NumIntID: 128,
				Group:    gic.Group0,
				IIDR:     0x0200143b,
				TYPER:    0x23,
			},
		},
		{
			name: "v2 security extensions",
			cfg:  emu.Config{Arch: 2, Lines: 2, SecurityExtn: true},
			want: gic.Info{
				Phys:     emu.DistributorPhysDefault,
				Size:     0x1000,
				Arch:     2,
				NumIntID: 64,
				Group:    gic.Group1,
				IIDR:     0x0200143b,
				TYPER:    0x401,
			},
		},
		{
			name: "v3",
			cfg:  emu.Config{Arch: 3},
			want: gic.Info{
				Phys:     emu.DistributorPhysDefault,
				Size:     0x10000,
				Arch:     3,
				NumIntID: 128,
				Group:    gic.Group1,
				IIDR:     0x0300043b,
				TYPER:    0x3,
			},
		},
		{
			name: "v4 reserved ids",
			cfg:  emu.Config{Arch: 4, Lines: 32},
			want: gic.Info{
				Phys:     emu.DistributorPhysDefault,
				Size:     0x10000,
				Arch:     4,
				NumIntID: gic.BaseRSV,
				Group:    gic.Group1,
				IIDR:     0x0300043b,
				TYPER:    0x1f,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := emu.New(tt.cfg)

			info, err := gic.Probe(m.GICConfig())
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.want, info); diff != "" {
				t.Errorf("info (-want +got):\n%s", diff)
			}

			want := []reg.Range{{Base: emu.DistributorPhysDefault, Size: tt.want.Size}}
			if diff := cmp.Diff(want, m.Reserved()); diff != "" {
				t.Errorf("reserved (-want +got):\n%s", diff)
			}

			if n := m.Mappings(); n != 1 {
				t.Errorf("%d mappings != 1", n)
			}
		})
	}
}

func TestInitLegacy(t *testing.T) {
	m, c := boot(t, emu.Config{Arch: 2, MPIDR: []uint64{0, 1}, IFID: []uint8{1, 0}})
	d := c.Distributor()

	for id := uint(0); id < d.NumIntID(); id++ {
		want := id < gic.NumSGI
		if got := d.Enabled(id); got != want {
			t.Errorf("interrupt %d enabled %v != %v", id, got, want)
		}

		if p := d.Priority(id); p != 0 {
			t.Errorf("interrupt %d priority %d != 0", id, p)
		}

		if g := d.Group(id); g != 0 {
			t.Errorf("interrupt %d group %d != 0", id, g)
		}

		if d.GetAct(id) {
			t.Errorf("interrupt %d active", id)
		}
	}

	if d.Level(3) {
		t.Error("SGI 3 is level triggered")
	}

	for cpu, want := range []uint8{1, 0} {
		if id := d.InterfaceID(cpu); id != want {
			t.Errorf("cpu %d interface id %d != %d", cpu, id, want)
		}
	}

	// AP banks are private
	m.Exec(1, func() {
		if !d.Enabled(0) || d.Enabled(16) {
			t.Error("cpu 1 SGI/PPI bank not initialized")
		}
	})

	want := emu.CPUInterfaceRegs{CTLR: 0x261, PMR: 0xff, BPR: 0x7}
	for cpu := 0; cpu < 2; cpu++ {
		if diff := cmp.Diff(want, m.CPUInterfaceRegs(cpu)); diff != "" {
			t.Errorf("cpu %d interface (-want +got):\n%s", cpu, diff)
		}
	}

	if c.Mode() != gic.ModeMMIO {
		t.Errorf("mode %v != mmio", c.Mode())
	}
}

func TestInitAffinity(t *testing.T) {
	m, c := boot(t, emu.Config{MPIDR: []uint64{0, 1, 2, 3}, SysRegs: true})
	d := c.Distributor()

	for id := uint(gic.BaseSPI); id < d.NumIntID(); id++ {
		if d.Enabled(id) {
			t.Errorf("interrupt %d enabled", id)
		}

		if g := d.Group(id); g != 1 {
			t.Errorf("interrupt %d group %d != 1", id, g)
		}

		if p := d.Priority(id); p != 0 {
			t.Errorf("interrupt %d priority %d != 0", id, p)
		}

		if d.GetAct(id) {
			t.Errorf("interrupt %d active", id)
		}
	}

	want := map[string]uint64{
		"sre":     0x7,
		"bpr1":    0x7,
		"pmr":     0xff,
		"igrpen1": 0x1,
		"ctlr":    0x2,
	}

	for cpu := 0; cpu < m.NumCPU(); cpu++ {
		c := m.CPU(cpu)
		got := map[string]uint64{
			"sre":     c.SysReg(gic.IccSreEL2),
			"bpr1":    c.SysReg(gic.IccBpr1EL1),
			"pmr":     c.SysReg(gic.IccPmrEL1),
			"igrpen1": c.SysReg(gic.IccIgrpen1EL1),
			"ctlr":    c.SysReg(gic.IccCtlrEL1),
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("cpu %d sysregs (-want +got):\n%s", cpu, diff)
		}

		// one after the SRE write, one after the interface setup
		if n := c.ISBs(); n != 2 {
			t.Errorf("cpu %d: %d ISBs != 2", cpu, n)
		}
	}

	if diff := cmp.Diff(emu.CPUInterfaceRegs{}, m.CPUInterfaceRegs(0)); diff != "" {
		t.Errorf("mmio interface touched in regs mode (-want +got):\n%s", diff)
	}
}

func TestMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  emu.Config
		want gic.Mode
	}{
		{"sysregs", emu.Config{SysRegs: true}, gic.ModeRegs},
		{"sre ignored", emu.Config{SysRegs: true, IgnoreSRE: true}, gic.ModeMMIO},
		{"no sysregs", emu.Config{}, gic.ModeMMIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, c := boot(t, tt.cfg)
			if c.Mode() != tt.want {
				t.Fatalf("mode %v != %v", c.Mode(), tt.want)
			}

			c.Resume(m.BootCPU())
			if c.Mode() != tt.want {
				t.Errorf("mode %v != %v after resume", c.Mode(), tt.want)
			}
		})
	}

	t.Run("mmio registers", func(t *testing.T) {
		m, _ := boot(t, emu.Config{SysRegs: true, IgnoreSRE: true})

		want := emu.CPUInterfaceRegs{CTLR: 0x261, PMR: 0xff, BPR: 0x7}
		if diff := cmp.Diff(want, m.CPUInterfaceRegs(0)); diff != "" {
			t.Errorf("interface (-want +got):\n%s", diff)
		}
	})
}

func TestSetAct(t *testing.T) {
	m, c := boot(t, emu.Config{Arch: 2})
	d := c.Distributor()

	for i, id := range []uint{3, 27, 40} {
		d.SetAct(id, true)
		if !d.GetAct(id) {
			t.Errorf("interrupt %d not active", id)
		}

		d.SetAct(id, false)
		if d.GetAct(id) {
			t.Errorf("interrupt %d still active", id)
		}

		if n := m.Barriers(); n != int64(2*(i+1)) {
			t.Errorf("%d barriers != %d", n, 2*(i+1))
		}
	}
}

func TestConf(t *testing.T) {
	t.Run("legacy", func(t *testing.T) {
		_, c := boot(t, emu.Config{Arch: 2, MPIDR: []uint64{0, 1}, IFID: []uint8{1, 0}})
		d := c.Distributor()

		d.Conf(40, false, false, 1)
		if !d.Enabled(40) || d.Level(40) {
			t.Errorf("interrupt 40: enabled %v level %v", d.Enabled(40), d.Level(40))
		}

		if tgt := d.Target(40); tgt != 1<<0 {
			t.Errorf("target %#x != 0x1", tgt)
		}

		d.Conf(41, false, true, 0)
		if tgt := d.Target(41); tgt != 1<<1 {
			t.Errorf("target %#x != 0x2", tgt)
		}

		// neighbors in the same ITARGETSR word keep their targets
		if tgt := d.Target(40); tgt != 1<<0 {
			t.Errorf("target of 40 changed to %#x", tgt)
		}

		if !d.Level(41) {
			t.Error("interrupt 41 is edge triggered")
		}
	})

	t.Run("affinity", func(t *testing.T) {
		m, c := boot(t, emu.Config{MPIDR: []uint64{0, 1, 0x100, 0x1_0000_0000}})
		d := c.Distributor()

		d.Conf(40, false, false, 2)
		if got, want := d.Target(40), gic.AffinityRoute(m.MPIDR(2)); got != want {
			t.Errorf("target %#x != %#x", got, want)
		}

		if !d.Enabled(40) || d.Level(40) {
			t.Errorf("interrupt 40: enabled %v level %v", d.Enabled(40), d.Level(40))
		}

		d.Conf(99, false, true, 3)
		if got := d.Target(99); got != 0x1_0000_0000 {
			t.Errorf("target %#x != 0x100000000", got)
		}
	})

	t.Run("masked", func(t *testing.T) {
		_, c := boot(t, emu.Config{})
		d := c.Distributor()

		d.Conf(33, false, false, 0)
		d.Conf(33, true, true, 0)
		if d.Enabled(33) {
			t.Error("masked interrupt enabled")
		}

		if !d.Level(33) {
			t.Error("interrupt 33 is edge triggered")
		}
	})

	t.Run("ppi", func(t *testing.T) {
		_, c := boot(t, emu.Config{Arch: 2})
		d := c.Distributor()

		d.Conf(27, false, false, 0)
		if !d.Enabled(27) || d.Level(27) {
			t.Errorf("interrupt 27: enabled %v level %v", d.Enabled(27), d.Level(27))
		}

		// PPIs have no target, so the cpu is not checked
		d.Conf(27, false, true, 3)
		if !d.Enabled(27) || !d.Level(27) {
			t.Errorf("interrupt 27: enabled %v level %v", d.Enabled(27), d.Level(27))
		}
	})

	t.Run("ordering", func(t *testing.T) {
		const id = 45

		tests := []struct {
			name string
			cfg  emu.Config
			regs []uint64 // trigger and target of id
		}{
			{
				name: "legacy",
				cfg:  emu.Config{Arch: 2, MPIDR: []uint64{0, 1}},
				regs: []uint64{0xc00 + id/16*4, 0x800 + id/4*4},
			},
			{
				name: "affinity",
				cfg:  emu.Config{MPIDR: []uint64{0, 1}, RWPDelay: 3},
				regs: []uint64{0xc00 + id/16*4, 0x6000 + id*8},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				m, c := boot(t, tt.cfg)
				d := c.Distributor()

				// start enabled, so a late mask shows up
				d.Conf(id, false, true, 0)

				var got []string
				m.OnDistributorAccess(func(a emu.Access) {
					if !a.Write {
						return
					}

					switch {
					case a.Off == 0x180+id/32*4 && a.Value&(1<<(id%32)) != 0:
						got = append(got, "mask")

					case a.Off == 0x100+id/32*4 && a.Value&(1<<(id%32)) != 0:
						got = append(got, "unmask")

					case slices.Contains(tt.regs, a.Off):
						got = append(got, "configure")

						if m.InterruptEnabled(a.CPU, id) {
							t.Errorf("%#x written while interrupt %d is enabled", a.Off, id)
						}

						if a.Pending {
							t.Errorf("%#x written while a register write is pending", a.Off)
						}
					}
				})

				d.Conf(id, false, false, 1)
				m.OnDistributorAccess(nil)

				want := []string{"mask", "configure", "configure", "unmask"}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("writes (-want +got):\n%s", diff)
				}
			})
		}
	})

	t.Run("serialized", func(t *testing.T) {
		m, c := boot(t, emu.Config{Arch: 2})
		d := c.Distributor()

		// 40 and 41 share an ICFGR word
		d.Conf(40, true, true, 0)
		d.Conf(41, true, true, 0)

		var (
			started atomic.Bool
			done    = make(chan struct{})
		)

		// while 40 is between reading and writing back the word, try to
		// reconfigure 41 from another goroutine
		m.OnDistributorAccess(func(a emu.Access) {
			if a.Write || a.Off != 0xc00+40/16*4 || !started.CompareAndSwap(false, true) {
				return
			}

			go func() {
				defer close(done)
				d.Conf(41, true, false, 0)
			}()

			select {
			case <-done:
			case <-time.After(50 * time.Millisecond):
			}
		})

		d.Conf(40, true, false, 0)

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("reconfiguration of 41 never finished")
		}

		m.OnDistributorAccess(nil)

		if d.Level(40) || d.Level(41) {
			t.Errorf("level 40 %v, 41 %v; want both edge", d.Level(40), d.Level(41))
		}
	})

	t.Run("concurrent", func(t *testing.T) {
		m, c := boot(t, emu.Config{Lines: 8, MPIDR: []uint64{0, 1, 2, 3}, RWPDelay: 3})
		d := c.Distributor()

		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.Apply(gic.Reconfig{ID: uint(32 + i), Level: i%2 == 0, CPU: i % 4})
			}()
		}

		wg.Wait()

		for i := 0; i < 64; i++ {
			id := uint(32 + i)
			if !d.Enabled(id) || d.Level(id) != (i%2 == 0) {
				t.Errorf("interrupt %d: enabled %v level %v", id, d.Enabled(id), d.Level(id))
			}

			if got, want := d.Target(id), gic.AffinityRoute(m.MPIDR(i%4)); got != want {
				t.Errorf("interrupt %d target %#x != %#x", id, got, want)
			}
		}
	})
}

func TestContract(t *testing.T) {
	_, v2 := boot(t, emu.Config{Arch: 2, MPIDR: []uint64{0, 1}})
	_, v3 := boot(t, emu.Config{MPIDR: []uint64{0, 1}})

	tests := map[string]func(){
		"reserved id":        func() { v2.Distributor().Conf(gic.BaseRSV, false, false, 0) },
		"id beyond limit":    func() { v2.Distributor().Conf(v2.Distributor().NumIntID(), false, false, 0) },
		"no such cpu":        func() { v2.Distributor().Conf(40, false, false, 2) },
		"negative cpu":       func() { v2.Distributor().Conf(40, false, false, -1) },
		"get act beyond":     func() { v2.Distributor().GetAct(128) },
		"affinity sgi":       func() { v3.Distributor().Conf(5, false, false, 0) },
		"affinity ppi":       func() { v3.Distributor().SetAct(31, true) },
		"sgi id":             func() { v2.Distributor().SendCPU(16, 0) },
		"sgi cpu":            func() { v2.Distributor().SendCPU(1, 2) },
		"gicd sgi on v3":     func() { v3.Distributor().SendCPU(1, 0) },
		"gicd bcast on v3":   func() { v3.Distributor().SendExc(1) },
		"gicc sgi in mmio":   func() { v2.CPUInterface().SendCPU(nil, 1, 0) },
		"gicc bcast in mmio": func() { v2.CPUInterface().SendExc(nil, 1) },
		"interface id cpu":   func() { v2.Distributor().InterfaceID(2) },
		"negative ifid cpu":  func() { v2.Distributor().InterfaceID(-1) },
	}

	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			if err := recoverErr(fn); !errors.Is(err, gic.ErrContract) {
				t.Errorf("panic %v is not ErrContract", err)
			}
		})
	}
}

func TestSend(t *testing.T) {
	t.Run("legacy", func(t *testing.T) {
		m, c := boot(t, emu.Config{Arch: 2, MPIDR: []uint64{0, 1, 2}, IFID: []uint8{2, 0, 1}})
		boot := m.BootCPU()

		c.SendCPU(boot, 3, 0)
		c.SendCPU(boot, 4, 2)
		c.SendExc(boot, 5)

		got := []uint16{m.TakeSGIs(0), m.TakeSGIs(1), m.TakeSGIs(2)}
		want := []uint16{1 << 3, 1 << 5, 1<<4 | 1<<5}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("pending (-want +got):\n%s", diff)
		}
	})

	t.Run("affinity", func(t *testing.T) {
		m, c := boot(t, emu.Config{SysRegs: true, MPIDR: []uint64{0, 1, 0x100, 0x1_0000_0003}})

		c.SendCPU(m.CPU(1), 2, 2)
		c.SendCPU(m.CPU(0), 6, 3)
		c.SendExc(m.CPU(3), 9)

		got := []uint16{m.TakeSGIs(0), m.TakeSGIs(1), m.TakeSGIs(2), m.TakeSGIs(3)}
		want := []uint16{1 << 9, 1 << 9, 1<<2 | 1<<9, 1 << 6}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("pending (-want +got):\n%s", diff)
		}

		err := recoverErr(func() { c.Distributor().SendCPU(1, 0) })
		if !errors.Is(err, gic.ErrContract) {
			t.Errorf("legacy send in regs mode: %v", err)
		}
	})

	t.Run("affinity without sysregs", func(t *testing.T) {
		m, c := boot(t, emu.Config{MPIDR: []uint64{0, 1}})
		err := recoverErr(func() { c.SendCPU(m.BootCPU(), 1, 1) })
		if !errors.Is(err, gic.ErrContract) {
			t.Errorf("send: %v", err)
		}
	})
}

func TestRWP(t *testing.T) {
	t.Run("unbounded", func(t *testing.T) {
		_, c := boot(t, emu.Config{RWPDelay: 50})
		c.Distributor().Conf(40, false, false, 0)
		if !c.Distributor().Enabled(40) {
			t.Error("interrupt 40 not enabled")
		}
	})

	t.Run("within limit", func(t *testing.T) {
		_, c := boot(t, emu.Config{RWPDelay: 2}, func(cfg *gic.Config) { cfg.RWPSpinLimit = 2 })
		c.Distributor().Conf(40, false, false, 0)
	})

	t.Run("timeout", func(t *testing.T) {
		m := emu.New(emu.Config{RWPDelay: 5})
		cfg := m.GICConfig()
		cfg.RWPSpinLimit = 2

		c, err := gic.New(cfg, m.BootCPU())
		if err != nil {
			t.Fatal(err)
		}

		err = recoverErr(func() { c.InitCPU(m.BootCPU()) })
		if !errors.Is(err, gic.ErrRWPTimeout) {
			t.Errorf("panic %v is not ErrRWPTimeout", err)
		}
	})
}

func TestCPUInterfaceAliased(t *testing.T) {
	m, c := boot(t, emu.Config{Arch: 2, CPUInterfaceSize: 0x20000})

	want := emu.CPUInterfaceRegs{CTLR: 0x261, PMR: 0xff, BPR: 0x7}
	if diff := cmp.Diff(want, m.CPUInterfaceRegs(0)); diff != "" {
		t.Errorf("interface (-want +got):\n%s", diff)
	}

	wantRes := []reg.Range{
		{Base: emu.DistributorPhysDefault, Size: 0x1000},
		{Base: emu.CPUInterfacePhysDefault, Size: 0x20000},
	}

	if diff := cmp.Diff(wantRes, m.Reserved()); diff != "" {
		t.Errorf("reserved (-want +got):\n%s", diff)
	}

	if c.Mode() != gic.ModeMMIO {
		t.Errorf("mode %v != mmio", c.Mode())
	}
}

func TestResume(t *testing.T) {
	m, c := boot(t, emu.Config{SysRegs: true, MPIDR: []uint64{0, 1}})
	d := c.Distributor()

	d.Conf(40, false, false, 1)

	// power loss
	for cpu := 0; cpu < 2; cpu++ {
		m.CPU(cpu).WriteSys(gic.IccPmrEL1, 0)
	}

	err := m.Start(context.Background(), func(ctx context.Context, cpu *emu.CPU) error {
		c.Resume(cpu)
		return nil
	})

	if err != nil {
		t.Fatal(err)
	}

	if d.Enabled(40) {
		t.Error("interrupt 40 survived resume")
	}

	for cpu := 0; cpu < 2; cpu++ {
		if v := m.CPU(cpu).SysReg(gic.IccPmrEL1); v != 0xff {
			t.Errorf("cpu %d pmr %#x != 0xff", cpu, v)
		}
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	boot(t, emu.Config{SysRegs: true}, func(cfg *gic.Config) {
		cfg.Logger = log
		cfg.Trace = gic.TraceMode | gic.TraceIntr
	})

	out := buf.String()
	for _, s := range []string{"GICD", "arch=3", "mode=regs", "GICC: REGS"} {
		if !strings.Contains(out, s) {
			t.Errorf("trace lacks %q:\n%s", s, out)
		}
	}

	t.Run("off", func(t *testing.T) {
		var buf bytes.Buffer
		boot(t, emu.Config{}, func(cfg *gic.Config) {
			cfg.Logger = slog.New(slog.NewTextHandler(&buf, nil))
		})

		if buf.Len() != 0 {
			t.Errorf("untraced boot logged:\n%s", buf.String())
		}
	})
}

// boot creates a controller and initializes every CPU of an emulated machine.
func boot(t *testing.T, ecfg emu.Config, opts ...func(*gic.Config)) (*emu.Machine, *gic.Controller) {
	t.Helper()

	m := emu.New(ecfg)
	cfg := m.GICConfig()
	for _, o := range opts {
		o(&cfg)
	}

	c, err := gic.New(cfg, m.BootCPU())
	if err != nil {
		t.Fatal(err)
	}

	err = m.Start(context.Background(), func(ctx context.Context, cpu *emu.CPU) error {
		c.InitCPU(cpu)
		return nil
	})

	if err != nil {
		t.Fatal(err)
	}

	return m, c
}

func recoverErr(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		if e, ok := r.(error); ok {
			err = e
		} else {
			err = fmt.Errorf("%v", r)
		}
	}()

	fn()
	return nil
}
