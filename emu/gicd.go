package emu

import (
	"sync"

	"github.com/c35s/gic/gic"
)

// distributor register layout
const (
	dCTLR       = 0x0000
	dTYPER      = 0x0004
	dIIDR       = 0x0008
	dIGROUPR    = 0x0080
	dISENABLER  = 0x0100
	dICENABLER  = 0x0180
	dISPENDR    = 0x0200
	dISACTIVER  = 0x0300
	dICACTIVER  = 0x0380
	dIPRIORITYR = 0x0400
	dITARGETSR  = 0x0800
	dICFGR      = 0x0c00
	dSGIR       = 0x0f00
	dIROUTER    = 0x6000
	dIROUTEREnd = 0x8000

	dCTLRRWP = 1 << 31
)

// bank is the configuration of a contiguous set of interrupt ids. The
// distributor keeps one bank per CPU for the private ids [0, 32) and a
// shared bank for everything else. Word arrays are indexed by the word of
// the register array, byte arrays by id.
type bank struct {
	group  []uint32
	enable []uint32
	active []uint32
	icfg   []uint32
	prio   []uint8
	target []uint8
	route  []uint64
}

func newBank(ids uint) bank {
	return bank{
		group:  make([]uint32, ids/32),
		enable: make([]uint32, ids/32),
		active: make([]uint32, ids/32),
		icfg:   make([]uint32, ids/16),
		prio:   make([]uint8, ids),
		target: make([]uint8, ids),
		route:  make([]uint64, ids),
	}
}

type distributor struct {
	m    *Machine
	mu   sync.Mutex
	arch uint
	size uint64
	nids uint

	typer uint32
	iidr  uint32
	pidr2 uint32

	ctlr uint32
	rwp  int

	priv   []bank
	shared bank

	sgiCfg uint32 // ICFGR0, read-only: SGIs are edge triggered

	hook func(Access)
}

// Access is one distributor register access, as passed to the hook set
// with Machine.OnDistributorAccess.
type Access struct {
	CPU   int
	Off   uint64
	Size  int
	Write bool

	// Value is the value written, or the value returned by a read.
	Value uint64

	// Pending reports whether a register write was still pending when the
	// access happened.
	Pending bool
}

func newDistributor(m *Machine) *distributor {
	cfg := m.cfg

	d := &distributor{
		m:      m,
		arch:   cfg.Arch,
		size:   gic.PageSize,
		nids:   32 * cfg.Lines,
		iidr:   0x0200143b,
		pidr2:  uint32(cfg.Arch)<<4 | 0xb,
		shared: newBank(32 * cfg.Lines),
		sgiCfg: 0xaaaaaaaa,
	}

	if cfg.Arch >= 3 {
		d.size = 0x10000
		d.iidr = 0x0300043b
	}

	d.typer = uint32(cfg.Lines-1)&0x1f | uint32(min(len(cfg.MPIDR)-1, 7))<<5
	if cfg.SecurityExtn {
		d.typer |= 1 << 10
	}

	for range cfg.MPIDR {
		d.priv = append(d.priv, newBank(32))
	}

	return d
}

// private reports whether register word n of an array with per ids
// per word belongs to the banked SGI/PPI range.
func private(n, per uint) bool { return n*per < 32 }

func (d *distributor) bank(cpu int, n, per uint) *bank {
	if private(n, per) {
		return &d.priv[cpu]
	}

	return &d.shared
}

// valid reports whether word n of an array with per ids per word is
// implemented. Private words are reserved once affinity routing owns them.
func (d *distributor) valid(n, per uint) bool {
	if n*per >= d.nids {
		return false
	}

	return d.arch < 3 || !private(n, per)
}

func (d *distributor) readMMIO(cpu int, off uint64, p []byte) {
	d.mu.Lock()
	a := Access{CPU: cpu, Off: off, Size: len(p), Pending: d.rwp > 0}

	if len(p) == 8 {
		if id, ok := d.routeID(off); ok {
			le.PutUint64(p, d.shared.route[id])
		}
	} else {
		le.PutUint32(p, d.read32(cpu, off, true))
	}

	hook := d.hook
	d.mu.Unlock()

	if hook != nil {
		a.Value = value(p)
		hook(a)
	}
}

func (d *distributor) writeMMIO(cpu int, off uint64, p []byte) {
	d.mu.Lock()
	a := Access{CPU: cpu, Off: off, Size: len(p), Write: true, Value: value(p), Pending: d.rwp > 0}

	if len(p) == 8 {
		if id, ok := d.routeID(off); ok {
			d.shared.route[id] = le.Uint64(p)
		}
	} else {
		d.write32(cpu, off, le.Uint32(p))
	}

	hook := d.hook
	d.mu.Unlock()

	// outside the lock, so the hook may access the distributor itself
	if hook != nil {
		hook(a)
	}
}

func value(p []byte) uint64 {
	if len(p) == 8 {
		return le.Uint64(p)
	}

	return uint64(le.Uint32(p))
}

// enabled reports whether interrupt id is enabled, as seen by cpu.
func (d *distributor) enabled(cpu int, id uint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id >= d.nids {
		return false
	}

	return d.word(cpu, uint64(id/32*4), func(b *bank, n uint) uint32 { return b.enable[n] })&(1<<(id%32)) != 0
}

// routeID returns the id of the IROUTER register at off.
func (d *distributor) routeID(off uint64) (uint, bool) {
	if d.arch < 3 || off < dIROUTER || off >= dIROUTEREnd {
		return 0, false
	}

	id := uint(off-dIROUTER) / 8
	if id < gic.BaseSPI || id >= d.nids {
		return 0, false
	}

	return id, true
}

// read32 returns the register at off as seen by cpu. Unless live is set it
// has no side effects.
func (d *distributor) read32(cpu int, off uint64, live bool) uint32 {
	switch {
	case off == dCTLR:
		v := d.ctlr
		if d.rwp > 0 {
			v |= dCTLRRWP
			if live {
				d.rwp--
			}
		}

		return v

	case off == dTYPER:
		return d.typer

	case off == dIIDR:
		return d.iidr

	case off == d.size-0x18:
		return d.pidr2

	case off >= dIGROUPR && off < dISENABLER:
		return d.word(cpu, off-dIGROUPR, func(b *bank, n uint) uint32 { return b.group[n] })

	case off >= dISENABLER && off < dISPENDR:
		return d.word(cpu, (off-dISENABLER)%0x80, func(b *bank, n uint) uint32 { return b.enable[n] })

	case off >= dISACTIVER && off < dIPRIORITYR:
		return d.word(cpu, (off-dISACTIVER)%0x80, func(b *bank, n uint) uint32 { return b.active[n] })

	case off >= dIPRIORITYR && off < dITARGETSR:
		return d.bytes(cpu, off-dIPRIORITYR, func(b *bank) []uint8 { return b.prio })

	case off >= dITARGETSR && off < dICFGR:
		if d.arch >= 3 {
			return 0
		}

		n := uint(off-dITARGETSR) / 4
		if private(n, 4) {
			t := uint32(1) << d.m.cfg.IFID[cpu]
			return t | t<<8 | t<<16 | t<<24
		}

		return d.bytes(cpu, off-dITARGETSR, func(b *bank) []uint8 { return b.target })

	case off >= dICFGR && off < dICFGR+0x100:
		n := uint(off-dICFGR) / 4
		if !d.valid(n, 16) {
			return 0
		}

		if n == 0 {
			return d.sgiCfg
		}

		return d.bank(cpu, n, 16).icfg[n]

	case off >= dIROUTER && off < dIROUTEREnd:
		id, ok := d.routeID(off &^ 7)
		if !ok {
			return 0
		}

		return uint32(d.shared.route[id] >> (off & 4 * 8))
	}

	return 0
}

func (d *distributor) write32(cpu int, off uint64, v uint32) {
	switch {
	case off == dCTLR:
		if d.arch < 3 {
			d.ctlr = v & 0x3
			return
		}

		d.ctlr = v & 0x37
		d.rwp = d.m.cfg.RWPDelay

	case off >= dIGROUPR && off < dISENABLER:
		d.setWord(cpu, off-dIGROUPR, func(b *bank, n uint) { b.group[n] = v })

	case off >= dISENABLER && off < dICENABLER:
		d.setWord(cpu, off-dISENABLER, func(b *bank, n uint) { b.enable[n] |= v })

	case off >= dICENABLER && off < dISPENDR:
		d.setWord(cpu, off-dICENABLER, func(b *bank, n uint) { b.enable[n] &^= v })
		if d.arch >= 3 {
			d.rwp = d.m.cfg.RWPDelay
		}

	case off >= dISACTIVER && off < dICACTIVER:
		d.setWord(cpu, off-dISACTIVER, func(b *bank, n uint) { b.active[n] |= v })

	case off >= dICACTIVER && off < dIPRIORITYR:
		d.setWord(cpu, off-dICACTIVER, func(b *bank, n uint) { b.active[n] &^= v })

	case off >= dIPRIORITYR && off < dITARGETSR:
		d.setBytes(cpu, off-dIPRIORITYR, v, func(b *bank) []uint8 { return b.prio })

	case off >= dITARGETSR && off < dICFGR:
		n := uint(off-dITARGETSR) / 4
		if d.arch >= 3 || private(n, 4) {
			return
		}

		d.setBytes(cpu, off-dITARGETSR, v, func(b *bank) []uint8 { return b.target })

	case off >= dICFGR && off < dICFGR+0x100:
		n := uint(off-dICFGR) / 4
		if !d.valid(n, 16) || n == 0 {
			return
		}

		// bit 0 of each field is reserved
		d.bank(cpu, n, 16).icfg[n] = v & 0xaaaaaaaa

	case off == dSGIR:
		if d.arch < 3 {
			d.deliverSGIR(cpu, gic.DecodeSGIR(v))
		}

	case off >= dIROUTER && off < dIROUTEREnd:
		id, ok := d.routeID(off &^ 7)
		if !ok {
			return
		}

		sh := off & 4 * 8
		d.shared.route[id] = d.shared.route[id]&^(0xffffffff<<sh) | uint64(v)<<sh
	}
}

func (d *distributor) word(cpu int, off uint64, get func(*bank, uint) uint32) uint32 {
	n := uint(off) / 4
	if !d.valid(n, 32) {
		return 0
	}

	return get(d.bank(cpu, n, 32), n)
}

func (d *distributor) setWord(cpu int, off uint64, set func(*bank, uint)) {
	n := uint(off) / 4
	if d.valid(n, 32) {
		set(d.bank(cpu, n, 32), n)
	}
}

func (d *distributor) bytes(cpu int, off uint64, get func(*bank) []uint8) uint32 {
	n := uint(off) / 4
	if !d.valid(n, 4) {
		return 0
	}

	b := get(d.bank(cpu, n, 4))
	return le.Uint32(b[4*n : 4*n+4])
}

func (d *distributor) setBytes(cpu int, off uint64, v uint32, get func(*bank) []uint8) {
	n := uint(off) / 4
	if d.valid(n, 4) {
		b := get(d.bank(cpu, n, 4))
		le.PutUint32(b[4*n:4*n+4], v)
	}
}

// deliverSGIR raises a legacy SGI written by cpu.
func (d *distributor) deliverSGIR(from int, s gic.SGIR) {
	for cpu, ifid := range d.m.cfg.IFID {
		var hit bool
		switch s.Filter {
		case gic.SGIRFilterList:
			hit = s.TargetList&(1<<ifid) != 0

		case gic.SGIRFilterOthers:
			hit = cpu != from

		case gic.SGIRFilterSelf:
			hit = cpu == from
		}

		if hit {
			d.m.raiseSGI(cpu, s.INTID)
		}
	}
}

// image returns the distributor frame as read by cpu, without side effects.
func (d *distributor) image(cpu int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	img := make([]byte, 0, d.size)
	for off := uint64(0); off < d.size; off += 4 {
		img = le.AppendUint32(img, d.read32(cpu, off, false))
	}

	return img
}
