package emu

import "sync"

// CPU interface register layout
const (
	cCTLR = 0x0000
	cPMR  = 0x0004
	cBPR  = 0x0008
	cIIDR = 0x00fc
)

// CPUInterfaceRegs is the banked state of one core's memory-mapped CPU
// interface.
type CPUInterfaceRegs struct {
	CTLR uint32
	PMR  uint32
	BPR  uint32
}

type cpuInterface struct {
	mu   sync.Mutex
	iidr uint32
	bank []CPUInterfaceRegs
}

func newCPUInterface(m *Machine) *cpuInterface {
	return &cpuInterface{
		iidr: 0x0202143b,
		bank: make([]CPUInterfaceRegs, len(m.cfg.MPIDR)),
	}
}

func (c *cpuInterface) readMMIO(cpu int, off uint64, p []byte) {
	if len(p) != 4 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	le.PutUint32(p, c.read32(cpu, off))
}

func (c *cpuInterface) read32(cpu int, off uint64) uint32 {
	b := &c.bank[cpu]
	switch off {
	case cCTLR:
		return b.CTLR
	case cPMR:
		return b.PMR
	case cBPR:
		return b.BPR
	case cIIDR:
		return c.iidr
	}

	return 0
}

func (c *cpuInterface) writeMMIO(cpu int, off uint64, p []byte) {
	if len(p) != 4 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	v := le.Uint32(p)
	b := &c.bank[cpu]

	switch off {
	case cCTLR:
		b.CTLR = v & 0x3ff
	case cPMR:
		b.PMR = v & 0xff
	case cBPR:
		b.BPR = v & 0x7
	}
}

func (c *cpuInterface) image(cpu int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	img := make([]byte, 0, 0x100)
	for off := uint64(0); off < 0x100; off += 4 {
		img = le.AppendUint32(img, c.read32(cpu, off))
	}

	return img
}

// CPUInterfaceRegs returns the memory-mapped CPU interface state of cpu.
func (m *Machine) CPUInterfaceRegs(cpu int) CPUInterfaceRegs {
	m.gicc.mu.Lock()
	defer m.gicc.mu.Unlock()

	return m.gicc.bank[cpu]
}
