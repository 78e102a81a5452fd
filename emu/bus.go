package emu

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// device is an emulated MMIO device. Offsets are relative to the start of
// the device's region; cpu is the requesting core, for banked registers.
type device interface {
	readMMIO(cpu int, off uint64, p []byte)
	writeMMIO(cpu int, off uint64, p []byte)
}

type region struct {
	name string
	addr uint64
	size uint64
	dev  device
}

// Bus routes physical MMIO accesses to emulated devices.
type Bus struct {
	mu      sync.RWMutex
	regions []region
}

var le = binary.LittleEndian

// Install adds dev at [addr, addr+size).
func (b *Bus) install(name string, addr, size uint64, dev device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.regions {
		if addr < r.addr+r.size && r.addr < addr+size {
			panic(fmt.Sprintf("emu: %s overlaps %s", name, r.name))
		}
	}

	b.regions = append(b.regions, region{name: name, addr: addr, size: size, dev: dev})
}

// HandleMMIO routes an MMIO access by cpu to the device at addr.
// It returns (found=false, err=nil) if no device claims addr; reads of
// unclaimed addresses leave data untouched.
func (b *Bus) HandleMMIO(cpu int, addr uint64, data []byte, isWrite bool) (found bool, err error) {
	if n := len(data); n != 4 && n != 8 {
		return false, fmt.Errorf("emu: %d-byte access at %#x", n, addr)
	}

	if addr%uint64(len(data)) != 0 {
		return false, fmt.Errorf("emu: unaligned %d-byte access at %#x", len(data), addr)
	}

	b.mu.RLock()
	var dev *region
	for i, r := range b.regions {
		if addr >= r.addr && addr < r.addr+r.size {
			dev = &b.regions[i]
			break
		}
	}
	b.mu.RUnlock()

	if dev == nil {
		return false, nil
	}

	off := addr - dev.addr
	if isWrite {
		dev.dev.writeMMIO(cpu, off, data)
	} else {
		dev.dev.readMMIO(cpu, off, data)
	}

	return true, nil
}

// window is a register window mapped through the bus.
type window struct {
	m    *Machine
	base uint64
	size uint64
}

func (w *window) Read32(off uint64) uint32 {
	var p [4]byte
	w.access(off, p[:], false)
	return le.Uint32(p[:])
}

func (w *window) Write32(off uint64, v uint32) {
	var p [4]byte
	le.PutUint32(p[:], v)
	w.access(off, p[:], true)
}

func (w *window) Read64(off uint64) uint64 {
	var p [8]byte
	w.access(off, p[:], false)
	return le.Uint64(p[:])
}

func (w *window) Write64(off uint64, v uint64) {
	var p [8]byte
	le.PutUint64(p[:], v)
	w.access(off, p[:], true)
}

func (w *window) access(off uint64, p []byte, isWrite bool) {
	if off+uint64(len(p)) > w.size {
		panic(fmt.Sprintf("emu: access at %#x beyond window %#x+%#x", off, w.base, w.size))
	}

	if _, err := w.m.bus.HandleMMIO(w.m.Requester(), w.base+off, p, isWrite); err != nil {
		panic(err)
	}
}
