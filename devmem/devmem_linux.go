//go:build linux

// Package devmem maps physical register windows through a memory device
// such as /dev/mem. It implements gic.Mapper.
package devmem

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/c35s/gic/gic"
	"github.com/c35s/gic/reg"
	"golang.org/x/sys/unix"
)

const DefaultPath = "/dev/mem"

var (
	ErrOpen     = errors.New("devmem: open failed")
	ErrMmap     = errors.New("devmem: mmap failed")
	ErrMunmap   = errors.New("devmem: munmap failed")
	ErrReserved = errors.New("devmem: range is reserved")
	ErrNotOwned = errors.New("devmem: window was not mapped here")
)

// Mem is an open memory device.
type Mem struct {
	f *os.File

	mu       sync.Mutex
	reserved reg.RangeSet
	windows  map[*reg.Window][]byte
}

// Open opens the memory device at path for synchronous access.
func Open(path string) (*Mem, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	return &Mem{f: f, windows: make(map[*reg.Window][]byte)}, nil
}

// Map implements gic.Mapper. The offset into the device is the physical
// address.
func (m *Mem) Map(phys, size uint64, perm gic.Perm, attr gic.MemAttr) (reg.File, error) {
	if phys%uint64(os.Getpagesize()) != 0 || size == 0 {
		return nil, fmt.Errorf("%w: %#x+%#x is not page aligned", ErrMmap, phys, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reserved.Overlaps(phys, size) {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrReserved, phys, size)
	}

	prot := 0
	if perm&gic.PermR != 0 {
		prot |= unix.PROT_READ
	}

	if perm&gic.PermW != 0 {
		prot |= unix.PROT_WRITE
	}

	// attr: O_SYNC mappings of /dev/mem are uncached
	mem, err := unix.Mmap(int(m.f.Fd()), int64(phys), int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: %#x+%#x: %w", ErrMmap, phys, size, err)
	}

	w := reg.NewWindow(mem)
	m.windows[w] = mem

	return w, nil
}

// Unmap implements gic.Mapper.
func (m *Mem) Unmap(f reg.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, _ := f.(*reg.Window)
	mem, ok := m.windows[w]
	if !ok {
		return ErrNotOwned
	}

	delete(m.windows, w)

	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("%w: %w", ErrMunmap, err)
	}

	return nil
}

// Reserve implements gic.Mapper.
func (m *Mem) Reserve(phys, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reserved.Add(phys, size)
	return nil
}

// Reserved returns the reserved ranges.
func (m *Mem) Reserved() []reg.Range {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reserved.Ranges()
}

// Close unmaps every window and closes the device.
func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for w, mem := range m.windows {
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrMunmap, err))
		}

		delete(m.windows, w)
	}

	errs = append(errs, m.f.Close())
	return errors.Join(errs...)
}
