package reg

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Window is a File backed by a byte slice, typically an mmaped device region.
// Every access is a single atomic load or store of the access width, so the
// compiler can neither split, merge, nor elide it.
type Window struct {
	mem []byte
}

// NewWindow returns a Window over mem. The slice must be 8-byte aligned.
func NewWindow(mem []byte) *Window {
	return &Window{mem: mem}
}

// Bytes returns the backing slice.
func (w *Window) Bytes() []byte { return w.mem }

// Size returns the size of the window in bytes.
func (w *Window) Size() uint64 { return uint64(len(w.mem)) }

func (w *Window) Read32(off uint64) uint32 {
	return atomic.LoadUint32((*uint32)(w.at(off, 4)))
}

func (w *Window) Write32(off uint64, v uint32) {
	atomic.StoreUint32((*uint32)(w.at(off, 4)), v)
}

func (w *Window) Read64(off uint64) uint64 {
	return atomic.LoadUint64((*uint64)(w.at(off, 8)))
}

func (w *Window) Write64(off uint64, v uint64) {
	atomic.StoreUint64((*uint64)(w.at(off, 8)), v)
}

func (w *Window) at(off, width uint64) unsafe.Pointer {
	if off%width != 0 || off+width > uint64(len(w.mem)) {
		panic(fmt.Sprintf("reg: bad %d-byte access at %#x (window size %#x)", width, off, len(w.mem)))
	}

	return unsafe.Pointer(&w.mem[off])
}
