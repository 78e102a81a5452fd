//go:build !linux

package devmem

import (
	"errors"
	"fmt"

	"github.com/c35s/gic/gic"
	"github.com/c35s/gic/reg"
)

const DefaultPath = "/dev/mem"

var ErrOpen = errors.New("devmem: open failed")

// Mem is an open memory device. Memory devices are only supported on Linux.
type Mem struct{}

func Open(path string) (*Mem, error) {
	return nil, fmt.Errorf("%w: %s: unsupported platform", ErrOpen, path)
}

func (*Mem) Map(phys, size uint64, perm gic.Perm, attr gic.MemAttr) (reg.File, error) {
	return nil, errors.ErrUnsupported
}

func (*Mem) Unmap(reg.File) error { return errors.ErrUnsupported }
func (*Mem) Reserve(phys, size uint64) error { return errors.ErrUnsupported }
func (*Mem) Reserved() []reg.Range { return nil }
func (*Mem) Close() error { return nil }
