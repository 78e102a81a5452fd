package emu

import (
	"fmt"
	"io"

	"github.com/cavaliergopher/cpio"
)

// WriteSnapshot writes the machine's GIC state to w as a cpio archive:
//
//	gicd        distributor frame as seen by the boot CPU
//	gicc.cpuN   first 256 bytes of CPU N's memory-mapped CPU interface
//	icc.cpuN    CPU N's system registers, one "name value" line each
//
// Register images are little-endian. Reading them has no side effects.
func (m *Machine) WriteSnapshot(w io.Writer) error {
	cw := cpio.NewWriter(w)

	if m.gicd != nil {
		if err := writeEntry(cw, "gicd", m.gicd.image(m.cfg.Boot)); err != nil {
			return err
		}
	}

	for _, c := range m.cpus {
		if err := writeEntry(cw, fmt.Sprintf("gicc.cpu%d", c.id), m.gicc.image(c.id)); err != nil {
			return err
		}

		if err := writeEntry(cw, fmt.Sprintf("icc.cpu%d", c.id), c.sysImage()); err != nil {
			return err
		}
	}

	return cw.Close()
}

func writeEntry(cw *cpio.Writer, name string, data []byte) error {
	err := cw.WriteHeader(&cpio.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(data)),
	})

	if err != nil {
		return fmt.Errorf("snapshot %s: %w", name, err)
	}

	if _, err := cw.Write(data); err != nil {
		return fmt.Errorf("snapshot %s: %w", name, err)
	}

	return nil
}
