// Package board loads machine descriptions: the CPU topology and the GIC
// layout of a platform, as YAML.
//
//	name: qemu-virt
//	cpus:
//	  - mpidr: 0x0
//	  - mpidr: 0x1
//	gic:
//	  arch: 3
//	  sysregs: true
//	  distributor:
//	    phys: 0x08000000
//	  cpu_interface:
//	    phys: 0x08010000
//	    size: 0x2000
//
// The first CPU boots unless another is marked with boot: true.
package board

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/c35s/gic/emu"
	"github.com/c35s/gic/gic"
	"gopkg.in/yaml.v3"
)

type Board struct {
	Name string `yaml:"name"`
	CPUs []CPU  `yaml:"cpus"`
	GIC  GIC    `yaml:"gic"`
}

type CPU struct {
	MPIDR uint64 `yaml:"mpidr"`
	Boot  bool   `yaml:"boot"`

	// IFID is the legacy CPU interface id. If it is nil, it is the CPU's
	// index.
	IFID *uint8 `yaml:"ifid"`
}

type GIC struct {

	// Arch, Lines, SecurityExtn, SysRegs and IgnoreSRE describe the
	// hardware to the emulator. The driver discovers them.
	Arch         uint `yaml:"arch"`
	Lines        uint `yaml:"lines"`
	SecurityExtn bool `yaml:"security_extn"`
	SysRegs      bool `yaml:"sysregs"`
	IgnoreSRE    bool `yaml:"ignore_sre"`

	Distributor struct {
		Phys uint64 `yaml:"phys"`
	} `yaml:"distributor"`

	CPUInterface struct {
		Phys uint64 `yaml:"phys"`
		Size uint64 `yaml:"size"`
	} `yaml:"cpu_interface"`
}

var ErrInvalid = errors.New("board: invalid description")

// Load reads a board from a file path or URL.
func Load(s string) (*Board, error) {
	data, err := readURL(s)
	if err != nil {
		return nil, err
	}

	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s, err)
	}

	return b, nil
}

// Parse decodes and validates a board. Unknown fields are errors.
func Parse(data []byte) (*Board, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var b Board
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return &b, nil
}

func (b *Board) validate() error {
	if len(b.CPUs) == 0 {
		return errors.New("no cpus")
	}

	seen := make(map[uint64]int)
	boots := 0

	for i, c := range b.CPUs {
		if j, dup := seen[c.MPIDR]; dup {
			return fmt.Errorf("cpus %d and %d share mpidr %#x", j, i, c.MPIDR)
		}

		seen[c.MPIDR] = i

		if c.Boot {
			boots++
		}
	}

	if boots > 1 {
		return fmt.Errorf("%d boot cpus", boots)
	}

	if b.GIC.Distributor.Phys%gic.PageSize != 0 {
		return fmt.Errorf("distributor %#x is not page aligned", b.GIC.Distributor.Phys)
	}

	if s := b.GIC.CPUInterface.Size; s != 0 && s < gic.CPUInterfaceSizeDefault {
		return fmt.Errorf("cpu interface is too small: %#x", s)
	}

	return nil
}

// BootCPU returns the index of the boot CPU.
func (b *Board) BootCPU() int {
	for i, c := range b.CPUs {
		if c.Boot {
			return i
		}
	}

	return 0
}

// MPIDRs returns the affinity of each CPU.
func (b *Board) MPIDRs() []uint64 {
	mm := make([]uint64, len(b.CPUs))
	for i, c := range b.CPUs {
		mm[i] = c.MPIDR
	}

	return mm
}

// EmuConfig returns the emulator configuration for the board.
func (b *Board) EmuConfig() emu.Config {
	cfg := emu.Config{
		Arch:             b.GIC.Arch,
		Lines:            b.GIC.Lines,
		SecurityExtn:     b.GIC.SecurityExtn,
		MPIDR:            b.MPIDRs(),
		Boot:             b.BootCPU(),
		SysRegs:          b.GIC.SysRegs,
		IgnoreSRE:        b.GIC.IgnoreSRE,
		DistributorPhys:  b.GIC.Distributor.Phys,
		CPUInterfacePhys: b.GIC.CPUInterface.Phys,
		CPUInterfaceSize: b.GIC.CPUInterface.Size,
	}

	for i, c := range b.CPUs {
		if c.IFID == nil {
			continue
		}

		if cfg.IFID == nil {
			cfg.IFID = make([]uint8, len(b.CPUs))
			for j := range cfg.IFID {
				cfg.IFID[j] = uint8(j)
			}
		}

		cfg.IFID[i] = *c.IFID
	}

	return cfg
}

// GICConfig returns the driver configuration for the board's layout. The
// caller supplies the platform services.
func (b *Board) GICConfig() gic.Config {
	return gic.Config{
		DistributorPhys:  b.GIC.Distributor.Phys,
		CPUInterfacePhys: b.GIC.CPUInterface.Phys,
		CPUInterfaceSize: b.GIC.CPUInterface.Size,
	}
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("board: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
