package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/c35s/gic/emu"
	"github.com/c35s/gic/gic"
)

func main() {
	m := emu.New(emu.Config{
		Arch:    3,
		MPIDR:   []uint64{0x0, 0x1, 0x100, 0x101},
		SysRegs: true,
	})

	cfg := m.GICConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg.Trace = gic.TraceAll

	c, err := gic.New(cfg, m.BootCPU())
	if err != nil {
		panic(err)
	}

	err = m.Start(context.TODO(), func(ctx context.Context, cpu *emu.CPU) error {
		c.InitCPU(cpu)
		return nil
	})

	if err != nil {
		panic(err)
	}

	// route SPI 40 to the first core of the second cluster
	c.Distributor().Conf(40, false, false, 2)

	c.SendCPU(m.BootCPU(), 1, 3)
	fmt.Printf("cpu 3 pending SGIs: %#04x\n", m.TakeSGIs(3))
}
