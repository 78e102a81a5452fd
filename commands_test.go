package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/c35s/gic/gic"
	"github.com/cavaliergopher/cpio"
)

func TestParseTrace(t *testing.T) {
	tests := map[string]gic.TraceFlags{
		"":          0,
		"intr":      gic.TraceIntr,
		"mode, sgi": gic.TraceMode | gic.TraceSGI,
		"all":       gic.TraceAll,
	}

	for s, want := range tests {
		got, err := parseTrace(s)
		if err != nil {
			t.Errorf("%q: %v", s, err)
			continue
		}

		if got != want {
			t.Errorf("%q: %#x != %#x", s, got, want)
		}
	}

	if _, err := parseTrace("irq"); err == nil {
		t.Error("irq: no error")
	}
}

func TestSGIList(t *testing.T) {
	if s := sgiList(0); s != "-" {
		t.Errorf("%q != -", s)
	}

	if s := sgiList(1<<0 | 1<<3 | 1<<15); s != "0,3,15" {
		t.Errorf("%q != 0,3,15", s)
	}
}

func TestBoot(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mf := machineFlags{board: "board/testdata/virt-v2.yaml", cpus: 2}

	m, c, err := mf.boot(context.Background(), log, 0)
	if err != nil {
		t.Fatal(err)
	}

	if n := m.NumCPU(); n != 2 {
		t.Errorf("%d cpus != 2", n)
	}

	if a := c.Distributor().Arch(); a != 2 {
		t.Errorf("arch %d != 2", a)
	}

	var buf bytes.Buffer
	printCPUs(&buf, m, c)
	if !bytes.Contains(buf.Bytes(), []byte("mmio")) {
		t.Errorf("output lacks mode:\n%s", buf.String())
	}

	t.Run("snapshot", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gic.cpio")
		if err := writeSnapshot(path, m); err != nil {
			t.Fatal(err)
		}

		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}

		defer f.Close()

		h, err := cpio.NewReader(f).Next()
		if err != nil {
			t.Fatal(err)
		}

		if h.Name != "gicd" || h.Size != 0x1000 {
			t.Errorf("first entry %s, %#x bytes", h.Name, h.Size)
		}
	})
}
