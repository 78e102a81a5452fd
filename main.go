// Command gic discovers, initializes and exercises ARM GICs, either on an
// emulated board or, for discovery, through a memory device.
//
//	gic probe -board virt.yaml
//	gic probe -devmem /dev/mem -board virt.yaml
//	gic boot -arch 2 -cpus 4 -snapshot gic.cpio.gz
//	gic sgi -sysregs -cpus 4 -from 0 -to 3 -sgi 1
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/c35s/gic/gic"
	"github.com/google/subcommands"
	"golang.org/x/term"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&probeCmd{}, "")
	subcommands.Register(&bootCmd{}, "")
	subcommands.Register(&sgiCmd{}, "")

	var (
		trace   = flag.String("trace", "", "comma-separated trace categories: intr, mode, sgi or all")
		logJSON = flag.Bool("json", false, "log JSON even on a terminal")
	)

	flag.Parse()

	tf, err := parseTrace(*trace)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	log := newLogger(*logJSON)
	slog.SetDefault(log)

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx, log, tf)))
}

// newLogger returns a text logger for terminals and a JSON logger otherwise.
func newLogger(forceJSON bool) *slog.Logger {
	if !forceJSON && term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func parseTrace(s string) (gic.TraceFlags, error) {
	var tf gic.TraceFlags
	if s == "" {
		return tf, nil
	}

	for _, c := range strings.Split(s, ",") {
		switch strings.TrimSpace(c) {
		case "intr":
			tf |= gic.TraceIntr
		case "mode":
			tf |= gic.TraceMode
		case "sgi":
			tf |= gic.TraceSGI
		case "all":
			tf |= gic.TraceAll
		default:
			return 0, fmt.Errorf("gic: unknown trace category %q", c)
		}
	}

	return tf, nil
}

// execArgs returns the logger and trace flags passed to Execute.
func execArgs(args []any) (*slog.Logger, gic.TraceFlags) {
	return args[0].(*slog.Logger), args[1].(gic.TraceFlags)
}
