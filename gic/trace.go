package gic

import "log/slog"

// TraceFlags selects the trace categories that reach the logger.
type TraceFlags uint

const (
	TraceIntr TraceFlags = 1 << iota // controller discovery and init
	TraceMode                        // access mode selection
	TraceSGI                         // software interrupt transmission

	TraceAll = TraceIntr | TraceMode | TraceSGI
)

type tracer struct {
	log   *slog.Logger
	flags TraceFlags
}

func (t tracer) trace(f TraceFlags, msg string, args ...any) {
	if t.flags&f != 0 {
		t.log.Info(msg, args...)
	}
}
