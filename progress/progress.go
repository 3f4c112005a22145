// Package progress models progress reporting as a small capability
// that engines call into, rather than baking console output into the
// counting engines themselves: a narrow, swappable collaborator
// (similar in spirit to grailbio/base/log's leveled loggers) passed
// into algorithmic code instead of having that code decide how to
// surface its own status.
package progress

import (
	"fmt"
	"io"
	"time"
)

// Event describes a point-in-time progress update from an engine.
type Event struct {
	Phase          string
	ReadsProcessed uint64
	// Iteration and Partitions are set only by DSKEngine, which runs in
	// iteration/partition units rather than a single linear pass.
	Iteration  int
	Partitions int
}

// Reporter receives Events during a counting run. Implementations must
// be safe to call from a single goroutine at a time; engines never
// call Reporter concurrently.
type Reporter interface {
	Progress(Event)
}

type noopReporter struct{}

func (noopReporter) Progress(Event) {}

// Noop discards every event. It is the default Reporter when a caller
// doesn't care to observe progress (e.g. tests).
var Noop Reporter = noopReporter{}

// Console writes a terse, overwriting status line to an io.Writer,
// intended for an interactive terminal (the CLI wires this to
// os.Stderr when -verbose is set).
type Console struct {
	w        io.Writer
	start    time.Time
	lastLine int
}

// NewConsole returns a Console Reporter writing to w. now is the
// engine's start time, used to report elapsed seconds; it is supplied
// by the caller rather than read here so a Console's reported elapsed
// time reflects when the run actually started, not when verbose
// reporting happened to be wired up.
func NewConsole(w io.Writer, now time.Time) *Console {
	return &Console{w: w, start: now}
}

func (c *Console) Progress(e Event) {
	elapsed := time.Since(c.start).Round(time.Second)
	var line string
	if e.Iteration > 0 || e.Partitions > 0 {
		line = fmt.Sprintf("\r[%s] iter=%d reads=%d elapsed=%s", e.Phase, e.Iteration, e.ReadsProcessed, elapsed)
	} else {
		line = fmt.Sprintf("\r[%s] reads=%d elapsed=%s", e.Phase, e.ReadsProcessed, elapsed)
	}
	pad := c.lastLine - len(line)
	if pad > 0 {
		line += fmt.Sprintf("%*s", pad, "")
	}
	c.lastLine = len(line)
	fmt.Fprint(c.w, line)
}
