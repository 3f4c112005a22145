package progress

import (
	"bytes"
	"testing"
	"time"
)

func TestNoopDoesNothing(t *testing.T) {
	// Progress must not panic regardless of Event shape.
	Noop.Progress(Event{Phase: "x", ReadsProcessed: 100})
}

func TestConsoleWritesPhaseAndCounts(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, time.Now())
	c.Progress(Event{Phase: "bf-pass1", ReadsProcessed: 42})
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("bf-pass1")) {
		t.Fatalf("output missing phase: %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("42")) {
		t.Fatalf("output missing reads count: %q", out)
	}
}

func TestConsolePadsOverShorterLine(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, time.Now())
	c.Progress(Event{Phase: "dsk-write", Iteration: 3, ReadsProcessed: 1000000})
	first := buf.Len()
	c.Progress(Event{Phase: "x", ReadsProcessed: 1})
	// The second, shorter line is padded with spaces to the first
	// line's width so it fully overwrites it.
	if second := buf.Len() - first; second != first {
		t.Fatalf("second line is %d bytes, want %d (padded to the first line)", second, first)
	}
}
