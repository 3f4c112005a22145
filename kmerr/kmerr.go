// Package kmerr defines the error kinds a counting engine surfaces to
// its caller. These are distinct exported types rather than
// github.com/grailbio/base/errors.Kind values: there are five specific,
// callers-must-distinguish kinds (in particular PartitionOverflow
// carries structured retry data, and the CLI maps each kind to its own
// process exit code), which is more directly expressed as concrete
// types checked with errors.As than as an enumerated Kind on a shared
// error struct. Generic I/O wrapping and first-error accumulation still
// goes through github.com/grailbio/base/errors, exactly as the rest of
// this module's ambient stack does.
package kmerr

import "fmt"

// UsageError reports a parameter out of range or otherwise
// inconsistent, e.g. k outside [1, kmer.MaxK].
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return "usage error: " + e.Msg }

// IoError reports a read or write failure on an input or partition
// file.
type IoError struct {
	Path  string
	Cause error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error: %s: %v", e.Path, e.Cause)
}

func (e *IoError) Unwrap() error { return e.Cause }

// Component names used in ResourceExhausted.
const (
	ComponentBFExactTable   = "bf_exact_table"
	ComponentDSKPartitions  = "dsk_partition_map"
	ComponentMembershipFilt = "membership_filter"
)

// ResourceExhausted reports that a component exceeded its memory
// budget.
type ResourceExhausted struct {
	Component string
	Detail    string
}

func (e *ResourceExhausted) Error() string {
	if e.Detail == "" {
		return "resource exhausted: " + e.Component
	}
	return fmt.Sprintf("resource exhausted: %s: %s", e.Component, e.Detail)
}

// PartitionOverflow reports that a single DSK partition grew larger
// than the memory budget at count time. It is retryable with a larger
// P (more partitions per iteration).
type PartitionOverflow struct {
	Partition     int
	ObservedBytes int64
}

func (e *PartitionOverflow) Error() string {
	return fmt.Sprintf("partition %d overflowed: %d bytes observed", e.Partition, e.ObservedBytes)
}

// Cancelled reports that the cooperative cancellation signal was
// observed.
type Cancelled struct{}

func (e *Cancelled) Error() string { return "cancelled" }
