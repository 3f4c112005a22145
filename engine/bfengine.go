package engine

import (
	"context"
	"io"

	"github.com/grailbio/base/log"

	"github.com/grailbio/kmerfreq/filter"
	"github.com/grailbio/kmerfreq/kmer"
	"github.com/grailbio/kmerfreq/kmerr"
	"github.com/grailbio/kmerfreq/progress"
	"github.com/grailbio/kmerfreq/readsource"
)

// exactTableCheckInterval bounds how often BFEngine checks the exact
// table's size against its soft ceiling, so the check itself does
// not dominate the per-insertion cost.
const exactTableCheckInterval = 1 << 16

// BFOpts configures BFEngine.
type BFOpts struct {
	K int
	N int
	// ErrRate is the MembershipFilter's false positive rate, ε ∈ (0,1).
	ErrRate float64
	// ExpectedDistinctKmers sizes the filter's capacity. If too low,
	// filter saturation inflates the false positive rate and the exact
	// table can grow unboundedly; BFEngine fails fast with
	// ResourceExhausted rather than thrash.
	ExpectedDistinctKmers uint64
	// MaxExactTableEntries is the soft ceiling on the exact table's
	// size, derived by the caller from its memory budget.
	MaxExactTableEntries uint64
	Progress             progress.Reporter
}

// Opener produces a fresh, not-yet-consumed Source each time it is
// called. BFEngine calls it twice: once per pass. A Source read to
// completion cannot be rewound in place (readsource.Source is
// documented as non-restartable), so the caller re-derives a new one
// instead (cmd/kmerfreq's Opener reopens the underlying file).
type Opener func() (readsource.Source, error)

// BFEngine is a two-pass, singleton-suppressing counter: pass 1 builds
// a MembershipFilter and promotes any k-mer seen at least twice into
// an exact table; pass 2 re-streams the input and recounts exactly, so
// that every retained count is the true multiplicity (false positives
// from pass 1 are dropped once their recount comes back as 1).
func BFEngine(ctx context.Context, open Opener, opts BFOpts) (EngineResult, error) {
	if opts.K <= 0 || opts.K > kmer.MaxK {
		return EngineResult{}, &kmerr.UsageError{Msg: "k must be in [1, 32]"}
	}
	if opts.N <= 0 {
		return EngineResult{}, &kmerr.UsageError{Msg: "n must be >= 1"}
	}
	capacity := opts.ExpectedDistinctKmers
	if capacity == 0 {
		capacity = 1 << 20
	}
	f, err := filter.New(capacity, opts.ErrRate)
	if err != nil {
		return EngineResult{}, err
	}
	defer f.Close()

	exact := make(map[kmer.Kmer]uint64, capacity/8)
	reporter := opts.Progress
	if reporter == nil {
		reporter = progress.Noop
	}

	src, err := open()
	if err != nil {
		return EngineResult{}, err
	}

	// Pass 1: filter build.
	log.Debug.Printf("bfengine: pass 1 (filter build)")
	ex := kmer.NewExtractor(opts.K)
	var reads uint64
	for {
		if err := checkCancel(ctx); err != nil {
			return EngineResult{}, err
		}
		seq, ok, err := src.Next()
		if err != nil {
			return EngineResult{}, err
		}
		if !ok {
			break
		}
		reads++
		if reads%1024 == 0 {
			reporter.Progress(progress.Event{Phase: "bf-pass1", ReadsProcessed: reads})
		}
		ex.Reset(seq)
		for ex.Scan() {
			km := ex.Kmer()
			if f.ProbablyContains(km) {
				exact[km]++
				if len(exact)%exactTableCheckInterval == 0 && opts.MaxExactTableEntries > 0 &&
					uint64(len(exact)) > opts.MaxExactTableEntries {
					return EngineResult{}, &kmerr.ResourceExhausted{
						Component: kmerr.ComponentBFExactTable,
						Detail:    "exact table grew beyond the configured memory budget during pass 1",
					}
				}
			} else if err := f.Insert(km); err != nil {
				return EngineResult{}, err
			}
		}
	}
	f.Freeze()
	if closer, ok := src.(io.Closer); ok {
		closer.Close()
	}

	// Pass 2: exact recount. Pass 1 only leaves enough signal in exact
	// to know which keys are candidates (its values are partial counts,
	// not true multiplicities) so every candidate is zeroed before the
	// fresh count below.
	for km := range exact {
		exact[km] = 0
	}
	log.Debug.Printf("bfengine: pass 2 (exact recount), %d candidate keys", len(exact))
	src2, err := open()
	if err != nil {
		return EngineResult{}, err
	}
	defer func() {
		if closer, ok := src2.(io.Closer); ok {
			closer.Close()
		}
	}()
	var reads2 uint64
	for {
		if err := checkCancel(ctx); err != nil {
			return EngineResult{}, err
		}
		seq, ok, err := src2.Next()
		if err != nil {
			return EngineResult{}, err
		}
		if !ok {
			break
		}
		reads2++
		if reads2%1024 == 0 {
			reporter.Progress(progress.Event{Phase: "bf-pass2", ReadsProcessed: reads2})
		}
		ex.Reset(seq)
		for ex.Scan() {
			km := ex.Kmer()
			if c, ok := exact[km]; ok {
				exact[km] = c + 1
			}
		}
	}

	topN := NewTopN(opts.N)
	var distinct uint64
	for km, c := range exact {
		if c == 1 {
			// Filter false positive: this k-mer was never actually seen
			// twice. Drop it.
			continue
		}
		distinct++
		topN.Add(CountEntry{Kmer: km, Count: c})
	}
	return EngineResult{Entries: topN.Entries(), ReadsProcessed: reads2, DistinctKmers: distinct}, nil
}

func checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return &kmerr.Cancelled{}
	default:
		return nil
	}
}
