package engine

import (
	"context"
	"testing"

	"github.com/grailbio/kmerfreq/kmer"
	"github.com/grailbio/kmerfreq/kmerr"
	"github.com/grailbio/kmerfreq/readsource"
)

func opener(reads []string) Opener {
	return func() (readsource.Source, error) {
		return readsource.FromReads(reads), nil
	}
}

func TestBFEngineRejectsBadK(t *testing.T) {
	_, err := BFEngine(context.Background(), opener(nil), BFOpts{K: 0, N: 1, ErrRate: 0.01})
	if _, ok := err.(*kmerr.UsageError); !ok {
		t.Fatalf("got %v, want *kmerr.UsageError", err)
	}
}

func TestBFEngineRejectsBadN(t *testing.T) {
	_, err := BFEngine(context.Background(), opener(nil), BFOpts{K: 3, N: 0, ErrRate: 0.01})
	if _, ok := err.(*kmerr.UsageError); !ok {
		t.Fatalf("got %v, want *kmerr.UsageError", err)
	}
}

func TestBFEngineCountsExactly(t *testing.T) {
	reads := []string{"ACGTACGTAC"}
	got, err := BFEngine(context.Background(), opener(reads), BFOpts{
		K: 3, N: 10, ErrRate: 0.001, ExpectedDistinctKmers: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ReadsProcessed != 1 {
		t.Fatalf("ReadsProcessed = %d, want 1", got.ReadsProcessed)
	}
	counts := map[kmer.Kmer]uint64{}
	for _, e := range got.Entries {
		counts[e.Kmer] = e.Count
	}
	for _, s := range []string{"ACG", "CGT", "GTA", "TAC"} {
		km, ok := kmer.Encode(s)
		if !ok {
			t.Fatalf("failed to encode %s", s)
		}
		if counts[km] != 2 {
			t.Fatalf("count[%s] = %d, want 2", s, counts[km])
		}
	}
}

func TestBFEngineDropsSingletons(t *testing.T) {
	// "AAACCC" at k=3 yields AAA, AAC, ACC, CCC, each exactly once.
	reads := []string{"AAACCC"}
	got, err := BFEngine(context.Background(), opener(reads), BFOpts{
		K: 3, N: 10, ErrRate: 0.001, ExpectedDistinctKmers: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 0 {
		t.Fatalf("got %d entries, want 0 (all singletons should be dropped)", len(got.Entries))
	}
	if got.DistinctKmers != 0 {
		t.Fatalf("DistinctKmers = %d, want 0", got.DistinctKmers)
	}
}

func TestBFEngineTopNLimitsOutput(t *testing.T) {
	reads := []string{"AAAACCCCGGGGTTTTAAAACCCCGGGGTTTT"}
	got, err := BFEngine(context.Background(), opener(reads), BFOpts{
		K: 2, N: 2, ErrRate: 0.001, ExpectedDistinctKmers: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) > 2 {
		t.Fatalf("got %d entries, want <= 2", len(got.Entries))
	}
}

func TestBFEngineZeroExactTableCeilingMeansNoLimit(t *testing.T) {
	reads := []string{"ACGTACGTACGTACGTACGTACGT"}
	_, err := BFEngine(context.Background(), opener(reads), BFOpts{
		K: 3, N: 10, ErrRate: 0.001, ExpectedDistinctKmers: 100, MaxExactTableEntries: 0,
	})
	if err != nil {
		t.Fatalf("unexpected error with no ceiling configured: %v", err)
	}
}

func TestBFEngineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := BFEngine(ctx, opener([]string{"ACGTACGTAC"}), BFOpts{
		K: 3, N: 10, ErrRate: 0.001, ExpectedDistinctKmers: 100,
	})
	if _, ok := err.(*kmerr.Cancelled); !ok {
		t.Fatalf("got %v, want *kmerr.Cancelled", err)
	}
}
