package engine

import (
	"math/rand"
	"testing"

	"github.com/grailbio/kmerfreq/kmer"
)

func TestTopNKeepsHighestCounts(t *testing.T) {
	top := NewTopN(3)
	top.AddAll([]CountEntry{
		{Kmer: 1, Count: 5},
		{Kmer: 2, Count: 9},
		{Kmer: 3, Count: 1},
		{Kmer: 4, Count: 7},
		{Kmer: 5, Count: 2},
	})
	got := top.Entries()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantCounts := []uint64{9, 7, 5}
	for i, e := range got {
		if e.Count != wantCounts[i] {
			t.Fatalf("entry %d: count = %d, want %d", i, e.Count, wantCounts[i])
		}
	}
}

func TestTopNTieBreakSmallerKmerWins(t *testing.T) {
	top := NewTopN(1)
	top.AddAll([]CountEntry{
		{Kmer: kmer.Kmer(100), Count: 5},
		{Kmer: kmer.Kmer(50), Count: 5},
		{Kmer: kmer.Kmer(200), Count: 5},
	})
	got := top.Entries()
	if len(got) != 1 || got[0].Kmer != kmer.Kmer(50) {
		t.Fatalf("got %+v, want Kmer=50", got)
	}
}

func TestTopNZeroCapacity(t *testing.T) {
	top := NewTopN(0)
	top.Add(CountEntry{Kmer: 1, Count: 1})
	if len(top.Entries()) != 0 {
		t.Fatal("expected no entries retained for n=0")
	}
}

func TestTopNFewerThanCapacity(t *testing.T) {
	top := NewTopN(10)
	top.AddAll([]CountEntry{{Kmer: 1, Count: 3}, {Kmer: 2, Count: 1}})
	if len(top.Entries()) != 2 {
		t.Fatalf("got %d entries, want 2", len(top.Entries()))
	}
}

func TestTopNAgainstNaiveSort(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const n = 500
	entries := make([]CountEntry, n)
	for i := range entries {
		entries[i] = CountEntry{Kmer: kmer.Kmer(rng.Intn(200)), Count: uint64(rng.Intn(1000))}
	}

	top := NewTopN(20)
	top.AddAll(entries)
	got := top.Entries()

	naive := append([]CountEntry(nil), entries...)
	for i := 0; i < len(naive); i++ {
		for j := i + 1; j < len(naive); j++ {
			if less(naive[i], naive[j]) {
				naive[i], naive[j] = naive[j], naive[i]
			}
		}
	}
	want := naive[:20]

	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}
