package filter

import (
	"math/rand"
	"testing"

	"github.com/grailbio/kmerfreq/kmer"
)

func TestNoFalseNegatives(t *testing.T) {
	f, err := New(10000, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rng := rand.New(rand.NewSource(2))
	inserted := make([]kmer.Kmer, 0, 5000)
	for i := 0; i < 5000; i++ {
		km := kmer.Kmer(rng.Uint64())
		inserted = append(inserted, km)
		if err := f.Insert(km); err != nil {
			t.Fatal(err)
		}
	}
	for _, km := range inserted {
		if !f.ProbablyContains(km) {
			t.Fatalf("false negative for %v", km)
		}
	}
}

func TestFalsePositiveRateRoughlyBounded(t *testing.T) {
	const (
		capacity = 20000
		errRate  = 0.01
	)
	f, err := New(capacity, errRate)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rng := rand.New(rand.NewSource(3))
	present := map[kmer.Kmer]bool{}
	for i := 0; i < capacity; i++ {
		km := kmer.Kmer(rng.Uint64())
		present[km] = true
		if err := f.Insert(km); err != nil {
			t.Fatal(err)
		}
	}

	trials, falsePositives := 0, 0
	for i := 0; i < 50000; i++ {
		km := kmer.Kmer(rng.Uint64())
		if present[km] {
			continue
		}
		trials++
		if f.ProbablyContains(km) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	// Generous tolerance: this is a sanity bound, not an exact
	// verification of the false-positive formula.
	if rate > errRate*5 {
		t.Fatalf("false positive rate %.4f too high for target %.4f", rate, errRate)
	}
}

func TestFreezeRejectsFurtherInserts(t *testing.T) {
	f, err := New(100, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	km := kmer.Kmer(42)
	if err := f.Insert(km); err != nil {
		t.Fatal(err)
	}
	f.Freeze()
	if !f.Frozen() {
		t.Fatal("expected Frozen() to be true")
	}
	if err := f.Insert(kmer.Kmer(43)); err == nil {
		t.Fatal("expected Insert after Freeze to fail")
	}
	// Existing membership is unaffected by freezing.
	if !f.ProbablyContains(km) {
		t.Fatal("frozen filter lost a previously-inserted member")
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	if _, err := New(0, 0.01); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := New(100, 0); err == nil {
		t.Fatal("expected error for zero error rate")
	}
	if _, err := New(100, 1); err == nil {
		t.Fatal("expected error for error rate >= 1")
	}
}
