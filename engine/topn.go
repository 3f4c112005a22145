package engine

import (
	"container/heap"
	"sort"

	"github.com/grailbio/kmerfreq/kmer"
)

// CountEntry is a (Kmer, count) pair, count always >= 1.
type CountEntry struct {
	Kmer  kmer.Kmer
	Count uint64
}

// less reports whether a ranks strictly below b in the top-N
// ordering: higher count wins; at equal count, the smaller Kmer
// integer wins.
func less(a, b CountEntry) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	return a.Kmer > b.Kmer
}

// topNHeap is a min-heap over CountEntry ordered by `less`, so its
// root (index 0) is always the weakest current member of the top-N
// set — the one to evict when a stronger candidate arrives.
//
// container/heap (standard library) is used rather than a third-party
// dependency: a bounded top-N is exactly the textbook use case
// container/heap's own documentation walks through, and it's the idiom
// the wider Go ecosystem (e.g. go-ethereum's transaction pools) reaches
// for directly.
type topNHeap []CountEntry

func (h topNHeap) Len() int            { return len(h) }
func (h topNHeap) Less(i, j int) bool   { return less(h[i], h[j]) }
func (h topNHeap) Swap(i, j int)        { h[i], h[j] = h[j], h[i] }
func (h *topNHeap) Push(x interface{})  { *h = append(*h, x.(CountEntry)) }
func (h *topNHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// TopN accumulates the N CountEntry with the highest counts seen so
// far, breaking ties per the documented rule. Both engines funnel
// their results through a TopN so that their final output is
// byte-identical for the same input. TopN is not safe for concurrent
// use by multiple goroutines; DSKEngine guards its shared TopN with a
// mutex.
type TopN struct {
	n int
	h topNHeap
}

// NewTopN returns a TopN that retains at most n entries.
func NewTopN(n int) *TopN {
	return &TopN{n: n}
}

// Add offers a candidate entry. If fewer than N entries are held, or
// entry ranks above the current weakest member, it is retained
// (evicting the weakest member if the queue was already full).
func (t *TopN) Add(entry CountEntry) {
	if t.n <= 0 {
		return
	}
	if len(t.h) < t.n {
		heap.Push(&t.h, entry)
		return
	}
	if less(t.h[0], entry) {
		t.h[0] = entry
		heap.Fix(&t.h, 0)
	}
}

// AddAll offers every entry in entries.
func (t *TopN) AddAll(entries []CountEntry) {
	for _, e := range entries {
		t.Add(e)
	}
}

// Entries returns the retained entries sorted by descending rank
// (highest count first; smaller Kmer first among ties) — the final,
// deterministic top-N output.
func (t *TopN) Entries() []CountEntry {
	out := make([]CountEntry, len(t.h))
	copy(out, t.h)
	sort.Slice(out, func(i, j int) bool { return less(out[j], out[i]) })
	return out
}
