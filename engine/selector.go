package engine

import "github.com/grailbio/kmerfreq/filter"

// Algorithm names the counting engine to use.
type Algorithm int

const (
	// Auto lets EngineSelector choose.
	Auto Algorithm = iota
	// BF forces BFEngine.
	BF
	// DSK forces DSKEngine.
	DSK
)

func (a Algorithm) String() string {
	switch a {
	case BF:
		return "bf"
	case DSK:
		return "dsk"
	default:
		return "auto"
	}
}

// bfEntryBytes approximates the per-key overhead of BFEngine's exact
// table: a Kmer plus a count plus open-addressing slack, rounded to a
// 16 bytes/entry figure for a Kmer->uint64 open-addressed table.
const bfEntryBytes = 16.0

// EstimateDistinctKmers estimates the number of distinct k-mers in an
// input of byte size B, for a k-mer length k, assuming ~4 bytes of
// FASTQ input (1 base + 1 newline, amortized over 4 header/plus/qual
// lines) per base and negligible duplication beyond what's already
// implied by the per-engine entry-size accounting downstream. This is
// deliberately a rough, fast, allocation-free estimate: Select only
// needs a monotone signal, not an exact count.
func EstimateDistinctKmers(inputBytes int64, k int) float64 {
	if inputBytes <= 0 || k <= 0 {
		return 0
	}
	const bytesPerBaseInFastq = 4.0 // 4 lines/record, ~1 base-worth of bytes/line
	bases := float64(inputBytes) / bytesPerBaseInFastq
	windows := bases - float64(k) + 1
	if windows < 0 {
		windows = 0
	}
	return windows
}

// Select is a stateless, side-effect-free choice of BFEngine vs
// DSKEngine from input size, k and the memory budget, following a
// monotone decision rule:
//
//	DSKEngine iff estimate_distinct(B, k) * entry_bytes > M
//
// forced overrides Auto when it is BF or DSK.
func Select(forced Algorithm, inputBytes int64, k int, memoryBudgetBytes int64, errRate float64) Algorithm {
	if forced == BF || forced == DSK {
		return forced
	}
	distinct := EstimateDistinctKmers(inputBytes, k)
	// BFEngine's own memory footprint is dominated by the filter
	// (bitsPerElement bits/distinct-kmer) plus the exact table, which
	// only holds the non-singleton fraction. Conservatively assume the
	// whole distinct set could end up in the exact table (worst case,
	// e.g. highly repetitive input) when deciding whether BF fits.
	bitsPerElement := filter.BitsPerElement(errRate)
	bfBytes := distinct*(bitsPerElement/8.0) + distinct*bfEntryBytes
	if bfBytes > float64(memoryBudgetBytes) {
		return DSK
	}
	return BF
}
