// Package filter implements MembershipFilter: a tunable-error-rate
// approximate set used by BFEngine to avoid allocating an exact-table
// slot for every k-mer, most of which occur exactly once.
//
// The bit array backing the filter is allocated with an anonymous
// mmap (golang.org/x/sys/unix.Mmap) and madvise(MADV_HUGEPAGE), the
// same construction fusion/kmer_index.go uses for its kmer->genelist
// hash table, so that pass-1's working set is pageable rather than
// competing with the exact table for anonymous heap memory.
package filter

import (
	"math"
	"sync/atomic"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/log"
	"github.com/minio/highwayhash"
	"golang.org/x/sys/unix"

	"github.com/grailbio/kmerfreq/kmer"
	"github.com/grailbio/kmerfreq/kmerr"
)

const hugePageSize = 2 << 20

// highwayKey is a fixed, arbitrary 32-byte key for the second,
// independent hash function. It need not be secret: the filter's
// false-positive guarantee depends only on the hash behaving like a
// strong, well-distributed function, not on the key being unknown to
// an adversary.
var highwayKey = [32]byte{
	0x4b, 0x6d, 0x65, 0x72, 0x46, 0x72, 0x65, 0x71,
	0x42, 0x6c, 0x6f, 0x6f, 0x6d, 0x53, 0x65, 0x65,
	0x64, 0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36,
	0x37, 0x38, 0x39, 0x61, 0x62, 0x63, 0x64, 0x65,
}

// Filter is a Bloom-filter-class MembershipFilter: Insert and
// ProbablyContains, with no false negatives and a tunable false
// positive rate. It is sized at construction from (capacity,
// errorRate) and is safe for concurrent ProbablyContains calls once
// Freeze has been called; Insert is single-threaded.
type Filter struct {
	bits     []byte // mmap'd, nBits/8 rounded up bytes
	nBits    uint64
	nHashes  uint64
	frozen   int32 // atomic bool
	capacity uint64
	errRate  float64
}

// New returns a Filter sized to hold capacity distinct insertions
// while keeping the false positive rate at or below errRate.
func New(capacity uint64, errRate float64) (*Filter, error) {
	if capacity == 0 {
		return nil, &kmerr.UsageError{Msg: "filter capacity must be > 0"}
	}
	if errRate <= 0 || errRate >= 1 {
		return nil, &kmerr.UsageError{Msg: "filter error rate must be in (0,1)"}
	}
	nBits, nHashes := optimalParams(capacity, errRate)
	nBytes := int((nBits + 7) / 8)

	data, err := unix.Mmap(-1, 0, nBytes+hugePageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, &kmerr.IoError{Path: "mmap(anon)", Cause: err}
	}
	if err := unix.Madvise(data, unix.MADV_HUGEPAGE); err != nil {
		// Non-fatal: huge pages are an optimization, not a correctness
		// requirement.
		log.Debug.Printf("filter: madvise(MADV_HUGEPAGE) failed: %v", err)
	}
	return &Filter{
		bits:     data[:nBytes],
		nBits:    nBits,
		nHashes:  nHashes,
		capacity: capacity,
		errRate:  errRate,
	}, nil
}

// Close releases the mmap'd bit array. The Filter must not be used
// afterwards.
func (f *Filter) Close() error {
	if f.bits == nil {
		return nil
	}
	err := unix.Munmap(f.bits[:cap(f.bits)])
	f.bits = nil
	return err
}

// optimalParams computes the bit array size and number of hash
// functions for a standard Bloom filter, per the classic formulas:
// m = -n*ln(ε) / (ln 2)^2, k = (m/n)*ln 2.
func optimalParams(n uint64, errRate float64) (mBits, kHashes uint64) {
	m := optimalBits(n, errRate)
	k := optimalHashCount(m, n)
	if k < 1 {
		k = 1
	}
	return m, k
}

// BitsPerElement returns the approximate number of filter bits needed
// per inserted element at the given error rate (1.44*log2(1/errRate)),
// the rule of thumb Select uses to estimate BFEngine's memory
// footprint.
func BitsPerElement(errRate float64) float64 {
	return 1.44 * math.Log2(1/errRate)
}

func optimalBits(n uint64, errRate float64) uint64 {
	m := -float64(n) * math.Log(errRate) / (math.Ln2 * math.Ln2)
	if m < 8 {
		m = 8
	}
	return uint64(math.Ceil(m))
}

func optimalHashCount(mBits, n uint64) uint64 {
	k := (float64(mBits) / float64(n)) * math.Ln2
	return uint64(math.Round(k))
}

// hashes returns the two independent base hash values for kmer, used
// to derive nHashes probe locations via Kirsch-Mitzenmacher double
// hashing (h_i = h1 + i*h2). h1 comes from github.com/dgryski/go-farm
// (the same hash family fusion/kmer_index.go uses for its kmer
// table); h2 comes from github.com/minio/highwayhash, a distinct
// keyed hash chosen so that neither hash's skew can correlate with
// the other's, nor with the DSKEngine partition hash in package engine
// (see dskengine.go's partitionHashKey).
func hashes(km kmer.Kmer) (h1, h2 uint64) {
	var buf [8]byte
	putUint64(buf[:], uint64(km))
	h1 = farm.Hash64WithSeed(buf[:], 0)
	h2 = highwayhash.Sum64(buf[:], highwayKey[:])
	if h2 == 0 {
		h2 = 1 // avoid degenerating to a single probe location
	}
	return h1, h2
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func (f *Filter) bitPositions(km kmer.Kmer) []uint64 {
	h1, h2 := hashes(km)
	pos := make([]uint64, f.nHashes)
	for i := uint64(0); i < f.nHashes; i++ {
		pos[i] = (h1 + i*h2) % f.nBits
	}
	return pos
}

// Insert records km as a member of the filter. Insert must only be
// called before Freeze; calling it afterwards returns UsageError
// without mutating state, guarding against a frozen filter being
// mutated by accident once it's shared for concurrent reads.
func (f *Filter) Insert(km kmer.Kmer) error {
	if atomic.LoadInt32(&f.frozen) != 0 {
		return &kmerr.UsageError{Msg: "Insert called on a frozen filter"}
	}
	for _, p := range f.bitPositions(km) {
		f.bits[p/8] |= 1 << (p % 8)
	}
	return nil
}

// ProbablyContains reports whether km was probably inserted. It never
// returns a false negative: if km was inserted, this always returns
// true. It may return true for a km that was never inserted, with
// probability at most the errRate given to New.
func (f *Filter) ProbablyContains(km kmer.Kmer) bool {
	for _, p := range f.bitPositions(km) {
		if f.bits[p/8]&(1<<(p%8)) == 0 {
			return false
		}
	}
	return true
}

// Freeze marks the filter read-only. It is idempotent.
func (f *Filter) Freeze() {
	atomic.StoreInt32(&f.frozen, 1)
}

// Frozen reports whether Freeze has been called.
func (f *Filter) Frozen() bool {
	return atomic.LoadInt32(&f.frozen) != 0
}
