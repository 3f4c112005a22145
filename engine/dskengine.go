package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/minio/highwayhash"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"

	"github.com/grailbio/kmerfreq/kmer"
	"github.com/grailbio/kmerfreq/kmerr"
	"github.com/grailbio/kmerfreq/partition"
	"github.com/grailbio/kmerfreq/progress"
)

// partitionHashKey is the highwayhash key used to assign a k-mer to a
// partition. It is deliberately distinct from filter.highwayKey (and
// from the farm hash seed used there) so that a skew in one hash
// family cannot simultaneously distort both the MembershipFilter and
// DSK's partitioning.
var partitionHashKey = [32]byte{
	0x4b, 0x4d, 0x45, 0x52, 0x46, 0x52, 0x45, 0x51,
	0x2d, 0x44, 0x53, 0x4b, 0x2d, 0x50, 0x41, 0x52,
	0x54, 0x2d, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
	0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e,
}

// DSKOpts configures DSKEngine.
type DSKOpts struct {
	K int
	N int
	// InputBytes is the approximate size of the input, used with V
	// (estimated distinct k-mers) to size I (iterations) and P
	// (partitions) per the DSK-paper criterion.
	InputBytes int64
	// TargetDiskBytes (D) and TargetMemoryBytes (M) bound the disk and
	// memory DSKEngine is allowed to use.
	TargetDiskBytes   int64
	TargetMemoryBytes int64
	ScratchDir        string
	Parallelism       int
	Progress          progress.Reporter
}

// dskSizing holds the iteration/partition counts derived from the
// DSK-paper criterion:
//
//	I = ceil(V * bytesOnDiskPerKmer / D)
//	P = ceil((V / I) * v / M)
//
// where v is the assumed in-memory bytes per distinct k-mer during the
// count phase, taken as the size of a compact Kmer->uint32 entry. The
// map countPartitionInto builds is a Go map with uint64 counts, which
// takes more than v bytes per entry.
type dskSizing struct {
	Iterations int
	Partitions int
}

const (
	dskBytesOnDiskPerKmer   = 8.0  // upper bound of the record width ceil(2k/8) for k<=32
	dskInMemoryBytesPerKmer = 12.0 // Kmer (8 bytes) + uint32 count
)

func sizeDSK(distinctKmers float64, targetDiskBytes, targetMemoryBytes int64) dskSizing {
	if distinctKmers <= 0 {
		return dskSizing{Iterations: 1, Partitions: 1}
	}
	D := float64(targetDiskBytes)
	M := float64(targetMemoryBytes)
	iterations := 1
	if D > 0 {
		iterations = int(math.Ceil(distinctKmers * dskBytesOnDiskPerKmer / D))
	}
	if iterations < 1 {
		iterations = 1
	}
	partitions := 1
	if M > 0 {
		perIteration := distinctKmers / float64(iterations)
		partitions = int(math.Ceil(perIteration * dskInMemoryBytesPerKmer / M))
	}
	if partitions < 1 {
		partitions = 1
	}
	return dskSizing{Iterations: iterations, Partitions: partitions}
}

// putUint64 packs v into b in little-endian order, matching the
// on-disk record layout partition.Writer uses.
func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// assignIteration and assignPartition split a k-mer's double-hash
// space across iterations (which of I disjoint passes owns this
// k-mer) and, within an iteration, across partitions (which of P
// external files it is written to). A k-mer's iteration and partition
// assignment is a pure function of its bit pattern, so every pass
// over ReadSource routes it identically regardless of pass order.
func assignIteration(km kmer.Kmer, iterations int) int {
	if iterations <= 1 {
		return 0
	}
	var buf [8]byte
	putUint64(buf[:], uint64(km))
	h := highwayhash.Sum64(buf[:], partitionHashKey[:])
	return int(h % uint64(iterations))
}

func assignPartition(km kmer.Kmer, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	var buf [8]byte
	putUint64(buf[:], uint64(km))
	h := highwayhash.Sum64(buf[:], partitionHashKey[:])
	// Divide the hash space rather than reusing the iteration's
	// modulus directly, so a k-mer's partition assignment is
	// independent of its iteration assignment.
	return int((h / 7) % uint64(partitions))
}

// DSKEngine is an external-memory counter: a write phase streams
// ReadSource once, routing each k-mer by hash into one
// of I*P partition files; a count phase processes each partition
// independently (in parallel, up to opts.Parallelism at a time),
// draining each partition's exact count table into a single shared
// TopN as soon as that partition finishes, so the full distinct-kmer
// volume of an iteration is never held in memory at once — only one
// partition's worth per concurrent worker.
func DSKEngine(ctx context.Context, open Opener, opts DSKOpts) (EngineResult, error) {
	if opts.K <= 0 || opts.K > kmer.MaxK {
		return EngineResult{}, &kmerr.UsageError{Msg: "k must be in [1, 32]"}
	}
	if opts.N <= 0 {
		return EngineResult{}, &kmerr.UsageError{Msg: "n must be >= 1"}
	}
	if opts.ScratchDir == "" {
		return EngineResult{}, &kmerr.UsageError{Msg: "dskengine requires a scratch directory"}
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	distinct := EstimateDistinctKmers(opts.InputBytes, opts.K)
	sizing := sizeDSK(distinct, opts.TargetDiskBytes, opts.TargetMemoryBytes)
	log.Debug.Printf("dskengine: estimated %.0f distinct kmers, I=%d P=%d", distinct, sizing.Iterations, sizing.Partitions)

	reporter := opts.Progress
	if reporter == nil {
		reporter = progress.Noop
	}
	recordBytes := partition.RecordBytes(opts.K)

	// maxEntriesPerPartition bounds a single partition's in-memory count
	// map at count time: the memory budget divided by the partition
	// count. It is the count-time analogue of the write phase's disk
	// check, which bounds the total bytes of one iteration's partition
	// files by the disk budget; this one guards resident memory rather
	// than disk.
	var maxEntriesPerPartition int64
	if opts.TargetMemoryBytes > 0 && sizing.Partitions > 0 {
		maxEntriesPerPartition = int64(float64(opts.TargetMemoryBytes) / float64(sizing.Partitions) / dskInMemoryBytesPerKmer)
	}

	var (
		topN          = NewTopN(opts.N)
		topNMu        sync.Mutex
		readsTotal    uint64
		distinctTotal uint64
	)

	for iter := 0; iter < sizing.Iterations; iter++ {
		if err := checkCancel(ctx); err != nil {
			partition.RemoveIteration(opts.ScratchDir, iter)
			return EngineResult{}, err
		}
		reads, err := dskWritePhase(ctx, open, opts, sizing, iter, recordBytes, reporter)
		if err != nil {
			partition.RemoveIteration(opts.ScratchDir, iter)
			return EngineResult{}, err
		}
		readsTotal = reads // every iteration re-streams the same input in full
		iterDistinct, err := dskCountPhase(ctx, opts, sizing, iter, recordBytes, parallelism, maxEntriesPerPartition, reporter, topN, &topNMu)
		if cerr := partition.RemoveIteration(opts.ScratchDir, iter); cerr != nil {
			log.Error.Printf("dskengine: removing iteration %d scratch dir: %v", iter, cerr)
		}
		if err != nil {
			return EngineResult{}, err
		}
		distinctTotal += iterDistinct
	}
	return EngineResult{Entries: topN.Entries(), ReadsProcessed: readsTotal, DistinctKmers: distinctTotal}, nil
}

// dskWritePhase streams the input once, routing each k-mer into this
// iteration's partition files. K-mers belonging to a different
// iteration are skipped — they will be picked up when their own
// iteration runs the write phase again (each iteration re-streams the
// whole input; this is the DSK algorithm's core memory/IO trade-off).
func dskWritePhase(ctx context.Context, open Opener, opts DSKOpts, sizing dskSizing, iter, recordBytes int, reporter progress.Reporter) (uint64, error) {
	src, err := open()
	if err != nil {
		return 0, err
	}
	if closer, ok := src.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	w, err := partition.NewWriter(opts.ScratchDir, iter, sizing.Partitions, recordBytes)
	if err != nil {
		return 0, err
	}
	closed := false
	defer func() {
		if !closed {
			w.Close()
		}
	}()

	ex := kmer.NewExtractor(opts.K)
	var reads uint64
	var iterBytes int64
	for {
		if err := checkCancel(ctx); err != nil {
			return reads, err
		}
		seq, ok, err := src.Next()
		if err != nil {
			return reads, err
		}
		if !ok {
			break
		}
		reads++
		if reads%1024 == 0 {
			reporter.Progress(progress.Event{Phase: "dsk-write", Iteration: iter, ReadsProcessed: reads})
		}
		ex.Reset(seq)
		for ex.Scan() {
			km := ex.Kmer()
			if assignIteration(km, sizing.Iterations) != iter {
				continue
			}
			p := assignPartition(km, sizing.Partitions)
			if err := w.Write(p, km); err != nil {
				return reads, err
			}
			iterBytes += int64(recordBytes)
			if opts.TargetDiskBytes > 0 && iterBytes > opts.TargetDiskBytes {
				// The disk budget, not the in-memory count-time budget
				// PartitionOverflow guards: the partitions may still fit
				// in memory to count, the iteration's partition files
				// have simply outgrown scratch space.
				path := partition.Path(opts.ScratchDir, iter, p)
				return reads, &kmerr.IoError{
					Path:  path,
					Cause: fmt.Errorf("iteration %d partition files grew to %d bytes, exceeding target-disk budget of %d bytes", iter, iterBytes, opts.TargetDiskBytes),
				}
			}
		}
	}
	closed = true
	return reads, w.Close()
}

// dskCountPhase processes every partition of this iteration, at up to
// parallelism partitions concurrently. Each worker builds one
// partition's exact count map, drains it directly into the shared
// topN, and discards it before picking up the next partition — so at
// no instant does more than parallelism partitions' worth of counts
// live in memory at once, regardless of how many partitions the
// iteration has in total. It returns the number of distinct k-mers
// this iteration contributed, across all its partitions.
func dskCountPhase(ctx context.Context, opts DSKOpts, sizing dskSizing, iter, recordBytes, parallelism int, maxEntriesPerPartition int64, reporter progress.Reporter, topN *TopN, topNMu *sync.Mutex) (uint64, error) {
	partitions := make(chan int, sizing.Partitions)
	for p := 0; p < sizing.Partitions; p++ {
		partitions <- p
	}
	close(partitions)

	var (
		wg         sync.WaitGroup
		distinct   uint64
		errs       = multierror.NewMultiError(1)
		progressMu sync.Mutex // reporter is not called concurrently
	)
	for w := 0; w < parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range partitions {
				if err := checkCancel(ctx); err != nil {
					errs.Add(err)
					return
				}
				n, err := countPartitionInto(opts.ScratchDir, iter, p, recordBytes, maxEntriesPerPartition, topN, topNMu)
				if err != nil {
					errs.Add(err)
					return
				}
				progressMu.Lock()
				reporter.Progress(progress.Event{Phase: "dsk-count", Iteration: iter, Partitions: p})
				progressMu.Unlock()
				atomic.AddUint64(&distinct, n)
			}
		}()
	}
	wg.Wait()
	if err := errs.ErrorOrNil(); err != nil {
		return 0, err
	}
	return distinct, nil
}

// countPartitionInto reads one partition file to exact completion,
// counting every k-mer it contains, then folds the resulting map into
// topN under topNMu (TopN is not itself concurrency-safe) and lets the
// map go out of scope. maxEntriesPerPartition, if positive, bounds how
// large that map may grow before counting aborts with
// PartitionOverflow: hash collisions can concentrate far more than
// 1/P of an iteration's k-mers into one partition, and a partition
// that does so no longer fits the memory budget P was sized for.
func countPartitionInto(scratchDir string, iter, p, recordBytes int, maxEntriesPerPartition int64, topN *TopN, topNMu *sync.Mutex) (uint64, error) {
	r, err := partition.NewReader(scratchDir, iter, p, recordBytes)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	counts := make(map[kmer.Kmer]uint64)
	for {
		km, ok, err := r.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		counts[km]++
		if maxEntriesPerPartition > 0 && int64(len(counts)) > maxEntriesPerPartition {
			return 0, &kmerr.PartitionOverflow{
				Partition:     p,
				ObservedBytes: int64(len(counts)) * int64(dskInMemoryBytesPerKmer),
			}
		}
	}

	topNMu.Lock()
	for km, c := range counts {
		topN.Add(CountEntry{Kmer: km, Count: c})
	}
	topNMu.Unlock()
	return uint64(len(counts)), nil
}
