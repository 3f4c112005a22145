// Command kmerfreq counts the N most frequent k-mers in a FASTQ file
// under a caller-supplied memory and disk budget, choosing between an
// in-memory filter-backed counter and an external-memory (DSK-style)
// counter depending on how the input is expected to fit.
//
// Usage:
//
//	kmerfreq -file=reads.fastq.gz -k=21 -n=100 \
//	         -error-rate=0.001 -target-disk=25 -target-memory=4 \
//	         -algorithm=auto -verbose
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"time"

	"github.com/golang/snappy"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/grailbio/kmerfreq/engine"
	"github.com/grailbio/kmerfreq/kmer"
	"github.com/grailbio/kmerfreq/kmerr"
	"github.com/grailbio/kmerfreq/progress"
	"github.com/grailbio/kmerfreq/readsource"
)

const giB = 1 << 30

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: kmerfreq -file=<path> -k=<int> -n=<int> [options]

kmerfreq counts the -n most frequent -k-length substrings of the ACGT
alphabet across the reads of a FASTQ (optionally gzipped) file and
prints them, most frequent first. k-mers are not canonicalized against
their reverse complement: "ACGT" and its reverse complement "ACGT" are
the literal k-mer strings counted, with no strand folding. A k-mer
window is broken by any base outside {A,C,G,T,a,c,g,t}.

Options:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage

	filePath := flag.String("file", "", "path to the input FASTQ(.gz) file (required)")
	k := flag.Int("k", 0, "k-mer length, 1..32 (required)")
	n := flag.Int("n", 0, "number of most frequent k-mers to report (required)")
	errRate := flag.Float64("error-rate", 0.001, "MembershipFilter false positive rate, BFEngine only")
	targetDiskGiB := flag.Int64("target-disk", 25, "scratch disk budget in GiB, DSKEngine only")
	targetMemoryGiB := flag.Int64("target-memory", 4, "memory budget in GiB")
	algorithmFlag := flag.String("algorithm", "auto", "bf|dsk|auto")
	verbose := flag.Bool("verbose", false, "enable verbose progress and an on-disk audit log")

	cleanup := grail.Init()
	defer cleanup()
	ctx := vcontext.Background()

	exitCode := run(ctx, filePath, k, n, errRate, targetDiskGiB, targetMemoryGiB, algorithmFlag, verbose)
	os.Exit(exitCode)
}

func run(ctx context.Context, filePath *string, k, n *int, errRate *float64, targetDiskGiB, targetMemoryGiB *int64, algorithmFlag *string, verbose *bool) int {
	if *filePath == "" || *k <= 0 || *n <= 0 {
		log.Error.Printf("-file, -k and -n are required (k,n >= 1)")
		flag.Usage()
		return 2
	}
	if *k > kmer.MaxK {
		log.Error.Printf("-k must be <= %d", kmer.MaxK)
		return 2
	}
	algorithm, err := parseAlgorithm(*algorithmFlag)
	if err != nil {
		log.Error.Printf("%v", err)
		return 2
	}

	scratchDir, err := ioutil.TempDir("", "kmerfreq-")
	if err != nil {
		log.Error.Printf("creating scratch directory: %v", err)
		return 1
	}
	keepScratch := false
	defer func() {
		if !keepScratch {
			os.RemoveAll(scratchDir)
		}
	}()

	var reporter progress.Reporter = progress.Noop
	var audit *auditLog
	if *verbose {
		reporter = progress.NewConsole(os.Stderr, time.Now())
		audit, err = newAuditLog(scratchDir)
		if err != nil {
			log.Error.Printf("opening audit log: %v", err)
			return 1
		}
	}

	info, err := os.Stat(*filePath)
	if err != nil {
		log.Error.Printf("stat %s: %v", *filePath, err)
		return 3
	}
	inputBytes := info.Size()

	open := func() (readsource.Source, error) {
		return readsource.Open(ctx, *filePath)
	}

	targetMemoryBytes := *targetMemoryGiB * giB
	targetDiskBytes := *targetDiskGiB * giB
	if targetDiskBytes > 0 && info.Size() > 0 {
		// -target-disk's default of 25 GiB is a soft ceiling, not a hard
		// requirement that scratch fit on disk; warn rather than fail
		// when the input alone suggests the budget is tight.
		estimate := engine.EstimateDistinctKmers(inputBytes, *k)
		if estimate*8 > float64(targetDiskBytes) {
			log.Printf("warning: estimated partition footprint (%.0f bytes) may exceed -target-disk (%d bytes)", estimate*8, targetDiskBytes)
		}
	}

	chosen := engine.Select(algorithm, inputBytes, *k, targetMemoryBytes, *errRate)
	log.Debug.Printf("selected engine: %v", chosen)

	var result engine.EngineResult
	switch chosen {
	case engine.DSK:
		result, err = engine.DSKEngine(ctx, open, engine.DSKOpts{
			K:                 *k,
			N:                 *n,
			InputBytes:        inputBytes,
			TargetDiskBytes:   targetDiskBytes,
			TargetMemoryBytes: targetMemoryBytes,
			ScratchDir:        scratchDir,
			Parallelism:       4,
			Progress:          reporter,
		})
	default:
		result, err = engine.BFEngine(ctx, open, engine.BFOpts{
			K:                     *k,
			N:                     *n,
			ErrRate:               *errRate,
			ExpectedDistinctKmers: uint64(engine.EstimateDistinctKmers(inputBytes, *k)),
			MaxExactTableEntries:  uint64(targetMemoryBytes / 16),
			Progress:              reporter,
		})
	}

	if audit != nil {
		audit.logf("engine=%v reads_input_bytes=%d reads_processed=%d distinct_kmers=%d err=%v",
			chosen, inputBytes, result.ReadsProcessed, result.DistinctKmers, err)
	}

	if err != nil {
		code := exitCodeFor(err)
		if ioErr, ok := err.(*kmerr.IoError); ok && ioErr.Path != *filePath {
			// Exit code 3 is for the input file only; an I/O failure on a
			// scratch or partition file is a generic failure.
			code = 1
		}
		log.Error.Printf("%v", err)
		if audit != nil {
			// A usage error means the run never really started, so there
			// is nothing worth a postmortem over; remove the log. Any
			// other non-zero exit keeps it for postmortem debugging.
			if code == 2 {
				audit.removeAndClose()
			} else {
				audit.close()
				keepScratch = true
			}
		}
		return code
	}
	if audit != nil {
		audit.removeAndClose()
	}

	for _, e := range result.Entries {
		fmt.Printf("%s\t%d\n", e.Kmer.String(*k), e.Count)
	}
	return 0
}

func parseAlgorithm(s string) (engine.Algorithm, error) {
	switch s {
	case "", "auto":
		return engine.Auto, nil
	case "bf":
		return engine.BF, nil
	case "dsk":
		return engine.DSK, nil
	default:
		return engine.Auto, &kmerr.UsageError{Msg: fmt.Sprintf("unknown -algorithm %q, want bf|dsk|auto", s)}
	}
}

func exitCodeFor(err error) int {
	switch err.(type) {
	case *kmerr.UsageError:
		return 2
	case *kmerr.IoError:
		return 3
	case *kmerr.ResourceExhausted:
		return 4
	case *kmerr.PartitionOverflow:
		return 5
	default:
		return 1
	}
}

// auditLog is the verbose-mode NDJSON trail, snappy-compressed in the
// same style partition files are, grounded on muscato's bmatch*.txt.sz
// logging convention: retained on a non-zero, non-usage exit for
// postmortem debugging, removed on a clean run.
type auditLog struct {
	path string
	f    *os.File
	w    io.WriteCloser
}

func newAuditLog(scratchDir string) (*auditLog, error) {
	path := scratchDir + "/audit.jsonl.sz"
	f, err := os.Create(path)
	if err != nil {
		return nil, &kmerr.IoError{Path: path, Cause: err}
	}
	return &auditLog{path: path, f: f, w: snappy.NewBufferedWriter(f)}, nil
}

func (a *auditLog) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(`{"ts":%q,"msg":%q}`+"\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
	a.w.Write([]byte(line))
}

func (a *auditLog) close() {
	a.w.Close()
	a.f.Close()
}

func (a *auditLog) removeAndClose() {
	a.close()
	os.Remove(a.path)
}
