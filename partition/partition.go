// Package partition implements the disk-resident bucket layer
// DSKEngine partitions k-mers into: PartitionWriter appends
// fixed-width Kmer records to per-partition files under a per-run
// scratch directory, and PartitionReader streams them back.
//
// The shard-file lifecycle (one *os.File per bucket under a
// per-run temp directory, mutex-guarded writes, explicit
// open/close, os.RemoveAll cleanup) is adapted from
// encoding/bampair/disk_mate_shard.go and distant_mate_table.go.
// Partition files are additionally wrapped with
// github.com/golang/snappy's buffered writer/reader, the same way
// that shard-file code wraps its own files, purely as a transparent
// compression layer: it introduces no per-record framing, so the
// decompressed stream is still a plain sequence of fixed-width,
// headerless records.
package partition

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/kmerfreq/kmer"
	"github.com/grailbio/kmerfreq/kmerr"
)

// RecordBytes returns the on-disk width of one Kmer record for a
// given k: ceil(2k/8) bytes.
func RecordBytes(k int) int {
	return (2*k + 7) / 8
}

// IterDir returns the scratch subdirectory holding all partition
// files for iteration i.
func IterDir(scratchDir string, iteration int) string {
	return filepath.Join(scratchDir, fmt.Sprintf("iter-%04d", iteration))
}

// Path returns the on-disk path of partition p's file for iteration i.
func Path(scratchDir string, iteration, p int) string {
	return filepath.Join(IterDir(scratchDir, iteration), fmt.Sprintf("part-%04d.kmers.sz", p))
}

// RemoveIteration deletes every partition file for iteration i. It is
// safe to call on an iteration directory that does not exist or is
// already partially removed.
func RemoveIteration(scratchDir string, iteration int) error {
	return os.RemoveAll(IterDir(scratchDir, iteration))
}

type partitionFile struct {
	mu     sync.Mutex
	f      *os.File
	w      io.WriteCloser // snappy.Writer wrapping f
	nBytes int            // uncompressed bytes written; used for disk-budget accounting
}

// Writer appends Kmer records to P partition files for one DSKEngine
// iteration. A Writer owns exclusive handles to its partition files
// from construction until Close.
type Writer struct {
	scratchDir  string
	iteration   int
	recordBytes int
	files       []*partitionFile
	scratchBuf  []byte
}

// NewWriter creates numPartitions append-only files under
// scratchDir/iter-<iteration>/, each holding recordBytes-wide Kmer
// records.
func NewWriter(scratchDir string, iteration, numPartitions, recordBytes int) (*Writer, error) {
	dir := IterDir(scratchDir, iteration)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &kmerr.IoError{Path: dir, Cause: err}
	}
	w := &Writer{
		scratchDir:  scratchDir,
		iteration:   iteration,
		recordBytes: recordBytes,
		files:       make([]*partitionFile, numPartitions),
		scratchBuf:  make([]byte, recordBytes),
	}
	for p := 0; p < numPartitions; p++ {
		path := Path(scratchDir, iteration, p)
		f, err := os.Create(path)
		if err != nil {
			w.abort()
			return nil, &kmerr.IoError{Path: path, Cause: err}
		}
		w.files[p] = &partitionFile{f: f, w: snappy.NewBufferedWriter(f)}
	}
	return w, nil
}

// Write appends one record to partition p's file.
func (w *Writer) Write(p int, km kmer.Kmer) error {
	pf := w.files[p]
	pf.mu.Lock()
	defer pf.mu.Unlock()

	buf := w.scratchBuf
	v := uint64(km)
	for i := 0; i < w.recordBytes; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
	if _, err := pf.w.Write(buf); err != nil {
		return &kmerr.IoError{Path: pf.f.Name(), Cause: err}
	}
	pf.nBytes += w.recordBytes
	return nil
}

// BytesWritten returns the total uncompressed bytes written to
// partition p so far, for disk-budget accounting.
func (w *Writer) BytesWritten(p int) int {
	pf := w.files[p]
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.nBytes
}

// Close flushes and closes every partition file. Partition files are
// fsync-free: crash recovery of a half-written scratch directory is
// not a goal.
func (w *Writer) Close() error {
	once := errors.Once{}
	for _, pf := range w.files {
		if pf == nil {
			continue
		}
		if err := pf.w.Close(); err != nil {
			once.Set(&kmerr.IoError{Path: pf.f.Name(), Cause: err})
		}
		if err := pf.f.Close(); err != nil {
			once.Set(&kmerr.IoError{Path: pf.f.Name(), Cause: err})
		}
	}
	return once.Err()
}

// abort closes and removes whatever partition files have been opened
// so far; used when construction fails partway through, so a failed
// NewWriter never leaves orphaned scratch files behind.
func (w *Writer) abort() {
	for _, pf := range w.files {
		if pf == nil {
			continue
		}
		pf.w.Close()
		pf.f.Close()
		os.Remove(pf.f.Name())
	}
}

// Reader streams one partition file's Kmer records in the order they
// were written.
type Reader struct {
	f           *os.File
	r           *bufio.Reader
	sr          io.Reader // snappy reader wrapping f
	recordBytes int
	buf         []byte
}

// NewReader opens partition p of iteration's files for reading.
func NewReader(scratchDir string, iteration, p, recordBytes int) (*Reader, error) {
	path := Path(scratchDir, iteration, p)
	f, err := os.Open(path)
	if err != nil {
		return nil, &kmerr.IoError{Path: path, Cause: err}
	}
	sr := snappy.NewReader(f)
	return &Reader{
		f:           f,
		r:           bufio.NewReaderSize(sr, 64<<10),
		sr:          sr,
		recordBytes: recordBytes,
		buf:         make([]byte, recordBytes),
	}, nil
}

// Next returns the next Kmer in the partition, or ok=false at EOF.
func (r *Reader) Next() (km kmer.Kmer, ok bool, err error) {
	n, err := io.ReadFull(r.r, r.buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if n == 0 {
			return 0, false, nil
		}
		return 0, false, &kmerr.IoError{Path: r.f.Name(), Cause: fmt.Errorf("truncated record: %d of %d bytes", n, r.recordBytes)}
	}
	if err != nil {
		return 0, false, &kmerr.IoError{Path: r.f.Name(), Cause: err}
	}
	var v uint64
	for i := 0; i < r.recordBytes; i++ {
		v |= uint64(r.buf[i]) << (8 * uint(i))
	}
	return kmer.Kmer(v), true, nil
}

// Close releases the reader's file handle.
func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return &kmerr.IoError{Path: r.f.Name(), Cause: err}
	}
	return nil
}
