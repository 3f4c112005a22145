// Package readsource implements ReadSource: a lazy, finite,
// non-restartable sequence of nucleotide strings drawn from FASTQ
// records. The engines use only this package's Source interface, not
// its FASTQ parsing or file I/O, so that tests can supply an in-memory
// source (FromReads) without going through FASTQ parsing or file I/O
// at all.
//
// The FASTQ tokenizer itself is adapted from
// encoding/fastq/scanner.go's Scanner: the four-line record structure
// and the "ID must start with @, line 3 must start with +" validation
// are preserved, simplified to read only the sequence line (the core
// has no opinion on ID, the line-3 placeholder, or quality scores).
package readsource

import (
	"bufio"
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"

	"github.com/grailbio/kmerfreq/kmerr"
)

// Source yields successive read sequences. Next returns ok=false,
// err=nil at a clean end of stream. A Source is not safe for
// concurrent use; callers that want parallel consumption fan out
// downstream of a single Next loop.
type Source interface {
	Next() (seq string, ok bool, err error)
}

// sliceSource is the in-memory Source used by tests.
type sliceSource struct {
	reads []string
	i     int
}

// FromReads returns a Source over an in-memory list of reads, for
// tests and small inputs.
func FromReads(reads []string) Source {
	return &sliceSource{reads: reads}
}

func (s *sliceSource) Next() (string, bool, error) {
	if s.i >= len(s.reads) {
		return "", false, nil
	}
	r := s.reads[s.i]
	s.i++
	return r, true, nil
}

// fastqSource reads four-line FASTQ records from an underlying
// stream, yielding only the sequence (second) line.
type fastqSource struct {
	path   string
	sc     *bufio.Scanner
	closer io.Closer
}

// Open opens path (local disk, or any scheme registered with
// github.com/grailbio/base/file, e.g. s3file) and returns a Source
// over its FASTQ records. Files named *.gz are transparently
// gunzipped with github.com/klauspost/compress/gzip, matching
// encoding/fastq's own convention.
func Open(ctx context.Context, path string) (Source, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, &kmerr.IoError{Path: path, Cause: err}
	}
	var (
		r       io.Reader = f.Reader(ctx)
		closers           = []io.Closer{fileCloser{f, ctx}}
	)
	if isGzip(path) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			f.Close(ctx)
			return nil, &kmerr.IoError{Path: path, Cause: err}
		}
		r = gz
		closers = append(closers, gz)
	}
	return &fastqSource{
		path:   path,
		sc:     bufio.NewScanner(r),
		closer: multiCloser(closers),
	}, nil
}

func isGzip(path string) bool {
	n := len(path)
	return n > 3 && path[n-3:] == ".gz"
}

// Next returns the sequence line of the next FASTQ record.
func (s *fastqSource) Next() (string, bool, error) {
	if !s.sc.Scan() {
		return "", false, s.err()
	}
	id := s.sc.Text()
	if len(id) == 0 || id[0] != '@' {
		return "", false, &kmerr.IoError{Path: s.path, Cause: errInvalidRecord("missing '@' id line")}
	}
	if !s.sc.Scan() {
		return "", false, &kmerr.IoError{Path: s.path, Cause: errInvalidRecord("truncated record: missing sequence line")}
	}
	seq := s.sc.Text()
	if !s.sc.Scan() {
		return "", false, &kmerr.IoError{Path: s.path, Cause: errInvalidRecord("truncated record: missing '+' line")}
	}
	if plus := s.sc.Text(); len(plus) == 0 || plus[0] != '+' {
		return "", false, &kmerr.IoError{Path: s.path, Cause: errInvalidRecord("missing '+' line")}
	}
	if !s.sc.Scan() {
		return "", false, &kmerr.IoError{Path: s.path, Cause: errInvalidRecord("truncated record: missing quality line")}
	}
	return seq, true, nil
}

func (s *fastqSource) err() error {
	if err := s.sc.Err(); err != nil {
		return &kmerr.IoError{Path: s.path, Cause: err}
	}
	return nil
}

// Close releases the underlying file (and gzip reader, if any).
func (s *fastqSource) Close() error {
	return s.closer.Close()
}

type errInvalidRecord string

func (e errInvalidRecord) Error() string { return string(e) }

type fileCloser struct {
	f   file.File
	ctx context.Context
}

func (c fileCloser) Close() error { return c.f.Close(c.ctx) }

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	once := errors.Once{}
	// Close in reverse order: innermost (e.g. gzip) before outermost
	// (the underlying file).
	for i := len(m) - 1; i >= 0; i-- {
		once.Set(m[i].Close())
	}
	return once.Err()
}
