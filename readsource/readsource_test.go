package readsource

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
)

func TestFromReads(t *testing.T) {
	src := FromReads([]string{"ACGT", "TTTT"})
	var got []string
	for {
		r, ok, err := src.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, r)
	}
	if len(got) != 2 || got[0] != "ACGT" || got[1] != "TTTT" {
		t.Fatalf("got %v", got)
	}
}

func writeFastqGz(t *testing.T, path string, records [][2]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	defer gz.Close()
	var buf bytes.Buffer
	for _, r := range records {
		buf.WriteString("@" + r[0] + "\n")
		buf.WriteString(r[1] + "\n")
		buf.WriteString("+\n")
		buf.WriteString(bytes.Repeat([]byte("I"), len(r[1])))
		buf.WriteString("\n")
	}
	if _, err := gz.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}
}

func TestOpenGzippedFastq(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "kmerfreq-readsource-test")
	defer cleanup()

	path := filepath.Join(dir, "reads.fastq.gz")
	writeFastqGz(t, path, [][2]string{
		{"read1", "ACGTACGT"},
		{"read2", "TTTTGGGG"},
	})

	src, err := Open(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.(interface{ Close() error }).Close()

	var got []string
	for {
		r, ok, err := src.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, r)
	}
	if len(got) != 2 || got[0] != "ACGTACGT" || got[1] != "TTTTGGGG" {
		t.Fatalf("got %v", got)
	}
}

func TestOpenRejectsMalformedRecord(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "kmerfreq-readsource-test")
	defer cleanup()

	path := filepath.Join(dir, "bad.fastq.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	gz.Write([]byte("not-a-valid-id-line\nACGT\n+\nIIII\n"))
	gz.Close()
	f.Close()

	src, err := Open(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.(interface{ Close() error }).Close()

	if _, _, err := src.Next(); err == nil {
		t.Fatal("expected error for malformed id line")
	}
}
