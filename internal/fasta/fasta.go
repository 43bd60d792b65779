package fasta

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Record is a single FASTA sequence. Header holds the full header line
// without the leading '>' so downstream stages can preserve it verbatim.
type Record struct {
	Header string
	Seq    []byte
}

// ID returns the first whitespace-delimited token of the header.
func (r Record) ID() string {
	hdr := strings.TrimSpace(r.Header)
	if i := strings.IndexAny(hdr, " \t"); i >= 0 {
		return hdr[:i]
	}
	return hdr
}

// multiReadCloser closes multiple io.Closers when Close() is called.
type multiReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiReadCloser) Close() error {
	var err error
	for _, c := range m.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Open opens path for reading, transparently decompressing gzip input.
// "-" reads from stdin.
func Open(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	// Detect gzip by magic number (1F 8B) or by .gz suffix.
	var sig [2]byte
	n, _ := fh.Read(sig[:])
	_, _ = fh.Seek(0, io.SeekStart)
	if (n == 2 && sig[0] == 0x1f && sig[1] == 0x8b) || strings.HasSuffix(path, ".gz") {
		gr, err := gzip.NewReader(fh)
		if err != nil {
			_ = fh.Close()
			return nil, err
		}
		return &multiReadCloser{Reader: gr, closers: []io.Closer{gr, fh}}, nil
	}
	return fh, nil
}

// Stream parses FASTA from r and emits one Record per sequence. It is
// cancelable, returning promptly when ctx is Done, even mid-record.
func Stream(ctx context.Context, r io.Reader, emit func(Record) error) error {
	sc := bufio.NewScanner(r)
	const maxLine = 64 * 1024 * 1024 // allow very long single-line sequences (64 MiB)
	buf := make([]byte, 64*1024)
	sc.Buffer(buf, maxLine)

	var (
		header  string
		seq     = make([]byte, 0, 1<<20)
		started bool
	)

	flush := func() error {
		if !started {
			return nil
		}
		return emit(Record{Header: header, Seq: append([]byte(nil), seq...)})
	}

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if err := flush(); err != nil {
				return err
			}
			header = string(bytes.TrimSpace(line[1:]))
			seq = seq[:0]
			started = true
			continue
		}
		seq = append(seq, bytes.TrimSpace(line)...)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("fasta scan: %w", err)
	}
	return flush()
}

// StreamPath streams records from a path, handling gzip and "-" stdin.
func StreamPath(ctx context.Context, path string, emit func(Record) error) error {
	rc, err := Open(path)
	if err != nil {
		return err
	}
	defer rc.Close()
	return Stream(ctx, rc, emit)
}

// ReadAll loads every record from a path into memory.
func ReadAll(ctx context.Context, path string) ([]Record, error) {
	var records []Record
	err := StreamPath(ctx, path, func(rec Record) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of records in a FASTA file.
func Count(ctx context.Context, path string) (int, error) {
	n := 0
	err := StreamPath(ctx, path, func(Record) error {
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

const wrapWidth = 60

// Writer emits FASTA records with sequence lines wrapped at 60 columns.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) Write(rec Record) error {
	if _, err := w.w.WriteString(">" + rec.Header + "\n"); err != nil {
		return err
	}
	seq := rec.Seq
	for len(seq) > 0 {
		n := wrapWidth
		if n > len(seq) {
			n = len(seq)
		}
		if _, err := w.w.Write(seq[:n]); err != nil {
			return err
		}
		if err := w.w.WriteByte('\n'); err != nil {
			return err
		}
		seq = seq[n:]
	}
	return nil
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

// WriteFile writes records to path, overwriting any existing file.
func WriteFile(path string, records []Record) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	w := NewWriter(fh)
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			_ = fh.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}
