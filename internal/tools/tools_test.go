package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"pepseek/internal/domain"
)

// fakeTool writes a shell script that logs its argv and exits with the
// given code.
func fakeTool(t *testing.T, exitCode int) (bin, argvLog string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "tool")
	argvLog = filepath.Join(dir, "argv")
	script := "#!/bin/sh\necho \"$@\" > " + argvLog + "\n"
	if exitCode != 0 {
		script += "echo boom >&2\n"
	}
	script += "exit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin, argvLog
}

func loggedArgs(t *testing.T, argvLog string) string {
	t.Helper()
	data, err := os.ReadFile(argvLog)
	if err != nil {
		t.Fatalf("tool never ran: %v", err)
	}
	return strings.TrimSpace(string(data))
}

func TestRunWrapsFailures(t *testing.T) {
	bin, _ := fakeTool(t, 1)
	err := run(context.Background(), bin, "blastp")
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !errors.Is(err, domain.ErrToolFailure) {
		t.Fatalf("error not classified: %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("stderr tail missing: %v", err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	err := run(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, domain.ErrToolFailure) {
		t.Fatalf("error not classified: %v", err)
	}
}

func TestSeqKitSkipsConversionForFasta(t *testing.T) {
	bin, argvLog := fakeTool(t, 0)
	sk := SeqKit{Bin: bin, Threads: 2}
	if err := sk.ExtractReads(context.Background(), "reads.fasta", "names.txt", "out.fasta"); err != nil {
		t.Fatalf("extract: %v", err)
	}
	args := loggedArgs(t, argvLog)
	if !strings.HasPrefix(args, "grep --threads 2 -f names.txt reads.fasta") {
		t.Fatalf("argv = %q", args)
	}
}

func TestSeqKitConvertsFastq(t *testing.T) {
	bin, argvLog := fakeTool(t, 0)
	sk := SeqKit{Bin: bin}
	if err := sk.ExtractReads(context.Background(), "reads.fastq.gz", "names.txt", "out.fasta"); err != nil {
		t.Fatalf("extract: %v", err)
	}
	// second invocation wins the log; it must be the conversion
	args := loggedArgs(t, argvLog)
	if !strings.HasPrefix(args, "fq2fa") || !strings.Contains(args, "-o out.fasta") {
		t.Fatalf("argv = %q", args)
	}
}

func TestDiamondSearchArgs(t *testing.T) {
	d := Diamond{Bin: "diamond", Threads: 8, Sensitive: true, MaxEValue: 1e-5, MaxHits: 25}
	args := strings.Join(d.searchArgs("db", "q.faa", "hits.tsv"), " ")
	for _, want := range []string{
		"blastp",
		"--outfmt 6 qseqid sseqid pident length evalue bitscore",
		"--evalue 1e-05",
		"--max-target-seqs 25",
		"--threads 8",
		"--sensitive",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("argv %q missing %q", args, want)
		}
	}
}

func TestDiamondInsensitiveOmitsFlag(t *testing.T) {
	d := Diamond{Bin: "diamond"}
	args := strings.Join(d.searchArgs("db", "q.faa", "hits.tsv"), " ")
	if strings.Contains(args, "--sensitive") {
		t.Fatalf("argv %q should not include --sensitive", args)
	}
}
