package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"pepseek/internal/config"
	"pepseek/internal/domain"
)

// Toolkit retrieves named reads from a read set as FASTA.
type Toolkit interface {
	ExtractReads(ctx context.Context, readsPath, namesPath, outFasta string) error
}

// Translator produces six-frame translations of nucleotide sequences.
type Translator interface {
	SixFrame(ctx context.Context, inFasta, outFaa string) error
}

// Validator aligns translated frames against a reference protein set.
type Validator interface {
	MakeDB(ctx context.Context, refFasta, dbPrefix string) error
	Search(ctx context.Context, dbPrefix, queryFaa, outTSV string) error
}

// Set bundles the external engines a run needs. Fields are interfaces
// so tests can substitute fakes without shelling out.
type Set struct {
	Toolkit    Toolkit
	Translator Translator
	Validator  Validator
}

// New builds the production tool set from config.
func New(tl config.Tools, thr config.Thresholds) Set {
	return Set{
		Toolkit:    SeqKit{Bin: tl.Toolkit, Threads: tl.Threads},
		Translator: Transeq{Bin: tl.Translator},
		Validator: Diamond{
			Bin:       tl.Validator,
			Threads:   tl.Threads,
			Sensitive: tl.Sensitive,
			MaxEValue: thr.MaxEValue,
			MaxHits:   thr.MaxHits,
		},
	}
}

// run executes one tool invocation, reporting the stderr tail on failure.
func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v: %s", domain.ErrToolFailure, name, strings.Join(args, " "), err, stderrTail(stderr.Bytes()))
	}
	return nil
}

func stderrTail(out []byte) string {
	const keep = 2048
	out = bytes.TrimSpace(out)
	if len(out) > keep {
		out = out[len(out)-keep:]
	}
	return string(out)
}

// SeqKit drives the seqkit binary for read selection and FASTQ to FASTA
// conversion.
type SeqKit struct {
	Bin     string
	Threads int
}

func (s SeqKit) ExtractReads(ctx context.Context, readsPath, namesPath, outFasta string) error {
	if isFastq(readsPath) {
		tmp := outFasta + ".fastq.tmp"
		defer os.Remove(tmp)
		if err := run(ctx, s.Bin, s.common("grep", "-f", namesPath, readsPath, "-o", tmp)...); err != nil {
			return err
		}
		return run(ctx, s.Bin, s.common("fq2fa", tmp, "-o", outFasta)...)
	}
	return run(ctx, s.Bin, s.common("grep", "-f", namesPath, readsPath, "-o", outFasta)...)
}

func (s SeqKit) common(sub string, args ...string) []string {
	out := []string{sub}
	if s.Threads > 0 {
		out = append(out, "--threads", strconv.Itoa(s.Threads))
	}
	return append(out, args...)
}

func isFastq(path string) bool {
	path = strings.TrimSuffix(path, ".gz")
	return strings.HasSuffix(path, ".fastq") || strings.HasSuffix(path, ".fq")
}

// Transeq drives the EMBOSS transeq binary. Frame tags `_1` through
// `_6` are appended to sequence identifiers by the tool itself.
type Transeq struct {
	Bin string
}

func (t Transeq) SixFrame(ctx context.Context, inFasta, outFaa string) error {
	return run(ctx, t.Bin, "-sequence", inFasta, "-outseq", outFaa, "-frame", "6")
}

// Diamond drives the diamond aligner in blastp mode.
type Diamond struct {
	Bin       string
	Threads   int
	Sensitive bool
	MaxEValue float64
	MaxHits   int
}

func (d Diamond) MakeDB(ctx context.Context, refFasta, dbPrefix string) error {
	args := []string{"makedb", "--in", refFasta, "--db", dbPrefix, "--quiet"}
	if d.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(d.Threads))
	}
	return run(ctx, d.Bin, args...)
}

func (d Diamond) Search(ctx context.Context, dbPrefix, queryFaa, outTSV string) error {
	args := d.searchArgs(dbPrefix, queryFaa, outTSV)
	return run(ctx, d.Bin, args...)
}

func (d Diamond) searchArgs(dbPrefix, queryFaa, outTSV string) []string {
	args := []string{
		"blastp",
		"--db", dbPrefix,
		"--query", queryFaa,
		"--out", outTSV,
		"--outfmt", "6", "qseqid", "sseqid", "pident", "length", "evalue", "bitscore",
		"--quiet",
	}
	if d.MaxEValue > 0 {
		args = append(args, "--evalue", strconv.FormatFloat(d.MaxEValue, 'g', -1, 64))
	}
	if d.MaxHits > 0 {
		args = append(args, "--max-target-seqs", strconv.Itoa(d.MaxHits))
	}
	if d.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(d.Threads))
	}
	if d.Sensitive {
		args = append(args, "--sensitive")
	}
	return args
}
