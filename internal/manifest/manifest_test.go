package manifest_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pepseek/internal/config"
	"pepseek/internal/domain"
	"pepseek/internal/manifest"
)

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg := config.Default("proj-1")
	cfg.Inputs.Alignments = filepath.Join(root, "alignments", "{sample}", "genes.aln.tsv")
	cfg.Inputs.Reads = filepath.Join(root, "reads", "{sample}.fastq.gz")
	return cfg
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildSortsAndDerivesReads(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	// create out of lexical order to prove sorting
	touch(t, filepath.Join(root, "alignments", "S02", "genes.aln.tsv"))
	touch(t, filepath.Join(root, "alignments", "S01", "genes.aln.tsv"))

	m, err := manifest.Build(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(m.Samples) != 2 {
		t.Fatalf("got %d samples", len(m.Samples))
	}
	if m.Samples[0].ID != "S01" || m.Samples[1].ID != "S02" {
		t.Fatalf("order = %v", m.IDs())
	}
	wantReads := filepath.Join(root, "reads", "S01.fastq.gz")
	if m.Samples[0].Reads != wantReads {
		t.Fatalf("reads = %q, want %q", m.Samples[0].Reads, wantReads)
	}
}

func TestBuildNoMatches(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, err := manifest.Build(cfg)
	if !errors.Is(err, domain.ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}

func TestBuildRejectsDoublePlaceholder(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	cfg.Inputs.Alignments = filepath.Join(root, "{sample}", "{sample}.tsv")
	_, err := manifest.Build(cfg)
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	touch(t, filepath.Join(root, "alignments", "S01", "genes.aln.tsv"))
	m, err := manifest.Build(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "work", "manifest.yml")
	if err := manifest.Save(path, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := manifest.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Samples) != 1 || got.Samples[0].ID != "S01" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	sample, err := got.At(0)
	if err != nil || sample.ID != "S01" {
		t.Fatalf("At(0) = %v, %v", sample, err)
	}
	if _, err := got.At(1); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("At(1) err = %v, want ErrConfig", err)
	}
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := manifest.Load(filepath.Join(t.TempDir(), "manifest.yml"))
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}
