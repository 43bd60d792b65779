package engine_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pepseek/internal/config"
	"pepseek/internal/db"
	"pepseek/internal/domain"
	"pepseek/internal/engine"
	"pepseek/internal/fasta"
	"pepseek/internal/migrate"
	"pepseek/internal/tools"
)

type testEnv struct {
	Engine engine.Engine
	Cfg    *config.Config
	Ctx    context.Context
	Root   string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default("proj-test")
	cfg.Inputs.Targets = filepath.Join(root, "targets.txt")
	cfg.Inputs.Alignments = filepath.Join(root, "alignments", "{sample}", "genes.aln.tsv")
	cfg.Inputs.Reads = filepath.Join(root, "reads", "{sample}.fasta")
	cfg.Inputs.Reference = filepath.Join(root, "targets.faa")
	cfg.Workdir = filepath.Join(root, "work")

	conn, err := db.Open(db.Config{Workspace: root})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	eng.Tools = tools.Set{Toolkit: fakeToolkit{}, Translator: fakeTranslator{}, Validator: &fakeValidator{}}
	return testEnv{Engine: eng, Cfg: cfg, Ctx: context.Background(), Root: root}
}

// fakeToolkit selects reads by name from a FASTA read source.
type fakeToolkit struct{}

func (fakeToolkit) ExtractReads(ctx context.Context, readsPath, namesPath, outFasta string) error {
	names := map[string]struct{}{}
	fh, err := os.Open(namesPath)
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			names[line] = struct{}{}
		}
	}
	_ = fh.Close()
	if err := sc.Err(); err != nil {
		return err
	}

	var selected []fasta.Record
	err = fasta.StreamPath(ctx, readsPath, func(rec fasta.Record) error {
		if _, ok := names[rec.ID()]; ok {
			selected = append(selected, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return fasta.WriteFile(outFasta, selected)
}

// fakeTranslator emits six frames per input sequence with _N tags.
type fakeTranslator struct{}

func (fakeTranslator) SixFrame(ctx context.Context, inFasta, outFaa string) error {
	var frames []fasta.Record
	err := fasta.StreamPath(ctx, inFasta, func(rec fasta.Record) error {
		for f := 1; f <= 6; f++ {
			frames = append(frames, fasta.Record{
				Header: fmt.Sprintf("%s_%d", rec.ID(), f),
				Seq:    append(append([]byte{}, rec.Seq...), byte('0'+f)),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	return fasta.WriteFile(outFaa, frames)
}

// fakeValidator reports one perfect hit against X1 for every frame-1
// query, unless a fixed hit list is injected.
type fakeValidator struct {
	Hits []domain.Hit
}

func (v *fakeValidator) MakeDB(ctx context.Context, refFasta, dbPrefix string) error {
	return os.WriteFile(dbPrefix+".dmnd", []byte("db\n"), 0o644)
}

func (v *fakeValidator) Search(ctx context.Context, dbPrefix, queryFaa, outTSV string) error {
	hits := v.Hits
	if hits == nil {
		err := fasta.StreamPath(ctx, queryFaa, func(rec fasta.Record) error {
			if strings.HasSuffix(rec.ID(), "_1") {
				hits = append(hits, domain.Hit{
					Query: rec.ID(), Subject: "X1|gi123", Identity: 100, Length: 50, EValue: 1e-20, BitScore: 200,
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	fh, err := os.Create(outTSV)
	if err != nil {
		return err
	}
	for _, h := range hits {
		fmt.Fprintf(fh, "%s\t%s\t%g\t%d\t%g\t%g\n", h.Query, h.Subject, h.Identity, h.Length, h.EValue, h.BitScore)
	}
	return fh.Close()
}

func (env testEnv) writeTargets(t *testing.T, lines ...string) {
	t.Helper()
	if err := os.WriteFile(env.Cfg.Inputs.Targets, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (env testEnv) writeReference(t *testing.T) {
	t.Helper()
	if err := os.WriteFile(env.Cfg.Inputs.Reference, []byte(">X1\nMKVLA\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (env testEnv) writeAlignment(t *testing.T, sample string, rows [][2]string) {
	t.Helper()
	path := env.Cfg.AlignmentPath(sample)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	for _, row := range rows {
		b.WriteString(row[0] + "\t" + row[1] + "\textra\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (env testEnv) writeReads(t *testing.T, sample string, seqs map[string]string) {
	t.Helper()
	path := env.Cfg.ReadsPath(sample)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	var recs []fasta.Record
	for id, seq := range seqs {
		recs = append(recs, fasta.Record{Header: id, Seq: []byte(seq)})
	}
	if err := fasta.WriteFile(path, recs); err != nil {
		t.Fatal(err)
	}
}

func (env testEnv) sample(id string) domain.Sample {
	return domain.Sample{
		ID:        id,
		Alignment: env.Cfg.AlignmentPath(id),
		Reads:     env.Cfg.ReadsPath(id),
	}
}

func TestLoadTargetsCanonicalizesAndDedupes(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1|accA", "X1|accB", "X2", "", "X3|x")
	set, err := env.Engine.LoadTargets()
	if err != nil {
		t.Fatalf("load targets: %v", err)
	}
	if set.Size() != 3 {
		t.Fatalf("size = %d, want 3", set.Size())
	}
	for _, id := range []string{"X1", "X2", "X3"} {
		if !set.Contains(id) {
			t.Fatalf("missing %s", id)
		}
	}
	if set.Contains("X1|accA") {
		t.Fatalf("raw id should not be a member")
	}
}

func TestLoadTargetsMissingFile(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.LoadTargets()
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestExtractCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1", "X2")
	targets, err := env.Engine.LoadTargets()
	if err != nil {
		t.Fatal(err)
	}
	env.writeAlignment(t, "S01", [][2]string{
		{"r1", "X1|gi1"},
		{"r2", "X1|gi1"},
		{"r3", "X1"},
		{"r4", "Y9"}, // not a target
	})
	env.writeReads(t, "S01", map[string]string{
		"r1": "ACGTACGT", "r2": "ACGTACGA", "r3": "ACGTACGC", "r4": "TTTT",
	})

	res, err := env.Engine.ExtractSample(env.Ctx, env.sample("S01"), targets)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if res.ReadsAssigned != 3 || res.Extracted != 3 {
		t.Fatalf("counts = %d/%d, want 3/3", res.ReadsAssigned, res.Extracted)
	}

	rec, err := env.Engine.Records.Read("S01")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Status != domain.StatusCompleted || rec.Fields["extracted_seqs"] != "3" || rec.Fields["targets"] != "2" {
		t.Fatalf("record fields: %+v", rec)
	}
	if rec.Fields["output"] == "" || rec.Fields["duration"] == "" {
		t.Fatalf("record missing output/duration: %+v", rec.Fields)
	}
}

func TestExtractNoTargetReads(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1")
	targets, _ := env.Engine.LoadTargets()
	env.writeAlignment(t, "S01", [][2]string{{"r1", "Y1"}, {"r2", "Y2"}})

	res, err := env.Engine.ExtractSample(env.Ctx, env.sample("S01"), targets)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Status != domain.StatusNoTargetReads || res.Extracted != 0 {
		t.Fatalf("result = %+v", res)
	}
	rec, err := env.Engine.Records.Read("S01")
	if err != nil || rec.Fields["extracted_seqs"] != "0" {
		t.Fatalf("record = %+v, %v", rec, err)
	}
}

func TestExtractNoInput(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1")
	targets, _ := env.Engine.LoadTargets()

	res, err := env.Engine.ExtractSample(env.Ctx, env.sample("S01"), targets)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Status != domain.StatusNoInput {
		t.Fatalf("status = %s", res.Status)
	}
	if done, err := env.Engine.Records.Terminal("S01"); err != nil || !done {
		t.Fatalf("terminal = %v, %v", done, err)
	}
}

func TestExtractInputMissing(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1")
	targets, _ := env.Engine.LoadTargets()
	env.writeAlignment(t, "S01", [][2]string{{"r1", "X1"}})
	// reads file intentionally absent

	res, err := env.Engine.ExtractSample(env.Ctx, env.sample("S01"), targets)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Status != domain.StatusInputMissing {
		t.Fatalf("status = %s", res.Status)
	}
}

// failingToolkit simulates the retrieval tool exiting abnormally.
type failingToolkit struct{}

func (failingToolkit) ExtractReads(ctx context.Context, readsPath, namesPath, outFasta string) error {
	return fmt.Errorf("%w: seqkit grep: exit status 2:\ninvalid pattern", domain.ErrToolFailure)
}

func TestExtractToolFailurePublishesFailedRecord(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1")
	targets, _ := env.Engine.LoadTargets()
	env.writeAlignment(t, "S01", [][2]string{{"r1", "X1"}})
	env.writeReads(t, "S01", map[string]string{"r1": "ACGT"})
	env.Engine.Tools.Toolkit = failingToolkit{}

	res, err := env.Engine.ExtractSample(env.Ctx, env.sample("S01"), targets)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Status != domain.StatusFailed || res.Error == "" {
		t.Fatalf("result = %+v", res)
	}
	rec, err := env.Engine.Records.Read("S01")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Status != domain.StatusFailed || !strings.Contains(rec.Fields["error"], "seqkit") {
		t.Fatalf("record = %+v", rec)
	}
	if strings.Contains(rec.Fields["error"], "\n") {
		t.Fatalf("error field spans lines: %q", rec.Fields["error"])
	}
	if done, err := env.Engine.Records.Terminal("S01"); err != nil || !done {
		t.Fatalf("terminal = %v, %v", done, err)
	}
}

func TestExtractStripsReadSuffixes(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1")
	targets, _ := env.Engine.LoadTargets()
	env.writeAlignment(t, "S01", [][2]string{
		{"r1|150", "X1|gi1"},
		{"r2|149", "X1"},
	})
	env.writeReads(t, "S01", map[string]string{"r1": "ACGT", "r2": "TTAA"})

	res, err := env.Engine.ExtractSample(env.Ctx, env.sample("S01"), targets)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Extracted != 2 {
		t.Fatalf("extracted = %d, want 2 after suffix stripping", res.Extracted)
	}
	names, err := os.ReadFile(env.Cfg.Layout().ReadNamesPath("S01"))
	if err != nil {
		t.Fatal(err)
	}
	if string(names) != "r1\nr2\n" {
		t.Fatalf("names file = %q", names)
	}
}

func TestExtractAllToleratesMixedOutcomes(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1")
	targets, _ := env.Engine.LoadTargets()
	env.writeAlignment(t, "S01", [][2]string{{"r1", "X1"}})
	env.writeReads(t, "S01", map[string]string{"r1": "ACGT"})
	env.writeAlignment(t, "S02", [][2]string{{"r9", "Y1"}})
	// S03 has no alignment at all

	samples := []domain.Sample{env.sample("S01"), env.sample("S02"), env.sample("S03")}
	var mu []engine.ExtractResult
	err := env.Engine.ExtractAll(env.Ctx, samples, targets, 2, func(res engine.ExtractResult) {
		mu = append(mu, res)
	})
	if err != nil {
		t.Fatalf("extract all: %v", err)
	}
	if len(mu) != 3 {
		t.Fatalf("got %d results, want 3", len(mu))
	}
	byID := map[string]string{}
	for _, res := range mu {
		byID[res.Sample] = res.Status
	}
	if byID["S01"] != domain.StatusCompleted || byID["S02"] != domain.StatusNoTargetReads || byID["S03"] != domain.StatusNoInput {
		t.Fatalf("statuses = %v", byID)
	}
}

func extractSamples(t *testing.T, env testEnv, ids ...string) []string {
	t.Helper()
	targets, err := env.Engine.LoadTargets()
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if _, err := env.Engine.ExtractSample(env.Ctx, env.sample(id), targets); err != nil {
			t.Fatalf("extract %s: %v", id, err)
		}
	}
	return ids
}

func TestAggregateDeduplicatesExactSequences(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1")
	env.writeAlignment(t, "S01", [][2]string{{"a1", "X1"}, {"a2", "X1"}})
	env.writeReads(t, "S01", map[string]string{"a1": "ACGTACGT", "a2": "ACGTACGA"})
	env.writeAlignment(t, "S02", [][2]string{{"b1", "X1"}, {"b2", "X1"}})
	// b1 duplicates a1's sequence exactly; b2 differs by one residue
	env.writeReads(t, "S02", map[string]string{"b1": "ACGTACGT", "b2": "ACGTACGG"})

	ids := extractSamples(t, env, "S01", "S02")
	res, err := env.Engine.Aggregate(env.Ctx, ids)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res.Combined != 4 || res.Unique != 3 {
		t.Fatalf("combined/unique = %d/%d, want 4/3", res.Combined, res.Unique)
	}

	unique, err := fasta.ReadAll(env.Ctx, env.Cfg.Layout().UniqueFasta())
	if err != nil {
		t.Fatal(err)
	}
	// first occurrence keeps its header: a1 (from S01) survives, b1 does not
	var ids2 []string
	for _, rec := range unique {
		ids2 = append(ids2, rec.ID())
	}
	joined := strings.Join(ids2, ",")
	if strings.Contains(joined, "b1") || !strings.Contains(joined, "a1") {
		t.Fatalf("dedup kept wrong header: %v", ids2)
	}
	if res.Summary.Columns[0] != "sample" || len(res.Summary.Rows) != 2 {
		t.Fatalf("summary = %+v", res.Summary)
	}
}

func TestAggregateAllEmptyIsNoData(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1")
	env.writeAlignment(t, "S01", [][2]string{{"r1", "Y1"}})
	env.writeAlignment(t, "S02", [][2]string{{"r2", "Y2"}})

	ids := extractSamples(t, env, "S01", "S02")
	_, err := env.Engine.Aggregate(env.Ctx, ids)
	if !errors.Is(err, domain.ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}

func TestAggregateWithoutRecords(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Aggregate(env.Ctx, nil)
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestAggregateBarrierNamesPendingSamples(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1")
	env.writeAlignment(t, "S01", [][2]string{{"r1", "X1"}})
	env.writeReads(t, "S01", map[string]string{"r1": "ACGT"})

	ids := extractSamples(t, env, "S01")
	_, err := env.Engine.Aggregate(env.Ctx, append(ids, "S02"))
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
	if !strings.Contains(err.Error(), "S02") {
		t.Fatalf("error does not name pending sample: %v", err)
	}
}

func TestFilterAcceptance(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1")
	targets, _ := env.Engine.LoadTargets()

	hits := []domain.Hit{
		{Query: "q1", Subject: "X1|foo", Identity: 100, Length: 50},
		{Query: "q2", Subject: "X1|foo", Identity: 80, Length: 50},
		{Query: "q3", Subject: "Z9", Identity: 100, Length: 50},
		{Query: "q4", Subject: "X1", Identity: 95, Length: 3},
	}
	accepted := engine.FilterHits(hits, targets, 90, 7)
	if len(accepted) != 1 || accepted[0].Query != "q1" {
		t.Fatalf("accepted = %+v", accepted)
	}
	for _, h := range accepted {
		if h.Identity < 90 || h.Length < 7 || !targets.Contains(domain.CanonicalID(h.Subject)) {
			t.Fatalf("accepted hit violates thresholds: %+v", h)
		}
	}
	// idempotent on its own output
	again := engine.FilterHits(accepted, targets, 90, 7)
	if len(again) != len(accepted) {
		t.Fatalf("second pass changed acceptance: %d != %d", len(again), len(accepted))
	}
}

func TestComputeStats(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1", "X2")
	targets, _ := env.Engine.LoadTargets()

	hits := []domain.Hit{
		{Query: "s1_1", Subject: "X1|a", Identity: 100, Length: 50},
		{Query: "s1_2", Subject: "X1|b", Identity: 96, Length: 40},
		{Query: "s2_1", Subject: "X9", Identity: 91, Length: 30},
	}
	stats := engine.ComputeStats(hits, targets, 4)
	if strings.Join(stats.MatchedTargets, ",") != "X1,X9" {
		t.Fatalf("matched = %v", stats.MatchedTargets)
	}
	if strings.Join(stats.OriginallyMatched, ",") != "X1" {
		t.Fatalf("originally matched = %v", stats.OriginallyMatched)
	}
	if strings.Join(stats.NewlyDiscovered, ",") != "X9" {
		t.Fatalf("newly discovered = %v", stats.NewlyDiscovered)
	}
	if stats.FramesCovered != 2 || stats.TotalFrames != 24 {
		t.Fatalf("frames = %d/%d, want 2/24", stats.FramesCovered, stats.TotalFrames)
	}
	if stats.PerfectHits != 1 || stats.HighIdentityHits != 2 {
		t.Fatalf("tiers = %d/%d, want 1/2", stats.PerfectHits, stats.HighIdentityHits)
	}
}

func TestRenameNumbersPerCanonicalID(t *testing.T) {
	env := newTestEnv(t)
	env.writeTargets(t, "X1", "X2")
	layout := env.Cfg.Layout()
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}

	frames := []fasta.Record{
		{Header: "q1_1", Seq: []byte("MAAA")},
		{Header: "q2_1", Seq: []byte("MBBB")},
		{Header: "q3_1", Seq: []byte("MCCC")},
		{Header: "q4_1", Seq: []byte("MDDD")}, // unmapped, must not appear
	}
	if err := fasta.WriteFile(layout.FramesFaa(), frames); err != nil {
		t.Fatal(err)
	}
	filtered := []domain.Hit{
		{Query: "q1_1", Subject: "X1|a", Identity: 100, Length: 10},
		{Query: "q1_1", Subject: "X2|b", Identity: 99, Length: 10}, // second hit per query ignored
		{Query: "q2_1", Subject: "X2", Identity: 100, Length: 10},
		{Query: "q3_1", Subject: "X1|c", Identity: 100, Length: 10},
	}
	writeFilteredTSV(t, layout.FilteredTSV(), filtered)

	res, err := env.Engine.Rename(env.Ctx)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if res.Candidates != 3 || res.CanonicalIDs != 2 {
		t.Fatalf("result = %+v", res)
	}

	out, err := fasta.ReadAll(env.Ctx, layout.CandidatesFaa())
	if err != nil {
		t.Fatal(err)
	}
	var headers []string
	for _, rec := range out {
		headers = append(headers, rec.Header)
	}
	want := []string{"X1_1 GN=X1_1", "X2_1 GN=X2_1", "X1_2 GN=X1_2"}
	if strings.Join(headers, "|") != strings.Join(want, "|") {
		t.Fatalf("headers = %v, want %v", headers, want)
	}
}

func writeFilteredTSV(t *testing.T, path string, hits []domain.Hit) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	fh, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		fmt.Fprintf(fh, "%s\t%s\t%g\t%d\t%g\t%g\n", h.Query, h.Subject, h.Identity, h.Length, h.EValue, h.BitScore)
	}
	if err := fh.Close(); err != nil {
		t.Fatal(err)
	}
}

func seedFullWorkspace(t *testing.T, env testEnv) {
	t.Helper()
	env.writeTargets(t, "X1", "X2")
	env.writeReference(t)
	env.writeAlignment(t, "S01", [][2]string{{"r1", "X1|gi1"}, {"r2", "X1"}})
	env.writeReads(t, "S01", map[string]string{"r1": "ACGTACGT", "r2": "ACGTTTTT"})
	env.writeAlignment(t, "S02", [][2]string{{"r9", "Y1"}})
}

func TestRunFullPipeline(t *testing.T) {
	env := newTestEnv(t)
	seedFullWorkspace(t, env)

	report, err := env.Engine.Run(env.Ctx, engine.RunOptions{Workers: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Run.Mode != domain.ModeFull || report.Demoted {
		t.Fatalf("mode = %s demoted=%v", report.Run.Mode, report.Demoted)
	}
	if report.Samples != 2 || len(report.Extract) != 2 {
		t.Fatalf("samples = %d extract=%d", report.Samples, len(report.Extract))
	}
	if report.Aggregate.Unique != 2 || report.Translate.Frames != 12 {
		t.Fatalf("aggregate/translate = %+v / %+v", report.Aggregate, report.Translate)
	}
	// fake validator: one frame-1 hit per unique sequence
	if report.Validate.Hits != 2 || report.Filter.Accepted != 2 {
		t.Fatalf("validate/filter = %+v / %+v", report.Validate, report.Filter)
	}
	if report.Rename.Candidates != 2 || report.Rename.CanonicalIDs != 1 {
		t.Fatalf("rename = %+v", report.Rename)
	}

	out, err := fasta.ReadAll(env.Ctx, env.Cfg.Layout().CandidatesFaa())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Header != "X1_1 GN=X1_1" || out[1].Header != "X1_2 GN=X1_2" {
		t.Fatalf("final headers: %+v", out)
	}

	run, err := env.Engine.Repo.GetRun(env.Ctx, report.Run.ID)
	if err != nil || run.Status != domain.RunCompleted {
		t.Fatalf("ledger run = %+v, %v", run, err)
	}
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, report.Run.ID, 0)
	if err != nil || len(evts) == 0 {
		t.Fatalf("events = %v, %v", evts, err)
	}
	if evts[0].Type != "run.started" || evts[len(evts)-1].Type != "run.completed" {
		t.Fatalf("event bracket = %s .. %s", evts[0].Type, evts[len(evts)-1].Type)
	}
}

func TestRunRerunDemotedWithoutPriorOutput(t *testing.T) {
	env := newTestEnv(t)
	seedFullWorkspace(t, env)

	report, err := env.Engine.Run(env.Ctx, engine.RunOptions{Rerun: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Demoted || report.Run.Mode != domain.ModeFull {
		t.Fatalf("expected demotion to full, got %+v", report.Run)
	}
	if report.Rename.Candidates == 0 {
		t.Fatalf("demoted run did not produce output")
	}
}

func TestRunRerunSkipsUpstreamStages(t *testing.T) {
	env := newTestEnv(t)
	seedFullWorkspace(t, env)
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{}); err != nil {
		t.Fatalf("seed full run: %v", err)
	}
	// remove per-sample inputs to prove rerun does not touch them
	if err := os.RemoveAll(filepath.Dir(env.Cfg.AlignmentPath("S01"))); err != nil {
		t.Fatal(err)
	}

	report, err := env.Engine.Run(env.Ctx, engine.RunOptions{Rerun: true})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if report.Run.Mode != domain.ModeRerun || report.Demoted {
		t.Fatalf("mode = %s demoted=%v", report.Run.Mode, report.Demoted)
	}
	if len(report.Extract) != 0 || report.Samples != 0 {
		t.Fatalf("rerun ran extraction: %+v", report)
	}
	// skipped stages report the counts persisted by the prior run
	if report.Aggregate.Unique != 2 || report.Translate.Frames != 12 || report.Validate.Hits != 2 {
		t.Fatalf("recovered counts: %+v / %+v / %+v", report.Aggregate, report.Translate, report.Validate)
	}
	if report.Rename.Candidates != 2 {
		t.Fatalf("rerun output = %+v", report.Rename)
	}
}

func TestRunOutputReproducible(t *testing.T) {
	// one read per sample so file order never depends on map iteration
	seed := func(t *testing.T, env testEnv) {
		t.Helper()
		env.writeTargets(t, "X1", "X2")
		env.writeReference(t)
		env.writeAlignment(t, "S01", [][2]string{{"r1", "X1|gi1"}})
		env.writeReads(t, "S01", map[string]string{"r1": "ACGTACGT"})
		env.writeAlignment(t, "S02", [][2]string{{"r2", "X2"}})
		env.writeReads(t, "S02", map[string]string{"r2": "ACGTTTTT"})
	}

	envA := newTestEnv(t)
	seed(t, envA)
	if _, err := envA.Engine.Run(envA.Ctx, engine.RunOptions{Workers: 2}); err != nil {
		t.Fatalf("full run: %v", err)
	}
	want, err := os.ReadFile(envA.Cfg.Layout().CandidatesFaa())
	if err != nil {
		t.Fatal(err)
	}

	envB := newTestEnv(t)
	seed(t, envB)
	report, err := envB.Engine.Run(envB.Ctx, engine.RunOptions{Rerun: true})
	if err != nil {
		t.Fatalf("demoted run: %v", err)
	}
	if !report.Demoted {
		t.Fatalf("expected demotion on a fresh workspace")
	}
	got, err := os.ReadFile(envB.Cfg.Layout().CandidatesFaa())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("demoted run output differs:\n%s---\n%s", got, want)
	}

	// a true rerun over validated output must rewrite the same bytes
	report, err = envB.Engine.Run(envB.Ctx, engine.RunOptions{Rerun: true})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if report.Demoted || report.Run.Mode != domain.ModeRerun {
		t.Fatalf("rerun not honored: %+v", report.Run)
	}
	again, err := os.ReadFile(envB.Cfg.Layout().CandidatesFaa())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again, want) {
		t.Fatalf("rerun output differs from full run:\n%s---\n%s", again, want)
	}
}

func TestStatusReport(t *testing.T) {
	env := newTestEnv(t)
	seedFullWorkspace(t, env)
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	status, err := env.Engine.Status(env.Ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Project != "proj-test" || status.Samples != 2 || status.Terminal != 2 {
		t.Fatalf("status = %+v", status)
	}
	if status.Statuses[domain.StatusCompleted] != 1 || status.Statuses[domain.StatusNoTargetReads] != 1 {
		t.Fatalf("statuses = %v", status.Statuses)
	}
	if status.LatestRun == nil || status.LatestRun.Status != domain.RunCompleted {
		t.Fatalf("latest run = %+v", status.LatestRun)
	}
	for _, st := range status.Stages {
		if st.Status != domain.StatusCompleted {
			t.Fatalf("stage %s = %s", st.Stage, st.Status)
		}
	}
}
