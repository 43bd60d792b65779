package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pepseek/internal/app"
	"pepseek/internal/config"
	"pepseek/internal/db"
	"pepseek/internal/domain"
	"pepseek/internal/engine"
	"pepseek/internal/manifest"
	"pepseek/internal/repo"
	"pepseek/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pepseek",
	Short: "Pepseek CLI",
	Long: `Pepseek finds target peptides in metagenomic samples and validates them
against a reference protein set.
Core concepts:
- Workspace: a directory holding pepseek.yml, the .pepseek run ledger, and the work tree.
- Manifest: the persisted, ordered sample list; array jobs address samples by index into it.
- Extraction: per-sample selection of reads assigned to target IDs, safe to fan out.
- Completion records: one atomic key/value file per finished unit of work; the barrier
  downstream stages wait on.
- Aggregation: barrier plus fan-in; concatenates and deduplicates all extracted candidates.
- Translation and validation: six-frame translation, then homology search against the
  reference via external tools (seqkit, transeq, diamond by default).
- Filtering, stats, rename: threshold the hits, report discovery statistics, and emit the
  final renumbered peptide FASTA.
- Event log: diary of runs and stages, view with 'pepseek log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PEPSEEK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(manifestCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(aggregateCmd())
	rootCmd.AddCommand(translateCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(filterCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(renameCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter pepseek.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "peptides", "project id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate pepseek.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := config.Load(workspace); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", config.Path(workspace))
			return nil
		},
	}
	return cmd
}

func manifestCmd() *cobra.Command {
	man := &cobra.Command{
		Use:   "manifest",
		Short: "Manage the sample manifest",
		Long:  "The manifest is the ordered sample list every process shares. Build it once before fanning extraction out; array jobs address samples by index into it.",
	}
	man.AddCommand(manifestBuildCmd())
	man.AddCommand(manifestShowCmd())
	return man
}

func manifestBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Discover samples and save the manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				man, err := manifest.Build(e.Config)
				if err != nil {
					return err
				}
				if err := manifest.Save(e.Config.ManifestPath(), man); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(man)
				}
				fmt.Printf("Saved %d sample(s) to %s\n", len(man.Samples), e.Config.ManifestPath())
				return nil
			})
		},
	}
	return cmd
}

func manifestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the saved manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				man, err := manifest.Load(e.Config.ManifestPath())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(man)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Index", "Sample", "Alignment", "Reads"})
				for i, s := range man.Samples {
					tw.AppendRow(table.Row{i, s.ID, s.Alignment, s.Reads})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func extractCmd() *cobra.Command {
	var index int
	var sampleID string
	var workers int
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract candidate sequences",
		Long:  "Selects each sample's reads assigned to the target IDs and retrieves their sequences. With --sample-index or --sample, processes exactly one sample and publishes its completion record; without either, runs every manifest sample in-process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				targets, err := e.LoadTargets()
				if err != nil {
					return err
				}
				man, err := manifest.Load(e.Config.ManifestPath())
				if err != nil {
					return err
				}
				switch {
				case cmd.Flags().Changed("sample-index"):
					s, err := man.At(index)
					if err != nil {
						return err
					}
					res, err := e.ExtractSample(ctx, s, targets)
					if err != nil {
						return err
					}
					if err := printExtractResults([]engine.ExtractResult{res}); err != nil {
						return err
					}
					return failForStatus(res)
				case sampleID != "":
					s, err := man.ByID(sampleID)
					if err != nil {
						return err
					}
					res, err := e.ExtractSample(ctx, s, targets)
					if err != nil {
						return err
					}
					if err := printExtractResults([]engine.ExtractResult{res}); err != nil {
						return err
					}
					return failForStatus(res)
				default:
					var results []engine.ExtractResult
					err := e.ExtractAll(ctx, man.Samples, targets, workers, func(res engine.ExtractResult) {
						results = append(results, res)
					})
					if err != nil {
						return err
					}
					sort.Slice(results, func(i, j int) bool { return results[i].Sample < results[j].Sample })
					return printExtractResults(results)
				}
			})
		},
	}
	cmd.Flags().IntVar(&index, "sample-index", 0, "zero-based manifest index (array job mode)")
	cmd.Flags().StringVar(&sampleID, "sample", "", "sample id")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent samples")
	return cmd
}

func printExtractResults(results []engine.ExtractResult) error {
	if viper.GetBool("json") {
		return printJSON(results)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Sample", "Status", "Reads", "Extracted", "Duration"})
	for _, res := range results {
		tw.AppendRow(table.Row{res.Sample, res.Status, res.ReadsAssigned, res.Extracted, res.Duration.Round(time.Millisecond)})
	}
	tw.Render()
	return nil
}

// failForStatus turns a single sample's failure into a nonzero exit
// after its record is published, so an array scheduler sees it. Sibling
// array tasks are unaffected.
func failForStatus(res engine.ExtractResult) error {
	switch res.Status {
	case domain.StatusNoInput, domain.StatusInputMissing:
		return fmt.Errorf("%w: sample %s ended %s", domain.ErrInputMissing, res.Sample, res.Status)
	case domain.StatusFailed:
		return fmt.Errorf("%w: sample %s: %s", domain.ErrToolFailure, res.Sample, res.Error)
	}
	return nil
}

func aggregateCmd() *cobra.Command {
	var wait bool
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Combine and deduplicate extracted candidates",
		Long:  "Waits for every manifest sample to publish a terminal completion record, then concatenates the successful extractions, deduplicates by sequence content, and writes the cross-sample summary table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				man, err := manifest.Load(e.Config.ManifestPath())
				if err != nil {
					return err
				}
				if wait {
					if _, err := e.WaitForExtraction(ctx, man.IDs(), poll); err != nil {
						return err
					}
				}
				res, err := e.Aggregate(ctx, man.IDs())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Aggregated %d sample(s): %d sequences, %d unique\n", res.SamplesUsed, res.Combined, res.Unique)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until every sample is terminal")
	cmd.Flags().DurationVar(&poll, "poll", 2*time.Second, "record store poll interval")
	return cmd
}

func translateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Six-frame translate the unique candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Translate(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Translated %d sequence(s) into %d frame(s)\n", res.InputSeqs, res.Frames)
				return nil
			})
		},
	}
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate translated frames against the reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Validate(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Validated %d quer(ies): %d hit(s)\n", res.Queries, res.Hits)
				return nil
			})
		},
	}
	return cmd
}

func filterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Apply acceptance thresholds to validation hits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Filter(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Accepted %d of %d hit(s)\n", res.Accepted, res.In)
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Compute candidate discovery statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				printStats(stats)
				return nil
			})
		},
	}
	return cmd
}

func printStats(stats domain.Stats) {
	fmt.Printf("Matched targets: %d (%d originally, %d newly discovered)\n",
		len(stats.MatchedTargets), len(stats.OriginallyMatched), len(stats.NewlyDiscovered))
	fmt.Printf("Frames covered: %d of %d\n", stats.FramesCovered, stats.TotalFrames)
	fmt.Printf("Perfect hits: %d, high identity: %d\n", stats.PerfectHits, stats.HighIdentityHits)
}

func renameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename",
		Short: "Emit the final renumbered peptide FASTA",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Rename(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Wrote %d candidate(s) across %d canonical id(s) to %s\n",
					res.Candidates, res.CanonicalIDs, e.Config.Layout().CandidatesFaa())
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var opts engine.RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline end to end",
		Long:  "Runs every stage in order and records the run in the ledger. --rerun resumes from the persisted validation output when it exists; --wait skips in-process extraction and polls the record store for externally scheduled sample tasks instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Run(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Run %s (%s) %s\n", report.Run.ID, report.Run.Mode, report.Run.Status)
				if report.Demoted {
					fmt.Printf("Rerun demoted to full: %s\n", report.DemotedWhy)
				}
				if report.Run.Mode == domain.ModeFull {
					fmt.Printf("Samples: %d, candidates: %d combined, %d unique, %d frame(s)\n",
						report.Samples, report.Aggregate.Combined, report.Aggregate.Unique, report.Translate.Frames)
				}
				fmt.Printf("Hits: %d raw, %d accepted\n", report.Filter.In, report.Filter.Accepted)
				printStats(report.Stats)
				fmt.Printf("Final: %d peptide(s) across %d canonical id(s) -> %s\n",
					report.Rename.Candidates, report.Rename.CanonicalIDs, e.Config.Layout().CandidatesFaa())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Rerun, "rerun", false, "resume from the persisted validation output")
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "concurrent samples")
	cmd.Flags().BoolVar(&opts.WaitExtract, "wait", false, "wait for externally scheduled extraction")
	cmd.Flags().DurationVar(&opts.Poll, "poll", 2*time.Second, "record store poll interval")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		Long:  "See where the pipeline stands: manifest size, per-sample extraction outcomes, stage records, and the latest run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Project: %s\n", report.Project)
				fmt.Printf("Samples: %d in manifest, %d terminal\n", report.Samples, report.Terminal)
				statuses := make([]string, 0, len(report.Statuses))
				for status := range report.Statuses {
					statuses = append(statuses, status)
				}
				sort.Strings(statuses)
				for _, status := range statuses {
					fmt.Printf("  %s: %d\n", status, report.Statuses[status])
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Status", "Finished", "Output"})
				for _, st := range report.Stages {
					tw.AppendRow(table.Row{st.Stage, st.Status, st.FinishedAt, st.Output})
				}
				tw.Render()
				if report.LatestRun != nil {
					fmt.Printf("Latest run: %s (%s) %s\n", report.LatestRun.ID, report.LatestRun.Mode, report.LatestRun.Status)
				} else {
					fmt.Println("Latest run: none")
				}
				return nil
			})
		},
	}
	return cmd
}

func summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Write and show the completion record summary",
		Long:  "Rebuilds the cross-sample summary table from the record store. Columns are the union of every field observed across records; missing values render as NA.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				path := e.Config.Layout().SummaryTSV()
				sum, err := e.Records.WriteSummary(path)
				if err != nil {
					return err
				}
				if len(sum.Rows) == 0 {
					fmt.Println("No completion records yet")
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				header := make(table.Row, len(sum.Columns))
				for i, col := range sum.Columns {
					header[i] = col
				}
				tw.AppendHeader(header)
				for _, row := range sum.Rows {
					tr := make(table.Row, len(row))
					for i, cell := range row {
						tr[i] = cell
					}
					tw.AppendRow(tr)
				}
				tw.Render()
				fmt.Printf("Wrote %s\n", path)
				return nil
			})
		},
	}
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect the run ledger"}
	runs.AddCommand(runsListCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, e.Config.Project.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mode", "Status", "Started", "Finished", "Error"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Mode, r.Status, r.StartedAt, r.FinishedAt, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of runs")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: runs, stage completions, per-sample extractions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, stage, sample string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, repo.EventFilter{Type: evtType, Stage: stage, Sample: sample})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&sample, "sample", "", "sample filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PEPSEEK_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PEPSEEK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhooks(cmd.Context(), a.Engine)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pepseek API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
