package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"pepseek/internal/domain"
)

// Config models pepseek.yml.
type Config struct {
	Project struct {
		ID          string `yaml:"id" json:"id"`
		Description string `yaml:"description" json:"description,omitempty"`
	} `yaml:"project" json:"project"`
	Inputs struct {
		Targets    string `yaml:"targets" json:"targets"`
		Alignments string `yaml:"alignments" json:"alignments"`
		Reads      string `yaml:"reads" json:"reads"`
		Reference  string `yaml:"reference" json:"reference"`
	} `yaml:"inputs" json:"inputs"`
	Workdir    string          `yaml:"workdir" json:"workdir"`
	Thresholds Thresholds      `yaml:"thresholds" json:"thresholds"`
	Tools      Tools           `yaml:"tools" json:"tools"`
	Webhooks   []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// Thresholds are the hit acceptance cutoffs applied after validation.
type Thresholds struct {
	MinIdentity float64 `yaml:"min_identity" json:"min_identity"`
	MinLength   int     `yaml:"min_length" json:"min_length"`
	MaxEValue   float64 `yaml:"max_evalue" json:"max_evalue"`
	MaxHits     int     `yaml:"max_hits" json:"max_hits"`
}

// Tools names the external executables the pipeline shells out to.
type Tools struct {
	Toolkit    string `yaml:"toolkit" json:"toolkit"`
	Translator string `yaml:"translator" json:"translator"`
	Validator  string `yaml:"validator" json:"validator"`
	Threads    int    `yaml:"threads" json:"threads"`
	Sensitive  bool   `yaml:"sensitive" json:"sensitive"`
}

// WebhookConfig describes one event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: config %s not found; create one with pepseek init", domain.ErrConfig, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.ID) == "" {
		return fmt.Errorf("%w: project.id is required", domain.ErrConfig)
	}
	if strings.TrimSpace(c.Inputs.Targets) == "" {
		return fmt.Errorf("%w: inputs.targets is required", domain.ErrConfig)
	}
	if strings.TrimSpace(c.Inputs.Alignments) == "" {
		return fmt.Errorf("%w: inputs.alignments is required", domain.ErrConfig)
	}
	if !strings.Contains(c.Inputs.Alignments, "{sample}") {
		return fmt.Errorf("%w: inputs.alignments must contain a {sample} placeholder", domain.ErrConfig)
	}
	if strings.TrimSpace(c.Inputs.Reads) == "" {
		return fmt.Errorf("%w: inputs.reads is required", domain.ErrConfig)
	}
	if !strings.Contains(c.Inputs.Reads, "{sample}") {
		return fmt.Errorf("%w: inputs.reads must contain a {sample} placeholder", domain.ErrConfig)
	}
	if strings.TrimSpace(c.Inputs.Reference) == "" {
		return fmt.Errorf("%w: inputs.reference is required", domain.ErrConfig)
	}
	if strings.TrimSpace(c.Workdir) == "" {
		return fmt.Errorf("%w: workdir is required", domain.ErrConfig)
	}
	if c.Thresholds.MinIdentity < 0 || c.Thresholds.MinIdentity > 100 {
		return fmt.Errorf("%w: thresholds.min_identity must be between 0 and 100, got %v", domain.ErrConfig, c.Thresholds.MinIdentity)
	}
	if c.Thresholds.MinLength < 1 {
		return fmt.Errorf("%w: thresholds.min_length must be at least 1, got %d", domain.ErrConfig, c.Thresholds.MinLength)
	}
	if c.Thresholds.MaxEValue <= 0 {
		return fmt.Errorf("%w: thresholds.max_evalue must be positive, got %v", domain.ErrConfig, c.Thresholds.MaxEValue)
	}
	if c.Thresholds.MaxHits < 1 {
		return fmt.Errorf("%w: thresholds.max_hits must be at least 1, got %d", domain.ErrConfig, c.Thresholds.MaxHits)
	}
	if strings.TrimSpace(c.Tools.Toolkit) == "" {
		return fmt.Errorf("%w: tools.toolkit is required", domain.ErrConfig)
	}
	if strings.TrimSpace(c.Tools.Translator) == "" {
		return fmt.Errorf("%w: tools.translator is required", domain.ErrConfig)
	}
	if strings.TrimSpace(c.Tools.Validator) == "" {
		return fmt.Errorf("%w: tools.validator is required", domain.ErrConfig)
	}
	if c.Tools.Threads < 1 {
		return fmt.Errorf("%w: tools.threads must be at least 1, got %d", domain.ErrConfig, c.Tools.Threads)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("%w: webhooks[%d].url is required", domain.ErrConfig, i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("%w: webhooks[%d].timeout_seconds must not be negative", domain.ErrConfig, i)
		}
	}
	return nil
}

// AlignmentPath resolves the alignment file for a sample.
func (c *Config) AlignmentPath(sample string) string {
	return strings.ReplaceAll(c.Inputs.Alignments, "{sample}", sample)
}

// ReadsPath resolves the reads file for a sample.
func (c *Config) ReadsPath(sample string) string {
	return strings.ReplaceAll(c.Inputs.Reads, "{sample}", sample)
}

// ManifestPath returns the persisted sample manifest location.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.Workdir, "manifest.yml")
}

// Layout returns the workdir artifact layout.
func (c *Config) Layout() Layout {
	return Layout{Root: c.Workdir}
}

// Layout computes artifact paths under the pipeline workdir. Every stage
// reads and writes through it so paths stay consistent across processes.
type Layout struct {
	Root string
}

// RecordsDir holds per-sample completion records.
func (l Layout) RecordsDir() string { return filepath.Join(l.Root, "records") }

// ExtractedDir holds one sample's extraction artifacts.
func (l Layout) ExtractedDir(sample string) string {
	return filepath.Join(l.Root, "extracted", sample)
}

// ReadNamesPath lists the selected read names for a sample.
func (l Layout) ReadNamesPath(sample string) string {
	return filepath.Join(l.ExtractedDir(sample), "target_reads.txt")
}

// ExtractedFasta holds a sample's retrieved candidate sequences.
func (l Layout) ExtractedFasta(sample string) string {
	return filepath.Join(l.ExtractedDir(sample), "candidates.fasta")
}

// CombinedFasta is the concatenation of all per-sample candidates.
func (l Layout) CombinedFasta() string {
	return filepath.Join(l.Root, "combined", "candidates.fasta")
}

// UniqueFasta is CombinedFasta after exact-sequence deduplication.
func (l Layout) UniqueFasta() string {
	return filepath.Join(l.Root, "combined", "candidates.unique.fasta")
}

// FramesFaa holds the six-frame translations of the unique candidates.
func (l Layout) FramesFaa() string {
	return filepath.Join(l.Root, "translated", "frames.faa")
}

// ValidationDB is the reference database prefix for the validator.
func (l Layout) ValidationDB() string {
	return filepath.Join(l.Root, "validated", "targets")
}

// HitsTSV is the raw validation engine output.
func (l Layout) HitsTSV() string {
	return filepath.Join(l.Root, "validated", "hits.tsv")
}

// FilteredTSV holds hits that passed the acceptance thresholds.
func (l Layout) FilteredTSV() string {
	return filepath.Join(l.Root, "validated", "hits.filtered.tsv")
}

// CandidatesFaa is the final renumbered peptide output.
func (l Layout) CandidatesFaa() string {
	return filepath.Join(l.Root, "final", "peptides.faa")
}

// StatsPath holds the aggregated validation statistics.
func (l Layout) StatsPath() string {
	return filepath.Join(l.Root, "final", "stats.yml")
}

// SummaryTSV is the cross-sample extraction summary table.
func (l Layout) SummaryTSV() string {
	return filepath.Join(l.Root, "summary.tsv")
}

// Dirs lists every directory the layout expects to exist.
func (l Layout) Dirs() []string {
	return []string{
		l.RecordsDir(),
		filepath.Join(l.Root, "extracted"),
		filepath.Join(l.Root, "combined"),
		filepath.Join(l.Root, "translated"),
		filepath.Join(l.Root, "validated"),
		filepath.Join(l.Root, "final"),
	}
}

// Ensure creates the layout directories.
func (l Layout) Ensure() error {
	for _, dir := range l.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pepseek.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: invalid config yaml: %v", domain.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  description: "Targeted peptide extraction and validation"

inputs:
  targets: targets/target_ids.txt
  alignments: alignments/{sample}/genes.aln.tsv
  reads: reads/{sample}.fastq.gz
  reference: targets/targets.faa

workdir: work

thresholds:
  min_identity: 90
  min_length: 7
  max_evalue: 1e-5
  max_hits: 25

tools:
  toolkit: seqkit
  translator: transeq
  validator: diamond
  threads: 4
  sensitive: true
`
