package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"pepseek/internal/config"
	"pepseek/internal/domain"
)

const placeholder = "{sample}"

// Manifest pins the sample set for a run. Extraction tasks address
// samples by index into this list, so the order must be stable across
// processes and hosts regardless of directory enumeration order.
type Manifest struct {
	Samples []domain.Sample `yaml:"samples"`
}

// IDs returns the sample identifiers in manifest order.
func (m Manifest) IDs() []string {
	ids := make([]string, len(m.Samples))
	for i, s := range m.Samples {
		ids[i] = s.ID
	}
	return ids
}

// At returns the sample at a zero-based index.
func (m Manifest) At(index int) (domain.Sample, error) {
	if index < 0 || index >= len(m.Samples) {
		return domain.Sample{}, fmt.Errorf("%w: sample index %d out of range [0,%d)", domain.ErrConfig, index, len(m.Samples))
	}
	return m.Samples[index], nil
}

// ByID returns the sample with the given identifier.
func (m Manifest) ByID(id string) (domain.Sample, error) {
	for _, s := range m.Samples {
		if s.ID == id {
			return s, nil
		}
	}
	return domain.Sample{}, fmt.Errorf("%w: sample %q not in manifest", domain.ErrConfig, id)
}

// Build discovers samples by globbing the alignment pattern and derives
// each sample's reads path from the reads template. The result is
// sorted by sample ID.
func Build(cfg *config.Config) (Manifest, error) {
	pattern := cfg.Inputs.Alignments
	if strings.Count(pattern, placeholder) != 1 {
		return Manifest{}, fmt.Errorf("%w: inputs.alignments must contain exactly one %s placeholder", domain.ErrConfig, placeholder)
	}
	prefix, suffix, _ := strings.Cut(pattern, placeholder)
	matches, err := filepath.Glob(prefix + "*" + suffix)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: bad alignment pattern %q: %v", domain.ErrConfig, pattern, err)
	}
	if len(matches) == 0 {
		return Manifest{}, fmt.Errorf("%w: no alignment files match %s", domain.ErrNoData, pattern)
	}

	seen := map[string]string{}
	var samples []domain.Sample
	for _, match := range matches {
		id := match[len(prefix) : len(match)-len(suffix)]
		if id == "" {
			return Manifest{}, fmt.Errorf("%w: alignment file %s yields an empty sample id", domain.ErrConfig, match)
		}
		if prev, dup := seen[id]; dup {
			return Manifest{}, fmt.Errorf("%w: sample id %q derived from both %s and %s", domain.ErrConfig, id, prev, match)
		}
		seen[id] = match
		samples = append(samples, domain.Sample{
			ID:        id,
			Alignment: match,
			Reads:     cfg.ReadsPath(id),
		})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].ID < samples[j].ID })
	return Manifest{Samples: samples}, nil
}

// Save writes the manifest atomically.
func Save(path string, m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, strings.NewReader(string(data)))
}

// Load reads a previously saved manifest.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, fmt.Errorf("%w: manifest %s not found; run pepseek manifest build first", domain.ErrConfig, path)
		}
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: invalid manifest yaml: %v", domain.ErrConfig, err)
	}
	if len(m.Samples) == 0 {
		return Manifest{}, fmt.Errorf("%w: manifest %s lists no samples", domain.ErrNoData, path)
	}
	for i, s := range m.Samples {
		if s.ID == "" || s.Alignment == "" || s.Reads == "" {
			return Manifest{}, fmt.Errorf("%w: manifest entry %d is incomplete", domain.ErrConfig, i)
		}
	}
	return m, nil
}
