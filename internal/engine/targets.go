package engine

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"pepseek/internal/domain"
)

// TargetSet is an immutable set of canonical target identifiers. It is
// built once per invocation and passed by value into each stage.
type TargetSet struct {
	ids map[string]struct{}
}

// Contains reports membership of an already canonical identifier.
func (t TargetSet) Contains(canonical string) bool {
	_, ok := t.ids[canonical]
	return ok
}

// Size returns the number of distinct canonical targets.
func (t TargetSet) Size() int { return len(t.ids) }

// IDs returns the canonical identifiers, sorted.
func (t TargetSet) IDs() []string {
	out := make([]string, 0, len(t.ids))
	for id := range t.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NewTargetSet builds a set from raw identifiers, canonicalizing each.
func NewTargetSet(raw []string) TargetSet {
	ids := make(map[string]struct{}, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		ids[domain.CanonicalID(id)] = struct{}{}
	}
	return TargetSet{ids: ids}
}

// LoadTargets reads the configured target identifier file, one ID per
// line with an optional |suffix. Duplicate lines collapse to one entry.
func (e Engine) LoadTargets() (TargetSet, error) {
	path := e.Config.Inputs.Targets
	fh, err := os.Open(path)
	if err != nil {
		return TargetSet{}, fmt.Errorf("%w: targets file %s: %v", domain.ErrConfig, path, err)
	}
	defer fh.Close()

	var raw []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		raw = append(raw, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return TargetSet{}, fmt.Errorf("%w: reading targets file %s: %v", domain.ErrConfig, path, err)
	}
	set := NewTargetSet(raw)
	if set.Size() == 0 {
		return TargetSet{}, fmt.Errorf("%w: targets file %s contains no identifiers", domain.ErrConfig, path)
	}
	return set, nil
}
