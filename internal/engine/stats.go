package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"pepseek/internal/domain"
	"pepseek/internal/records"
)

// frameOf extracts the translation frame tag from a query identifier.
// The translator appends _1 through _6; anything else yields 0.
func frameOf(query string) int {
	i := strings.LastIndexByte(query, '_')
	if i < 0 || i == len(query)-1 {
		return 0
	}
	n, err := strconv.Atoi(query[i+1:])
	if err != nil || n < 1 || n > 6 {
		return 0
	}
	return n
}

// ComputeStats derives run statistics from the accepted hits. All
// counts are plain deterministic tallies.
func ComputeStats(hits []domain.Hit, targets TargetSet, uniqueSeqs int) domain.Stats {
	matched := map[string]struct{}{}
	frames := map[int]struct{}{}
	stats := domain.Stats{TotalFrames: 6 * uniqueSeqs}

	for _, h := range hits {
		matched[domain.CanonicalID(h.Subject)] = struct{}{}
		if f := frameOf(h.Query); f != 0 {
			frames[f] = struct{}{}
		}
		if h.Identity == 100 {
			stats.PerfectHits++
		}
		if h.Identity >= 95 {
			stats.HighIdentityHits++
		}
	}
	stats.FramesCovered = len(frames)

	for id := range matched {
		stats.MatchedTargets = append(stats.MatchedTargets, id)
		if targets.Contains(id) {
			stats.OriginallyMatched = append(stats.OriginallyMatched, id)
		} else {
			stats.NewlyDiscovered = append(stats.NewlyDiscovered, id)
		}
	}
	sort.Strings(stats.MatchedTargets)
	sort.Strings(stats.OriginallyMatched)
	sort.Strings(stats.NewlyDiscovered)
	return stats
}

// Stats computes and persists the run statistics from the filtered hit
// table. In rerun mode the unique sequence count may not be
// recomputable; the aggregate record's persisted count is used then,
// and zero if neither is available.
func (e Engine) Stats(ctx context.Context) (domain.Stats, error) {
	start := e.now()
	layout := e.Config.Layout()

	hits, err := ParseHits(ctx, layout.FilteredTSV())
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Stats{}, fmt.Errorf("%w: %s missing; run filter first", domain.ErrConfig, layout.FilteredTSV())
		}
		return domain.Stats{}, err
	}
	targets, err := e.LoadTargets()
	if err != nil {
		return domain.Stats{}, err
	}

	unique := e.uniqueSeqsForStats(ctx)
	stats := ComputeStats(hits, targets, unique)

	data, err := yaml.Marshal(stats)
	if err != nil {
		return domain.Stats{}, err
	}
	if err := atomic.WriteFile(layout.StatsPath(), strings.NewReader(string(data))); err != nil {
		return domain.Stats{}, err
	}

	finished := e.now()
	err = e.Records.Publish(records.Record{
		Sample: domain.StageStats,
		Stage:  domain.StageStats,
		Status: domain.StatusCompleted,
		Fields: map[string]string{
			"finished_at":     finished.UTC().Format(time.RFC3339),
			"matched_targets": strconv.Itoa(len(stats.MatchedTargets)),
			"frames_covered":  strconv.Itoa(stats.FramesCovered),
			"total_frames":    strconv.Itoa(stats.TotalFrames),
			"perfect_hits":    strconv.Itoa(stats.PerfectHits),
			"duration":        finished.Sub(start).Round(time.Millisecond).String(),
			"output":          layout.StatsPath(),
		},
	})
	if err != nil {
		return domain.Stats{}, err
	}
	return stats, nil
}

// LoadStats reads the persisted statistics report.
func (e Engine) LoadStats() (domain.Stats, error) {
	var stats domain.Stats
	data, err := os.ReadFile(e.Config.Layout().StatsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return stats, fmt.Errorf("%w: statistics not computed yet", domain.ErrNoData)
		}
		return stats, err
	}
	if err := yaml.Unmarshal(data, &stats); err != nil {
		return stats, fmt.Errorf("parse %s: %w", e.Config.Layout().StatsPath(), err)
	}
	return stats, nil
}

// uniqueSeqsForStats prefers recounting the aggregate output, falls
// back to the persisted aggregate record, then to zero.
func (e Engine) uniqueSeqsForStats(ctx context.Context) int {
	if n, err := e.UniqueCount(ctx); err == nil {
		return n
	}
	if rec, err := e.Records.Read(domain.StageAggregate); err == nil {
		if n, err := strconv.Atoi(rec.Fields["unique_seqs"]); err == nil {
			return n
		}
	}
	return 0
}
