package domain

import "strings"

// Stage names, in pipeline order.
const (
	StageExtract   = "extract"
	StageAggregate = "aggregate"
	StageTranslate = "translate"
	StageValidate  = "validate"
	StageFilter    = "filter"
	StageStats     = "stats"
	StageRename    = "rename"
)

// Terminal statuses for a unit of work. NO_TARGET_READS is a success with an
// empty result; NO_INPUT and INPUT_MISSING are per-sample failures that do
// not abort sibling samples.
const (
	StatusCompleted     = "COMPLETED"
	StatusNoTargetReads = "NO_TARGET_READS"
	StatusNoInput       = "NO_INPUT"
	StatusInputMissing  = "INPUT_MISSING"
	StatusFailed        = "FAILED"
)

// Run statuses for the ledger.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run modes.
const (
	ModeFull  = "full"
	ModeRerun = "rerun"
)

// SuccessStatus reports whether a terminal status counts as a success for
// downstream aggregation.
func SuccessStatus(status string) bool {
	return status == StatusCompleted || status == StatusNoTargetReads
}

// TerminalStatus reports whether a status ends a sample's task.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusNoTargetReads, StatusNoInput, StatusInputMissing, StatusFailed:
		return true
	}
	return false
}

// CanonicalID returns the portion of a sequence identifier before the
// first '|'. Identifiers without a '|' are already canonical.
func CanonicalID(id string) string {
	if i := strings.IndexByte(id, '|'); i >= 0 {
		return id[:i]
	}
	return id
}

// Sample is one independent input unit: an alignment table plus the raw
// read source it was computed from. The ID is derived from the alignment
// path and is stable across runs via the persisted manifest.
type Sample struct {
	ID        string `json:"id" yaml:"id"`
	Alignment string `json:"alignment" yaml:"alignment"`
	Reads     string `json:"reads" yaml:"reads"`
}

// Hit is one scored match reported by the validation engine. Subject is raw
// (may carry a |-delimited suffix); canonicalization happens at filter time.
type Hit struct {
	Query    string  `json:"query"`
	Subject  string  `json:"subject"`
	Identity float64 `json:"identity"`
	Length   int     `json:"length"`
	EValue   float64 `json:"evalue"`
	BitScore float64 `json:"bitscore"`
}

// Stats summarizes the accepted hits of one run.
type Stats struct {
	MatchedTargets    []string `json:"matched_targets" yaml:"matched_targets"`
	OriginallyMatched []string `json:"originally_matched" yaml:"originally_matched"`
	NewlyDiscovered   []string `json:"newly_discovered" yaml:"newly_discovered"`
	FramesCovered     int      `json:"frames_covered" yaml:"frames_covered"`
	TotalFrames       int      `json:"total_frames" yaml:"total_frames"`
	PerfectHits       int      `json:"perfect_hits" yaml:"perfect_hits"`
	HighIdentityHits  int      `json:"high_identity_hits" yaml:"high_identity_hits"`
}

// Run is one pipeline invocation recorded in the ledger.
type Run struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Mode       string `json:"mode" enum:"full,rerun"`
	Status     string `json:"status" enum:"running,completed,failed"`
	StartedAt  string `json:"started_at" format:"date-time"`
	FinishedAt string `json:"finished_at,omitempty" format:"date-time"`
	Error      string `json:"error,omitempty"`
}

// Event is one entry in the workspace event log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Sample  string `json:"sample,omitempty"`
	Payload string `json:"payload_json"`
}
