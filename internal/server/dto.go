package server

import (
	"encoding/json"
	"strconv"

	"pepseek/internal/domain"
	"pepseek/internal/records"
)

// SampleResponse is one sample's extraction outcome as read from its
// completion record.
type SampleResponse struct {
	Sample        string `json:"sample"`
	Status        string `json:"status" example:"COMPLETED"`
	ReadsAssigned int    `json:"reads_assigned"`
	Extracted     int    `json:"extracted"`
	FinishedAt    string `json:"finished_at,omitempty" format:"date-time"`
	Output        string `json:"output,omitempty"`
	Duration      string `json:"duration,omitempty"`
	Error         string `json:"error,omitempty"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Sample  string         `json:"sample,omitempty"`
	Payload map[string]any `json:"payload"`
}

type RunDetailResponse struct {
	Run    domain.Run      `json:"run"`
	Events []EventResponse `json:"events"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func sampleResponse(rec records.Record) SampleResponse {
	return SampleResponse{
		Sample:        rec.Sample,
		Status:        rec.Status,
		ReadsAssigned: intField(rec, "reads_assigned"),
		Extracted:     intField(rec, "extracted_seqs"),
		FinishedAt:    rec.Fields["finished_at"],
		Output:        rec.Fields["output"],
		Duration:      rec.Fields["duration"],
		Error:         rec.Fields["error"],
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		RunID:   e.RunID,
		Stage:   e.Stage,
		Sample:  e.Sample,
		Payload: decodeJSONMap(e.Payload),
	}
}

func intField(rec records.Record, key string) int {
	n, _ := strconv.Atoi(rec.Fields[key])
	return n
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return map[string]any{}
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return map[string]any{}
}
