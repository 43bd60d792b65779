package records

import (
	"io"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
)

// missingValue fills summary cells for fields a record never reported.
const missingValue = "NA"

// Summary is the cross-sample table built from all published records.
// Columns are the union of every record's fields so samples that ended
// early still line up with fully processed ones.
type Summary struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// BuildSummary assembles the summary table. Head fields come first in
// fixed order, the remaining union of keys follows sorted, and rows are
// ordered by sample.
func BuildSummary(recs []Record) Summary {
	extra := map[string]struct{}{}
	for _, rec := range recs {
		for k := range rec.Fields {
			if k == "finished_at" {
				continue
			}
			extra[k] = struct{}{}
		}
	}
	extraCols := make([]string, 0, len(extra))
	for k := range extra {
		extraCols = append(extraCols, k)
	}
	sort.Strings(extraCols)

	columns := append(append([]string{}, headFields...), extraCols...)

	sorted := append([]Record{}, recs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sample < sorted[j].Sample })

	rows := make([][]string, 0, len(sorted))
	for _, rec := range sorted {
		row := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := rec.Field(col); ok && v != "" {
				row[i] = v
			} else {
				row[i] = missingValue
			}
		}
		rows = append(rows, row)
	}
	return Summary{Columns: columns, Rows: rows}
}

// WriteTSV renders the summary as a tab-separated table with a header row.
func (s Summary) WriteTSV(w io.Writer) error {
	if _, err := io.WriteString(w, strings.Join(s.Columns, "\t")+"\n"); err != nil {
		return err
	}
	for _, row := range s.Rows {
		if _, err := io.WriteString(w, strings.Join(row, "\t")+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// WriteSummary builds the summary from all published records and writes
// it to path atomically.
func (s Store) WriteSummary(path string) (Summary, error) {
	recs, err := s.List()
	if err != nil {
		return Summary{}, err
	}
	summary := BuildSummary(recs)
	var b strings.Builder
	if err := summary.WriteTSV(&b); err != nil {
		return Summary{}, err
	}
	if err := atomic.WriteFile(path, strings.NewReader(b.String())); err != nil {
		return Summary{}, err
	}
	return summary, nil
}
