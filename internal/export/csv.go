package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/message"

	"batch-calc-engine/internal/models"
)

var baseColumns = []string{"index", "succeeded", "computed_at", "error_reason"}

// CSVSink writes one row per result. Top-level scalar fields of each result
// value become extra columns; nested objects and arrays are skipped.
type CSVSink struct{}

func (CSVSink) Format() string      { return "csv" }
func (CSVSink) ContentType() string { return "text/csv; charset=utf-8" }

func (CSVSink) Write(w io.Writer, job *models.BulkCalculationJob, opts Options) error {
	results := selectResults(job.Results, opts.IncludeFailed)
	printer := message.NewPrinter(opts.locale())

	rows := make([]map[string]any, len(results))
	seen := make(map[string]bool)
	var fields []string
	for i, r := range results {
		values, err := scalarFields(r.Value)
		if err != nil {
			return fmt.Errorf("result %d: %w", r.Index, err)
		}
		rows[i] = values
		for k := range values {
			if !seen[k] {
				seen[k] = true
				fields = append(fields, k)
			}
		}
	}
	sort.Strings(fields)

	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string(nil), baseColumns...), fields...)); err != nil {
		return err
	}
	for i, r := range results {
		record := []string{
			strconv.Itoa(r.Index),
			strconv.FormatBool(r.Succeeded),
			r.ComputedAt.UTC().Format(time.RFC3339),
			r.ErrorReason,
		}
		for _, f := range fields {
			record = append(record, formatCell(printer, rows[i][f]))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func scalarFields(raw json.RawMessage) (map[string]any, error) {
	out := make(map[string]any)
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	for k, v := range obj {
		switch v.(type) {
		case map[string]any, []any:
		default:
			out[k] = v
		}
	}
	return out, nil
}

func formatCell(p *message.Printer, v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case json.Number:
		s := val.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, err := val.Int64(); err == nil {
				return p.Sprintf("%d", n)
			}
		}
		if f, err := val.Float64(); err == nil {
			return p.Sprintf("%.2f", f)
		}
		return s
	case bool:
		return strconv.FormatBool(val)
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
