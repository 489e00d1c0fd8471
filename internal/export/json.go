package export

import (
	"encoding/json"
	"io"

	"batch-calc-engine/internal/models"
)

// JSONSink writes the job summary and its ordered results array.
type JSONSink struct{}

func (JSONSink) Format() string      { return "json" }
func (JSONSink) ContentType() string { return "application/json" }

type jsonDocument struct {
	JobID          string                     `json:"job_id"`
	Name           string                     `json:"name"`
	CalculatorType string                     `json:"calculator_type"`
	Status         models.Status              `json:"status"`
	Progress       models.JobProgress         `json:"progress"`
	Results        []models.CalculationResult `json:"results"`
}

func (JSONSink) Write(w io.Writer, job *models.BulkCalculationJob, opts Options) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonDocument{
		JobID:          job.ID,
		Name:           job.Name,
		CalculatorType: job.CalculatorType,
		Status:         job.Status,
		Progress:       job.Progress,
		Results:        selectResults(job.Results, opts.IncludeFailed),
	})
}
