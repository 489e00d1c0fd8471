// Package export renders a job's ordered results into downloadable documents.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"batch-calc-engine/internal/models"
)

// ErrUnknownFormat is returned for a format no sink is registered for.
var ErrUnknownFormat = errors.New("unknown export format")

// Options tune a single export.
type Options struct {
	// Locale controls number formatting. The zero value means German.
	Locale        language.Tag
	IncludeFailed bool
}

func (o Options) locale() language.Tag {
	if o.Locale == language.Und {
		return language.German
	}
	return o.Locale
}

// Sink writes the results of a job in one format.
type Sink interface {
	Format() string
	ContentType() string
	Write(w io.Writer, job *models.BulkCalculationJob, opts Options) error
}

// Document is a rendered export.
type Document struct {
	io.Reader
	Format      string
	ContentType string
	Filename    string
}

// Registry maps format names to sinks.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry creates a registry holding sinks.
func NewRegistry(sinks ...Sink) *Registry {
	r := &Registry{sinks: make(map[string]Sink)}
	for _, s := range sinks {
		r.Register(s)
	}
	return r
}

// NewDefaultRegistry registers the csv and json sinks.
func NewDefaultRegistry() *Registry {
	return NewRegistry(CSVSink{}, JSONSink{})
}

// Register adds or replaces the sink for s.Format().
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[strings.ToLower(s.Format())] = s
}

// Lookup returns the sink for format.
func (r *Registry) Lookup(format string) (Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return s, nil
}

// Formats lists the registered format names in sorted order.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sinks))
	for f := range r.sinks {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Render writes job through the sink for format into an in-memory document.
func (r *Registry) Render(job *models.BulkCalculationJob, format string, opts Options) (*Document, error) {
	sink, err := r.Lookup(format)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := sink.Write(&buf, job, opts); err != nil {
		return nil, fmt.Errorf("render %s export for job %s: %w", sink.Format(), job.ID, err)
	}
	return &Document{
		Reader:      &buf,
		Format:      sink.Format(),
		ContentType: sink.ContentType(),
		Filename:    fmt.Sprintf("job-%s-results.%s", job.ID, sink.Format()),
	}, nil
}

func selectResults(results []models.CalculationResult, includeFailed bool) []models.CalculationResult {
	out := make([]models.CalculationResult, 0, len(results))
	if includeFailed {
		return append(out, results...)
	}
	for _, r := range results {
		if r.Succeeded {
			out = append(out, r)
		}
	}
	return out
}
