package dispatch

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
)

// DefaultReportPath is where Save writes the completion report.
const DefaultReportPath = "ingestion_report.json"

// Failure is one failure entry in the serialized report.
type Failure struct {
	Job       string    `json:"job"`
	RecordID  string    `json:"record_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the read-only summary of one completed (or halted) run.
type Report struct {
	RunID          string    `json:"run_id"`
	Backend        string    `json:"backend"`
	TotalFiles     int       `json:"total_files"`
	Attempted      uint64    `json:"records_attempted"`
	Succeeded      uint64    `json:"records_succeeded"`
	FailedRecords  uint64    `json:"records_failed"`
	AbortedRecords uint64    `json:"records_aborted"`
	Retries        uint64    `json:"retries"`
	Halted         bool      `json:"halted"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	// FinalizeError is a run-level failure: the backend's final flush
	// did not complete. It is kept out of the per-record counters.
	FinalizeError string    `json:"finalize_error,omitempty"`
	Failures      []Failure `json:"failures,omitempty"`
}

// BuildReport derives a report from the registry's final state. It is a
// pure function of the snapshot and counters; the registry is not
// modified.
func BuildReport(backend string, totalFiles int, registry *Registry, elapsed time.Duration, halted bool, finalizeErr error) *Report {
	counts := registry.Counts()
	entries := registry.Snapshot()

	failures := make([]Failure, len(entries))
	for i, e := range entries {
		failures[i] = Failure{
			Job:       e.Job,
			RecordID:  e.RecordID,
			Kind:      e.Kind.String(),
			Message:   e.Message,
			Attempts:  e.Attempts,
			Timestamp: e.Timestamp,
		}
	}

	finalizeMsg := ""
	if finalizeErr != nil {
		finalizeMsg = finalizeErr.Error()
	}

	return &Report{
		RunID:          uuid.NewString(),
		Backend:        backend,
		TotalFiles:     totalFiles,
		Attempted:      counts.Attempted,
		Succeeded:      counts.Succeeded,
		FailedRecords:  counts.Permanent,
		AbortedRecords: counts.Fatal,
		Retries:        counts.Retries,
		Halted:         halted,
		ElapsedSeconds: elapsed.Seconds(),
		FinalizeError:  finalizeMsg,
		Failures:       failures,
	}
}

// HasFailures reports whether any record failed, was aborted, or the
// final flush did not complete.
func (r *Report) HasFailures() bool {
	return r.FailedRecords > 0 || r.AbortedRecords > 0 || r.FinalizeError != ""
}

// Summary returns a one-line human-readable digest.
func (r *Report) Summary() string {
	return fmt.Sprintf("%s: %d files, %d records attempted, %d succeeded, %d failed, %d aborted, %d retries in %.1fs",
		r.Backend, r.TotalFiles, r.Attempted, r.Succeeded, r.FailedRecords, r.AbortedRecords, r.Retries, r.ElapsedSeconds)
}

// Write serializes the report as indented JSON.
func (r *Report) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Save writes the report to the given path, or DefaultReportPath when
// path is empty.
func (r *Report) Save(path string) error {
	if path == "" {
		path = DefaultReportPath
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	if err := r.Write(f); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
