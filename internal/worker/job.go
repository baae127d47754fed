package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gridsql/internal/exporter"
)

type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// ExportJob is one query export. The pool owns a submitted job; read its
// state through Pool.Job or the pool's OnFinish callback.
type ExportJob struct {
	// ID is a random UUID.
	ID     string
	Query  string
	Args   []any
	Format exporter.Format

	Submitted time.Time
	Started   time.Time
	Finished  time.Time

	Status JobStatus
	Error  error
	Stats  *exporter.ExportResult
	// Key is where the file was stored, compression suffix included.
	Key string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewExportJob creates a pending job. Its timeout starts now and covers the
// time spent queued.
func NewExportJob(query string, format exporter.Format, timeout time.Duration, args ...any) *ExportJob {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if format == "" {
		format = exporter.FormatCSV
	}
	return &ExportJob{
		ID:        uuid.NewString(),
		Query:     query,
		Args:      args,
		Format:    format,
		Submitted: time.Now(),
		Status:    StatusPending,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Cancel stops the job if it is queued or running.
func (j *ExportJob) Cancel() { j.cancel() }

const summaryTime = "2006-01-02 03:04:05 PM"

// Summary is a human-readable report of a finished job.
func (j *ExportJob) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job ID: %s\n", j.ID)
	fmt.Fprintf(&b, "Status: %s\n", j.Status)
	fmt.Fprintf(&b, "Submitted: %s\n", j.Submitted.Format(summaryTime))
	if !j.Started.IsZero() {
		fmt.Fprintf(&b, "Started: %s (Wait: %v)\n", j.Started.Format(summaryTime), j.Started.Sub(j.Submitted))
	}
	if !j.Finished.IsZero() && !j.Started.IsZero() {
		fmt.Fprintf(&b, "Finished: %s\n", j.Finished.Format(summaryTime))
		fmt.Fprintf(&b, "Total Duration: %v\n", j.Finished.Sub(j.Started))
	}
	if j.Stats != nil {
		fmt.Fprintf(&b, "Rows Processed: %d\n", j.Stats.RowsProcessed)
		fmt.Fprintf(&b, "Query Execution: %v\n", j.Stats.Duration)
	}
	if j.Key != "" && j.Error == nil {
		fmt.Fprintf(&b, "File: %s\n", j.Key)
	}
	if j.Error != nil {
		fmt.Fprintf(&b, "Error: %v\n", j.Error)
	}
	return b.String()
}
