// Package platform is the client side of the job-execution platform: job
// creation and start, payload upload and download, and the results service
// that hands out export tasks. All operations are idempotent on their
// primary key, so retries are safe.
package platform

import (
	"context"
	"io"

	"github.com/cyverse-de/dicom-adapter/model"
)

// JobParams are the inputs to job creation.
type JobParams struct {
	PipelineID string `json:"pipelineId"`
	JobName    string `json:"jobName"`
	Priority   string `json:"priority"`
}

// JobHandle identifies a created platform job and its payload.
type JobHandle struct {
	JobID     string `json:"jobId"`
	PayloadID string `json:"payloadId"`
}

// JobDetails is the platform's view of a job, surfaced on the inference
// status endpoint.
type JobDetails struct {
	JobID     string `json:"jobId"`
	PayloadID string `json:"payloadId"`
	Status    string `json:"status"`
	State     string `json:"state"`
	Priority  string `json:"priority"`
	Created   string `json:"created,omitempty"`
	Started   string `json:"started,omitempty"`
	Stopped   string `json:"stopped,omitempty"`
}

// Jobs creates and starts platform jobs.
type Jobs interface {
	Create(ctx context.Context, params JobParams) (JobHandle, error)
	Start(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (*JobDetails, error)
}

// Payloads moves files in and out of a job's payload.
type Payloads interface {
	Upload(ctx context.Context, payloadID, name string, contents io.Reader) error
	Download(ctx context.Context, payloadID, uri string) ([]byte, error)
}

// Results is the export-task side of the platform.
type Results interface {
	GetPending(ctx context.Context, agent string, limit int) ([]model.ExportTask, error)
	ReportSuccess(ctx context.Context, taskID string) error
	ReportFailure(ctx context.Context, taskID string, retry bool) error
}
