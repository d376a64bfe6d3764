package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind names the pipeline operation an async job runs.
type JobKind string

const (
	JobRemoveBackground JobKind = "remove_bg"
	JobComposite        JobKind = "composite"
	JobCrop             JobKind = "crop"
)

// JobStatus is the lifecycle state of an async job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is an asynchronous pipeline run that is sent to the queue.
type Job struct {
	ID        uuid.UUID       `json:"id"`
	Kind      JobKind         `json:"kind"`
	BatchID   string          `json:"batch_id"`
	Params    json.RawMessage `json:"params"` // kind-specific request, see service/job
	Status    JobStatus       `json:"status"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
