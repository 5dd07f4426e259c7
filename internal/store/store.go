// Package store defines the job record store the orchestration core reads
// from and proposes updates to. Persistent backing is a collaborator
// concern; this package ships the interface plus an in-memory
// implementation.
package store

import (
	"context"
	"fmt"
	"time"

	"slurmdeck/internal/slurm"
)

// JobRecord is the externally visible identity of one training job.
type JobRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Cluster     string `json:"cluster"`
	Partition   string `json:"partition"`
	GPUType     string `json:"gpu_type,omitempty"`
	NumNodes    int    `json:"num_nodes"`
	GPUsPerNode int    `json:"gpus_per_node"`

	RepoURL    string            `json:"repo_url"`
	CommitSHA  string            `json:"commit_sha"`
	ScriptPath string            `json:"script_path"`
	Overrides  map[string]string `json:"overrides,omitempty"`

	SlurmJobID  string       `json:"slurm_job_id,omitempty"`
	Status      slurm.Status `json:"status"`
	LogPath     string       `json:"log_path,omitempty"`
	WandbRunURL string       `json:"wandb_run_url,omitempty"`
	Error       string       `json:"error,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NotFoundError is returned for unknown job ids.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("job %q not found", e.ID) }

// JobStore is the record-store boundary the core consumes. Any
// implementation (memory, SQL, etcd) can be injected.
type JobStore interface {
	// Create persists a new record and assigns its id.
	Create(ctx context.Context, job *JobRecord) error

	Get(ctx context.Context, id string) (JobRecord, error)

	// List returns all records, newest submission first.
	List(ctx context.Context) ([]JobRecord, error)

	// Active returns records needing reconciliation: not in a terminal
	// state and carrying a queue-assigned id.
	Active(ctx context.Context) ([]JobRecord, error)

	// UpdateStatus records a status transition.
	UpdateStatus(ctx context.Context, id string, status slurm.Status) error

	// UpdateSubmission records the outcome of a submit attempt: the
	// queue-assigned id (possibly empty on failure), the resulting
	// status, the log path convention, and an error message if any.
	UpdateSubmission(ctx context.Context, id, slurmJobID string, status slurm.Status, logPath, errMsg string) error

	// SetWandbURL records the experiment-tracking URL once discovered.
	SetWandbURL(ctx context.Context, id, url string) error
}
