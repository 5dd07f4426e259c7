// Package slurm speaks the batch-queue tool's textual protocol: the
// command lines sent over a session and the tolerant parsers for what
// comes back. Everything here is pure; no I/O.
package slurm

import "strings"

// Status is the normalized job state. SUBMITTING is record-local, set
// before the queue has assigned an id; the queue tool never reports it.
type Status string

const (
	StatusSubmitting Status = "SUBMITTING"
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusUnknown    Status = "UNKNOWN"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// statusTable collapses Slurm's many native codes onto the normalized
// enumeration. Codes absent from the table pass through unchanged.
var statusTable = map[string]Status{
	"PENDING":       StatusPending,
	"CONFIGURING":   StatusPending,
	"RUNNING":       StatusRunning,
	"COMPLETED":     StatusCompleted,
	"FAILED":        StatusFailed,
	"TIMEOUT":       StatusFailed,
	"OUT_OF_MEMORY": StatusFailed,
	"NODE_FAIL":     StatusFailed,
	"CANCELLED":     StatusCancelled,
	"CANCELED":      StatusCancelled,
}

// Normalize maps one native status code to the normalized enumeration.
// Unmapped codes are returned upper-cased but otherwise untouched.
func Normalize(code string) Status {
	up := strings.ToUpper(strings.TrimSpace(code))
	if s, ok := statusTable[up]; ok {
		return s
	}
	return Status(up)
}
