// Package registry defines the durable store of job records. The orchestrator
// writes a record on every submission and state transition so that jobs can
// be followed across process restarts.
package registry

//go:generate mockgen -source=registry.go -package=registry -destination=registry_mock.go

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/hpcgate/hpcgate/job"
)

var ErrNotFound = errors.New("job record not found")

type Timestamps struct {
	Created   time.Time `json:"created"`
	Submitted time.Time `json:"submitted"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Updated   time.Time `json:"updated"`
}

// Record is the persisted view of one job.
type Record struct {
	JobID       string            `json:"jobId"`
	ServiceName string            `json:"serviceName"`
	Scheduler   job.SchedulerType `json:"scheduler"`
	Handle      job.Handle        `json:"handle,omitempty"`
	State       job.State         `json:"state"`
	Phase       job.Phase         `json:"phase"`
	Diagnostic  *job.Diagnostic   `json:"diagnostic,omitempty"`
	Request     *job.JobRequest   `json:"request,omitempty"`
	Timestamps  Timestamps        `json:"timestamps"`

	// XML encoded params.Context of the declared outputs, with values once harvested.
	Outputs string `json:"outputs,omitempty"`
}

// Active records still need monitoring or finalizing.
func (r *Record) Active() bool {
	return !r.Phase.IsFinal()
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Diagnostic != nil {
		d := *r.Diagnostic
		c.Diagnostic = &d
	}
	c.Request = r.Request.Clone()
	return &c
}

func Encode(r *Record) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func Decode(b []byte) (*Record, error) {
	r := &Record{}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, errors.Wrap(err, "decoding job record")
	}
	if r.JobID == "" {
		return nil, errors.New("job record has no jobId")
	}
	return r, nil
}

// Registry persists job records. Saves replace the whole record and may be
// repeated; the latest save wins.
type Registry interface {
	SaveJobRecord(ctx context.Context, rec *Record) error

	// Returns ErrNotFound for an unknown job.
	LoadJobRecord(ctx context.Context, jobID string) (*Record, error)
}

// Lister is implemented by registries that can enumerate their records.
type Lister interface {
	// ActiveJobs returns the IDs of records that are not finalized, sorted.
	ActiveJobs(ctx context.Context) ([]string, error)
}
