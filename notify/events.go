// Package notify delivers job lifecycle events to registered listeners.
package notify

import (
	"fmt"
	"time"

	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/params"
)

// Meta identifies the job an event is about.
type Meta struct {
	JobID       string
	ServiceName string
	Time        time.Time
}

func (m Meta) EventMeta() Meta { return m }

type Event interface {
	EventMeta() Meta
	// Type is a short stable name, e.g. "stateChanged".
	Type() string
}

type JobSubmitted struct {
	Meta
	Handle job.Handle
}

type StateChanged struct {
	Meta
	Old job.State
	New job.State
}

type OutputsAvailable struct {
	Meta
	Outputs *params.Context
}

// Faulted accompanies every FAILED state and every job whose monitoring was
// abandoned.
type Faulted struct {
	Meta
	Reason job.Diagnostic
}

type InputsSet struct {
	Meta
	Inputs *params.Context
}

// ExecutionProgress reports the orchestrator's own progress through a job,
// e.g. "SUBMITTING" or "MONITORING".
type ExecutionProgress struct {
	Meta
	Phase   job.Phase
	Message string
}

func (JobSubmitted) Type() string      { return "jobSubmitted" }
func (StateChanged) Type() string      { return "stateChanged" }
func (OutputsAvailable) Type() string  { return "outputsAvailable" }
func (Faulted) Type() string           { return "faulted" }
func (InputsSet) Type() string         { return "inputsSet" }
func (ExecutionProgress) Type() string { return "executionProgress" }

func (e JobSubmitted) String() string {
	return fmt.Sprintf("%s submitted as %s", e.JobID, e.Handle)
}

func (e StateChanged) String() string {
	return fmt.Sprintf("%s %s -> %s", e.JobID, e.Old, e.New)
}

func (e Faulted) String() string {
	return fmt.Sprintf("%s faulted: %s", e.JobID, e.Reason.String())
}

func (e ExecutionProgress) String() string {
	return fmt.Sprintf("%s %s %s", e.JobID, e.Phase, e.Message)
}
