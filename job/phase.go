package job

// Phase is where the orchestrator is in its handling of a job. It is distinct
// from State, which is what the scheduler reports.
type Phase string

const (
	PhaseBuilt      Phase = "BUILT"
	PhaseSubmitting Phase = "SUBMITTING"
	PhaseSubmitted  Phase = "SUBMITTED"
	PhaseMonitoring Phase = "MONITORING"
	PhaseFinalizing Phase = "FINALIZING"
	PhaseFinalized  Phase = "FINALIZED"

	// Monitoring stopped because the credential could not be renewed. The
	// remote job may still be running.
	PhaseDetached Phase = "DETACHED"
)

func (p Phase) String() string { return string(p) }

// IsFinal is true once nothing more will be done for the job.
func (p Phase) IsFinal() bool { return p == PhaseFinalized }
