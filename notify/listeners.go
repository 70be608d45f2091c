package notify

import (
	log "github.com/sirupsen/logrus"

	"github.com/hpcgate/hpcgate/common/log/tags"
	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/job"
)

// LoggingListener writes one log line per event.
type LoggingListener struct{}

func (LoggingListener) Notify(ev Event) error {
	m := ev.EventMeta()
	entry := tags.LogTags{JobID: m.JobID, Service: m.ServiceName}.Entry().WithField("event", ev.Type())
	switch e := ev.(type) {
	case JobSubmitted:
		entry.WithField("handle", e.Handle).Info("Job submitted")
	case StateChanged:
		entry.WithFields(log.Fields{"old": e.Old, "new": e.New}).Info("Job state changed")
	case Faulted:
		entry.WithFields(log.Fields{"kind": e.Reason.Kind, "reason": e.Reason.Message}).Warn("Job faulted")
	case OutputsAvailable:
		n := 0
		if e.Outputs != nil {
			n = e.Outputs.Len()
		}
		entry.WithField("outputs", n).Info("Job outputs available")
	case InputsSet:
		entry.Debug("Job inputs set")
	case ExecutionProgress:
		entry.WithFields(log.Fields{"phase": e.Phase, "message": e.Message}).Debug("Job progress")
	default:
		entry.Info("Job event")
	}
	return nil
}

// StatsListener counts terminal states as they are announced.
type StatsListener struct {
	Stat stats.StatsReceiver
}

func (s StatsListener) Notify(ev Event) error {
	sc, ok := ev.(StateChanged)
	if !ok || !sc.New.IsDone() {
		return nil
	}
	var name string
	switch sc.New {
	case job.COMPLETE:
		name = stats.OrchestratorJobsCompletedCounter
	case job.FAILED:
		name = stats.OrchestratorJobsFailedCounter
	case job.CANCELED:
		name = stats.OrchestratorJobsCanceledCounter
	}
	s.Stat.Counter(name).Inc(1)
	return nil
}
