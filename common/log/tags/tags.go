// Package tags holds the identifying fields attached to every job log line.
package tags

import (
	log "github.com/sirupsen/logrus"
)

// LogTags identify a job across the components that handle it.
type LogTags struct {
	JobID     string
	Handle    string
	Scheduler string
	Service   string
}

// Fields renders the non-empty tags for log.WithFields.
func (t LogTags) Fields() log.Fields {
	f := log.Fields{"jobID": t.JobID}
	if t.Handle != "" {
		f["handle"] = t.Handle
	}
	if t.Scheduler != "" {
		f["scheduler"] = t.Scheduler
	}
	if t.Service != "" {
		f["service"] = t.Service
	}
	return f
}

// Entry is shorthand for log.WithFields(t.Fields()).
func (t LogTags) Entry() *log.Entry {
	return log.WithFields(t.Fields())
}
