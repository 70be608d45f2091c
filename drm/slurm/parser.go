package slurm

import (
	"regexp"
	"strings"

	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/job"
)

var (
	submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)
	jobIDRe     = regexp.MustCompile(`^\d+(_\d+|_\[[^\]]*\])?$`)
)

// squeue prints these when the job has left the queue.
var goneMarkers = []string{
	"Invalid job id specified",
	"slurm_load_jobs error: Invalid job id",
}

// Short codes from squeue's ST column and the long names from its STATE column.
var states = map[string]job.State{
	"PD": job.QUEUED, "PENDING": job.QUEUED,
	"CF": job.QUEUED, "CONFIGURING": job.QUEUED,
	"RQ": job.QUEUED, "REQUEUED": job.QUEUED,
	"RF": job.QUEUED, "REQUEUE_FED": job.QUEUED,
	"RH": job.QUEUED, "REQUEUE_HOLD": job.QUEUED,
	"RD": job.QUEUED, "RESV_DEL_HOLD": job.QUEUED,

	"R": job.RUNNING, "RUNNING": job.RUNNING,
	"CG": job.RUNNING, "COMPLETING": job.RUNNING,
	"S": job.RUNNING, "SUSPENDED": job.RUNNING,
	"ST": job.RUNNING, "STOPPED": job.RUNNING,
	"SI": job.RUNNING, "SIGNALING": job.RUNNING,
	"SO": job.RUNNING, "STAGE_OUT": job.RUNNING,
	"RS": job.RUNNING, "RESIZING": job.RUNNING,

	"CD": job.COMPLETE, "COMPLETED": job.COMPLETE,

	"F": job.FAILED, "FAILED": job.FAILED,
	"NF": job.FAILED, "NODE_FAIL": job.FAILED,
	"TO": job.FAILED, "TIMEOUT": job.FAILED,
	"OOM": job.FAILED, "OUT_OF_MEMORY": job.FAILED,
	"BF": job.FAILED, "BOOT_FAIL": job.FAILED,
	"DL": job.FAILED, "DEADLINE": job.FAILED,
	"SE": job.FAILED, "SPECIAL_EXIT": job.FAILED,

	"CA": job.CANCELED, "CANCELLED": job.CANCELED,
	"PR": job.CANCELED, "PREEMPTED": job.CANCELED,
	"RV": job.CANCELED, "REVOKED": job.CANCELED,
}

func stateOf(token string) (job.State, bool) {
	token = strings.TrimRight(strings.ToUpper(token), "+")
	st, ok := states[token]
	return st, ok
}

func (a *Adapter) Parse(kind drm.OutputKind, raw string) drm.ParseResult {
	switch kind {
	case drm.SubmitOutput:
		return parseSubmit(raw)
	case drm.MonitorOutput:
		return parseMonitor(raw)
	case drm.CancelOutput:
		return parseCancel(raw)
	}
	return drm.Unknown(raw)
}

func parseSubmit(raw string) drm.ParseResult {
	m := submittedRe.FindStringSubmatch(raw)
	if m == nil {
		return drm.Unknown(raw)
	}
	return drm.ParseResult{State: job.SUBMITTED, Handle: job.Handle(m[1])}
}

func parseMonitor(raw string) drm.ParseResult {
	for _, marker := range goneMarkers {
		if strings.Contains(raw, marker) {
			return drm.ParseResult{State: job.COMPLETE}
		}
	}
	rows, headerSeen, ok := parseTable(raw)
	if !ok {
		return drm.Unknown(raw)
	}
	if len(rows) == 0 {
		if headerSeen || len(drm.Lines(raw)) == 0 {
			// The job is no longer known to the controller.
			return drm.ParseResult{State: job.COMPLETE}
		}
		return drm.Unknown(raw)
	}
	r := rows[0]
	return drm.ParseResult{State: r.state, Handle: r.handle}
}

func parseCancel(raw string) drm.ParseResult {
	// scancel is silent on success.
	if len(drm.Lines(raw)) == 0 {
		return drm.ParseResult{State: job.CANCELED}
	}
	return drm.Unknown(raw)
}

func (a *Adapter) ParseUserJobs(raw string) map[job.Handle]job.State {
	out := map[job.Handle]job.State{}
	rows, _, _ := parseTable(raw)
	for _, r := range rows {
		out[r.handle] = r.state
	}
	return out
}

type row struct {
	handle job.Handle
	state  job.State
}

// parseTable reads squeue's tabular output. ok is false if any non-header line
// cannot be read as a job row.
func parseTable(raw string) (rows []row, headerSeen bool, ok bool) {
	stateCol := -1
	for _, line := range drm.Lines(raw) {
		fields := strings.Fields(line)
		if fields[0] == "JOBID" {
			headerSeen = true
			stateCol = -1
			for i, f := range fields {
				if f == "ST" || f == "STATE" {
					stateCol = i
				}
			}
			continue
		}
		if !jobIDRe.MatchString(fields[0]) {
			return nil, headerSeen, false
		}
		st, found := job.UNKNOWN, false
		if stateCol > 0 && stateCol < len(fields) {
			st, found = stateOf(fields[stateCol])
		}
		if !found {
			for _, f := range fields[1:] {
				if st, found = stateOf(f); found {
					break
				}
			}
		}
		if !found {
			return nil, headerSeen, false
		}
		rows = append(rows, row{handle: job.Handle(fields[0]), state: st})
	}
	return rows, headerSeen, true
}
