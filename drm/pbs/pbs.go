// Package pbs speaks the PBS/Torque dialect: qsub, qstat and qdel.
package pbs

import (
	"regexp"
	"strings"

	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/job"
)

const DefaultScriptExtension = ".pbs"

var templates = drm.MustTemplates(map[string]string{
	"default": `#!/bin/bash
#PBS -N {{.JobName}}
{{- if .Resources.Queue}}
#PBS -q {{.Resources.Queue}}{{end}}
{{- if .ProjectAccount}}
#PBS -A {{.ProjectAccount}}{{end}}
{{- if .Resources.NodeCount}}
#PBS -l nodes={{.Resources.NodeCount}}{{if .Resources.CPUCount}}:ppn={{.Resources.CPUCount}}{{end}}{{end}}
{{- if .WallTime}}
#PBS -l walltime={{.WallTime}}{{end}}
{{- if .StdoutPath}}
#PBS -o {{quote .StdoutPath}}{{end}}
{{- if .StderrPath}}
#PBS -e {{quote .StderrPath}}{{end}}
#PBS -V
{{range .EnvLines}}{{.}}
{{end}}
cd {{quote .WorkingDir}}
{{.CommandLine}}
`,
	"mpi": `#!/bin/bash
#PBS -N {{.JobName}}
{{- if .Resources.Queue}}
#PBS -q {{.Resources.Queue}}{{end}}
{{- if .ProjectAccount}}
#PBS -A {{.ProjectAccount}}{{end}}
#PBS -l nodes={{if .Resources.NodeCount}}{{.Resources.NodeCount}}{{else}}1{{end}}:ppn={{if .Resources.CPUCount}}{{.Resources.CPUCount}}{{else}}1{{end}}
{{- if .WallTime}}
#PBS -l walltime={{.WallTime}}{{end}}
{{- if .StdoutPath}}
#PBS -o {{quote .StdoutPath}}{{end}}
{{- if .StderrPath}}
#PBS -e {{quote .StderrPath}}{{end}}
#PBS -V
{{range .EnvLines}}{{.}}
{{end}}
cd {{quote .WorkingDir}}
mpiexec {{.CommandLine}}
`,
})

var (
	// qsub prints "<seq>.<server>"; some sites print only the sequence number.
	submitRe   = regexp.MustCompile(`^(\d+(\.[A-Za-z0-9_.-]+)?)$`)
	jobStateRe = regexp.MustCompile(`job_state\s*=\s*([A-Za-z])`)
	rowRe      = regexp.MustCompile(`^\d+(\[\d*\])?(\.[A-Za-z0-9_.-]+)?$`)
)

var goneMarkers = []string{
	"Unknown Job Id",
	"Job has finished",
}

// PBS single letter job states.
var states = map[string]job.State{
	"Q": job.QUEUED,
	"H": job.QUEUED,
	"W": job.QUEUED,
	"T": job.QUEUED,
	"S": job.RUNNING,
	"R": job.RUNNING,
	"E": job.RUNNING,
	"C": job.COMPLETE,
	"F": job.COMPLETE,
}

// Adapter implements drm.Adapter for PBS.
type Adapter struct {
	cfg drm.Config
}

func NewAdapter(cfg drm.Config) *Adapter {
	if cfg.ScriptExtension == "" {
		cfg.ScriptExtension = DefaultScriptExtension
	}
	cfg.InstallPath = drm.NormalizeInstallPath(cfg.InstallPath)
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Scheduler() job.SchedulerType { return job.PBS }

func (a *Adapter) ScriptExtension() string { return a.cfg.ScriptExtension }

func (a *Adapter) Script(req *job.JobRequest) (string, error) {
	return templates.Render(a.cfg.TemplateID, req, a.cfg.Endpoint)
}

func (a *Adapter) SubmitCommand(req *job.JobRequest, scriptPath string) job.RawCommand {
	return job.RawCommand{
		Command:    drm.Bin(a.cfg.InstallPath, "qsub") + " " + drm.ShellQuote(drm.ScriptIn(req.WorkingDir, scriptPath)),
		WorkingDir: req.WorkingDir,
	}
}

func (a *Adapter) MonitorCommand(h job.Handle) job.RawCommand {
	return job.RawCommand{Command: drm.Bin(a.cfg.InstallPath, "qstat") + " -f " + string(h)}
}

func (a *Adapter) UserMonitorCommand(user string) job.RawCommand {
	return job.RawCommand{Command: drm.Bin(a.cfg.InstallPath, "qstat") + " -u " + drm.ShellQuote(user)}
}

func (a *Adapter) CancelCommand(h job.Handle) job.RawCommand {
	return job.RawCommand{Command: drm.Bin(a.cfg.InstallPath, "qdel") + " " + string(h)}
}

func (a *Adapter) Parse(kind drm.OutputKind, raw string) drm.ParseResult {
	switch kind {
	case drm.SubmitOutput:
		for _, line := range drm.Lines(raw) {
			if m := submitRe.FindStringSubmatch(line); m != nil {
				return drm.ParseResult{State: job.SUBMITTED, Handle: job.Handle(m[1])}
			}
		}
	case drm.MonitorOutput:
		return parseMonitor(raw)
	case drm.CancelOutput:
		if len(drm.Lines(raw)) == 0 {
			return drm.ParseResult{State: job.CANCELED}
		}
	}
	return drm.Unknown(raw)
}

func parseMonitor(raw string) drm.ParseResult {
	for _, marker := range goneMarkers {
		if strings.Contains(raw, marker) {
			return drm.ParseResult{State: job.COMPLETE}
		}
	}
	lines := drm.Lines(raw)
	if len(lines) == 0 {
		// An empty answer means the server no longer tracks the job.
		return drm.ParseResult{State: job.COMPLETE}
	}
	if m := jobStateRe.FindStringSubmatch(raw); m != nil {
		if st, ok := states[strings.ToUpper(m[1])]; ok {
			res := drm.ParseResult{State: st}
			if strings.HasPrefix(lines[0], "Job Id:") {
				res.Handle = job.Handle(strings.TrimSpace(strings.TrimPrefix(lines[0], "Job Id:")))
			}
			return res
		}
		return drm.Unknown(raw)
	}
	// Plain qstat table output.
	if rows := parseRows(lines); len(rows) == 1 {
		for h, st := range rows {
			return drm.ParseResult{State: st, Handle: h}
		}
	}
	return drm.Unknown(raw)
}

func (a *Adapter) ParseUserJobs(raw string) map[job.Handle]job.State {
	return parseRows(drm.Lines(raw))
}

// parseRows reads job rows from qstat tables. Both the default layout (state is
// the fifth column) and the -u layout (state is the next to last column) are handled.
func parseRows(lines []string) map[job.Handle]job.State {
	out := map[job.Handle]job.State{}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 || !rowRe.MatchString(fields[0]) {
			continue
		}
		var candidates []string
		if len(fields) == 6 {
			candidates = append(candidates, fields[4])
		}
		candidates = append(candidates, fields[len(fields)-2])
		for _, c := range candidates {
			if st, ok := states[c]; ok {
				out[job.Handle(fields[0])] = st
				break
			}
		}
	}
	return out
}
