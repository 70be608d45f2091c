// Package gram speaks GRAM through the globusrun client. Jobs are described
// in RSL and identified by their job contact URL.
package gram

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/job"
)

const (
	DefaultScriptExtension = ".rsl"

	// Every contact submitted from an account is appended here so the user
	// query can enumerate them; GRAM has no per-user job listing.
	ContactsFile = "$HOME/.hpcgate_gram_contacts"
)

var (
	contactRe = regexp.MustCompile(`https?://[^\s/]+(:\d+)?/[^\s]*`)
	// globusrun prints bare states; GT4 style clients print "Current job state: Active".
	stateRe = regexp.MustCompile(`(?i)(?:current job state:\s*)?\b(UNSUBMITTED|PENDING|STAGE_IN|STAGEIN|ACTIVE|SUSPENDED|STAGE_OUT|STAGEOUT|DONE|FAILED|CLEANUP)\b`)
)

var states = map[string]job.State{
	"UNSUBMITTED": job.QUEUED,
	"PENDING":     job.QUEUED,
	"STAGE_IN":    job.QUEUED,
	"STAGEIN":     job.QUEUED,
	"ACTIVE":      job.RUNNING,
	"SUSPENDED":   job.RUNNING,
	"STAGE_OUT":   job.RUNNING,
	"STAGEOUT":    job.RUNNING,
	"CLEANUP":     job.RUNNING,
	"DONE":        job.COMPLETE,
	"FAILED":      job.FAILED,
}

// The job manager exits once a job is done and its output is staged.
var goneMarkers = []string{
	"job manager could not be found",
	"contacting the job manager failed",
}

// user ends up in a shell comment; a line break would end it.
var labelReplacer = strings.NewReplacer("\n", " ", "\r", " ")

// Adapter implements drm.Adapter for GRAM.
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

func (a *Adapter) Scheduler() job.SchedulerType { return job.GRAM }

func (a *Adapter) ScriptExtension() string { return a.cfg.ScriptExtension }

func (a *Adapter) bin() string { return drm.Bin(a.cfg.InstallPath, "globusrun") }

func (a *Adapter) SubmitCommand(req *job.JobRequest, scriptPath string) job.RawCommand {
	cmd := fmt.Sprintf("%s -batch -r %s -f %s | tee -a %s",
		a.bin(), drm.ShellQuote(a.cfg.Endpoint), drm.ShellQuote(drm.ScriptIn(req.WorkingDir, scriptPath)), ContactsFile)
	return job.RawCommand{Command: cmd, WorkingDir: req.WorkingDir}
}

func (a *Adapter) MonitorCommand(h job.Handle) job.RawCommand {
	return job.RawCommand{Command: a.bin() + " -status " + drm.ShellQuote(string(h))}
}

// UserMonitorCommand reports every contact submitted from the connected account.
// GRAM jobs belong to the credential's subject, so user only labels the query.
func (a *Adapter) UserMonitorCommand(user string) job.RawCommand {
	cmd := fmt.Sprintf(`# jobs of %s
for c in $(cat %s 2>/dev/null | grep '^https'); do echo "$c $(%s -status $c 2>&1 | tail -n 1)"; done`,
		labelReplacer.Replace(user), ContactsFile, a.bin())
	return job.RawCommand{Command: cmd}
}

func (a *Adapter) CancelCommand(h job.Handle) job.RawCommand {
	return job.RawCommand{Command: a.bin() + " -kill " + drm.ShellQuote(string(h))}
}

// Script renders an RSL job description. The "mpi" template requests jobType=mpi.
func (a *Adapter) Script(req *job.JobRequest) (string, error) {
	switch a.cfg.TemplateID {
	case "", "default", "mpi":
	default:
		return "", errors.New(errors.CommandGeneration, "no script template %q", a.cfg.TemplateID)
	}
	if req.Executable == "" {
		return "", errors.New(errors.CommandGeneration, "job %q has no executable to script", req.Name)
	}
	var b strings.Builder
	attr := func(name, value string) {
		fmt.Fprintf(&b, "\n (%s=%s)", name, rslQuote(value))
	}
	fmt.Fprintf(&b, "&(executable=%s)", rslQuote(req.Executable))
	if len(req.Args) > 0 {
		quoted := make([]string, len(req.Args))
		for i, arg := range req.Args {
			quoted[i] = rslQuote(arg)
		}
		fmt.Fprintf(&b, "\n (arguments=%s)", strings.Join(quoted, " "))
	}
	attr("directory", req.WorkingDir)
	res := req.Resources
	if res.CPUCount > 0 {
		fmt.Fprintf(&b, "\n (count=%d)", res.CPUCount)
	}
	if res.NodeCount > 0 {
		fmt.Fprintf(&b, "\n (hostCount=%d)", res.NodeCount)
	}
	if res.WallTimeMinutes > 0 {
		fmt.Fprintf(&b, "\n (maxWallTime=%d)", res.WallTimeMinutes)
	}
	if res.Queue != "" {
		attr("queue", res.Queue)
	}
	if req.ProjectAccount != "" {
		attr("project", req.ProjectAccount)
	}
	if req.StdoutPath != "" {
		attr("stdout", req.StdoutPath)
	}
	if req.StderrPath != "" {
		attr("stderr", req.StderrPath)
	}
	if len(req.Env) > 0 {
		names := make([]string, 0, len(req.Env))
		for k := range req.Env {
			names = append(names, k)
		}
		sort.Strings(names)
		b.WriteString("\n (environment=")
		for _, k := range names {
			fmt.Fprintf(&b, "(%s %s)", rslQuote(k), rslQuote(req.Env[k]))
		}
		b.WriteString(")")
	}
	if a.cfg.TemplateID == "mpi" {
		b.WriteString("\n (jobType=mpi)")
	} else {
		b.WriteString("\n (jobType=single)")
	}
	b.WriteString("\n")
	return b.String(), nil
}

// rslQuote double quotes s, doubling embedded quotes as RSL requires.
func rslQuote(s string) string {
	return `"` + strings.Replace(s, `"`, `""`, -1) + `"`
}

func (a *Adapter) Parse(kind drm.OutputKind, raw string) drm.ParseResult {
	switch kind {
	case drm.SubmitOutput:
		if c := contactRe.FindString(raw); c != "" {
			return drm.ParseResult{State: job.SUBMITTED, Handle: job.Handle(c)}
		}
	case drm.MonitorOutput:
		lower := strings.ToLower(raw)
		for _, marker := range goneMarkers {
			if strings.Contains(lower, marker) {
				return drm.ParseResult{State: job.COMPLETE}
			}
		}
		if st, ok := lastState(raw); ok {
			return drm.ParseResult{State: st}
		}
	case drm.CancelOutput:
		if len(drm.Lines(raw)) == 0 || strings.Contains(strings.ToLower(raw), "canceled") ||
			strings.Contains(strings.ToLower(raw), "cancelled") {
			return drm.ParseResult{State: job.CANCELED}
		}
	}
	return drm.Unknown(raw)
}

// lastState returns the last state word printed; globusrun may echo earlier states first.
func lastState(raw string) (job.State, bool) {
	ms := stateRe.FindAllStringSubmatch(raw, -1)
	if len(ms) == 0 {
		return job.UNKNOWN, false
	}
	st, ok := states[strings.ToUpper(ms[len(ms)-1][1])]
	return st, ok
}

func (a *Adapter) ParseUserJobs(raw string) map[job.Handle]job.State {
	out := map[job.Handle]job.State{}
	for _, line := range drm.Lines(raw) {
		fields := strings.Fields(line)
		if len(fields) < 2 || !contactRe.MatchString(fields[0]) {
			continue
		}
		rest := strings.Join(fields[1:], " ")
		st := job.UNKNOWN
		for _, marker := range goneMarkers {
			if strings.Contains(strings.ToLower(rest), marker) {
				st = job.COMPLETE
			}
		}
		if st == job.UNKNOWN {
			st, _ = lastState(rest)
		}
		out[job.Handle(fields[0])] = st
	}
	return out
}
