// Package job holds the types shared by every layer that submits or tracks a
// batch job on a remote HPC resource: what to run, which scheduler runs it,
// and the canonical State the scheduler reports.
package job

import (
	"fmt"
	"strings"

	"github.com/hpcgate/hpcgate/common/errors"
)

// SchedulerType selects the scheduler dialect spoken on a resource.
type SchedulerType string

const (
	PBS   SchedulerType = "PBS"
	SLURM SchedulerType = "SLURM"
	GRAM  SchedulerType = "GRAM"
)

// SchedulerTypes lists every supported dialect.
var SchedulerTypes = []SchedulerType{PBS, SLURM, GRAM}

func ParseSchedulerType(s string) (SchedulerType, error) {
	for _, t := range SchedulerTypes {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unsupported scheduler type %q", s)
}

// Handle is the scheduler assigned job identifier. Empty means none was assigned.
type Handle string

func (h Handle) String() string { return string(h) }

// RawCommand is a shell command line to run on the remote resource.
type RawCommand struct {
	Command    string
	WorkingDir string
}

func (c RawCommand) String() string { return c.Command }

// Resources are the scheduler resource directives of a request.
type Resources struct {
	NodeCount       int    `json:"nodeCount,omitempty" yaml:"nodeCount,omitempty"`
	CPUCount        int    `json:"cpuCount,omitempty" yaml:"cpuCount,omitempty"`
	WallTimeMinutes int    `json:"wallTimeMinutes,omitempty" yaml:"wallTimeMinutes,omitempty"`
	Queue           string `json:"queue,omitempty" yaml:"queue,omitempty"`
}

// JobRequest describes one job. It must not be modified once submitted.
type JobRequest struct {
	Scheduler  SchedulerType `json:"scheduler" yaml:"scheduler"`
	Name       string        `json:"name" yaml:"name"`
	WorkingDir string        `json:"workingDir" yaml:"workingDir"`
	Executable string        `json:"executable,omitempty" yaml:"executable,omitempty"`
	Args       []string      `json:"args,omitempty" yaml:"args,omitempty"`

	// ScriptPath names a batch script already present on the resource.
	// When empty a script is generated from the request.
	ScriptPath string `json:"scriptPath,omitempty" yaml:"scriptPath,omitempty"`
	// Set when a generated script has been staged.
	GeneratedScriptPath string `json:"generatedScriptPath,omitempty" yaml:"-"`

	Resources      Resources         `json:"resources" yaml:"resources"`
	ProjectAccount string            `json:"projectAccount,omitempty" yaml:"projectAccount,omitempty"`
	StdoutPath     string            `json:"stdoutPath,omitempty" yaml:"stdoutPath,omitempty"`
	StderrPath     string            `json:"stderrPath,omitempty" yaml:"stderrPath,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Validate reports a CommandGenerationError for a request no scheduler could run.
func (r *JobRequest) Validate() error {
	if r == nil {
		return errors.New(errors.CommandGeneration, "nil job request")
	}
	if _, err := ParseSchedulerType(string(r.Scheduler)); err != nil {
		return errors.Wrap(errors.CommandGeneration, err, "job %q", r.Name)
	}
	if strings.TrimSpace(r.WorkingDir) == "" {
		return errors.New(errors.CommandGeneration, "job %q has no working directory", r.Name)
	}
	if r.Executable == "" && r.ScriptPath == "" {
		return errors.New(errors.CommandGeneration, "job %q has neither an executable nor a script", r.Name)
	}
	// These land in single-line script directives.
	for field, v := range map[string]string{
		"working directory": r.WorkingDir,
		"script path":       r.ScriptPath,
		"queue":             r.Resources.Queue,
		"project account":   r.ProjectAccount,
		"stdout path":       r.StdoutPath,
		"stderr path":       r.StderrPath,
	} {
		if strings.ContainsAny(v, "\n\r\x00") {
			return errors.New(errors.CommandGeneration, "job %q has a line break in its %s", r.Name, field)
		}
	}
	res := r.Resources
	if res.NodeCount < 0 || res.CPUCount < 0 || res.WallTimeMinutes < 0 {
		return errors.New(errors.CommandGeneration, "job %q has negative resource counts %+v", r.Name, res)
	}
	for k := range r.Env {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			return errors.New(errors.CommandGeneration, "job %q has invalid env name %q", r.Name, k)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (r *JobRequest) Clone() *JobRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Args = append([]string(nil), r.Args...)
	if r.Env != nil {
		c.Env = make(map[string]string, len(r.Env))
		for k, v := range r.Env {
			c.Env[k] = v
		}
	}
	return &c
}

// Script returns the path of the script that is submitted for this request.
func (r *JobRequest) Script() string {
	if r.ScriptPath != "" {
		return r.ScriptPath
	}
	return r.GeneratedScriptPath
}

// Diagnostic explains why a job failed or faulted.
type Diagnostic struct {
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
	// Remote output that led to the diagnostic, verbatim.
	Raw string `json:"raw,omitempty"`
}

// DiagnosticFor builds a Diagnostic from a classified error.
func DiagnosticFor(err error) *Diagnostic {
	if err == nil {
		return nil
	}
	kind := errors.KindOf(err)
	msg := strings.TrimPrefix(err.Error(), kind.String()+": ")
	return &Diagnostic{Kind: kind, Message: msg, Raw: errors.RawOf(err)}
}

func (d *Diagnostic) String() string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}
