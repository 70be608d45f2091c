package drm

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/job"
)

// ScriptData is what script templates are rendered with.
type ScriptData struct {
	*job.JobRequest
	JobName     string
	CommandLine string
	// HH:MM:SS, empty if no limit was requested.
	WallTime string
	// Env sorted by name, already shell quoted.
	EnvLines []string
	Endpoint string
}

// NewScriptData derives template data from req.
func NewScriptData(req *job.JobRequest, endpoint string) ScriptData {
	d := ScriptData{
		JobRequest:  req,
		JobName:     SafeName(req.Name),
		CommandLine: CommandLine(req.Executable, req.Args),
		Endpoint:    endpoint,
	}
	if m := req.Resources.WallTimeMinutes; m > 0 {
		d.WallTime = fmt.Sprintf("%02d:%02d:00", m/60, m%60)
	}
	names := make([]string, 0, len(req.Env))
	for k := range req.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		d.EnvLines = append(d.EnvLines, fmt.Sprintf("export %s=%s", k, ShellQuote(req.Env[k])))
	}
	return d
}

// Templates is a named set of script templates for one dialect.
type Templates map[string]*template.Template

// Render executes the template named id ("" selects "default") for req.
func (ts Templates) Render(id string, req *job.JobRequest, endpoint string) (string, error) {
	if id == "" {
		id = "default"
	}
	t, ok := ts[id]
	if !ok {
		return "", errors.New(errors.CommandGeneration, "no script template %q", id)
	}
	if req.Executable == "" {
		return "", errors.New(errors.CommandGeneration, "job %q has no executable to script", req.Name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, NewScriptData(req, endpoint)); err != nil {
		return "", errors.Wrap(errors.CommandGeneration, err, "rendering template %q", id)
	}
	return buf.String(), nil
}

var funcs = template.FuncMap{"quote": ShellQuote}

// MustTemplates parses each named source; a bad built-in template is a programming error.
func MustTemplates(sources map[string]string) Templates {
	ts := Templates{}
	for name, src := range sources {
		ts[name] = template.Must(template.New(name).Funcs(funcs).Parse(src))
	}
	return ts
}
