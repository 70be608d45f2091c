// Package slurm speaks the SLURM dialect: sbatch, squeue and scancel.
package slurm

import (
	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/job"
)

const DefaultScriptExtension = ".slurm"

var templates = drm.MustTemplates(map[string]string{
	"default": `#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --chdir={{quote .WorkingDir}}
{{- if .Resources.NodeCount}}
#SBATCH --nodes={{.Resources.NodeCount}}{{end}}
{{- if .Resources.CPUCount}}
#SBATCH --ntasks={{.Resources.CPUCount}}{{end}}
{{- if .WallTime}}
#SBATCH --time={{.WallTime}}{{end}}
{{- if .Resources.Queue}}
#SBATCH --partition={{.Resources.Queue}}{{end}}
{{- if .ProjectAccount}}
#SBATCH --account={{.ProjectAccount}}{{end}}
{{- if .StdoutPath}}
#SBATCH --output={{quote .StdoutPath}}{{end}}
{{- if .StderrPath}}
#SBATCH --error={{quote .StderrPath}}{{end}}
{{range .EnvLines}}{{.}}
{{end}}
cd {{quote .WorkingDir}}
{{.CommandLine}}
`,
	"mpi": `#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --chdir={{quote .WorkingDir}}
#SBATCH --nodes={{if .Resources.NodeCount}}{{.Resources.NodeCount}}{{else}}1{{end}}
#SBATCH --ntasks={{if .Resources.CPUCount}}{{.Resources.CPUCount}}{{else}}1{{end}}
{{- if .WallTime}}
#SBATCH --time={{.WallTime}}{{end}}
{{- if .Resources.Queue}}
#SBATCH --partition={{.Resources.Queue}}{{end}}
{{- if .ProjectAccount}}
#SBATCH --account={{.ProjectAccount}}{{end}}
{{- if .StdoutPath}}
#SBATCH --output={{quote .StdoutPath}}{{end}}
{{- if .StderrPath}}
#SBATCH --error={{quote .StderrPath}}{{end}}
{{range .EnvLines}}{{.}}
{{end}}
cd {{quote .WorkingDir}}
srun {{.CommandLine}}
`,
})

// Adapter implements drm.Adapter for SLURM.
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

func (a *Adapter) Scheduler() job.SchedulerType { return job.SLURM }

func (a *Adapter) ScriptExtension() string { return a.cfg.ScriptExtension }

func (a *Adapter) Script(req *job.JobRequest) (string, error) {
	return templates.Render(a.cfg.TemplateID, req, a.cfg.Endpoint)
}

func (a *Adapter) SubmitCommand(req *job.JobRequest, scriptPath string) job.RawCommand {
	return job.RawCommand{
		Command:    drm.Bin(a.cfg.InstallPath, "sbatch") + " " + drm.ShellQuote(drm.ScriptIn(req.WorkingDir, scriptPath)),
		WorkingDir: req.WorkingDir,
	}
}

func (a *Adapter) MonitorCommand(h job.Handle) job.RawCommand {
	return job.RawCommand{Command: drm.Bin(a.cfg.InstallPath, "squeue") + " -j " + string(h)}
}

func (a *Adapter) UserMonitorCommand(user string) job.RawCommand {
	return job.RawCommand{Command: drm.Bin(a.cfg.InstallPath, "squeue") + " -u " + drm.ShellQuote(user)}
}

func (a *Adapter) CancelCommand(h job.Handle) job.RawCommand {
	return job.RawCommand{Command: drm.Bin(a.cfg.InstallPath, "scancel") + " " + string(h)}
}
