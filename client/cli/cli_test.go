package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/config"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/orchestrator"
	"github.com/hpcgate/hpcgate/params"
	"github.com/hpcgate/hpcgate/registry"
	"github.com/hpcgate/hpcgate/registry/records"
)

const yamlJob = `service: echo
scheduler: slurm
name: echo
workingDir: /scratch/u1/echo
executable: /bin/echo
args: [hi]
resources:
  nodeCount: 2
inputs:
  - {name: greeting, type: string, value: hello}
  - {name: count, type: numeric, value: "3"}
outputs:
  - {name: result, type: numeric}
`

const jsonJob = `{
  "name": "relax",
  "workingDir": "/scratch/u1/relax",
  "scriptPath": "relax.pbs",
  "outputs": [{"name": "energy", "type": "numeric"}]
}`

func run(t *testing.T, fs afero.Fs, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cl, err := NewSimpleCLIClient(fs, &out)
	require.NoError(t, err)
	cl.RootCmd.SetArgs(args)
	err = cl.Exec()
	return out.String(), err
}

func TestLoadJobFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/jobs/echo.yaml", []byte(yamlJob), 0644))
	require.NoError(t, afero.WriteFile(fs, "/jobs/relax.json", []byte(jsonJob), 0644))

	jf, err := loadJobFile(fs, "/jobs/echo.yaml")
	require.NoError(t, err)
	assert.Equal(t, "echo", jf.Service)
	assert.Equal(t, job.SchedulerType("slurm"), jf.Scheduler)
	assert.Equal(t, 2, jf.Resources.NodeCount)
	inputs, err := jf.inputs()
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "3"}, inputs.Args())
	outputs, err := jf.outputs()
	require.NoError(t, err)
	decl, ok := outputs.Get("result")
	require.True(t, ok)
	assert.Equal(t, params.Numeric, decl.Type)

	jf, err = loadJobFile(fs, "/jobs/relax.json")
	require.NoError(t, err)
	assert.Equal(t, "relax", jf.Service, "service defaults to the job name")
	cfg := config.Default()
	assert.Equal(t, job.SLURM, jf.request(cfg).Scheduler)
	assert.Equal(t, "relax.pbs", jf.request(cfg).ScriptPath)

	require.NoError(t, afero.WriteFile(fs, "/jobs/typo.yaml", []byte("name: x\nworkdir: /tmp\n"), 0644))
	_, err = loadJobFile(fs, "/jobs/typo.yaml")
	assert.Error(t, err)
	_, err = loadJobFile(fs, "/jobs/echo.txt")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/jobs/echo.yaml", []byte(yamlJob), 0644))

	out, err := run(t, fs, "--config", `{"schedulers": {"slurm": {"installPath": "/opt/slurm"}}}`, "render", "-f", "/jobs/echo.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "# /scratch/u1/echo/echo.slurm\n#!/bin/bash\n")
	assert.Contains(t, out, "#SBATCH --nodes=2")
	assert.Contains(t, out, "/bin/echo hi hello 3\n")
	assert.Contains(t, out, "# submit in /scratch/u1/echo\n/opt/slurm/sbatch /scratch/u1/echo/echo.slurm\n")

	_, err = run(t, fs, "render")
	assert.Equal(t, errors.UsageExitCode, errors.ExitCodeFor(err))

	// PBS is not configured.
	require.NoError(t, afero.WriteFile(fs, "/jobs/pbs.yaml", []byte("scheduler: PBS\nname: x\nworkingDir: /tmp\nexecutable: /bin/true\n"), 0644))
	_, err = run(t, fs, "render", "-f", "/jobs/pbs.yaml")
	assert.Equal(t, errors.CommandGenerationExitCode, errors.ExitCodeFor(err))
}

func TestStatus(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg, err := records.NewFileRegistry(fs, "/var/lib/hpcgate")
	require.NoError(t, err)
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	require.NoError(t, reg.SaveJobRecord(context.Background(), &registry.Record{
		JobID:      "j1",
		Scheduler:  job.SLURM,
		Handle:     "55021",
		State:      job.FAILED,
		Phase:      job.PhaseFinalized,
		Diagnostic: job.DiagnosticFor(errors.NewRaw(errors.RemoteExecution, "NODE_FAIL", "scheduler reports the job failed")),
		Timestamps: registry.Timestamps{Created: now, Updated: now},
	}))
	cfg := `{"registry": {"dir": "/var/lib/hpcgate"}}`

	out, err := run(t, fs, "--config", cfg, "status", "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1\t55021\tFAILED\tFINALIZED\tRemoteExecutionError: scheduler reports the job failed\n", out)

	out, err = run(t, fs, "--config", cfg, "status", "--json", "j1")
	require.NoError(t, err)
	rec, err := registry.Decode([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, "NODE_FAIL", rec.Diagnostic.Raw)

	out, err = run(t, fs, "--config", cfg, "status", "-v", "j1")
	require.NoError(t, err)
	assert.Contains(t, out, `JobID: (string) (len=2) "j1"`)

	_, err = run(t, fs, "--config", cfg, "status", "missing")
	assert.Equal(t, errors.RegistryPersistExitCode, errors.ExitCodeFor(err))
}

func TestJobError(t *testing.T) {
	assert.NoError(t, jobError(statusOf(job.COMPLETE, job.PhaseFinalized)))
	assert.Equal(t, errors.JobFailedExitCode, errors.ExitCodeFor(jobError(statusOf(job.FAILED, job.PhaseFinalized))))
	assert.Equal(t, errors.JobFailedExitCode, errors.ExitCodeFor(jobError(statusOf(job.CANCELED, job.PhaseFinalized))))
	assert.Equal(t, errors.CredentialExitCode, errors.ExitCodeFor(jobError(statusOf(job.QUEUED, job.PhaseDetached))))
	assert.NoError(t, jobError(statusOf(job.SUBMITTED, job.PhaseSubmitted)))
}

func statusOf(st job.State, ph job.Phase) orchestrator.Status {
	return orchestrator.Status{JobID: "j1", State: st, Phase: ph}
}

func TestPrintStats(t *testing.T) {
	var out bytes.Buffer
	cl, err := NewSimpleCLIClient(afero.NewMemMapFs(), &out)
	require.NoError(t, err)
	cl.Stats.Scope("orchestrator").Counter("jobsSubmittedCounter").Inc(1)

	require.NoError(t, cl.Close(nil, nil))
	assert.Empty(t, out.String())

	cl.PrintStats = true
	require.NoError(t, cl.Close(nil, nil))
	assert.Contains(t, out.String(), `"orchestrator/jobsSubmittedCounter": 1`)
}
