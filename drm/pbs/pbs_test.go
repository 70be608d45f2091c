package pbs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/job"
)

func TestCommands(t *testing.T) {
	req := &job.JobRequest{Name: "echo", WorkingDir: "/home/u1/echo", Executable: "/bin/echo"}
	for _, install := range []string{"/usr/local/torque/bin", "/usr/local/torque/bin/"} {
		a := NewAdapter(drm.Config{InstallPath: install})
		assert.Equal(t, "/usr/local/torque/bin/qsub /home/u1/echo/echo.pbs", a.SubmitCommand(req, "echo.pbs").Command)
		assert.Equal(t, "/usr/local/torque/bin/qstat -f 1234.head", a.MonitorCommand("1234.head").Command)
		assert.Equal(t, "/usr/local/torque/bin/qstat -u u1", a.UserMonitorCommand("u1").Command)
		assert.Equal(t, "/usr/local/torque/bin/qdel 1234.head", a.CancelCommand("1234.head").Command)
	}
}

func TestParseSubmit(t *testing.T) {
	a := NewAdapter(drm.Config{})
	assert.Equal(t, drm.ParseResult{State: job.SUBMITTED, Handle: "1234.headnode.cluster.org"},
		a.Parse(drm.SubmitOutput, "1234.headnode.cluster.org\n"))
	assert.Equal(t, job.Handle("88"), a.Parse(drm.SubmitOutput, "Welcome to the cluster\n\n88\n").Handle)
	res := a.Parse(drm.SubmitOutput, "qsub: Unknown queue MSG=cannot locate queue")
	assert.Equal(t, job.UNKNOWN, res.State)
	assert.Equal(t, "qsub: Unknown queue MSG=cannot locate queue", res.Diagnostic)
}

func TestParseMonitor(t *testing.T) {
	a := NewAdapter(drm.Config{})
	full := `Job Id: 1234.headnode
    Job_Name = echo
    Job_Owner = u1@login1
    job_state = R
    queue = batch
`
	res := a.Parse(drm.MonitorOutput, full)
	assert.Equal(t, job.RUNNING, res.State)
	assert.Equal(t, job.Handle("1234.headnode"), res.Handle)

	cases := map[string]job.State{
		"    job_state = Q\n": job.QUEUED,
		"    job_state = H\n": job.QUEUED,
		"    job_state = C\n": job.COMPLETE,
		"":                   job.COMPLETE,
		"qstat: Unknown Job Id 1234.headnode": job.COMPLETE,
		"Job ID  Name  User  Time Use S Queue\n------- ----- ----- -------- - -----\n1234.headnode echo u1 00:00:01 R batch\n": job.RUNNING,
		"    job_state = Z\n":                   job.UNKNOWN,
		"pbs_iff: cannot connect to host\n":     job.UNKNOWN,
	}
	for raw, st := range cases {
		assert.Equal(t, st, a.Parse(drm.MonitorOutput, raw).State, "raw: %q", raw)
	}
}

func TestParseUserJobs(t *testing.T) {
	a := NewAdapter(drm.Config{})
	raw := `
headnode:
                                                            Req'd  Req'd   Elap
Job ID          Username Queue    Jobname    SessID NDS TSK Memory Time  S Time
--------------- -------- -------- ---------- ------ --- --- ------ ----- - -----
1234.headnode   u1       batch    echo         --     1   1    --  00:10 Q   --
1235.headnode   u1       batch    wrf        4411     4  32    --  02:00 R 00:12
`
	assert.Equal(t, map[job.Handle]job.State{
		"1234.headnode": job.QUEUED,
		"1235.headnode": job.RUNNING,
	}, a.ParseUserJobs(raw))
}

func TestScript(t *testing.T) {
	a := NewAdapter(drm.Config{})
	req := &job.JobRequest{
		Name:       "echo",
		WorkingDir: "/home/u1/echo",
		Executable: "/bin/echo",
		Resources:  job.Resources{NodeCount: 1, CPUCount: 4, WallTimeMinutes: 125, Queue: "batch"},
	}
	script, err := a.Script(req)
	require.NoError(t, err)
	assert.Contains(t, script, "#PBS -N echo\n#PBS -q batch\n#PBS -l nodes=1:ppn=4\n#PBS -l walltime=02:05:00\n#PBS -V\n")
	assert.Contains(t, script, "cd /home/u1/echo\n/bin/echo\n")
}

func TestShellValuesAreQuoted(t *testing.T) {
	a := NewAdapter(drm.Config{})
	req := &job.JobRequest{
		Name:       "echo",
		WorkingDir: "/home/u1/my runs",
		Executable: "/bin/echo",
		StdoutPath: "/home/u1/my runs/o",
		StderrPath: "/home/u1/my runs/e",
	}
	assert.Equal(t, "qsub '/home/u1/my runs/echo.pbs'", a.SubmitCommand(req, "echo.pbs").Command)
	assert.Equal(t, "qstat -u 'u1; touch /tmp/pwned'", a.UserMonitorCommand("u1; touch /tmp/pwned").Command)

	script, err := a.Script(req)
	require.NoError(t, err)
	assert.Contains(t, script, "#PBS -o '/home/u1/my runs/o'\n#PBS -e '/home/u1/my runs/e'\n")
	assert.Contains(t, script, "cd '/home/u1/my runs'\n/bin/echo\n")
}
