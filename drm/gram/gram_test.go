package gram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/job"
)

const contact = "https://gatekeeper.ranger.tacc.teragrid.org:2119/16001608125017717261/5295612976486005428/"

func TestCommands(t *testing.T) {
	a := NewAdapter(drm.Config{InstallPath: "/opt/globus/bin", Endpoint: "gatekeeper.ranger.tacc.teragrid.org:2119/jobmanager-sge"})
	req := &job.JobRequest{Name: "pwscf", WorkingDir: "/work/u1/pwscf", Executable: "/apps/pwscf.w"}
	assert.Equal(t,
		"/opt/globus/bin/globusrun -batch -r gatekeeper.ranger.tacc.teragrid.org:2119/jobmanager-sge -f /work/u1/pwscf/pwscf.rsl | tee -a $HOME/.hpcgate_gram_contacts",
		a.SubmitCommand(req, "/tmp/pwscf.rsl").Command)
	assert.Equal(t, "/opt/globus/bin/globusrun -status "+contact, a.MonitorCommand(contact).Command)
	assert.Equal(t, "/opt/globus/bin/globusrun -kill "+contact, a.CancelCommand(contact).Command)
	assert.Contains(t, a.UserMonitorCommand("u1").Command, "/opt/globus/bin/globusrun -status $c")
}

func TestParseSubmit(t *testing.T) {
	a := NewAdapter(drm.Config{})
	raw := "globus_gram_client_callback_allow successful\nGRAM Job submission successful\n" + contact + "\n"
	res := a.Parse(drm.SubmitOutput, raw)
	assert.Equal(t, job.SUBMITTED, res.State)
	assert.Equal(t, job.Handle(contact), res.Handle)

	res = a.Parse(drm.SubmitOutput, "GRAM Job submission failed because authentication with the remote server failed (error code 7)")
	assert.Equal(t, job.UNKNOWN, res.State)
}

func TestParseMonitor(t *testing.T) {
	a := NewAdapter(drm.Config{})
	cases := map[string]job.State{
		"PENDING\n":                  job.QUEUED,
		"UNSUBMITTED":                job.QUEUED,
		"ACTIVE\n":                   job.RUNNING,
		"Current job state: Active\n": job.RUNNING,
		"PENDING\nACTIVE\nDONE\n":    job.COMPLETE,
		"FAILED\n":                   job.FAILED,
		"GRAM Job status failed because the job manager could not be found (error code 79)": job.COMPLETE,
		"": job.UNKNOWN,
		"globus_gram_client: something odd": job.UNKNOWN,
	}
	for raw, st := range cases {
		assert.Equal(t, st, a.Parse(drm.MonitorOutput, raw).State, "raw: %q", raw)
	}
	assert.Equal(t, job.CANCELED, a.Parse(drm.CancelOutput, "").State)
}

func TestParseUserJobs(t *testing.T) {
	a := NewAdapter(drm.Config{})
	raw := contact + " ACTIVE\n" +
		"https://gk.example.org:2119/1/2/ GRAM Job status failed because the job manager could not be found (error code 79)\n" +
		"not a contact line\n"
	assert.Equal(t, map[job.Handle]job.State{
		job.Handle(contact):                   job.RUNNING,
		"https://gk.example.org:2119/1/2/": job.COMPLETE,
	}, a.ParseUserJobs(raw))
}

func TestScript(t *testing.T) {
	a := NewAdapter(drm.Config{TemplateID: "mpi"})
	req := &job.JobRequest{
		Name:       "pwscf",
		WorkingDir: "/work/u1/pwscf",
		Executable: "/apps/pwscf.w",
		Args:       []string{`say "hi"`},
		Resources:  job.Resources{CPUCount: 16, NodeCount: 1, WallTimeMinutes: 30, Queue: "development"},
		Env:        map[string]string{"OMP_NUM_THREADS": "1"},
	}
	rsl, err := a.Script(req)
	require.NoError(t, err)
	expected := `&(executable="/apps/pwscf.w")
 (arguments="say ""hi""")
 (directory="/work/u1/pwscf")
 (count=16)
 (hostCount=1)
 (maxWallTime=30)
 (queue="development")
 (environment=("OMP_NUM_THREADS" "1"))
 (jobType=mpi)
`
	assert.Equal(t, expected, rsl)

	_, err = NewAdapter(drm.Config{TemplateID: "condor"}).Script(req)
	assert.Error(t, err)
}

func TestShellValuesAreQuoted(t *testing.T) {
	a := NewAdapter(drm.Config{Endpoint: "gk.example.org/jobmanager-pbs"})
	req := &job.JobRequest{Name: "pwscf", WorkingDir: "/work/u1/my runs", Executable: "/apps/pwscf.w"}
	assert.Equal(t,
		"globusrun -batch -r gk.example.org/jobmanager-pbs -f '/work/u1/my runs/pwscf.rsl' | tee -a $HOME/.hpcgate_gram_contacts",
		a.SubmitCommand(req, "pwscf.rsl").Command)

	cmd := a.UserMonitorCommand("u1\ntouch /tmp/pwned").Command
	lines := strings.Split(cmd, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "# jobs of u1 touch /tmp/pwned", lines[0])
}
