package job

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcgate/hpcgate/common/errors"
)

func validRequest() *JobRequest {
	return &JobRequest{
		Scheduler:  SLURM,
		Name:       "echo",
		WorkingDir: "/scratch/u1/echo",
		Executable: "/bin/echo",
		Args:       []string{"hi"},
		Env:        map[string]string{"OMP_NUM_THREADS": "4"},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validRequest().Validate())

	cases := map[string]func(r *JobRequest){
		"noWorkdir":   func(r *JobRequest) { r.WorkingDir = " " },
		"noProgram":   func(r *JobRequest) { r.Executable = "" },
		"badSched":    func(r *JobRequest) { r.Scheduler = "LSF" },
		"negativeCPU": func(r *JobRequest) { r.Resources.CPUCount = -1 },
		"badEnv":      func(r *JobRequest) { r.Env["A=B"] = "x" },
		"splitDir":    func(r *JobRequest) { r.WorkingDir = "/scratch/u1\n#SBATCH --uid=0" },
		"splitQueue":  func(r *JobRequest) { r.Resources.Queue = "debug\rrm -rf ~" },
	}
	for name, mutate := range cases {
		r := validRequest()
		mutate(r)
		err := r.Validate()
		if !errors.IsKind(err, errors.CommandGeneration) {
			t.Fatalf("%s: expected CommandGenerationError, got %v", name, err)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	r := validRequest()
	c := r.Clone()
	c.Args[0] = "bye"
	c.Env["OMP_NUM_THREADS"] = "1"
	assert.Equal(t, "hi", r.Args[0])
	assert.Equal(t, "4", r.Env["OMP_NUM_THREADS"])
}

func TestStateText(t *testing.T) {
	for st := UNKNOWN; st <= CANCELED; st++ {
		b, err := json.Marshal(st)
		require.NoError(t, err)
		var got State
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, st, got)
	}
	_, err := ParseState("EXPLODED")
	assert.Error(t, err)
}

func TestIsRegression(t *testing.T) {
	assert.True(t, IsRegression(RUNNING, QUEUED))
	assert.True(t, IsRegression(RUNNING, SUBMITTED))
	assert.True(t, IsRegression(COMPLETE, RUNNING))
	assert.False(t, IsRegression(QUEUED, RUNNING))
	assert.False(t, IsRegression(RUNNING, RUNNING))
	assert.False(t, IsRegression(RUNNING, UNKNOWN))
	assert.False(t, IsRegression(SUBMITTED, COMPLETE))
}

// Applying IsRegression as a filter over any observation sequence never yields QUEUED after RUNNING.
func TestNoQueuedAfterRunning(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("filtered sequence is monotone", prop.ForAll(
		func(obs []int) bool {
			cur := SUBMITTED
			seenRunning := false
			for _, o := range obs {
				next := State(o)
				if next == UNKNOWN || IsRegression(cur, next) {
					continue
				}
				if seenRunning && next == QUEUED {
					return false
				}
				if next == RUNNING {
					seenRunning = true
				}
				cur = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(int(UNKNOWN), int(CANCELED))),
	))
	properties.TestingRun(t)
}

func TestStateMask(t *testing.T) {
	assert.True(t, DONE_MASK.Matches(CANCELED))
	assert.False(t, DONE_MASK.Matches(RUNNING))
	assert.True(t, MaskForState(QUEUED, RUNNING).Matches(QUEUED))
	assert.Equal(t, "QUEUED|RUNNING", MaskForState(QUEUED, RUNNING).String())
	assert.Equal(t, "DONE_MASK", DONE_MASK.String())
}

func TestParseSchedulerType(t *testing.T) {
	st, err := ParseSchedulerType(" slurm ")
	require.NoError(t, err)
	assert.Equal(t, SLURM, st)
	_, err = ParseSchedulerType("condor")
	assert.Error(t, err)
}

func TestDiagnosticFor(t *testing.T) {
	assert.Nil(t, DiagnosticFor(nil))
	d := DiagnosticFor(errors.NewRaw(errors.ParseAmbiguity, "??", "no id"))
	assert.Equal(t, errors.ParseAmbiguity, d.Kind)
	assert.Equal(t, "??", d.Raw)
	assert.Equal(t, "no id", d.Message)
	assert.Equal(t, "ParseAmbiguityError: no id", d.String())
}
