package adapters

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/job"
)

func allAdapters(t *testing.T) Set {
	cfgs := map[job.SchedulerType]drm.Config{}
	for _, st := range job.SchedulerTypes {
		cfgs[st] = drm.Config{InstallPath: "/opt/" + string(st)}
	}
	s, err := NewSet(cfgs)
	require.NoError(t, err)
	return s
}

// Canned success output for each dialect's submit command.
var submitSuccess = map[job.SchedulerType]struct {
	raw    string
	handle job.Handle
}{
	job.SLURM: {"Submitted batch job 55021\n", "55021"},
	job.PBS:   {"1234.headnode\n", "1234.headnode"},
	job.GRAM:  {"GRAM Job submission successful\nhttps://gk.example.org:2119/1/2/\n", "https://gk.example.org:2119/1/2/"},
}

func TestSubmitSuccessYieldsHandle(t *testing.T) {
	s := allAdapters(t)
	for st, c := range submitSuccess {
		a, err := s.Adapter(st)
		require.NoError(t, err)
		res := a.Parse(drm.SubmitOutput, c.raw)
		assert.Equal(t, job.SUBMITTED, res.State, "%s", st)
		assert.Equal(t, c.handle, res.Handle, "%s", st)
		// Trailing whitespace does not change the answer.
		assert.Equal(t, res, a.Parse(drm.SubmitOutput, c.raw+"\n  \n"), "%s", st)
	}
}

func TestParsersAreTotal(t *testing.T) {
	s := allAdapters(t)
	kinds := []drm.OutputKind{drm.SubmitOutput, drm.MonitorOutput, drm.CancelOutput}

	properties := gopter.NewProperties(nil)
	properties.Property("parse never panics and unknown carries the raw text", prop.ForAll(
		func(raw string) bool {
			for _, a := range s {
				for _, k := range kinds {
					res := a.Parse(k, raw)
					if res.State == job.UNKNOWN && res.Diagnostic != raw {
						return false
					}
				}
				a.ParseUserJobs(raw)
			}
			return true
		},
		gen.AnyString(),
	))
	properties.Property("arbitrary bytes are tolerated", prop.ForAll(
		func(b []byte) bool {
			for _, a := range s {
				for _, k := range kinds {
					a.Parse(k, string(b))
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))
	properties.Property("truncated output is tolerated", prop.ForAll(
		func(n int) bool {
			for st, c := range submitSuccess {
				a := s[st]
				cut := c.raw[:n%len(c.raw)]
				a.Parse(drm.SubmitOutput, cut)
				a.Parse(drm.MonitorOutput, cut)
			}
			return true
		},
		gen.IntRange(0, 1000),
	))
	properties.TestingRun(t)
}

func TestUnknownScheduler(t *testing.T) {
	_, err := New("LSF", drm.Config{})
	assert.Error(t, err)
	_, err = Set{}.Adapter(job.SLURM)
	assert.Error(t, err)
}
