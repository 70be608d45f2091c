package orchestrator

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/notify"
	"github.com/hpcgate/hpcgate/params"
	"github.com/hpcgate/hpcgate/registry"
)

// Non-terminal records are retried this many times; the next transition
// writes the same information again anyway.
const transitionPersistRetries = 3

// finalize records the terminal state. cause becomes the diagnostic and is
// required for FAILED. The terminal record is written exactly once, retried
// until it is saved or the orchestrator closes.
func (j *Job) finalize(ctx context.Context, st job.State, cause error) {
	old := j.state()
	j.setPhase(job.PhaseFinalizing, st.String())

	harvested := false
	if st == job.COMPLETE {
		harvested = j.harvest(ctx)
	}
	outputs := j.outputsXML()

	diag := job.DiagnosticFor(cause)
	now := j.o.cfg.Clock.Now()
	j.update(func(rec *registry.Record) {
		rec.State = st
		rec.Phase = job.PhaseFinalized
		rec.Diagnostic = diag
		rec.Outputs = outputs
		rec.Timestamps.Finished = now
	})

	entry := j.log().WithField("state", st)
	if diag != nil {
		entry = entry.WithFields(log.Fields{"kind": diag.Kind, "reason": diag.Message})
	}
	entry.Info("Job finished")

	meta := j.meta()
	if harvested {
		j.notify(notify.OutputsAvailable{Meta: meta, Outputs: j.inv.Outputs})
	}
	if old != st {
		j.notify(notify.StateChanged{Meta: meta, Old: old, New: st})
	}
	if st == job.FAILED && diag != nil {
		j.notify(notify.Faulted{Meta: meta, Reason: *diag})
	}
	j.persist(true)
	j.notify(notify.ExecutionProgress{Meta: j.meta(), Phase: job.PhaseFinalized, Message: st.String()})
}

// harvest reads name=value lines from the job's stdout and fills in the
// declared outputs found there. Missing or malformed values are logged and
// left unset. Returns true if any output was set.
func (j *Job) harvest(ctx context.Context) bool {
	outs := j.inv.Outputs
	if outs == nil || outs.Len() == 0 {
		return false
	}
	req := j.request()
	if req.StdoutPath == "" {
		j.log().Warn("Outputs declared but the job has no stdout path")
		return false
	}
	stdout := resolvePath(req.WorkingDir, req.StdoutPath)
	res, err := j.exec(ctx, job.RawCommand{Command: "cat " + drm.ShellQuote(stdout)})
	if err == nil && res.ExitCode != 0 {
		err = errors.NewRaw(errors.RemoteExecution, res.Stderr, "cat exited %d", res.ExitCode)
	}
	if err != nil {
		j.log().WithError(err).WithField("stdout", stdout).Warn("Could not read job output")
		return false
	}

	values := outputValues(res.Stdout)
	n := 0
	for _, name := range outs.Names() {
		decl, _ := outs.Get(name)
		v, ok := values[name]
		if !ok {
			j.log().WithField("output", name).Warn("Output not reported")
			continue
		}
		if decl.Type == params.URI {
			v = resolveURI(req.WorkingDir, v)
		}
		p, err := decl.Parse(v)
		if err == nil {
			err = outs.Set(p)
		}
		if err != nil {
			j.log().WithError(err).WithField("output", name).Warn("Bad output value")
			continue
		}
		n++
	}
	return n > 0
}

// outputsXML encodes the declared outputs and any harvested values.
func (j *Job) outputsXML() string {
	outs := j.inv.Outputs
	if outs == nil || outs.Len() == 0 {
		return ""
	}
	b, err := outs.MarshalXMLBytes()
	if err != nil {
		j.log().WithError(err).Error("Encoding outputs")
		return ""
	}
	return string(b)
}

// outputValues maps name to value for each "name=value" line. Later lines win.
func outputValues(stdout string) map[string]string {
	values := map[string]string{}
	for _, line := range drm.Lines(stdout) {
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:i])
		if params.ValidName(name) {
			values[name] = strings.TrimSpace(line[i+1:])
		}
	}
	return values
}

func resolvePath(dir, p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(dir, p)
}

// resolveURI leaves absolute URIs and paths alone and resolves anything else
// against the working directory.
func resolveURI(dir, v string) string {
	if u, err := url.Parse(v); err == nil && u.Scheme != "" {
		return v
	}
	return resolvePath(dir, v)
}

// persist saves a snapshot of the record. Terminal records are retried with
// no limit until saved or the orchestrator closes.
func (j *Job) persist(final bool) error {
	rec := j.snapshot()
	reg := j.o.ec.Registry()
	defer j.o.stat.Latency(stats.OrchestratorPersistLatency_ms).Time().Stop()

	var b backoff.BackOff = j.o.cfg.newBackOff()
	if !final {
		b = backoff.WithMaxRetries(b, transitionPersistRetries)
	}
	b = backoff.WithContext(b, j.o.ctx)
	err := backoff.RetryNotify(func() error {
		if err := j.o.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return reg.SaveJobRecord(j.o.ctx, rec)
	}, b, func(err error, wait time.Duration) {
		j.o.stat.Counter(stats.OrchestratorRegistryRetryCounter).Inc(1)
		j.log().WithFields(log.Fields{"err": err, "retryIn": wait, "final": final}).Warn("Saving job record failed")
	})
	if err != nil {
		err = errors.Wrap(errors.RegistryPersist, err, "saving record of job %s", rec.JobID)
		j.log().WithError(err).Error("Gave up saving job record")
	}
	return err
}
