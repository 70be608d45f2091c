package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/hpcgate/hpcgate/channel"
	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/notify"
	"github.com/hpcgate/hpcgate/registry"
)

// submit stages the script if one has to be generated, runs the submit
// command and records the handle. It returns false if the job ended (or the
// orchestrator is closing) instead of reaching SUBMITTED.
func (j *Job) submit(ctx context.Context) bool {
	defer j.o.stat.Latency(stats.OrchestratorSubmitLatency_ms).Time().Stop()
	j.setPhase(job.PhaseSubmitting, "")
	j.persist(false)

	if err := j.credential(ctx); err != nil {
		j.finalize(ctx, job.FAILED, err)
		return false
	}

	req := j.request()
	if req.ScriptPath == "" {
		if err := j.stageScript(ctx, req); err != nil {
			return j.submitFailed(ctx, err)
		}
		req = j.request()
	}

	if j.cancelRequested.Load() {
		j.log().Info("Canceled before submission")
		j.finalize(ctx, job.CANCELED, nil)
		return false
	}

	res, err := j.execRetrying(ctx, j.adapter.SubmitCommand(req, req.Script()))
	if err != nil {
		return j.submitFailed(ctx, err)
	}
	raw := res.Stdout + res.Stderr
	if res.ExitCode != 0 {
		return j.submitFailed(ctx, errors.NewRaw(errors.RemoteExecution, raw, "submit exited %d", res.ExitCode))
	}
	pr := j.adapter.Parse(drm.SubmitOutput, raw)
	if pr.Handle == "" {
		return j.submitFailed(ctx, errors.NewRaw(errors.ParseAmbiguity, raw, "submit succeeded but printed no job id"))
	}

	now := j.o.cfg.Clock.Now()
	j.update(func(rec *registry.Record) {
		rec.Handle = pr.Handle
		rec.State = job.SUBMITTED
		rec.Phase = job.PhaseSubmitted
		rec.Timestamps.Submitted = now
	})
	j.log().Info("Job submitted")
	j.persist(false)
	meta := j.meta()
	j.notify(notify.JobSubmitted{Meta: meta, Handle: pr.Handle})
	j.notify(notify.StateChanged{Meta: meta, Old: job.UNKNOWN, New: job.SUBMITTED})
	return true
}

// submitFailed finalizes the job unless the failure came from the
// orchestrator closing, in which case the outcome is unknown and the record
// is left in SUBMITTING.
func (j *Job) submitFailed(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		j.log().WithError(err).Warn("Closed while submitting")
		return false
	}
	j.finalize(ctx, job.FAILED, err)
	return false
}

func (j *Job) stageScript(ctx context.Context, req *job.JobRequest) error {
	script, err := j.adapter.Script(req)
	if err != nil {
		return errors.Wrap(errors.CommandGeneration, err, "rendering script for %q", req.Name)
	}
	path := drm.StagePath(req, j.adapter.ScriptExtension())
	res, err := j.execRetrying(ctx, drm.StageCommand(path, script))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errors.NewRaw(errors.RemoteExecution, res.Stdout+res.Stderr, "staging %s exited %d", path, res.ExitCode)
	}
	j.update(func(rec *registry.Record) { rec.Request.GeneratedScriptPath = path })
	j.log().WithField("script", path).Debug("Staged script")
	return nil
}

// credential finds the job's security context and makes sure it is usable,
// renewing it once if it has expired. No command is run on failure.
func (j *Job) credential(ctx context.Context) error {
	scheme := j.o.cfg.CredentialScheme
	sc, ok := j.inv.SecurityContext(scheme)
	if !ok {
		return errors.New(errors.Credential, "no %s credential bound to the invocation", scheme)
	}
	j.sc = sc
	if sc.Valid(j.o.cfg.Clock.Now()) {
		return nil
	}
	return j.renew(ctx)
}

func (j *Job) renew(ctx context.Context) error {
	if j.o.sec == nil {
		return errors.New(errors.Credential, "credential %s expired and cannot be renewed", j.sc)
	}
	if err := j.o.sec.Renew(ctx, j.sc); err != nil {
		return errors.Wrap(errors.Credential, err, "renewing credential")
	}
	return nil
}

func (j *Job) exec(ctx context.Context, cmd job.RawCommand) (channel.Result, error) {
	if j.o.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.o.cfg.CommandTimeout)
		defer cancel()
	}
	res, err := j.o.ch.Execute(ctx, cmd, j.sc)
	entry := j.log().WithField("command", cmd.Command)
	if err != nil {
		entry.WithError(err).Debug("Command failed")
	} else {
		entry.WithField("exit", res.ExitCode).Debug("Command ran")
	}
	return res, err
}

// execRetrying runs cmd, retrying transport failures that happened before the
// command started. An expired credential is renewed once. A command that may
// have run is never repeated.
func (j *Job) execRetrying(ctx context.Context, cmd job.RawCommand) (channel.Result, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(j.o.cfg.newBackOff(), uint64(j.o.cfg.MaxSubmitRetries)), ctx)
	var res channel.Result
	renewed := false
	op := func() error {
		var err error
		res, err = j.exec(ctx, cmd)
		switch {
		case err == nil:
			return nil
		case errors.IsKind(err, errors.Credential) && !renewed:
			renewed = true
			if rerr := j.renew(ctx); rerr != nil {
				return backoff.Permanent(rerr)
			}
			return err
		case !errors.IsKind(err, errors.Transport) || channel.Started(err):
			return backoff.Permanent(err)
		}
		j.o.stat.Counter(stats.OrchestratorTransportRetryCounter).Inc(1)
		return err
	}
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		j.log().WithFields(log.Fields{"err": err, "retryIn": wait}).Warn("Retrying command")
	})
	return res, err
}
