package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/invocation"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/params"
	"github.com/hpcgate/hpcgate/registry"
)

// InvocationFor rebuilds the invocation context of a recovered job, binding
// the credentials it should run under.
type InvocationFor func(rec *registry.Record) (*invocation.Context, error)

// Recover resumes a job from its registry record. A job that already has a
// handle is only ever monitored, never submitted again. Finished jobs are
// returned as they are.
func (o *Orchestrator) Recover(ctx context.Context, jobID string, inv *invocation.Context) (*Job, error) {
	rec, err := o.ec.Registry().LoadJobRecord(ctx, jobID)
	if err != nil {
		return nil, errors.Wrap(errors.RegistryPersist, err, "loading job %s", jobID)
	}
	return o.recoverRecord(rec, inv)
}

// RecoverAll resumes every active job in the registry, which must implement
// registry.Lister. Listing is retried until it succeeds or ctx is done. Jobs
// that cannot be resumed are logged and skipped; the first such error is returned.
func (o *Orchestrator) RecoverAll(ctx context.Context, invFor InvocationFor) ([]*Job, error) {
	reg := o.ec.Registry()
	lister, ok := reg.(registry.Lister)
	if !ok {
		return nil, errors.New(errors.RegistryPersist, "registry %T cannot list jobs", reg)
	}

	var ids []string
	err := backoff.RetryNotify(func() error {
		var err error
		ids, err = lister.ActiveJobs(ctx)
		return err
	}, backoff.WithContext(o.cfg.newBackOff(), ctx), func(err error, wait time.Duration) {
		log.WithFields(log.Fields{"err": err, "retryIn": wait}).Error("Listing active jobs failed")
	})
	if err != nil {
		return nil, errors.Wrap(errors.RegistryPersist, err, "listing active jobs")
	}
	log.Infof("Recovering %d active jobs", len(ids))

	var jobs []*Job
	var firstErr error
	for _, id := range ids {
		j, err := o.recoverOne(ctx, id, invFor)
		if err != nil {
			log.WithFields(log.Fields{"jobID": id, "err": err}).Error("Could not recover job")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, firstErr
}

func (o *Orchestrator) recoverOne(ctx context.Context, id string, invFor InvocationFor) (*Job, error) {
	rec, err := o.ec.Registry().LoadJobRecord(ctx, id)
	if err != nil {
		return nil, errors.Wrap(errors.RegistryPersist, err, "loading job %s", id)
	}
	inv, err := invFor(rec)
	if err != nil {
		return nil, err
	}
	return o.recoverRecord(rec, inv)
}

func (o *Orchestrator) recoverRecord(rec *registry.Record, inv *invocation.Context) (*Job, error) {
	if rec.Request == nil {
		return nil, errors.New(errors.RegistryPersist, "record of job %s has no request", rec.JobID)
	}
	if inv == nil {
		return nil, errors.New(errors.CommandGeneration, "no invocation context for job %s", rec.JobID)
	}
	adapter, err := o.drms.Adapter(rec.Scheduler)
	if err != nil {
		return nil, errors.Wrap(errors.CommandGeneration, err, "job %s", rec.JobID)
	}
	if rec.Outputs != "" {
		if outs, err := params.ParseXML([]byte(rec.Outputs)); err == nil {
			inv.Outputs = outs
		}
	}
	j := o.newJob(inv, adapter, rec)
	if err := o.start(j, j.resume); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Job) resume(ctx context.Context) {
	rec := j.snapshot()
	entry := j.log().WithFields(log.Fields{"state": rec.State, "phase": rec.Phase})
	switch {
	case !rec.Active():
		entry.Debug("Job already finalized")
	case rec.State.IsDone():
		entry.Info("Finishing interrupted finalize")
		var cause error
		if d := rec.Diagnostic; d != nil {
			cause = errors.NewRaw(d.Kind, d.Raw, "%s", d.Message)
		}
		j.finalize(ctx, rec.State, cause)
	case rec.Handle == "" && rec.Phase == job.PhaseBuilt:
		entry.Info("Submitting recovered job")
		j.submitAndMonitor(ctx)
	case rec.Handle == "":
		entry.Warn("Interrupted while submitting")
		j.finalize(ctx, job.FAILED, errors.New(errors.ParseAmbiguity,
			"interrupted while submitting, whether the scheduler accepted the job is unknown"))
	default:
		entry.Info("Resuming monitoring")
		j.update(func(rec *registry.Record) { rec.Diagnostic = nil })
		j.monitor(ctx)
	}
}
