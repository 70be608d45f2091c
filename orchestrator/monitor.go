package orchestrator

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
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

type pollResult struct {
	seq int64
	res channel.Result
	err error
}

type cancelResult struct {
	res channel.Result
	err error
}

// monitor owns the job from SUBMITTED until it is finalized, detached or the
// orchestrator closes. At most one poll and one cancel are in flight; both run
// in their own goroutine so a cancel can overtake a slow poll.
type monitor struct {
	j   *Job
	ctx context.Context

	polls   chan pollResult
	cancels chan cancelResult
	replies []chan error

	inflight   bool
	cancelling bool
	retry      *clock.Timer
	retryC     <-chan time.Time
	bo         *backoff.ExponentialBackOff
	failures   int
	unknowns   int
}

func (j *Job) monitor(ctx context.Context) {
	j.setPhase(job.PhaseMonitoring, "")
	if j.sc == nil {
		if err := j.credential(ctx); err != nil {
			j.detach(err)
			return
		}
	}
	m := &monitor{
		j:       j,
		ctx:     ctx,
		polls:   make(chan pollResult, 1),
		cancels: make(chan cancelResult, 1),
		bo:      j.o.cfg.newBackOff(),
	}
	m.loop()
}

func (m *monitor) loop() {
	j := m.j
	ticker := j.o.cfg.Clock.Ticker(j.o.cfg.PollInterval)
	defer ticker.Stop()
	defer m.stopRetry()

	m.startPoll()
	for {
		select {
		case <-m.ctx.Done():
			j.log().Info("Stopped monitoring, orchestrator closing")
			return

		case <-ticker.C:
			if !m.inflight && !m.cancelling && m.retryC == nil {
				m.startPoll()
			}

		case <-m.retryC:
			m.retryC = nil
			if !m.cancelling {
				m.startPoll()
			}

		case reply := <-j.cancelReq:
			m.replies = append(m.replies, reply)
			if !m.cancelling {
				m.startCancel()
			}

		case r := <-m.cancels:
			if m.finishCancel(r) {
				return
			}

		case r := <-m.polls:
			m.inflight = false
			if r.seq <= j.cancelSeq.Load() {
				j.o.stat.Counter(stats.OrchestratorStalePollCounter).Inc(1)
				j.log().WithField("seq", r.seq).Debug("Dropping poll issued before cancel")
				continue
			}
			if m.handlePoll(r) {
				return
			}
		}
	}
}

func (m *monitor) startPoll() {
	j := m.j
	m.inflight = true
	seq := j.pollSeq.Inc()
	cmd := j.adapter.MonitorCommand(j.handle())
	j.o.stat.Counter(stats.OrchestratorPollCounter).Inc(1)
	go func() {
		res, err := j.exec(m.ctx, cmd)
		m.polls <- pollResult{seq: seq, res: res, err: err}
	}()
}

func (m *monitor) startCancel() {
	j := m.j
	m.cancelling = true
	j.cancelSeq.Store(j.pollSeq.Load())
	m.stopRetry()
	cmd := j.adapter.CancelCommand(j.handle())
	j.log().Info("Canceling job")
	go func() {
		res, err := j.exec(m.ctx, cmd)
		m.cancels <- cancelResult{res: res, err: err}
	}()
}

// finishCancel answers every waiting Cancel call. An accepted cancel ends the
// job; a refused one resumes monitoring.
func (m *monitor) finishCancel(r cancelResult) bool {
	j := m.j
	m.cancelling = false
	err := r.err
	if err == nil && r.res.ExitCode != 0 {
		err = errors.NewRaw(errors.RemoteExecution, r.res.Stdout+r.res.Stderr, "cancel exited %d", r.res.ExitCode)
	}
	for _, reply := range m.replies {
		reply <- err
	}
	m.replies = nil
	if err != nil {
		j.cancelRequested.Store(false)
		j.log().WithError(err).Warn("Cancel refused, still monitoring")
		if !m.inflight {
			m.startPoll()
		}
		return false
	}
	pr := j.adapter.Parse(drm.CancelOutput, r.res.Stdout+r.res.Stderr)
	j.log().WithField("parsed", pr.State).Debug("Cancel accepted")
	m.confirmCancel()
	j.finalize(m.ctx, job.CANCELED, nil)
	return true
}

// confirmCancel polls once more. The answer is only logged: the scheduler may
// still report the job while it is being torn down.
func (m *monitor) confirmCancel() {
	j := m.j
	res, err := j.exec(m.ctx, j.adapter.MonitorCommand(j.handle()))
	entry := j.log()
	if err != nil {
		entry.WithError(err).Info("Could not confirm cancel")
		return
	}
	pr := j.adapter.Parse(drm.MonitorOutput, res.Stdout+res.Stderr)
	entry.WithField("reported", pr.State).Info("Cancel confirmation poll")
}

// handlePoll applies one poll response. Returns true when monitoring is over.
func (m *monitor) handlePoll(r pollResult) bool {
	j := m.j
	if r.err != nil {
		return m.pollFailed(r.err)
	}
	m.failures = 0
	m.bo.Reset()

	raw := r.res.Stdout + r.res.Stderr
	pr := j.adapter.Parse(drm.MonitorOutput, raw)
	cur := j.state()
	// RUNNING never goes back to QUEUED: such a report counts as unclassified.
	regressed := job.IsRegression(cur, pr.State)
	if pr.State == job.UNKNOWN || regressed {
		m.unknowns++
		fields := log.Fields{"raw": raw, "exit": r.res.ExitCode, "count": m.unknowns}
		if regressed {
			j.o.stat.Counter(stats.OrchestratorRegressedPollCounter).Inc(1)
			fields["current"], fields["reported"] = cur, pr.State
			j.log().WithFields(fields).Warn("Scheduler reported a regressed state")
		} else {
			j.o.stat.Counter(stats.OrchestratorUnknownPollCounter).Inc(1)
			j.log().WithFields(fields).Warn("Unclassified poll output")
		}
		if m.unknowns < j.o.cfg.MaxUnknownPolls {
			return false
		}
		var err error
		switch {
		case r.res.ExitCode != 0:
			err = errors.NewRaw(errors.RemoteExecution, raw, "monitor exited %d %d times in a row", r.res.ExitCode, m.unknowns)
		case regressed:
			err = errors.NewRaw(errors.ParseAmbiguity, raw, "scheduler reported %s for a %s job %d times in a row", pr.State, cur, m.unknowns)
		default:
			err = errors.NewRaw(errors.ParseAmbiguity, raw, "could not classify %d polls in a row", m.unknowns)
		}
		j.finalize(m.ctx, job.FAILED, err)
		return true
	}
	m.unknowns = 0

	switch {
	case pr.State == cur:
		return false
	case pr.State == job.FAILED:
		j.finalize(m.ctx, job.FAILED, errors.NewRaw(errors.RemoteExecution, raw, "scheduler reports the job failed"))
		return true
	case pr.State.IsDone():
		j.finalize(m.ctx, pr.State, nil)
		return true
	}
	j.transition(pr.State)
	return false
}

// pollFailed retries a failed poll with backoff. Transport failures and
// rejected credentials share the MaxMonitorRetries budget.
func (m *monitor) pollFailed(err error) bool {
	j := m.j
	if m.ctx.Err() != nil {
		return true
	}
	m.failures++
	if errors.IsKind(err, errors.Credential) {
		if rerr := j.renew(m.ctx); rerr != nil {
			if m.ctx.Err() != nil {
				return true
			}
			j.detach(rerr)
			return true
		}
		if m.failures > j.o.cfg.MaxMonitorRetries {
			j.detach(errors.Wrap(errors.Credential, err, "credential still rejected after %d renewals", m.failures))
			return true
		}
	} else {
		j.o.stat.Counter(stats.OrchestratorTransportRetryCounter).Inc(1)
		if m.failures > j.o.cfg.MaxMonitorRetries {
			j.finalize(m.ctx, job.FAILED, errors.Wrap(errors.MonitoringUnavailable, err,
				"scheduler unreachable after %d attempts, the job may still be running", m.failures))
			return true
		}
	}
	wait := m.bo.NextBackOff()
	j.log().WithFields(log.Fields{"err": err, "retryIn": wait, "attempt": m.failures}).Warn("Poll failed")
	m.retry = j.o.cfg.Clock.Timer(wait)
	m.retryC = m.retry.C
	return false
}

func (m *monitor) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.retryC = nil
}

// detach stops monitoring without deciding the job's fate. The record keeps
// the last known state so a later Recover can resume.
func (j *Job) detach(cause error) {
	diag := job.DiagnosticFor(cause)
	j.update(func(rec *registry.Record) {
		rec.Phase = job.PhaseDetached
		rec.Diagnostic = diag
	})
	j.o.stat.Counter(stats.OrchestratorJobsDetachedCounter).Inc(1)
	j.log().WithError(cause).Error("Detached from job")
	j.persist(false)
	meta := j.meta()
	j.notify(notify.ExecutionProgress{Meta: meta, Phase: job.PhaseDetached, Message: cause.Error()})
	j.notify(notify.Faulted{Meta: meta, Reason: *diag})
}
