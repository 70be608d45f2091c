package orchestrator

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/hpcgate/hpcgate/common/log/tags"
	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/invocation"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/notify"
	"github.com/hpcgate/hpcgate/registry"
	"github.com/hpcgate/hpcgate/security"
)

// Status is a point in time view of a job.
type Status struct {
	JobID      string
	Handle     job.Handle
	State      job.State
	Phase      job.Phase
	Diagnostic *job.Diagnostic
}

// Job is one submitted request. All methods are safe for concurrent use.
type Job struct {
	o       *Orchestrator
	inv     *invocation.Context
	adapter drm.Adapter

	// Written only by the job task, under mu.
	mu  sync.RWMutex
	rec *registry.Record

	// Set by the task once a usable context is found.
	sc *security.Context

	cancelReq       chan chan error
	cancelRequested atomic.Bool
	// Poll responses whose sequence number is at or below cancelSeq were
	// issued before the last cancel and are dropped.
	pollSeq   atomic.Int64
	cancelSeq atomic.Int64

	done chan struct{}
}

func (o *Orchestrator) newJob(inv *invocation.Context, adapter drm.Adapter, rec *registry.Record) *Job {
	return &Job{
		o:         o,
		inv:       inv,
		adapter:   adapter,
		rec:       rec,
		cancelReq: make(chan chan error),
		done:      make(chan struct{}),
	}
}

func (j *Job) ID() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.rec.JobID
}

func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	s := Status{
		JobID:  j.rec.JobID,
		Handle: j.rec.Handle,
		State:  j.rec.State,
		Phase:  j.rec.Phase,
	}
	if j.rec.Diagnostic != nil {
		d := *j.rec.Diagnostic
		s.Diagnostic = &d
	}
	return s
}

// Done is closed when the job task exits: the job finished, was detached, or
// the orchestrator closed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job task exits or ctx is done.
func (j *Job) Wait(ctx context.Context) (Status, error) {
	select {
	case <-j.done:
		return j.Status(), nil
	case <-ctx.Done():
		return j.Status(), ctx.Err()
	}
}

// Cancel asks the scheduler to cancel the job and waits for its answer. A job
// without a handle yet is canceled as soon as submission returns one. Returns
// nil when the cancel was accepted or the job already ended, and the
// scheduler's error when it refused.
func (j *Job) Cancel(ctx context.Context) error {
	j.cancelRequested.Store(true)
	reply := make(chan error, 1)
	select {
	case j.cancelReq <- reply:
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-j.done:
		select {
		case err := <-reply:
			return err
		default:
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

func (j *Job) run(parent context.Context, task func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(parent)
	gauge := j.o.stat.Gauge(stats.OrchestratorActiveJobsGauge)
	gauge.Update(j.o.active.Inc())
	defer func() {
		cancel()
		gauge.Update(j.o.active.Dec())
		close(j.done)
		j.o.wg.Done()
	}()
	task(ctx)
}

func (j *Job) submitAndMonitor(ctx context.Context) {
	j.notify(notify.InputsSet{Meta: j.meta(), Inputs: j.inv.Inputs})
	if j.submit(ctx) {
		j.monitor(ctx)
	}
}

func (j *Job) tags() tags.LogTags {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return tags.LogTags{
		JobID:     j.rec.JobID,
		Handle:    string(j.rec.Handle),
		Scheduler: string(j.rec.Scheduler),
		Service:   j.rec.ServiceName,
	}
}

func (j *Job) log() *log.Entry { return j.tags().Entry() }

func (j *Job) meta() notify.Meta {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return notify.Meta{JobID: j.rec.JobID, ServiceName: j.rec.ServiceName, Time: j.o.cfg.Clock.Now()}
}

func (j *Job) notify(ev notify.Event) {
	j.o.ec.Dispatcher().Notify(ev)
}

func (j *Job) request() *job.JobRequest {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.rec.Request.Clone()
}

func (j *Job) state() job.State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.rec.State
}

func (j *Job) handle() job.Handle {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.rec.Handle
}

// update applies fn to the record and stamps it.
func (j *Job) update(fn func(rec *registry.Record)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(j.rec)
	j.rec.Timestamps.Updated = j.o.cfg.Clock.Now()
}

func (j *Job) snapshot() *registry.Record {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.rec.Clone()
}

func (j *Job) setPhase(ph job.Phase, msg string) {
	j.update(func(rec *registry.Record) { rec.Phase = ph })
	j.notify(notify.ExecutionProgress{Meta: j.meta(), Phase: ph, Message: msg})
}

// transition moves to a new non-terminal state and announces it.
func (j *Job) transition(st job.State) {
	old := j.state()
	now := j.o.cfg.Clock.Now()
	j.update(func(rec *registry.Record) {
		rec.State = st
		if st == job.RUNNING && rec.Timestamps.Started.IsZero() {
			rec.Timestamps.Started = now
		}
	})
	j.log().WithFields(log.Fields{"old": old, "new": st}).Info("Job state changed")
	j.persist(false)
	j.notify(notify.StateChanged{Meta: j.meta(), Old: old, New: st})
}
