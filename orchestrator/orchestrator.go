// Package orchestrator drives jobs through their lifecycle: it submits them
// through a channel, polls the scheduler until they finish, harvests their
// outputs and records every step in the registry.
//
// Each job is owned by one goroutine. Listeners, the registry handle and the
// scheduler adapters are shared read-only; the security contexts are the only
// shared mutable state.
package orchestrator

import (
	"context"
	"sync"

	"github.com/luci/go-render/render"
	uuid "github.com/nu7hatch/gouuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/hpcgate/hpcgate/channel"
	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/invocation"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/registry"
	"github.com/hpcgate/hpcgate/security"
)

type Orchestrator struct {
	cfg  Config
	ch   channel.Channel
	drms drm.Lookup
	sec  *security.Manager
	ec   *invocation.ExecutionContext
	stat stats.StatsReceiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool
	active atomic.Int64
}

// New returns an Orchestrator. sec may be nil, in which case credentials are
// never renewed.
func New(
	cfg Config,
	ch channel.Channel,
	drms drm.Lookup,
	sec *security.Manager,
	ec *invocation.ExecutionContext,
	stat stats.StatsReceiver,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ch == nil || drms == nil || ec == nil || ec.Registry() == nil {
		return nil, errors.New(errors.UnknownKind, "orchestrator needs a channel, adapters and an execution context with a registry")
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		ch:     ch,
		drms:   drms,
		sec:    sec,
		ec:     ec,
		stat:   stat.Scope("orchestrator"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   map[string]*Job{},
	}, nil
}

// Submit validates req and starts a job for it. It returns as soon as the job
// task is running; the submission itself happens asynchronously. The job is
// not bound to ctx and keeps running until it finishes or Close is called.
func (o *Orchestrator) Submit(ctx context.Context, inv *invocation.Context, req *job.JobRequest) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, errors.New(errors.CommandGeneration, "no invocation context")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	adapter, err := o.drms.Adapter(req.Scheduler)
	if err != nil {
		return nil, errors.Wrap(errors.CommandGeneration, err, "job %q", req.Name)
	}
	id, err := newJobID()
	if err != nil {
		return nil, err
	}

	req = req.Clone()
	if inv.Inputs != nil {
		req.Args = append(req.Args, inv.Inputs.Args()...)
	}
	if req.ScriptPath == "" && req.StdoutPath == "" {
		// Generated scripts send stdout where output harvesting can find it.
		req.StdoutPath = drm.StagePath(req, ".stdout")
	}
	now := o.cfg.Clock.Now()
	rec := &registry.Record{
		JobID:       id,
		ServiceName: inv.ServiceName,
		Scheduler:   req.Scheduler,
		State:       job.UNKNOWN,
		Phase:       job.PhaseBuilt,
		Request:     req,
		Timestamps:  registry.Timestamps{Created: now, Updated: now},
	}
	j := o.newJob(inv, adapter, rec)
	// Declarations are kept so a recovered job can still harvest its outputs.
	rec.Outputs = j.outputsXML()
	log.WithFields(j.tags().Fields()).Debugf("Submitting %s", render.Render(req))
	if err := o.start(j, j.submitAndMonitor); err != nil {
		return nil, err
	}
	o.stat.Counter(stats.OrchestratorJobsSubmittedCounter).Inc(1)
	return j, nil
}

// Job returns a job started by this orchestrator.
func (o *Orchestrator) Job(id string) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	return j, ok
}

// QueryUser lists the jobs the scheduler knows for user, in one command.
func (o *Orchestrator) QueryUser(ctx context.Context, scheduler job.SchedulerType, user string, cred *security.Context) (map[job.Handle]job.State, error) {
	adapter, err := o.drms.Adapter(scheduler)
	if err != nil {
		return nil, errors.Wrap(errors.CommandGeneration, err, "querying jobs of %s", user)
	}
	if o.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.CommandTimeout)
		defer cancel()
	}
	res, err := o.ch.Execute(ctx, adapter.UserMonitorCommand(user), cred)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errors.NewRaw(errors.RemoteExecution, res.Stdout+res.Stderr,
			"listing jobs of %s exited %d", user, res.ExitCode)
	}
	return adapter.ParseUserJobs(res.Stdout), nil
}

// Close stops every job task and waits for them. Jobs are left in their last
// persisted state and can be resumed with Recover.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) start(j *Job, task func(ctx context.Context)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New(errors.Canceled, "orchestrator is closed")
	}
	if prev, ok := o.jobs[j.ID()]; ok && !prev.finished() {
		return errors.New(errors.UnknownKind, "job %s is already running", j.ID())
	}
	o.jobs[j.ID()] = j
	o.wg.Add(1)
	go j.run(o.ctx, task)
	return nil
}

func newJobID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", errors.Wrap(errors.UnknownKind, err, "generating job id")
	}
	return id.String(), nil
}
