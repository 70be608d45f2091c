package cli

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	commoncli "github.com/hpcgate/hpcgate/common/client"
	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/orchestrator"
	"github.com/hpcgate/hpcgate/params"
)

type submitCmd struct {
	file    string
	wait    bool
	timeout time.Duration
}

func (c *submitCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job described by a JSON or YAML file",
		Args:  cobra.NoArgs,
	}
	r.Flags().StringVarP(&c.file, "file", "f", "", "Job file (.json, .yaml or .yml)")
	r.Flags().BoolVar(&c.wait, "wait", false, "Wait for the job to finish instead of returning once it has a handle")
	r.Flags().DurationVar(&c.timeout, "timeout", 0, "Give up waiting after this long. Zero waits forever")
	return r
}

func (c *submitCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	if c.file == "" {
		return errors.NewError(fmt.Errorf("submit needs --file"), errors.UsageExitCode)
	}
	jf, err := loadJobFile(cl.Fs, c.file)
	if err != nil {
		return errors.NewError(err, errors.UsageExitCode)
	}
	inputs, err := jf.inputs()
	if err != nil {
		return errors.NewError(err, errors.UsageExitCode)
	}
	outputs, err := jf.outputs()
	if err != nil {
		return errors.NewError(err, errors.UsageExitCode)
	}

	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	st, err := stack(cl)
	if err != nil {
		return err
	}
	inv, err := newInvocation(ctx, st, jf.Service, inputs, outputs)
	if err != nil {
		return err
	}
	j, err := st.Orchestrator.Submit(ctx, inv, jf.request(cl.Config))
	if err != nil {
		return err
	}
	log.WithField("jobID", j.ID()).Info("Submitted")

	if !c.wait {
		status, err := waitForHandle(ctx, j)
		printf(cl, "%s\n", formatStatus(status))
		if err != nil {
			return err
		}
		return jobError(status)
	}
	status, err := j.Wait(ctx)
	printf(cl, "%s\n", formatStatus(status))
	if err != nil {
		return errors.Wrap(errors.Canceled, err, "waiting for job %s", j.ID())
	}
	if status.State == job.COMPLETE {
		if err := inv.Outputs.Each(func(p params.ActualParameter) error {
			printf(cl, "%s\n", p)
			return nil
		}); err != nil {
			return err
		}
	}
	return jobError(status)
}

// waitForHandle returns once the scheduler has accepted the job or the job
// task has ended.
func waitForHandle(ctx context.Context, j *orchestrator.Job) (orchestrator.Status, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s := j.Status(); s.Handle != "" {
			return s, nil
		}
		select {
		case <-j.Done():
			return j.Status(), nil
		case <-ticker.C:
		case <-ctx.Done():
			return j.Status(), errors.Wrap(errors.Canceled, ctx.Err(), "waiting for job %s to be submitted", j.ID())
		}
	}
}

// jobError turns a failed or canceled job into an error carrying the job failed exit code.
func jobError(s orchestrator.Status) error {
	switch {
	case s.State == job.FAILED:
		msg := "failed"
		if s.Diagnostic != nil {
			msg = s.Diagnostic.String()
		}
		return errors.NewError(fmt.Errorf("job %s %s", s.JobID, msg), errors.JobFailedExitCode)
	case s.State == job.CANCELED:
		return errors.NewError(fmt.Errorf("job %s was canceled", s.JobID), errors.JobFailedExitCode)
	case s.Phase == job.PhaseDetached:
		return errors.NewError(fmt.Errorf("job %s detached: %s", s.JobID, s.Diagnostic), errors.CredentialExitCode)
	}
	return nil
}

func formatStatus(s orchestrator.Status) string {
	handle := string(s.Handle)
	if handle == "" {
		handle = "-"
	}
	line := fmt.Sprintf("%s\t%s\t%s\t%s", s.JobID, handle, s.State, s.Phase)
	if s.Diagnostic != nil {
		line += "\t" + s.Diagnostic.String()
	}
	return line
}
