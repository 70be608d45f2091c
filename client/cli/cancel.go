package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	commoncli "github.com/hpcgate/hpcgate/common/client"
	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/params"
)

type cancelCmd struct {
	timeout time.Duration
}

func (c *cancelCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "cancel <jobID>",
		Short: "Cancel a job and wait for the scheduler to confirm",
		Args:  cobra.ExactArgs(1),
	}
	r.Flags().DurationVar(&c.timeout, "timeout", 5*time.Minute, "Give up after this long")
	return r
}

func (c *cancelCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	st, err := stack(cl)
	if err != nil {
		return err
	}
	rec, err := st.Registry.LoadJobRecord(ctx, args[0])
	if err != nil {
		return errors.Wrap(errors.RegistryPersist, err, "job %s", args[0])
	}
	outputs, _ := params.NewContext()
	inv, err := newInvocation(ctx, st, rec.ServiceName, nil, outputs)
	if err != nil {
		return err
	}
	j, err := st.Orchestrator.Recover(ctx, rec.JobID, inv)
	if err != nil {
		return err
	}
	if err := j.Cancel(ctx); err != nil {
		return err
	}
	status, err := j.Wait(ctx)
	printf(cl, "%s\n", formatStatus(status))
	if err != nil {
		return errors.Wrap(errors.Canceled, err, "waiting for job %s", rec.JobID)
	}
	return nil
}
