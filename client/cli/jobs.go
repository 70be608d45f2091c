package cli

import (
	"context"
	"sort"

	"github.com/spf13/cobra"

	commoncli "github.com/hpcgate/hpcgate/common/client"
	"github.com/hpcgate/hpcgate/job"
)

type jobsCmd struct {
	user      string
	scheduler string
}

func (c *jobsCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "jobs",
		Short: "List the jobs the scheduler knows for a user",
		Args:  cobra.NoArgs,
	}
	r.Flags().StringVar(&c.user, "user", "", "Scheduler user. Defaults to the configured credential identity")
	r.Flags().StringVar(&c.scheduler, "scheduler", "", "PBS, SLURM or GRAM. Defaults to the configured default scheduler")
	return r
}

func (c *jobsCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	sched := job.SchedulerType(cl.Config.DefaultScheduler)
	if c.scheduler != "" {
		t, err := job.ParseSchedulerType(c.scheduler)
		if err != nil {
			return err
		}
		sched = t
	}
	user := c.user
	if user == "" {
		user = cl.Config.Credential.Identity
	}

	ctx := context.Background()
	st, err := stack(cl)
	if err != nil {
		return err
	}
	sc, err := st.Credential(ctx)
	if err != nil {
		return err
	}
	jobs, err := st.Orchestrator.QueryUser(ctx, sched, user, sc)
	if err != nil {
		return err
	}
	handles := make([]string, 0, len(jobs))
	for h := range jobs {
		handles = append(handles, string(h))
	}
	sort.Strings(handles)
	for _, h := range handles {
		printf(cl, "%s\t%s\n", h, jobs[job.Handle(h)])
	}
	return nil
}
