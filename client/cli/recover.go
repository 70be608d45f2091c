package cli

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	commoncli "github.com/hpcgate/hpcgate/common/client"
	"github.com/hpcgate/hpcgate/invocation"
	"github.com/hpcgate/hpcgate/params"
	"github.com/hpcgate/hpcgate/registry"
)

type recoverCmd struct{}

func (c *recoverCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume every unfinished job in the registry and wait for them",
		Args:  cobra.NoArgs,
	}
}

func (c *recoverCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	st, err := stack(cl)
	if err != nil {
		return err
	}
	jobs, err := st.Orchestrator.RecoverAll(ctx, func(rec *registry.Record) (*invocation.Context, error) {
		outputs, _ := params.NewContext()
		return newInvocation(ctx, st, rec.ServiceName, nil, outputs)
	})
	if err != nil {
		log.WithError(err).Warn("Some jobs were not recovered")
	}
	for _, j := range jobs {
		status, _ := j.Wait(ctx)
		printf(cl, "%s\n", formatStatus(status))
	}
	return err
}
