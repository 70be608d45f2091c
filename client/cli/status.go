package cli

import (
	"context"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	commoncli "github.com/hpcgate/hpcgate/common/client"
	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/orchestrator"
	"github.com/hpcgate/hpcgate/registry"
)

type statusCmd struct {
	printAsJson bool
	verbose     bool
}

func (c *statusCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "status <jobID>",
		Short: "Print the registry record of a job",
		Args:  cobra.ExactArgs(1),
	}
	r.Flags().BoolVar(&c.printAsJson, "json", false, "Print the record as JSON")
	r.Flags().BoolVarP(&c.verbose, "verbose", "v", false, "Dump every field of the record")
	return r
}

func (c *statusCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	reg, closeReg, err := cl.Config.NewRegistry(cl.Fs, nil)
	if err != nil {
		return err
	}
	defer closeReg()

	rec, err := reg.LoadJobRecord(context.Background(), args[0])
	if err != nil {
		return errors.Wrap(errors.RegistryPersist, err, "job %s", args[0])
	}
	switch {
	case c.printAsJson:
		b, err := registry.Encode(rec)
		if err != nil {
			return err
		}
		printf(cl, "%s\n", b)
	case c.verbose:
		cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}
		cfg.Fdump(cl.Out, rec)
	default:
		printf(cl, "%s\n", formatStatus(orchestrator.Status{
			JobID:      rec.JobID,
			Handle:     rec.Handle,
			State:      rec.State,
			Phase:      rec.Phase,
			Diagnostic: rec.Diagnostic,
		}))
	}
	return nil
}
