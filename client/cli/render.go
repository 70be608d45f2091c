package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	commoncli "github.com/hpcgate/hpcgate/common/client"
	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/drm"
)

type renderCmd struct {
	file string
}

func (c *renderCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "render",
		Short: "Print the batch script and submit command a job file would produce",
		Args:  cobra.NoArgs,
	}
	r.Flags().StringVarP(&c.file, "file", "f", "", "Job file (.json, .yaml or .yml)")
	return r
}

func (c *renderCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	if c.file == "" {
		return errors.NewError(fmt.Errorf("render needs --file"), errors.UsageExitCode)
	}
	jf, err := loadJobFile(cl.Fs, c.file)
	if err != nil {
		return errors.NewError(err, errors.UsageExitCode)
	}
	inputs, err := jf.inputs()
	if err != nil {
		return errors.NewError(err, errors.UsageExitCode)
	}
	req := jf.request(cl.Config)
	req.Args = append(req.Args, inputs.Args()...)
	if err := req.Validate(); err != nil {
		return err
	}
	set, err := cl.Config.Adapters()
	if err != nil {
		return err
	}
	a, err := set.Adapter(req.Scheduler)
	if err != nil {
		return errors.Wrap(errors.CommandGeneration, err, "job %q", req.Name)
	}

	if req.ScriptPath == "" {
		script, err := a.Script(req)
		if err != nil {
			return err
		}
		req.GeneratedScriptPath = drm.StagePath(req, a.ScriptExtension())
		printf(cl, "# %s\n%s", req.GeneratedScriptPath, script)
	}
	submit := a.SubmitCommand(req, req.Script())
	printf(cl, "# submit in %s\n%s\n", submit.WorkingDir, submit.Command)
	return nil
}
