package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	commoncli "github.com/hpcgate/hpcgate/common/client"
	hpclog "github.com/hpcgate/hpcgate/common/log"
	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/config"
	"github.com/hpcgate/hpcgate/invocation"
	"github.com/hpcgate/hpcgate/params"
)

// HPCCLIClient includes fields required for CLI client handling
type HPCCLIClient struct {
	commoncli.SimpleClient
}

func (c *HPCCLIClient) Exec() error {
	return c.RootCmd.Execute()
}

// NewSimpleCLIClient reads configuration and job files through fs and prints
// results to out.
func NewSimpleCLIClient(fs afero.Fs, out io.Writer) (*HPCCLIClient, error) {
	c := &HPCCLIClient{}
	c.Fs = fs
	c.Out = out
	c.Stats = stats.DefaultStatsReceiver()

	c.RootCmd = &cobra.Command{
		Use:                "hpcctl",
		Short:              "hpcctl submits and tracks jobs on PBS, SLURM and GRAM resources",
		PersistentPreRunE:  c.Init,
		Run:                func(*cobra.Command, []string) {},
		PersistentPostRunE: c.Close,
		SilenceUsage:       true,
		SilenceErrors:      true,
	}
	c.RootCmd.SetOutput(out)
	c.RootCmd.PersistentFlags().StringVar(&c.ConfigFlag, "config", os.Getenv("HPCGATE_CONFIG"), "Config file (.toml or .json) or literal JSON. Defaults to $HPCGATE_CONFIG")
	c.RootCmd.PersistentFlags().StringVar(&c.LogLevel, "log_level", "", "Log everything at this level and above (error|info|debug). Overrides the config")
	c.RootCmd.PersistentFlags().BoolVar(&c.LogJSON, "log_json", false, "Log as JSON")
	c.RootCmd.PersistentFlags().BoolVar(&c.PrintStats, "stats", false, "Print the command's metrics as JSON when it finishes")

	c.addCmd(&submitCmd{})
	c.addCmd(&statusCmd{})
	c.addCmd(&cancelCmd{})
	c.addCmd(&jobsCmd{})
	c.addCmd(&renderCmd{})
	c.addCmd(&recoverCmd{})

	return c, nil
}

// Can only be called from cobra command run or hook
func (c *HPCCLIClient) Init(cmd *cobra.Command, args []string) error {
	cfg, err := config.Resolve(c.Fs, c.ConfigFlag)
	if err != nil {
		return err
	}
	c.Config = cfg
	level := cfg.Log.Level
	if c.LogLevel != "" {
		level = c.LogLevel
	}
	return hpclog.Setup(level, c.LogJSON || cfg.Log.JSON, os.Stderr)
}

// Needs cobra parameters for use from rootCmd
func (c *HPCCLIClient) Close(cmd *cobra.Command, args []string) error {
	if c.Stack != nil {
		c.Stack.Close()
		c.Stack = nil
	}
	if c.PrintStats {
		printf(&c.SimpleClient, "%s\n", c.Stats.Render(true))
	}
	return nil
}

func (c *HPCCLIClient) addCmd(cmd commoncli.Cmd) {
	cobraCmd := cmd.RegisterFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.Run(&c.SimpleClient, innerCmd, args)
	}
	c.RootCmd.AddCommand(cobraCmd)
}

// stack builds the orchestrator on first use.
func stack(cl *commoncli.SimpleClient) (*config.Stack, error) {
	if cl.Stack == nil {
		st, err := cl.Config.Build(cl.Fs, nil, cl.Stats)
		if err != nil {
			return nil, err
		}
		cl.Stack = st
	}
	return cl.Stack, nil
}

// newInvocation binds the configured credential to a fresh invocation context.
func newInvocation(ctx context.Context, st *config.Stack, service string, inputs, outputs *params.Context) (*invocation.Context, error) {
	sc, err := st.Credential(ctx)
	if err != nil {
		return nil, err
	}
	inv := invocation.NewContext(service, st.Execution, inputs, outputs)
	inv.SetSecurityContext(sc)
	return inv, nil
}

func printf(cl *commoncli.SimpleClient, format string, args ...interface{}) {
	fmt.Fprintf(cl.Out, format, args...)
}
