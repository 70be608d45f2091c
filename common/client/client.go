package client

import (
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/config"
)

// Client interface that includes CLI handling
type CLIClient interface {
	Exec() error
}

// SimpleClient includes base fields required for implementing client
type SimpleClient struct {
	RootCmd    *cobra.Command
	ConfigFlag string
	LogLevel   string
	LogJSON    bool
	PrintStats bool
	Fs         afero.Fs
	Out        io.Writer

	Config *config.Config
	Stats  stats.StatsReceiver
	// Built lazily by commands that run jobs.
	Stack *config.Stack
}

// Command interface used to run client commands
type Cmd interface {
	RegisterFlags() *cobra.Command
	Run(cl *SimpleClient, cmd *cobra.Command, args []string) error
}
