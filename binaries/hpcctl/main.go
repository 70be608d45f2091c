package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/hpcgate/hpcgate/client/cli"
	"github.com/hpcgate/hpcgate/common/errors"
)

// hpcctl runs jobs on remote PBS, SLURM and GRAM resources.
// The exit code tells why a command failed, see common/errors.ExitCode.
func main() {
	cl, err := cli.NewSimpleCLIClient(afero.NewOsFs(), os.Stdout)
	if err != nil {
		log.Fatal("Cannot initialize hpcctl: ", err)
	}
	if err := cl.Exec(); err != nil {
		log.Error(err)
		os.Exit(int(errors.ExitCodeFor(err)))
	}
}
