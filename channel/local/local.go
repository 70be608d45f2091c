// Package local runs scheduler commands on this host with /bin/sh, for
// deployments where the gateway itself is a submit node.
package local

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/hpcgate/hpcgate/channel"
	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/common/os/exec"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/os/temp"
	"github.com/hpcgate/hpcgate/security"
)

const (
	Shell = "/bin/sh"

	// Credentials of this scheme are written to a file named by ProxyEnvVar
	// for the duration of each command.
	ProxyScheme = "myproxy"
	ProxyEnvVar = "X509_USER_PROXY"

	DefaultKillTimeout = 5 * time.Second
)

type Channel struct {
	execer      exec.OsExec
	staging     *temp.TempDir
	killTimeout time.Duration
	clk         clock.Clock
}

// NewChannel stages credential files under staging.
func NewChannel(execer exec.OsExec, staging *temp.TempDir, clk clock.Clock) *Channel {
	if execer == nil {
		execer = exec.NewOsExec()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Channel{execer: execer, staging: staging, killTimeout: DefaultKillTimeout, clk: clk}
}

func (c *Channel) Execute(ctx context.Context, cmd job.RawCommand, cred *security.Context) (channel.Result, error) {
	if err := cred.Check(c.clk.Now()); err != nil {
		return channel.Result{}, err
	}

	sh := c.execer.Command(Shell, "-c", channel.ShellLine(cmd))
	sh.SetSession(true)

	if cred.Scheme() == ProxyScheme {
		var path string
		var cleanup func() error
		err := cred.Use(func(material []byte) error {
			var err error
			path, cleanup, err = c.staging.WriteSecret("x509up_", material)
			return err
		})
		if err != nil {
			return channel.Result{}, errors.Wrap(errors.Credential, err, "staging proxy for %s", cred.Identity())
		}
		defer func() {
			if err := cleanup(); err != nil {
				log.WithFields(log.Fields{"path": path, "err": err}).Error("Failed to remove staged proxy")
			}
		}()
		env, err := sh.Env()
		if err != nil {
			return channel.Result{}, channel.NewTransportError(channel.Session, "localhost", false, err)
		}
		env[ProxyEnvVar] = path
		sh.SetEnv(env)
	}

	rr := exec.RunKillable(ctx, sh, c.killTimeout)
	if rr.Error != nil {
		if rr.ProcessState == nil {
			return channel.Result{}, channel.NewTransportError(channel.Session, "localhost", false, rr.Error)
		}
		return channel.Result{}, channel.NewTransportError(channel.Timeout, "localhost", true, rr.Error)
	}
	return channel.Result{Stdout: string(rr.Stdout), Stderr: string(rr.Stderr), ExitCode: rr.ExitCode}, nil
}
