package config

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/hpcgate/hpcgate/channel"
	"github.com/hpcgate/hpcgate/channel/channels"
	"github.com/hpcgate/hpcgate/channel/local"
	"github.com/hpcgate/hpcgate/channel/ssh"
	"github.com/hpcgate/hpcgate/common/os/exec"
	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/drm/adapters"
	"github.com/hpcgate/hpcgate/invocation"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/notify"
	"github.com/hpcgate/hpcgate/orchestrator"
	"github.com/hpcgate/hpcgate/os/temp"
	"github.com/hpcgate/hpcgate/registry"
	"github.com/hpcgate/hpcgate/registry/records"
	"github.com/hpcgate/hpcgate/security"
	"github.com/hpcgate/hpcgate/security/myproxy"
	"github.com/hpcgate/hpcgate/security/sshkey"
)

// Adapters builds one adapter per configured scheduler.
func (c *Config) Adapters() (adapters.Set, error) {
	cfgs := map[job.SchedulerType]drm.Config{}
	for name, s := range c.Schedulers {
		t, err := job.ParseSchedulerType(name)
		if err != nil {
			return nil, err
		}
		cfgs[t] = s.DRM()
	}
	return adapters.NewSet(cfgs)
}

func (c *Config) OrchestratorConfig(clk clock.Clock) orchestrator.Config {
	o := c.Orchestrator
	cfg := orchestrator.DefaultConfig()
	cfg.PollInterval = o.PollInterval.Duration
	cfg.MaxMonitorRetries = o.MaxMonitorRetries
	cfg.MaxUnknownPolls = o.MaxUnknownPolls
	cfg.MaxSubmitRetries = o.MaxSubmitRetries
	cfg.CommandTimeout = o.CommandTimeout.Duration
	cfg.RetryInitialInterval = o.RetryInitialInterval.Duration
	cfg.RetryMaxInterval = o.RetryMaxInterval.Duration
	cfg.CredentialScheme = c.Credential.Scheme
	if clk != nil {
		cfg.Clock = clk
	}
	return cfg
}

// CredentialParams names the configured identity. The secret is read from
// the environment variable named by SecretEnv, through getenv.
func (c *Config) CredentialParams(getenv func(string) string) security.Params {
	p := security.Params{
		Identity: c.Credential.Identity,
		Options:  map[string]string{},
	}
	if c.Credential.SecretEnv != "" && getenv != nil {
		if s := getenv(c.Credential.SecretEnv); s != "" {
			p.Secret = []byte(s)
		}
	}
	if c.Credential.KeyFile != "" {
		p.Options["key_file"] = c.Credential.KeyFile
	}
	return p
}

// SecurityManager registers the provider of the configured scheme.
func (c *Config) SecurityManager(fs afero.Fs, clk clock.Clock, stat stats.StatsReceiver) (*security.Manager, error) {
	m := security.NewManager(clk, c.Credential.RenewSkew.Duration, stat)
	switch c.Credential.Scheme {
	case sshkey.Scheme:
		m.Register(sshkey.Scheme, sshkey.NewProvider(sshkey.Config{
			KeyFile:  c.Credential.KeyFile,
			Lifetime: c.Credential.Lifetime.Duration,
		}, fs, clk))
	case myproxy.Scheme:
		p, err := myproxy.NewProvider(myproxy.Config{
			Endpoint:      c.Credential.Endpoint,
			Lifetime:      c.Credential.Lifetime.Duration,
			TrustedCAFile: c.Credential.TrustedCAFile,
		}, fs)
		if err != nil {
			return nil, errors.Wrap(err, "myproxy provider")
		}
		m.Register(myproxy.Scheme, p)
	}
	return m, nil
}

// NewChannel builds the configured transport, instrumented and rate limited.
// closer releases its connections or staging directory.
func (c *Config) NewChannel(fs afero.Fs, clk clock.Clock, stat stats.StatsReceiver) (ch channel.Channel, closer func() error, err error) {
	cc := c.Channel
	switch cc.Type {
	case ChannelSSH:
		host := cc.Host
		if _, _, err := net.SplitHostPort(host); err != nil && cc.Port != 0 {
			host = net.JoinHostPort(host, strconv.Itoa(cc.Port))
		}
		s, err := ssh.NewChannel(ssh.Config{
			Host:           host,
			User:           cc.User,
			KnownHostsFile: cc.KnownHostsFile,
			DialTimeout:    cc.DialTimeout.Duration,
			MaxSessions:    cc.MaxSessions,
			CmdPrefix:      cc.CmdPrefix,
		}, clk, stat)
		if err != nil {
			return nil, nil, err
		}
		ch, closer = s, s.Close
	default:
		staging, err := temp.NewTempDir(fs, cc.StagingDir, "hpcgate-")
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating staging directory")
		}
		ch, closer = local.NewChannel(exec.NewOsExec(), staging, clk), staging.Remove
	}
	ch = channels.NewInstrumented(channels.NewRateLimited(ch, cc.RateLimit, cc.RateBurst, stat), stat)
	return ch, closer, nil
}

// NewRegistry returns a file registry when Dir is set and an in-memory one
// otherwise.
func (c *Config) NewRegistry(fs afero.Fs, clk clock.Clock) (registry.Registry, func() error, error) {
	if c.Registry.Dir != "" {
		r, err := records.NewFileRegistry(fs, c.Registry.Dir)
		if err != nil {
			return nil, nil, err
		}
		return r, func() error { return nil }, nil
	}
	if exp := c.Registry.Expiry.Duration; exp > 0 {
		r := records.NewInMemoryWithGC(exp, exp/4+time.Minute, clk)
		return r, func() error { r.Close(); return nil }, nil
	}
	r := records.NewInMemory()
	return r, func() error { r.Close(); return nil }, nil
}

// Stack is a running orchestrator and everything it was built from.
type Stack struct {
	Config       *Config
	Orchestrator *orchestrator.Orchestrator
	Execution    *invocation.ExecutionContext
	Security     *security.Manager
	Registry     registry.Registry
	Channel      channel.Channel

	closers []func() error
}

// Build wires an orchestrator from c. Events go to a logging listener, a
// stats listener and then to listeners.
func (c *Config) Build(fs afero.Fs, clk clock.Clock, stat stats.StatsReceiver, listeners ...notify.Notifiable) (*Stack, error) {
	if clk == nil {
		clk = clock.New()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	s := &Stack{Config: c}
	set, err := c.Adapters()
	if err != nil {
		return nil, err
	}
	reg, closeReg, err := c.NewRegistry(fs, clk)
	if err != nil {
		return nil, err
	}
	s.Registry = reg
	s.closers = append(s.closers, closeReg)

	ch, closeCh, err := c.NewChannel(fs, clk, stat)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Channel = ch
	s.closers = append(s.closers, closeCh)

	if s.Security, err = c.SecurityManager(fs, clk, stat); err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, func() error { s.Security.Close(); return nil })

	all := append([]notify.Notifiable{notify.LoggingListener{}, notify.StatsListener{Stat: stat.Scope("orchestrator")}}, listeners...)
	s.Execution = invocation.NewExecutionContextWithStats(reg, stat, all...)
	if s.Orchestrator, err = orchestrator.New(c.OrchestratorConfig(clk), ch, set, s.Security, s.Execution, stat); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Credential acquires the configured identity's security context.
func (s *Stack) Credential(ctx context.Context) (*security.Context, error) {
	return s.Security.Acquire(ctx, s.Config.Credential.Scheme, s.Config.CredentialParams(os.Getenv))
}

// Close stops the orchestrator and releases everything Build opened, in
// reverse order.
func (s *Stack) Close() {
	if s.Orchestrator != nil {
		s.Orchestrator.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.WithError(err).Warn("Closing")
		}
	}
	s.closers = nil
}
