// Package config reads hpcgate's configuration from a TOML or JSON file and
// builds the components it describes.
//
// A minimal TOML file:
//
//	[schedulers.SLURM]
//	install_path = "/opt/slurm/bin"
//
//	[credential]
//	scheme = "sshkey"
//	identity = "u1"
//	key_file = "/home/u1/.ssh/id_ed25519"
//
//	[channel]
//	type = "ssh"
//	host = "login.cluster.example.org"
//
// Every field left out keeps its value from Default.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/security/myproxy"
	"github.com/hpcgate/hpcgate/security/sshkey"
)

// Duration reads "30s" style strings in both formats.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Scheduler configures the adapter of one scheduler type.
type Scheduler struct {
	InstallPath     string `json:"installPath" toml:"install_path"`
	TemplateID      string `json:"templateId" toml:"template_id"`
	ScriptExtension string `json:"scriptExtension" toml:"script_extension"`
	Endpoint        string `json:"endpoint" toml:"endpoint"`
}

func (s Scheduler) DRM() drm.Config {
	return drm.Config{
		InstallPath:     drm.NormalizeInstallPath(s.InstallPath),
		TemplateID:      s.TemplateID,
		ScriptExtension: s.ScriptExtension,
		Endpoint:        s.Endpoint,
	}
}

type Orchestrator struct {
	PollInterval         Duration `json:"pollInterval" toml:"poll_interval"`
	MaxMonitorRetries    int      `json:"maxMonitorRetries" toml:"max_monitor_retries"`
	MaxUnknownPolls      int      `json:"maxUnknownPolls" toml:"max_unknown_polls"`
	MaxSubmitRetries     int      `json:"maxSubmitRetries" toml:"max_submit_retries"`
	CommandTimeout       Duration `json:"commandTimeout" toml:"command_timeout"`
	RetryInitialInterval Duration `json:"retryInitialInterval" toml:"retry_initial_interval"`
	RetryMaxInterval     Duration `json:"retryMaxInterval" toml:"retry_max_interval"`
}

// Credential selects the security scheme and the identity jobs run under.
type Credential struct {
	Scheme   string `json:"scheme" toml:"scheme"`
	Identity string `json:"identity" toml:"identity"`
	// Name of the environment variable holding the passphrase. Secrets never
	// live in the file itself.
	SecretEnv string   `json:"secretEnv" toml:"secret_env"`
	Lifetime  Duration `json:"lifetime" toml:"lifetime"`
	// A credential this close to expiry is renewed before use.
	RenewSkew Duration `json:"renewSkew" toml:"renew_skew"`

	// sshkey
	KeyFile string `json:"keyFile" toml:"key_file"`

	// myproxy
	Endpoint      string `json:"endpoint" toml:"endpoint"`
	TrustedCAFile string `json:"trustedCaFile" toml:"trusted_ca_file"`
}

const (
	ChannelSSH   = "ssh"
	ChannelLocal = "local"
)

type Channel struct {
	Type           string   `json:"type" toml:"type"`
	Host           string   `json:"host" toml:"host"`
	Port           int      `json:"port" toml:"port"`
	User           string   `json:"user" toml:"user"`
	KnownHostsFile string   `json:"knownHostsFile" toml:"known_hosts_file"`
	DialTimeout    Duration `json:"dialTimeout" toml:"dial_timeout"`
	MaxSessions    int64    `json:"maxSessions" toml:"max_sessions"`
	CmdPrefix      string   `json:"cmdPrefix" toml:"cmd_prefix"`
	// Commands per second across all jobs. Zero is unlimited.
	RateLimit float64 `json:"rateLimit" toml:"rate_limit"`
	RateBurst int     `json:"rateBurst" toml:"rate_burst"`
	// Local staging directory for the local channel.
	StagingDir string `json:"stagingDir" toml:"staging_dir"`
}

type Registry struct {
	// Empty keeps records in memory.
	Dir string `json:"dir" toml:"dir"`
	// Finalized in-memory records are dropped after this long. Zero keeps them.
	Expiry Duration `json:"expiry" toml:"expiry"`
}

type Log struct {
	Level string `json:"level" toml:"level"`
	JSON  bool   `json:"json" toml:"json"`
}

type Config struct {
	// Used for requests that name no scheduler.
	DefaultScheduler string               `json:"defaultScheduler" toml:"default_scheduler"`
	Schedulers       map[string]Scheduler `json:"schedulers" toml:"schedulers"`
	Orchestrator     Orchestrator         `json:"orchestrator" toml:"orchestrator"`
	Credential       Credential           `json:"credential" toml:"credential"`
	Channel          Channel              `json:"channel" toml:"channel"`
	Registry         Registry             `json:"registry" toml:"registry"`
	Log              Log                  `json:"log" toml:"log"`
}

// Default returns a configuration for SLURM over the local channel with an
// in-memory registry.
func Default() *Config {
	return &Config{
		DefaultScheduler: string(job.SLURM),
		Schedulers: map[string]Scheduler{
			string(job.SLURM): {},
		},
		Orchestrator: Orchestrator{
			PollInterval:         Duration{30 * time.Second},
			MaxMonitorRetries:    5,
			MaxUnknownPolls:      3,
			MaxSubmitRetries:     3,
			CommandTimeout:       Duration{2 * time.Minute},
			RetryInitialInterval: Duration{time.Second},
			RetryMaxInterval:     Duration{time.Minute},
		},
		Credential: Credential{
			Scheme: sshkey.Scheme,
		},
		Channel: Channel{
			Type:      ChannelLocal,
			Port:      22,
			RateBurst: 1,
		},
		Registry: Registry{
			Expiry: Duration{24 * time.Hour},
		},
		Log: Log{Level: "info"},
	}
}

// Load reads the file at path over Default. The format follows the extension:
// .toml, or .json.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	c, err := Parse(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	log.WithField("path", path).Info("Loaded config")
	return c, nil
}

// Resolve treats flag as literal JSON when it starts with "{" and as a file
// path otherwise. An empty flag gives Default.
func Resolve(fs afero.Fs, flag string) (*Config, error) {
	flag = strings.TrimSpace(flag)
	switch {
	case flag == "":
		c := Default()
		return c, c.Validate()
	case strings.HasPrefix(flag, "{"):
		log.Debug("Using --config as JSON text")
		return Parse([]byte(flag), "json")
	}
	return Load(fs, flag)
}

// Parse decodes data over Default and validates the result. Unknown keys are
// an error in both formats.
func Parse(data []byte, format string) (*Config, error) {
	c := Default()
	// Configured schedulers replace the default set rather than merge with it.
	c.Schedulers = nil
	switch format {
	case "toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, errors.Wrap(err, "decoding toml")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown configuration options: %s", strings.Join(keys, ", "))
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(c); err != nil {
			return nil, errors.Wrap(err, "decoding json")
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q, want toml or json", format)
	}
	if c.Schedulers == nil {
		c.Schedulers = Default().Schedulers
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration and normalizes scheduler names and
// install paths in place.
func (c *Config) Validate() error {
	if len(c.Schedulers) == 0 {
		return fmt.Errorf("no schedulers configured")
	}
	normalized := make(map[string]Scheduler, len(c.Schedulers))
	for name, s := range c.Schedulers {
		t, err := job.ParseSchedulerType(name)
		if err != nil {
			return errors.Wrap(err, "schedulers")
		}
		if t == job.GRAM && s.Endpoint == "" {
			return fmt.Errorf("scheduler GRAM needs an endpoint")
		}
		s.InstallPath = drm.NormalizeInstallPath(s.InstallPath)
		normalized[string(t)] = s
	}
	c.Schedulers = normalized

	if c.DefaultScheduler != "" {
		t, err := job.ParseSchedulerType(c.DefaultScheduler)
		if err != nil {
			return errors.Wrap(err, "default_scheduler")
		}
		if _, ok := c.Schedulers[string(t)]; !ok {
			return fmt.Errorf("default scheduler %s is not configured", t)
		}
		c.DefaultScheduler = string(t)
	}

	o := c.Orchestrator
	if o.PollInterval.Duration <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", o.PollInterval)
	}
	if o.MaxMonitorRetries < 0 || o.MaxSubmitRetries < 0 || o.MaxUnknownPolls < 1 {
		return fmt.Errorf("invalid retry limits %+v", o)
	}
	if o.CommandTimeout.Duration < 0 || o.RetryInitialInterval.Duration < 0 || o.RetryMaxInterval.Duration < 0 {
		return fmt.Errorf("negative timeout or retry interval %+v", o)
	}

	switch c.Credential.Scheme {
	case sshkey.Scheme:
	case myproxy.Scheme:
		if c.Credential.Endpoint == "" {
			return fmt.Errorf("credential scheme myproxy needs an endpoint")
		}
	default:
		return fmt.Errorf("unknown credential scheme %q", c.Credential.Scheme)
	}
	if c.Credential.Lifetime.Duration < 0 || c.Credential.RenewSkew.Duration < 0 {
		return fmt.Errorf("negative credential lifetime or skew")
	}

	switch c.Channel.Type {
	case ChannelLocal:
	case ChannelSSH:
		if c.Channel.Host == "" {
			return fmt.Errorf("ssh channel needs a host")
		}
		if c.Channel.Port <= 0 || c.Channel.Port > 65535 {
			return fmt.Errorf("invalid ssh port %d", c.Channel.Port)
		}
	default:
		return fmt.Errorf("unknown channel type %q", c.Channel.Type)
	}
	if c.Channel.RateLimit < 0 {
		return fmt.Errorf("negative rate limit")
	}
	if c.Registry.Expiry.Duration < 0 {
		return fmt.Errorf("negative registry expiry")
	}
	return nil
}

// SchedulerFor returns the scheduler a request should use: its own, or the
// configured default.
func (c *Config) SchedulerFor(req *job.JobRequest) job.SchedulerType {
	if req.Scheduler != "" {
		return req.Scheduler
	}
	return job.SchedulerType(c.DefaultScheduler)
}
