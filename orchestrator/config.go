package orchestrator

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
)

// Config tunes how jobs are submitted and watched.
type Config struct {
	// How often a job's state is polled while it is queued or running.
	PollInterval time.Duration

	// Consecutive transport failures tolerated while polling. The next one
	// fails the job with MonitoringUnavailable.
	MaxMonitorRetries int

	// Consecutive unclassifiable poll outputs before the job is failed.
	MaxUnknownPolls int

	// Retries of a submit (or script staging) whose command never started.
	MaxSubmitRetries int

	// Upper bound on one remote command. Zero means no bound.
	CommandTimeout time.Duration

	// Security scheme whose context every command runs under.
	CredentialScheme string

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	Clock clock.Clock
}

func DefaultConfig() Config {
	return Config{
		PollInterval:         30 * time.Second,
		MaxMonitorRetries:    5,
		MaxUnknownPolls:      3,
		MaxSubmitRetries:     3,
		CommandTimeout:       2 * time.Minute,
		CredentialScheme:     "sshkey",
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
		Clock:                clock.New(),
	}
}

func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	case c.MaxUnknownPolls < 1:
		return fmt.Errorf("max unknown polls must be at least 1, got %d", c.MaxUnknownPolls)
	case c.MaxMonitorRetries < 0 || c.MaxSubmitRetries < 0:
		return fmt.Errorf("retry counts must not be negative")
	case c.CommandTimeout < 0:
		return fmt.Errorf("command timeout must not be negative")
	case c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval:
		return fmt.Errorf("bad retry intervals %v..%v", c.RetryInitialInterval, c.RetryMaxInterval)
	case c.CredentialScheme == "":
		return fmt.Errorf("no credential scheme")
	}
	return nil
}

// newBackOff never gives up on its own; callers bound it.
func (c Config) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryInitialInterval
	b.MaxInterval = c.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Clock = c.Clock
	b.Reset()
	return b
}
