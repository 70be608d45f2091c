// Package channel executes raw scheduler commands on a remote login node (or
// the local submit host) under a security context.
package channel

//go:generate mockgen -source=channel.go -package=channel -destination=channel_mock.go

import (
	"context"
	"fmt"

	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/security"
)

// Result of a command that ran to completion. A non-zero ExitCode is not an
// error at this layer.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (r Result) String() string {
	return fmt.Sprintf("exit=%d stdout=%q stderr=%q", r.ExitCode, r.Stdout, r.Stderr)
}

// Channel runs one command at a time per call. Implementations are safe for
// concurrent use; concurrent calls never share a session.
//
// Execute blocks until the command finishes or ctx is done. It returns a
// Credential error without touching the network if cred is not valid, and a
// Transport error wrapping *Error for connection failures.
type Channel interface {
	Execute(ctx context.Context, cmd job.RawCommand, cred *security.Context) (Result, error)
}

type ErrorKind int

const (
	Auth ErrorKind = iota
	Unreachable
	Timeout
	Session
)

func (k ErrorKind) String() string {
	switch k {
	case Auth:
		return "auth"
	case Unreachable:
		return "unreachable"
	case Timeout:
		return "timeout"
	case Session:
		return "session"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a connection-level failure.
type Error struct {
	Kind ErrorKind
	Host string
	// Started is true if the command may have reached the remote host, in
	// which case resending it might run it twice.
	Started bool
	Err     error
}

func (e *Error) Error() string {
	started := ""
	if e.Started {
		started = " after start"
	}
	return fmt.Sprintf("%s failure on %s%s: %v", e.Kind, e.Host, started, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransportError wraps a channel Error in the Transport error kind.
func NewTransportError(kind ErrorKind, host string, started bool, err error) error {
	ce := &Error{Kind: kind, Host: host, Started: started, Err: err}
	return errors.Wrap(errors.Transport, ce, "executing on %s", host)
}

// AsError finds the channel Error in err's chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Started reports whether a failed Execute may have run the command. Errors
// that are not channel Errors count as not started.
func Started(err error) bool {
	ce, ok := AsError(err)
	return ok && ce.Started
}

// ShellLine is the text handed to a shell for cmd: the command, run inside
// cmd.WorkingDir when one is set.
func ShellLine(cmd job.RawCommand) string {
	if cmd.WorkingDir == "" {
		return cmd.Command
	}
	return "cd " + drm.ShellQuote(cmd.WorkingDir) + " && " + cmd.Command
}
