// Package exec wraps os/exec behind interfaces so command execution can be
// faked, and runs commands under a context with SIGTERM-then-SIGKILL cancellation.
package exec

import (
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"sort"
	"strings"
	"syscall"
)

// OsExec creates Cmds. Command has the same semantics as os/exec.Command.
type OsExec interface {
	Command(cmd string, args ...string) Cmd
}

// Cmd is the part of os/exec.Cmd the local channel drives.
type Cmd interface {
	Path() string
	String() string

	Start() error
	// Wait returns an *ExitError when the process exits non-zero or is signaled.
	Wait() error

	// Run the child in its own session so the whole process group can be signaled.
	SetSession(enable bool)

	SetStdout(io.Writer)
	SetStderr(io.Writer)

	// Env defaults to the current process environment.
	Env() (Env, error)
	SetEnv(Env)
	SetDir(string)

	// nil until started
	Process() *os.Process
	// nil until exited
	ProcessState() *os.ProcessState
}

// Env is a process environment keyed by variable name.
type Env map[string]string

// NewEnv parses env in os.Environ format. A nil env means the current
// process environment.
func NewEnv(env []string) (Env, error) {
	if env == nil {
		env = os.Environ()
	}
	m := make(Env, len(env))
	for _, s := range env {
		k, v, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("invalid environment string: %q", s)
		}
		m[k] = v
	}
	return m, nil
}

// Slice returns KEY=VALUE pairs sorted by key.
func (e Env) Slice() []string {
	s := make([]string, 0, len(e))
	for k, v := range e {
		s = append(s, k+"="+v)
	}
	sort.Strings(s)
	return s
}

// ExitError describes how a process that did run terminated.
type ExitError struct {
	*osexec.ExitError
	ws syscall.WaitStatus
}

func (e *ExitError) Exited() bool { return e.ws.Exited() }

// ExitStatus is -1 unless the process exited.
func (e *ExitError) ExitStatus() int { return e.ws.ExitStatus() }

func (e *ExitError) Signaled() bool { return e.ws.Signaled() }

// Signal is syscall.Signal(-1) unless the process was signaled.
func (e *ExitError) Signal() syscall.Signal { return e.ws.Signal() }

func (e *ExitError) Error() string {
	if e.ExitError == nil {
		return fmt.Sprintf("wait status %d", e.ws)
	}
	return e.ExitError.Error()
}

type osExec struct{}

func NewOsExec() OsExec {
	return osExec{}
}

func (osExec) Command(cmd string, args ...string) Cmd {
	c := osexec.Command(cmd, args...)
	c.SysProcAttr = &syscall.SysProcAttr{}
	return &cmdAdapter{cmd: c}
}

type cmdAdapter struct {
	cmd *osexec.Cmd
}

func (c *cmdAdapter) SetSession(enable bool) { c.cmd.SysProcAttr.Setsid = enable }

func (c *cmdAdapter) Start() error { return c.cmd.Start() }

func (c *cmdAdapter) Wait() error {
	err := c.cmd.Wait()
	if ex, ok := err.(*osexec.ExitError); ok {
		if ws, ok := ex.Sys().(syscall.WaitStatus); ok {
			return &ExitError{ExitError: ex, ws: ws}
		}
	}
	return err
}

func (c *cmdAdapter) Path() string                   { return c.cmd.Path }
func (c *cmdAdapter) String() string                 { return c.cmd.String() }
func (c *cmdAdapter) SetStdout(w io.Writer)          { c.cmd.Stdout = w }
func (c *cmdAdapter) SetStderr(w io.Writer)          { c.cmd.Stderr = w }
func (c *cmdAdapter) SetDir(dir string)              { c.cmd.Dir = dir }
func (c *cmdAdapter) Process() *os.Process           { return c.cmd.Process }
func (c *cmdAdapter) ProcessState() *os.ProcessState { return c.cmd.ProcessState }

func (c *cmdAdapter) Env() (Env, error) { return NewEnv(c.cmd.Env) }
func (c *cmdAdapter) SetEnv(env Env)    { c.cmd.Env = env.Slice() }
