package exec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

var TimeoutError = errors.New("command timeout")

// RunResult summarizes a finished command.
type RunResult struct {
	// nil if the command never started
	ProcessState *os.ProcessState

	Stdout []byte
	Stderr []byte

	// -1 if the process was signaled or never started.
	ExitCode int

	// Start() failure, TimeoutError, or ctx.Err() after cancellation.
	// A non-zero exit alone is reported through ExitCode, not Error.
	Error error
}

// RunKillable starts cmd and waits for it. When ctx is done the process gets
// SIGTERM, then SIGKILL if it is still alive killTimeout later.
func RunKillable(ctx context.Context, cmd Cmd, killTimeout time.Duration) RunResult {
	rr := RunResult{ExitCode: -1}

	var outBuf, errBuf bytes.Buffer
	cmd.SetStdout(&outBuf)
	cmd.SetStderr(&errBuf)

	log.Debugf("Running Command: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		rr.Error = err
		return rr
	}

	var waitErr error
	doneCh := make(chan struct{})
	go func() {
		waitErr = cmd.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-ctx.Done():
		log.Infof("Killing command %s: %v", cmd.Path(), ctx.Err())
		termThenKill(cmd.Process(), killTimeout, doneCh)
		<-doneCh
		if ctx.Err() == context.DeadlineExceeded {
			rr.Error = TimeoutError
		} else {
			rr.Error = ctx.Err()
		}
	}

	rr.ProcessState = cmd.ProcessState()
	rr.Stdout = outBuf.Bytes()
	rr.Stderr = errBuf.Bytes()
	if rr.ProcessState != nil {
		rr.ExitCode = rr.ProcessState.ExitCode()
	}
	if rr.Error == nil {
		if _, ok := waitErr.(*ExitError); !ok {
			rr.Error = waitErr
		}
	}
	return rr
}

// termThenKill will SIGTERM a process, then Kill it if it hasn't exited after duration d.
// waitDoneCh must be closed by the caller when the process exits (to avoid double Wait()ing)
func termThenKill(p *os.Process, d time.Duration, waitDoneCh <-chan struct{}) error {
	if p == nil {
		return nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		log.Errorf("Failed to send SIGTERM to process: %s", err)
		return err
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-waitDoneCh:
	case <-t.C:
		log.Info("Command hasn't exited, using Kill()")
		if err := p.Kill(); err != nil {
			log.Errorf("Failed to Kill() process: %s", err)
			return err
		}
	}
	return nil
}
