package exec

import (
	"context"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var trapScript = `trap ':' TERM
while :
do sleep 1
done`

func TestUnrunnableCommand(t *testing.T) {
	cmd := NewOsExec().Command("sjkldoeiujeiuc")
	rr := RunKillable(context.Background(), cmd, 0)
	if rr.Error == nil {
		t.Fatal("unexpected nil error from unrunnable command")
	}
	assert.Equal(t, -1, rr.ExitCode)
}

func TestRunKillableOutput(t *testing.T) {
	cmd := NewOsExec().Command("/bin/sh", "-c", `echo "stdout line"; echo "stderr line" 1>&2`)
	rr := RunKillable(context.Background(), cmd, time.Second)
	if rr.Error != nil {
		t.Fatalf("error running command: %s", rr.Error)
	}
	assert.Equal(t, 0, rr.ExitCode)
	assert.Equal(t, "stdout line\n", string(rr.Stdout))
	assert.Equal(t, "stderr line\n", string(rr.Stderr))
}

func TestNonZeroExitIsNotAnError(t *testing.T) {
	cmd := NewOsExec().Command("/bin/sh", "-c", "echo nope >&2; exit 3")
	rr := RunKillable(context.Background(), cmd, time.Second)
	assert.NoError(t, rr.Error)
	assert.Equal(t, 3, rr.ExitCode)
	assert.Equal(t, "nope\n", string(rr.Stderr))
}

func TestRunKillableCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cmd := NewOsExec().Command("sleep", "5")
	start := time.Now()
	rr := RunKillable(ctx, cmd, 100*time.Millisecond)
	assert.True(t, time.Since(start) < 5*time.Second)
	assert.Equal(t, context.Canceled, rr.Error)
	assert.Equal(t, -1, rr.ExitCode)
}

func TestRunKillableKillsTrappingProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// the trap must be installed before the TERM arrives
		time.Sleep(time.Second)
		cancel()
	}()
	cmd := NewOsExec().Command("/bin/sh", "-c", trapScript)
	rr := RunKillable(ctx, cmd, 100*time.Millisecond)
	assert.Equal(t, context.Canceled, rr.Error)
	if rr.ProcessState == nil || rr.ProcessState.Exited() {
		t.Fatal("expected a killed process")
	}
}

func TestCommandTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	cmd := NewOsExec().Command("sleep", "5")
	start := time.Now()
	rr := RunKillable(ctx, cmd, time.Second)
	assert.True(t, time.Since(start) < 2*time.Second)
	assert.Equal(t, TimeoutError, rr.Error)
}

func TestEnvAndDir(t *testing.T) {
	cmd := NewOsExec().Command("/bin/sh", "-c", `printf "%s %s" "$HPCGATE_TEST" "$(pwd)"`)
	env, err := NewEnv([]string{"HPCGATE_TEST=yes", "PATH=" + os.Getenv("PATH")})
	assert.NoError(t, err)
	cmd.SetEnv(env)
	cmd.SetDir("/")
	rr := RunKillable(context.Background(), cmd, time.Second)
	assert.NoError(t, rr.Error)
	assert.Equal(t, "yes /", string(rr.Stdout))
}

func TestNewEnv(t *testing.T) {
	env, err := NewEnv([]string{"foo=bar", "baz=spam=eggs"})
	assert.NoError(t, err)
	assert.Equal(t, Env{"foo": "bar", "baz": "spam=eggs"}, env)

	env, err = NewEnv([]string{"bad"})
	assert.Error(t, err)
	assert.Nil(t, env)
}

func TestEnvSliceSorted(t *testing.T) {
	env, err := NewEnv([]string{"b=2", "a=1"})
	assert.NoError(t, err)
	env["c"] = "3"
	delete(env, "b")
	assert.Equal(t, "a=1,c=3", strings.Join(env.Slice(), ","))
}

func TestSignalExitError(t *testing.T) {
	ws := syscall.WaitStatus(15)
	assert.True(t, ws.Signaled())

	ee := &ExitError{ws: ws}
	assert.True(t, ee.Signaled())
	assert.Equal(t, syscall.SIGTERM, ee.Signal())
	assert.False(t, ee.Exited())
	assert.Equal(t, -1, ee.ExitStatus())
	assert.Equal(t, "wait status 15", ee.Error())
}

func TestNonZeroExitIsExitError(t *testing.T) {
	cmd := NewOsExec().Command("/bin/sh", "-c", "exit 4")
	assert.NoError(t, cmd.Start())
	err := cmd.Wait()
	ee, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("want *ExitError, got %T", err)
	}
	assert.Equal(t, 4, ee.ExitStatus())
}
