// Package fake provides a scripted Channel for tests and dry runs.
//
// Responses are registered per command prefix and written as a list of steps:
//
//	stdout <text>     append <text> and a newline to stdout
//	stderr <text>     append <text> and a newline to stderr
//	complete <n>      finish with exit code n
//	sleep <millis>    wait, honoring ctx
//	pause             wait until Resume is called, honoring ctx
//	fail <kind> [started]
//	                  fail with a channel Error of kind unreachable, auth,
//	                  timeout or session
//
// A response ends at its last step; the exit code defaults to 0.
package fake

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hpcgate/hpcgate/channel"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/security"
)

type step func(ctx context.Context, c *Channel, r *channel.Result) error

// Response is a parsed step list.
type Response struct {
	steps []step
	text  []string
}

func (r Response) String() string { return strings.Join(r.text, "; ") }

// Script parses steps into a Response.
func Script(steps ...string) (Response, error) {
	resp := Response{text: steps}
	for _, s := range steps {
		st, err := parseStep(s)
		if err != nil {
			return Response{}, err
		}
		resp.steps = append(resp.steps, st)
	}
	return resp, nil
}

func MustScript(steps ...string) Response {
	r, err := Script(steps...)
	if err != nil {
		panic(err)
	}
	return r
}

func parseStep(s string) (step, error) {
	splits := strings.SplitN(s, " ", 2)
	opcode, rest := splits[0], ""
	if len(splits) == 2 {
		rest = splits[1]
	}
	switch opcode {
	case "stdout":
		return func(_ context.Context, _ *Channel, r *channel.Result) error {
			r.Stdout += rest + "\n"
			return nil
		}, nil
	case "stderr":
		return func(_ context.Context, _ *Channel, r *channel.Result) error {
			r.Stderr += rest + "\n"
			return nil
		}, nil
	case "complete":
		i, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("error parsing <n> in complete <n>:%s", err.Error())
		}
		return func(_ context.Context, _ *Channel, r *channel.Result) error {
			r.ExitCode = i
			return nil
		}, nil
	case "sleep":
		i, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("error parsing <n> in sleep <n>:%s", err.Error())
		}
		d := time.Duration(i) * time.Millisecond
		return func(ctx context.Context, _ *Channel, _ *channel.Result) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return channel.NewTransportError(channel.Timeout, Host, true, ctx.Err())
			}
		}, nil
	case "pause":
		return func(ctx context.Context, c *Channel, _ *channel.Result) error {
			select {
			case <-c.resumeCh:
				return nil
			case <-ctx.Done():
				return channel.NewTransportError(channel.Timeout, Host, true, ctx.Err())
			}
		}, nil
	case "fail":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return nil, fmt.Errorf("fail needs a kind")
		}
		kind, ok := map[string]channel.ErrorKind{
			"auth":        channel.Auth,
			"unreachable": channel.Unreachable,
			"timeout":     channel.Timeout,
			"session":     channel.Session,
		}[fields[0]]
		if !ok {
			return nil, fmt.Errorf("unknown failure kind %q", fields[0])
		}
		started := len(fields) > 1 && fields[1] == "started"
		return func(context.Context, *Channel, *channel.Result) error {
			return channel.NewTransportError(kind, Host, started, fmt.Errorf("simulated %s failure", kind))
		}, nil
	}
	return nil, fmt.Errorf("can't simulate step: %v", s)
}

// Host is the host name reported in simulated errors.
const Host = "fake"

type rule struct {
	prefix    string
	responses []Response
}

// Channel matches each command against the registered prefixes, longest
// first. Each prefix serves its responses in order and then repeats the last.
// Unmatched commands exit 127.
type Channel struct {
	resumeCh chan struct{}
	now      func() time.Time

	mu       sync.Mutex
	rules    []*rule
	executed []job.RawCommand
}

func NewChannel() *Channel {
	return &Channel{resumeCh: make(chan struct{}), now: time.Now}
}

// WithClock makes credential checks use now.
func (c *Channel) WithClock(now func() time.Time) *Channel {
	c.now = now
	return c
}

// On appends responses for commands starting with prefix.
func (c *Channel) On(prefix string, responses ...Response) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rules {
		if r.prefix == prefix {
			r.responses = append(r.responses, responses...)
			return c
		}
	}
	c.rules = append(c.rules, &rule{prefix: prefix, responses: responses})
	return c
}

// Resume releases one paused command. It blocks until one is paused.
func (c *Channel) Resume() {
	c.resumeCh <- struct{}{}
}

// Executed returns every command that reached the channel, in order.
func (c *Channel) Executed() []job.RawCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]job.RawCommand(nil), c.executed...)
}

// Count returns how many executed commands start with prefix.
func (c *Channel) Count(prefix string) int {
	n := 0
	for _, cmd := range c.Executed() {
		if strings.HasPrefix(cmd.Command, prefix) {
			n++
		}
	}
	return n
}

func (c *Channel) Execute(ctx context.Context, cmd job.RawCommand, cred *security.Context) (channel.Result, error) {
	if err := cred.Check(c.now()); err != nil {
		return channel.Result{}, err
	}

	c.mu.Lock()
	c.executed = append(c.executed, cmd)
	resp, ok := c.next(cmd.Command)
	c.mu.Unlock()

	if !ok {
		return channel.Result{Stderr: "sh: command not found\n", ExitCode: 127}, nil
	}
	var r channel.Result
	for _, st := range resp.steps {
		if err := st(ctx, c, &r); err != nil {
			return channel.Result{}, err
		}
	}
	return r, nil
}

func (c *Channel) next(command string) (Response, bool) {
	var best *rule
	for _, r := range c.rules {
		if strings.HasPrefix(command, r.prefix) && (best == nil || len(r.prefix) > len(best.prefix)) {
			best = r
		}
	}
	if best == nil || len(best.responses) == 0 {
		return Response{}, false
	}
	resp := best.responses[0]
	if len(best.responses) > 1 {
		best.responses = best.responses[1:]
	}
	return resp, true
}
