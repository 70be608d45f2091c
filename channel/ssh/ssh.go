// Package ssh runs commands on a login node over SSH, authenticating with
// the private key held by an "sshkey" security context.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/semaphore"

	"github.com/hpcgate/hpcgate/channel"
	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/security"
)

type Config struct {
	// host or host:port
	Host string
	// Login user. Defaults to the security context identity.
	User string
	// Empty disables host key checking.
	KnownHostsFile string
	DialTimeout    time.Duration
	// Concurrent sessions per pooled connection. sshd's MaxSessions defaults to 10.
	MaxSessions int64
	// Prepended to every command, e.g. "module load slurm &&".
	CmdPrefix string
}

const (
	DefaultPort        = "22"
	DefaultDialTimeout = 20 * time.Second
	DefaultMaxSessions = 8
)

// dialFunc opens a connection and runs the SSH handshake.
type dialFunc func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

type poolKey struct {
	host     string
	identity string
}

type client struct {
	c       *ssh.Client
	version uint64
	sem     *semaphore.Weighted
}

// Channel pools one connection per host and identity. A renewed credential
// (new context version) replaces the pooled connection.
type Channel struct {
	cfg     Config
	addr    string
	hostKey ssh.HostKeyCallback
	clk     clock.Clock
	stat    stats.StatsReceiver
	dial    dialFunc

	mu      sync.Mutex
	clients map[poolKey]*client
	closed  bool
}

func NewChannel(cfg Config, clk clock.Clock, stat stats.StatsReceiver) (*Channel, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	addr := cfg.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %v", err)
		}
		hostKey = cb
	} else {
		log.WithFields(log.Fields{"host": addr}).Warn("Host key checking disabled")
	}
	if clk == nil {
		clk = clock.New()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Channel{
		cfg:     cfg,
		addr:    addr,
		hostKey: hostKey,
		clk:     clk,
		stat:    stat.Scope("channel"),
		dial:    dialContext,
		clients: map[poolKey]*client{},
	}, nil
}

func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (ch *Channel) Execute(ctx context.Context, cmd job.RawCommand, cred *security.Context) (channel.Result, error) {
	if err := cred.Check(ch.clk.Now()); err != nil {
		return channel.Result{}, err
	}

	cl, err := ch.client(ctx, cred)
	if err != nil {
		return channel.Result{}, err
	}
	if err := cl.sem.Acquire(ctx, 1); err != nil {
		return channel.Result{}, channel.NewTransportError(channel.Timeout, ch.addr, false, err)
	}
	defer cl.sem.Release(1)

	session, err := cl.c.NewSession()
	if err != nil {
		// The pooled connection went stale. Reconnect once.
		ch.drop(cred, cl)
		if cl, err = ch.client(ctx, cred); err != nil {
			return channel.Result{}, err
		}
		if session, err = cl.c.NewSession(); err != nil {
			ch.drop(cred, cl)
			return channel.Result{}, channel.NewTransportError(channel.Session, ch.addr, false, err)
		}
	}
	defer session.Close()

	line := channel.ShellLine(cmd)
	if ch.cfg.CmdPrefix != "" {
		line = ch.cfg.CmdPrefix + " " + line
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return channel.Result{}, channel.NewTransportError(channel.Timeout, ch.addr, true, ctx.Err())
	}

	res := channel.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	switch e := err.(type) {
	case nil:
	case *ssh.ExitError:
		res.ExitCode = e.ExitStatus()
	default:
		ch.drop(cred, cl)
		return res, channel.NewTransportError(channel.Session, ch.addr, true, err)
	}
	return res, nil
}

// client returns the pooled connection for cred, dialing if there is none or
// the pooled one was made with an older credential version. The dial runs
// without ch.mu held.
func (ch *Channel) client(ctx context.Context, cred *security.Context) (*client, error) {
	key := poolKey{host: ch.addr, identity: cred.Identity()}
	version := cred.Version()

	if cl, err := ch.pooled(key, version); cl != nil || err != nil {
		return cl, err
	}

	var signer ssh.Signer
	err := cred.Use(func(material []byte) error {
		var err error
		signer, err = ssh.ParsePrivateKey(material)
		return err
	})
	if err != nil {
		return nil, channel.NewTransportError(channel.Auth, ch.addr, false, err)
	}
	user := ch.cfg.User
	if user == "" {
		user = cred.Identity()
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ch.hostKey,
		Timeout:         ch.cfg.DialTimeout,
	}

	ch.stat.Counter(stats.ChannelSSHDialCounter).Inc(1)
	c, err := ch.dial(ctx, ch.addr, cfg)
	if err != nil {
		return nil, channel.NewTransportError(classifyDialError(ctx, err), ch.addr, false, err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		c.Close()
		return nil, errClosed(ch.addr)
	}
	if cur, ok := ch.clients[key]; ok {
		// Another caller connected while we were dialing.
		if cur.version == version {
			c.Close()
			return cur, nil
		}
		cur.c.Close()
	}
	log.WithFields(log.Fields{
		"host":     ch.addr,
		"identity": cred.Identity(),
		"version":  version,
	}).Info("Connected")
	cl := &client{c: c, version: version, sem: semaphore.NewWeighted(ch.cfg.MaxSessions)}
	ch.clients[key] = cl
	return cl, nil
}

// pooled returns the connection for key if it was made with version. One made
// with another version is closed and forgotten.
func (ch *Channel) pooled(key poolKey, version uint64) (*client, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, errClosed(ch.addr)
	}
	cl, ok := ch.clients[key]
	if !ok {
		return nil, nil
	}
	if cl.version == version {
		return cl, nil
	}
	cl.c.Close()
	delete(ch.clients, key)
	return nil, nil
}

func errClosed(addr string) error {
	return channel.NewTransportError(channel.Session, addr, false, fmt.Errorf("channel closed"))
}

func (ch *Channel) drop(cred *security.Context, cl *client) {
	key := poolKey{host: ch.addr, identity: cred.Identity()}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if cur, ok := ch.clients[key]; ok && cur == cl {
		delete(ch.clients, key)
	}
	cl.c.Close()
}

func classifyDialError(ctx context.Context, err error) channel.ErrorKind {
	if ctx.Err() != nil {
		return channel.Timeout
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return channel.Timeout
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return channel.Auth
	}
	return channel.Unreachable
}

// Close closes every pooled connection. Execute fails afterwards.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	for key, cl := range ch.clients {
		cl.c.Close()
		delete(ch.clients, key)
	}
	return nil
}
