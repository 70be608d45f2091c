package security

//go:generate mockgen -source=manager.go -package=security -destination=provider_mock.go

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/common/stats"
)

// Params identify whose credential to fetch and carry the secret that unlocks it.
type Params struct {
	Identity string
	// Passphrase or similar. The Manager keeps a private copy for renewals and zeroes it on Close.
	Secret  []byte
	Options map[string]string
}

// Provider fetches credentials for one scheme (e.g. "myproxy", "sshkey").
type Provider interface {
	Fetch(ctx context.Context, p Params) (Credential, error)
}

// DefaultFetchTimeout bounds one provider fetch shared by concurrent callers.
const DefaultFetchTimeout = time.Minute

type entry struct {
	sc     *Context
	params Params
}

// Manager acquires, caches and renews Contexts. Concurrent renewals of the
// same context collapse into a single provider fetch.
type Manager struct {
	clk  clock.Clock
	skew time.Duration
	stat stats.StatsReceiver

	// FetchTimeout bounds a provider fetch. The fetch does not inherit any
	// caller's context since other callers may be waiting on it.
	FetchTimeout time.Duration

	mu        sync.Mutex
	providers map[string]Provider
	cache     map[string]*entry
	group     singleflight.Group
}

// NewManager returns a Manager that treats a credential within skew of its
// expiry as already expired when acquiring.
func NewManager(clk clock.Clock, skew time.Duration, stat stats.StatsReceiver) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Manager{
		clk:          clk,
		skew:         skew,
		stat:         stat.Scope("security"),
		FetchTimeout: DefaultFetchTimeout,
		providers:    map[string]Provider{},
		cache:        map[string]*entry{},
	}
}

func (m *Manager) Register(scheme string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = p
}

func cacheKey(scheme, identity string) string {
	return scheme + "\x00" + identity
}

// Acquire returns the cached Context for scheme and p.Identity, fetching or
// renewing it as needed.
func (m *Manager) Acquire(ctx context.Context, scheme string, p Params) (*Context, error) {
	key := cacheKey(scheme, p.Identity)
	m.mu.Lock()
	e, ok := m.cache[key]
	provider := m.providers[scheme]
	m.mu.Unlock()

	if ok {
		if e.sc.Valid(m.clk.Now().Add(m.skew)) {
			return e.sc, nil
		}
		if err := m.Renew(ctx, e.sc); err != nil {
			return nil, err
		}
		return e.sc, nil
	}
	if provider == nil {
		return nil, errors.New(errors.Credential, "no provider for scheme %q", scheme)
	}

	p = copyParams(p)
	v, err := m.shared(ctx, key, func(fctx context.Context) (interface{}, error) {
		m.mu.Lock()
		if e, ok := m.cache[key]; ok {
			m.mu.Unlock()
			return e.sc, nil
		}
		m.mu.Unlock()

		cred, err := provider.Fetch(fctx, p)
		if err != nil {
			return nil, errors.Wrap(errors.Credential, err, "fetching %s credential for %s", scheme, p.Identity)
		}
		if !cred.Expiry.IsZero() && !m.clk.Now().Before(cred.Expiry) {
			Zero(cred.Material)
			return nil, errors.New(errors.Credential, "%s provider returned a credential for %s that expired at %s",
				scheme, p.Identity, cred.Expiry)
		}
		sc := NewContext(scheme, p.Identity, cred)
		Zero(cred.Material)

		m.mu.Lock()
		m.cache[key] = &entry{sc: sc, params: p}
		m.mu.Unlock()
		m.stat.Counter(stats.SecurityAcquireCounter).Inc(1)
		log.WithFields(log.Fields{
			"scheme":   scheme,
			"identity": p.Identity,
			"expiry":   cred.Expiry,
		}).Info("Acquired credential")
		return sc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Context), nil
}

// IsValid reports whether sc can be used at at.
func (m *Manager) IsValid(sc *Context, at time.Time) bool {
	return sc != nil && sc.Valid(at)
}

// Renew refreshes sc in place from its provider. A context that is still
// valid beyond the skew window is left untouched. Provider rejection is a CredentialError.
func (m *Manager) Renew(ctx context.Context, sc *Context) error {
	if sc == nil {
		return errors.New(errors.Credential, "no security context to renew")
	}
	key := cacheKey(sc.Scheme(), sc.Identity())
	m.mu.Lock()
	e, ok := m.cache[key]
	provider := m.providers[sc.Scheme()]
	m.mu.Unlock()
	if !ok || e.sc != sc {
		return errors.New(errors.Credential, "credential %s is not managed here", sc)
	}
	if provider == nil {
		return errors.New(errors.Credential, "no provider for scheme %q", sc.Scheme())
	}

	_, err := m.shared(ctx, "renew\x00"+key, func(fctx context.Context) (interface{}, error) {
		if sc.Valid(m.clk.Now().Add(m.skew)) {
			return nil, nil
		}
		m.stat.Counter(stats.SecurityRenewCounter).Inc(1)
		cred, err := provider.Fetch(fctx, e.params)
		if err != nil {
			m.stat.Counter(stats.SecurityRenewErrCounter).Inc(1)
			return nil, errors.Wrap(errors.Credential, err, "renewing %s", sc)
		}
		sc.replace(cred)
		Zero(cred.Material)
		if !sc.Valid(m.clk.Now()) {
			m.stat.Counter(stats.SecurityRenewErrCounter).Inc(1)
			return nil, errors.New(errors.Credential, "renewed %s is already expired", sc)
		}
		log.WithFields(log.Fields{
			"scheme":   sc.Scheme(),
			"identity": sc.Identity(),
			"version":  sc.Version(),
			"expiry":   cred.Expiry,
		}).Info("Renewed credential")
		return nil, nil
	})
	return err
}

// shared runs fn once for all callers of key. A caller whose ctx ends stops
// waiting without failing the others.
func (m *Manager) shared(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := m.group.DoChan(key, func() (interface{}, error) {
		fctx := context.Background()
		if m.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, m.FetchTimeout)
			defer cancel()
		}
		return fn(fctx)
	})
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, errors.Wrap(errors.Canceled, ctx.Err(), "waiting for credential")
	}
}

// Close releases every cached context and zeroes retained secrets.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.cache {
		e.sc.Release()
		Zero(e.params.Secret)
		delete(m.cache, key)
	}
}

func copyParams(p Params) Params {
	c := Params{Identity: p.Identity, Secret: append([]byte(nil), p.Secret...)}
	if p.Options != nil {
		c.Options = make(map[string]string, len(p.Options))
		for k, v := range p.Options {
			c.Options[k] = v
		}
	}
	return c
}
