// Package security manages the credentials jobs run under. A Context is an
// authenticated identity plus its secret material; a Manager acquires Contexts
// from per-scheme Providers, caches them, and renews them in place.
package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/hpcgate/hpcgate/common/errors"
)

// Credential is what a Provider returns.
type Credential struct {
	Material []byte
	// Zero means the credential does not expire.
	Expiry time.Time
}

// Context is a live credential. It is shared by every job using the same
// scheme and identity, and is safe for concurrent use. Renewal swaps the
// material under the write lock, so a reader in Use never sees a half-renewed context.
type Context struct {
	scheme   string
	identity string

	mu       sync.RWMutex
	material []byte
	expiry   time.Time
	version  uint64
	released bool
}

// NewContext copies cred.Material; the caller may zero its copy afterwards.
func NewContext(scheme, identity string, cred Credential) *Context {
	c := &Context{scheme: scheme, identity: identity}
	c.replace(cred)
	return c
}

func (c *Context) Scheme() string   { return c.scheme }
func (c *Context) Identity() string { return c.identity }

func (c *Context) Expiry() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiry
}

// Version increases with every renewal. Connection pools key on it.
func (c *Context) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Valid is true if the context holds material that has not expired at at.
func (c *Context) Valid(at time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validLocked(at)
}

func (c *Context) validLocked(at time.Time) bool {
	if c.released || len(c.material) == 0 {
		return false
	}
	return c.expiry.IsZero() || at.Before(c.expiry)
}

// Check returns a CredentialError unless the context is valid at at.
func (c *Context) Check(at time.Time) error {
	if c == nil {
		return errors.New(errors.Credential, "no security context")
	}
	if !c.Valid(at) {
		return errors.New(errors.Credential, "credential %s expired or released", c)
	}
	return nil
}

// Use calls fn with the material while holding the read lock.
// fn must not retain the slice.
func (c *Context) Use(fn func(material []byte) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.released {
		return errors.New(errors.Credential, "credential %s was released", c.stringLocked())
	}
	return fn(c.material)
}

func (c *Context) replace(cred Credential) {
	material := make([]byte, len(cred.Material))
	copy(material, cred.Material)
	c.mu.Lock()
	defer c.mu.Unlock()
	Zero(c.material)
	c.material = material
	c.expiry = cred.Expiry
	c.version++
	c.released = false
}

// Release zeroes the material. A released context is never valid again.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	Zero(c.material)
	c.material = nil
	c.released = true
}

// String never includes the material.
func (c *Context) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stringLocked()
}

func (c *Context) stringLocked() string {
	exp := "never"
	if !c.expiry.IsZero() {
		exp = c.expiry.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s:%s(v%d, expires %s)", c.scheme, c.identity, c.version, exp)
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
