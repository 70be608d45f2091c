// Package invocation carries everything one service invocation needs: its
// parameters, the credentials it runs under, and the shared execution context.
package invocation

import (
	"sync"

	"github.com/hpcgate/hpcgate/params"
	"github.com/hpcgate/hpcgate/security"
)

// Context is owned by one job. Inputs are read only once the job is
// submitted; Outputs are filled in when the job finishes.
type Context struct {
	ServiceName string
	Inputs      *params.Context

	// Declared outputs. Values are set when the job completes.
	Outputs *params.Context

	exec *ExecutionContext

	mu       sync.RWMutex
	security map[string]*security.Context
}

// NewContext returns a Context with empty parameter sets when inputs or
// outputs are nil.
func NewContext(serviceName string, ec *ExecutionContext, inputs, outputs *params.Context) *Context {
	if inputs == nil {
		inputs, _ = params.NewContext()
	}
	if outputs == nil {
		outputs, _ = params.NewContext()
	}
	return &Context{
		ServiceName: serviceName,
		Inputs:      inputs,
		Outputs:     outputs,
		exec:        ec,
		security:    map[string]*security.Context{},
	}
}

func (c *Context) ExecutionContext() *ExecutionContext { return c.exec }

// SetSecurityContext binds sc under its scheme, replacing any earlier binding.
func (c *Context) SetSecurityContext(sc *security.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.security[sc.Scheme()] = sc
}

func (c *Context) SecurityContext(scheme string) (*security.Context, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.security[scheme]
	return sc, ok
}

// Release drops the references to bound security contexts. The material
// itself belongs to the security.Manager and is not touched.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.security = map[string]*security.Context{}
}
