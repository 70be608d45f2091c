package params

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sync"
)

// Context maps unique names to parameters, keeping insertion order so
// positional command lines can be built from it. It is safe for concurrent use.
type Context struct {
	mu     sync.RWMutex
	order  []string
	params map[string]ActualParameter
}

func NewContext(ps ...ActualParameter) (*Context, error) {
	c := &Context{params: map[string]ActualParameter{}}
	for _, p := range ps {
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends p. It fails if the name is taken or p is invalid.
func (c *Context) Add(p ActualParameter) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	if _, ok := c.params[p.Name]; ok {
		return fmt.Errorf("duplicate parameter %q", p.Name)
	}
	c.order = append(c.order, p.Name)
	c.params[p.Name] = p
	return nil
}

// Set replaces the parameter of the same name in place, or appends p.
func (c *Context) Set(p ActualParameter) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	if _, ok := c.params[p.Name]; !ok {
		c.order = append(c.order, p.Name)
	}
	c.params[p.Name] = p
	return nil
}

func (c *Context) init() {
	if c.params == nil {
		c.params = map[string]ActualParameter{}
	}
}

func (c *Context) Get(name string) (ActualParameter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.params[name]
	return p, ok
}

func (c *Context) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Each calls fn in order on a snapshot, stopping at the first error.
func (c *Context) Each(fn func(ActualParameter) error) error {
	for _, p := range c.snapshot() {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) snapshot() []ActualParameter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ActualParameter, len(c.order))
	for i, n := range c.order {
		out[i] = c.params[n]
	}
	return out
}

// Args returns the values in order, one command line argument each.
func (c *Context) Args() []string {
	ps := c.snapshot()
	args := make([]string, len(ps))
	for i, p := range ps {
		args[i] = p.Arg()
	}
	return args
}

func (c *Context) Clone() *Context {
	out, _ := NewContext(c.snapshot()...)
	return out
}

// Equal compares names, order and values.
func (c *Context) Equal(o *Context) bool {
	a, b := c.snapshot(), o.snapshot()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

type xmlContext struct {
	XMLName xml.Name          `xml:"parameters"`
	Params  []ActualParameter `xml:"parameter"`
}

func (c *Context) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	return e.Encode(xmlContext{Params: c.snapshot()})
}

func (c *Context) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var x xmlContext
	if err := d.DecodeElement(&x, &start); err != nil {
		return err
	}
	nc, err := NewContext(x.Params...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order, c.params = nc.order, nc.params
	return nil
}

// MarshalXMLBytes is a convenience for xml.Marshal(c).
func (c *Context) MarshalXMLBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := xml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseXML rebuilds a Context written by MarshalXMLBytes.
func ParseXML(b []byte) (*Context, error) {
	c := &Context{}
	if err := xml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	c.init()
	return c, nil
}
