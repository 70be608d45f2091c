// Package records provides implementations of registry.Registry.
package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/hpcgate/hpcgate/registry"
)

// InMemory keeps records in a map. It does NOT durably persist anything.
// Callers always get and give copies.
type InMemory struct {
	mutex   sync.RWMutex
	records map[string]*registry.Record
	history map[string][]*registry.Record

	clk          clock.Clock
	gcExpiration time.Duration
	gcTicker     *clock.Ticker
	done         chan struct{}
	closeOnce    sync.Once
}

// NewInMemory returns a registry that never forgets a record.
func NewInMemory() *InMemory {
	return NewInMemoryWithGC(0, 0, clock.New())
}

// NewInMemoryWithGC drops finalized records whose last update is older than
// gcExpiration, checking every gcInterval. Active records are never dropped.
// A zero gcExpiration disables GC.
func NewInMemoryWithGC(gcExpiration, gcInterval time.Duration, clk clock.Clock) *InMemory {
	m := &InMemory{
		records:      make(map[string]*registry.Record),
		history:      make(map[string][]*registry.Record),
		clk:          clk,
		gcExpiration: gcExpiration,
		done:         make(chan struct{}),
	}
	if gcExpiration != 0 {
		m.gcTicker = clk.Ticker(gcInterval)
		go m.loop()
	}
	return m
}

func (m *InMemory) loop() {
	for {
		select {
		case <-m.gcTicker.C:
			if n := m.gc(); n > 0 {
				log.Infof("Dropped %d finalized job records", n)
			}
		case <-m.done:
			return
		}
	}
}

func (m *InMemory) SaveJobRecord(ctx context.Context, rec *registry.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := rec.Clone()
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.records[rec.JobID] = c
	m.history[rec.JobID] = append(m.history[rec.JobID], c.Clone())
	return nil
}

func (m *InMemory) LoadJobRecord(ctx context.Context, jobID string) (*registry.Record, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	rec, ok := m.records[jobID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *InMemory) ActiveJobs(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ids := []string{}
	for id, rec := range m.records {
		if rec.Active() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// History returns every record saved for jobID, oldest first.
func (m *InMemory) History(jobID string) []*registry.Record {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]*registry.Record, 0, len(m.history[jobID]))
	for _, rec := range m.history[jobID] {
		out = append(out, rec.Clone())
	}
	return out
}

// Close stops GC. Records stay readable.
func (m *InMemory) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.gcTicker != nil {
			m.gcTicker.Stop()
		}
	})
}

func (m *InMemory) gc() int {
	now := m.clk.Now()
	m.mutex.Lock()
	defer m.mutex.Unlock()
	n := 0
	for id, rec := range m.records {
		if !rec.Active() && now.Sub(rec.Timestamps.Updated) >= m.gcExpiration {
			delete(m.records, id)
			delete(m.history, id)
			n++
		}
	}
	return n
}
