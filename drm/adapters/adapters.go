// Package adapters constructs drm.Adapters by SchedulerType.
// Supporting a new scheduler means adding its package and a case to New.
package adapters

import (
	"fmt"

	"github.com/hpcgate/hpcgate/drm"
	"github.com/hpcgate/hpcgate/drm/gram"
	"github.com/hpcgate/hpcgate/drm/pbs"
	"github.com/hpcgate/hpcgate/drm/slurm"
	"github.com/hpcgate/hpcgate/job"
)

func New(t job.SchedulerType, cfg drm.Config) (drm.Adapter, error) {
	switch t {
	case job.SLURM:
		return slurm.NewAdapter(cfg), nil
	case job.PBS:
		return pbs.NewAdapter(cfg), nil
	case job.GRAM:
		return gram.NewAdapter(cfg), nil
	}
	return nil, fmt.Errorf("no adapter for scheduler %q", t)
}

// Set holds one configured Adapter per scheduler.
type Set map[job.SchedulerType]drm.Adapter

// NewSet builds adapters for every configured scheduler.
func NewSet(cfgs map[job.SchedulerType]drm.Config) (Set, error) {
	s := Set{}
	for t, cfg := range cfgs {
		a, err := New(t, cfg)
		if err != nil {
			return nil, err
		}
		s[t] = a
	}
	return s, nil
}

// Adapter implements drm.Lookup.
func (s Set) Adapter(t job.SchedulerType) (drm.Adapter, error) {
	a, ok := s[t]
	if !ok {
		return nil, fmt.Errorf("scheduler %q is not configured", t)
	}
	return a, nil
}
