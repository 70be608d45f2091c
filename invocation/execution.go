package invocation

import (
	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/notify"
	"github.com/hpcgate/hpcgate/registry"
)

// ExecutionContext is shared by every job an orchestrator runs. It is
// immutable after construction.
type ExecutionContext struct {
	registry   registry.Registry
	dispatcher *notify.Dispatcher
}

// NewExecutionContext freezes listeners in the given order.
func NewExecutionContext(reg registry.Registry, listeners ...notify.Notifiable) *ExecutionContext {
	return NewExecutionContextWithStats(reg, nil, listeners...)
}

func NewExecutionContextWithStats(reg registry.Registry, stat stats.StatsReceiver, listeners ...notify.Notifiable) *ExecutionContext {
	return &ExecutionContext{
		registry:   reg,
		dispatcher: notify.NewDispatcher(stat, listeners...),
	}
}

// Listeners returns a copy; changing it does not affect delivery.
func (e *ExecutionContext) Listeners() []notify.Notifiable {
	return e.dispatcher.Listeners()
}

func (e *ExecutionContext) Dispatcher() *notify.Dispatcher { return e.dispatcher }

func (e *ExecutionContext) Registry() registry.Registry { return e.registry }
