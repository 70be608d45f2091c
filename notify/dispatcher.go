package notify

import (
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/hpcgate/hpcgate/common/stats"
)

// Notifiable receives events. Errors are logged by the Dispatcher and
// otherwise ignored.
type Notifiable interface {
	Notify(ev Event) error
}

// ListenerFunc adapts a function to Notifiable.
type ListenerFunc func(ev Event) error

func (f ListenerFunc) Notify(ev Event) error { return f(ev) }

// Dispatcher fans events out synchronously, in registration order. Its
// listener list is fixed at construction.
type Dispatcher struct {
	listeners []Notifiable
	stat      stats.StatsReceiver
}

func NewDispatcher(stat stats.StatsReceiver, listeners ...Notifiable) *Dispatcher {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Dispatcher{
		listeners: append([]Notifiable(nil), listeners...),
		stat:      stat.Scope("notify"),
	}
}

// Listeners returns a copy of the listener list.
func (d *Dispatcher) Listeners() []Notifiable {
	return append([]Notifiable(nil), d.listeners...)
}

// Notify delivers ev to every listener. A failing or panicking listener does
// not stop delivery to the ones after it.
func (d *Dispatcher) Notify(ev Event) {
	d.stat.Scope(ev.Type()).Counter(stats.NotifyEventCounter).Inc(1)
	for i, l := range d.listeners {
		if err := deliver(l, ev); err != nil {
			d.stat.Counter(stats.NotifyListenerErrCounter).Inc(1)
			log.WithFields(log.Fields{
				"jobID":    ev.EventMeta().JobID,
				"event":    ev.Type(),
				"listener": i,
				"err":      err,
			}).Error("Listener failed")
		}
	}
}

func deliver(l Notifiable, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return l.Notify(ev)
}
