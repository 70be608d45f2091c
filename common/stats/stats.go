// Package stats provides a small metrics interface backed by go-metrics.
// A StatsReceiver is passed down a call tree and scoped at each level:
//
//	stat.Scope("orchestrator", "slurm").Counter("submits").Inc(1)
//
// records to "orchestrator/slurm/submits". Render flattens the registry into
// one JSON object: counters and gauges as numbers, latencies in milliseconds
// expanded to .avg/.count/.max/.min/.sum and percentiles.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

// Clock is used to time Latency instruments. Tests may swap in clock.NewMock().
var Clock clock.Clock = clock.New()

type StatsReceiver interface {
	// Scope returns a receiver that prefixes names with scope.
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	Latency(name ...string) Latency

	// Render marshals every instrument to JSON.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver records into a fresh registry.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{s.registry, s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), newCounter()).(Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), newGauge()).(Gauge)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	return s.registry.GetOrRegister(s.scopedName(name...), newLatency()).(Latency)
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	var bytes []byte
	var err error
	if pretty {
		bytes, err = json.MarshalIndent(flatten(s.registry), "", "  ")
	} else {
		bytes, err = json.Marshal(flatten(s.registry))
	}
	if err != nil {
		log.Errorf("Unable to render stats: %v", err)
		return []byte("{}")
	}
	return bytes
}

// Copy the scope before appending so sibling scopes never share a backing array.
func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	out := make([]string, 0, len(s.scope)+len(scope))
	out = append(out, s.scope...)
	for _, sc := range scope {
		out = append(out, strings.Replace(sc, "/", "_SLASH_", -1))
	}
	return out
}

func (s *defaultStatsReceiver) scopedName(name ...string) string {
	return strings.Join(s.scoped(name...), "/")
}

// NilStatsReceiver ignores all stats operations.
func NilStatsReceiver() StatsReceiver {
	return nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s nilStatsReceiver) Scope(scope ...string) StatsReceiver { return s }
func (nilStatsReceiver) Counter(name ...string) Counter        { return metrics.NilCounter{} }
func (nilStatsReceiver) Gauge(name ...string) Gauge            { return metrics.NilGauge{} }
func (nilStatsReceiver) Latency(name ...string) Latency        { return nilLatency{} }
func (nilStatsReceiver) Render(pretty bool) []byte             { return []byte("{}") }

type Counter interface {
	Count() int64
	Inc(int64)
}

func newCounter() Counter { return metrics.NewCounter() }

type Gauge interface {
	Update(int64)
	Value() int64
}

func newGauge() Gauge { return metrics.NewGauge() }

// Latency records durations into a histogram. Time starts a measurement, Stop records it.
//
//	defer stat.Latency(stats.OrchestratorSubmitLatency_ms).Time().Stop()
type Latency interface {
	Time() Latency
	Stop()
	Record(time.Duration)
	snapshot() metrics.Histogram
}

// The embedded Histogram is what lets a go-metrics registry accept the instrument.
type metricLatency struct {
	metrics.Histogram
	start time.Time
}

func newLatency() Latency {
	return &metricLatency{Histogram: metrics.NewHistogram(metrics.NewUniformSample(1000))}
}

// Time returns a timer sharing this Latency's histogram, so concurrent
// measurements do not overwrite each other's start time.
func (l *metricLatency) Time() Latency {
	return &metricLatency{Histogram: l.Histogram, start: Clock.Now()}
}
func (l *metricLatency) Stop()                       { l.Record(Clock.Since(l.start)) }
func (l *metricLatency) Record(d time.Duration)      { l.Update(d.Nanoseconds()) }
func (l *metricLatency) snapshot() metrics.Histogram { return l.Snapshot() }

type nilLatency struct{}

func (l nilLatency) Time() Latency             { return l }
func (nilLatency) Stop()                       {}
func (nilLatency) Record(time.Duration)        {}
func (nilLatency) snapshot() metrics.Histogram { return metrics.NilHistogram{} }

var percentiles = []float64{0.5, 0.9, 0.99}
var percentileLabels = []string{"p50", "p90", "p99"}

// flatten maps every instrument in reg to name -> number.
func flatten(reg metrics.Registry) map[string]interface{} {
	data := map[string]interface{}{}
	reg.Each(func(name string, i interface{}) {
		switch stat := i.(type) {
		case Counter:
			data[name] = stat.Count()
		case Gauge:
			data[name] = stat.Value()
		case Latency:
			flattenHistogram(data, name, stat.snapshot())
		default:
			log.Infof("Unrecognized instrument: %s %v", name, i)
		}
	})
	return data
}

func flattenHistogram(data map[string]interface{}, name string, hist metrics.Histogram) {
	const ms = int64(time.Millisecond)
	data[name+".avg"] = hist.Mean() / float64(ms)
	data[name+".count"] = hist.Count()
	data[name+".max"] = hist.Max() / ms
	data[name+".min"] = hist.Min() / ms
	data[name+".sum"] = hist.Sum() / ms
	for i, p := range hist.Percentiles(percentiles) {
		data[name+"."+percentileLabels[i]] = p / float64(ms)
	}
}
