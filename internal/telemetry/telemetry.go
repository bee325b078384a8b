// Package telemetry wraps go-metrics with an in-memory sink so loops can
// count what they do and the status API can show it.
package telemetry

import (
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

// Telemetry is nil-safe: every method on a nil *Telemetry is a no-op.
type Telemetry struct {
	m    *metrics.Metrics
	sink *metrics.InmemSink
	name string
}

// New keeps 10s intervals for one minute.
func New(service string) (*Telemetry, error) {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	conf := metrics.DefaultConfig(service)
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	m, err := metrics.New(conf, sink)
	if err != nil {
		return nil, err
	}
	return &Telemetry{m: m, sink: sink, name: service}, nil
}

func (t *Telemetry) Incr(key ...string) {
	if t == nil {
		return
	}
	t.m.IncrCounter(key, 1)
}

func (t *Telemetry) Gauge(v float32, key ...string) {
	if t == nil {
		return
	}
	t.m.SetGauge(key, v)
}

func (t *Telemetry) Since(start time.Time, key ...string) {
	if t == nil {
		return
	}
	t.m.MeasureSince(key, start)
}

// Summary returns the sink's current view in its JSON display form.
func (t *Telemetry) Summary() (any, error) {
	if t == nil {
		return metrics.MetricsSummary{}, nil
	}
	return t.sink.DisplayMetrics(nil, nil)
}

// Counter sums a counter across every retained interval.
func (t *Telemetry) Counter(key ...string) float64 {
	if t == nil {
		return 0
	}
	name := strings.Join(append([]string{t.name}, key...), ".")
	var total float64
	for _, iv := range t.sink.Data() {
		iv.RLock()
		if c, ok := iv.Counters[name]; ok {
			total += c.Sum
		}
		iv.RUnlock()
	}
	return total
}
