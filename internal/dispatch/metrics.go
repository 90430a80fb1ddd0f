package dispatch

import (
	"time"

	"github.com/taskweave/taskweave"
)

// DispatchMetrics summarizes one dispatch run. Each Dispatch call
// accumulates its own instance, so concurrent runs on a shared Dispatcher
// never interleave counts.
type DispatchMetrics struct {
	StepsExecuted    int
	StepsSucceeded   int
	StepsFailed      int
	TotalDuration    time.Duration
	LongestStepTime  time.Duration
	ShortestStepTime time.Duration
	TotalRetries     int
}

func newDispatchMetrics() *DispatchMetrics {
	return &DispatchMetrics{ShortestStepTime: time.Hour * 24}
}

// record folds one outcome into the metrics. It is only called between
// level barriers, on the dispatching goroutine.
func (m *DispatchMetrics) record(out taskweave.Outcome) {
	m.StepsExecuted++
	m.TotalDuration += out.Duration
	if out.Attempts > 1 {
		m.TotalRetries += out.Attempts - 1
	}

	if out.Duration > m.LongestStepTime {
		m.LongestStepTime = out.Duration
	}
	if out.Duration < m.ShortestStepTime && out.Duration > 0 {
		m.ShortestStepTime = out.Duration
	}

	if out.Succeeded() {
		m.StepsSucceeded++
	} else {
		m.StepsFailed++
	}
}

// storeMetrics publishes a finished dispatch's metrics as the latest snapshot.
func (d *Dispatcher) storeMetrics(m *DispatchMetrics) {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	d.lastMetrics = *m
}

// Metrics returns the metrics of the most recently finished dispatch.
func (d *Dispatcher) Metrics() DispatchMetrics {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	return d.lastMetrics
}
