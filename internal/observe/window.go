package observe

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// windowSize is the number of recent samples kept for the rolling latency
// gauges.
const windowSize = 1000

// Window keeps the most recent samples of a latency series in a ring buffer
// and answers average and p95 queries over them. Safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// NewWindow returns an empty rolling window holding up to 1000 samples.
func NewWindow() *Window {
	return &Window{samples: make([]float64, windowSize)}
}

// Add records one sample, evicting the oldest when the window is full.
func (w *Window) Add(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = v
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Len reports how many samples the window currently holds.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lenLocked()
}

func (w *Window) lenLocked() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// Avg returns the mean over the current window, or 0 when empty.
func (w *Window) Avg() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.lenLocked()
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.samples[:n] {
		sum += v
	}
	return sum / float64(n)
}

// P95 returns the 95th percentile over the current window, or 0 when empty.
func (w *Window) P95() float64 {
	w.mu.Lock()
	n := w.lenLocked()
	if n == 0 {
		w.mu.Unlock()
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	sort.Float64s(sorted)
	idx := (n*95 + 99) / 100 // ceil(n * 0.95)
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

// RegisterWindowGauges exposes a window's average and p95 as observable
// gauges named <prefix>.avg and <prefix>.p95 on the given meter provider.
func RegisterWindowGauges(mp metric.MeterProvider, prefix string, w *Window) error {
	m := mp.Meter(meterName)

	avg, err := m.Float64ObservableGauge(prefix+".avg",
		metric.WithDescription("Rolling average over the last 1000 samples."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	p95, err := m.Float64ObservableGauge(prefix+".p95",
		metric.WithDescription("Rolling p95 over the last 1000 samples."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(avg, w.Avg())
		o.ObserveFloat64(p95, w.P95())
		return nil
	}, avg, p95)
	return err
}
