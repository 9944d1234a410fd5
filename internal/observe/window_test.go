package observe

import (
	"context"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestWindow_AvgAndP95(t *testing.T) {
	w := NewWindow()
	if w.Avg() != 0 || w.P95() != 0 {
		t.Error("empty window should report zeros")
	}

	for i := 1; i <= 100; i++ {
		w.Add(float64(i))
	}
	if got := w.Avg(); got != 50.5 {
		t.Errorf("Avg = %v, want 50.5", got)
	}
	if got := w.P95(); got != 95 {
		t.Errorf("P95 = %v, want 95", got)
	}
}

func TestWindow_Eviction(t *testing.T) {
	w := NewWindow()
	// Fill with high values, then overwrite the whole window with 1s.
	for i := 0; i < windowSize; i++ {
		w.Add(1000)
	}
	for i := 0; i < windowSize; i++ {
		w.Add(1)
	}
	if got := w.Avg(); got != 1 {
		t.Errorf("Avg after eviction = %v, want 1", got)
	}
	if got := w.Len(); got != windowSize {
		t.Errorf("Len = %d, want %d", got, windowSize)
	}
}

func TestWindow_Concurrent(t *testing.T) {
	w := NewWindow()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				w.Add(float64(i))
				_ = w.Avg()
				_ = w.P95()
			}
		}()
	}
	wg.Wait()
	if w.Len() != windowSize {
		t.Errorf("Len = %d, want %d", w.Len(), windowSize)
	}
}

func TestRegisterWindowGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	w := NewWindow()
	w.Add(2)
	w.Add(4)
	if err := RegisterWindowGauges(mp, "rapport.predict.latency", w); err != nil {
		t.Fatal(err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}

	avg := findMetric(rm, "rapport.predict.latency.avg")
	if avg == nil {
		t.Fatal("avg gauge not found")
	}
	g := avg.Data.(metricdata.Gauge[float64])
	if len(g.DataPoints) != 1 || g.DataPoints[0].Value != 3 {
		t.Errorf("avg gauge = %+v, want 3", g.DataPoints)
	}
}
