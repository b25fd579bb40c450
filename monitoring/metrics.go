package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pricefeed_memory_bytes",
		Help: "Current heap allocation in bytes",
	})

	goroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pricefeed_goroutines",
		Help: "Current number of goroutines",
	})
)

// StartMetricsCollection samples process-level gauges until ctx is
// cancelled.
func StartMetricsCollection(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collectSystemMetrics()
			}
		}
	}()
}

func collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryUsage.Set(float64(m.Alloc))
	goroutineCount.Set(float64(runtime.NumGoroutine()))
}
