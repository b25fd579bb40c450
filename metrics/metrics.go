package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Prometheus metrics
	producedTicksMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pricefeed_ticks_produced_total",
		Help: "The total number of ticks emitted by the producer",
	})

	fannedOutMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pricefeed_messages_fanned_out_total",
		Help: "Total price updates enqueued to subscriber connections",
	})

	droppedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pricefeed_messages_dropped_total",
		Help: "Price updates dropped because a connection could not keep up",
	})

	commandErrorsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pricefeed_command_errors_total",
		Help: "Rejected or malformed client commands",
	})

	activeConnectionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pricefeed_active_connections",
		Help: "Currently registered streaming connections",
	})

	subscriptionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pricefeed_subscriptions",
		Help: "Sum of all connections' interest-set sizes",
	})

	fanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricefeed_fanout_seconds",
		Help:    "Time spent fanning one tick out to all subscribers",
		Buckets: prometheus.LinearBuckets(0.0001, 0.0002, 10),
	})

	// Internal counters for the health payload
	producedTicks uint64
	droppedCount  uint64
	lastProduced  atomic.Int64
	startTime     = time.Now()
)

func IncrementProduced() {
	atomic.AddUint64(&producedTicks, 1)
	producedTicksMetric.Inc()
	lastProduced.Store(time.Now().UnixNano())
}

func IncrementFannedOut() {
	fannedOutMetric.Inc()
}

func IncrementDropped() {
	atomic.AddUint64(&droppedCount, 1)
	droppedMetric.Inc()
}

func IncrementCommandErrors() {
	commandErrorsMetric.Inc()
}

func SetActiveConnections(n int) {
	activeConnectionsMetric.Set(float64(n))
}

func SetSubscriptions(n int) {
	subscriptionsMetric.Set(float64(n))
}

func RecordFanoutDuration(d time.Duration) {
	fanoutDuration.Observe(d.Seconds())
}

// GetStats returns produced ticks, dropped messages, last production time and
// process uptime.
func GetStats() (uint64, uint64, time.Time, time.Duration) {
	last := time.Time{}
	if ns := lastProduced.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return atomic.LoadUint64(&producedTicks),
		atomic.LoadUint64(&droppedCount),
		last,
		time.Since(startTime)
}
