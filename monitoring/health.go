package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"campustrade_feed/metrics"
)

type HealthStatus struct {
	Status          string            `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	MemoryUsage     uint64            `json:"memory_usage"`
	GoroutineCount  int               `json:"goroutine_count"`
	TicksProduced   uint64            `json:"ticks_produced"`
	MessagesDropped uint64            `json:"messages_dropped"`
	LastTickAt      *time.Time        `json:"last_tick_at,omitempty"`
	ComponentStatus map[string]string `json:"component_status"`
}

var (
	startTime = time.Now()

	mu           sync.RWMutex
	healthChecks = make(map[string]func() bool)
)

// RegisterHealthCheck adds a named component probe to the /health payload.
func RegisterHealthCheck(name string, check func() bool) {
	mu.Lock()
	defer mu.Unlock()
	healthChecks[name] = check
}

func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	produced, dropped, lastTick, uptime := metrics.GetStats()

	status := HealthStatus{
		Status:          "ok",
		Uptime:          uptime.String(),
		StartTime:       startTime,
		MemoryUsage:     m.Alloc,
		GoroutineCount:  runtime.NumGoroutine(),
		TicksProduced:   produced,
		MessagesDropped: dropped,
		ComponentStatus: make(map[string]string),
	}
	if !lastTick.IsZero() {
		status.LastTickAt = &lastTick
	}

	mu.RLock()
	for name, check := range healthChecks {
		if check() {
			status.ComponentStatus[name] = "healthy"
		} else {
			status.ComponentStatus[name] = "unhealthy"
			status.Status = "degraded"
		}
	}
	mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
