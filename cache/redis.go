package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"campustrade_feed/models"
)

const keyPrefix = "price:"

// RedisMirror write-behinds the latest tick per instrument into Redis so
// collaborators outside this process (order execution, leaderboard jobs) can
// read current prices without opening a streaming channel. The mirror is
// strictly best-effort: writes are queued and breaker-protected, and a dead
// Redis never slows the tick path.
type RedisMirror struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	logger  *zap.SugaredLogger
	queue   chan *models.PriceTick
	done    chan struct{}
}

func NewRedisMirror(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *RedisMirror {
	m := &RedisMirror{
		client: client,
		ttl:    ttl,
		logger: logger,
		queue:  make(chan *models.PriceTick, 1024),
		done:   make(chan struct{}),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-mirror",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Infow("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return m
}

// Run drains the queue until ctx is cancelled.
func (m *RedisMirror) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-m.queue:
			m.write(ctx, t)
		}
	}
}

// Publish enqueues a tick for mirroring. Drops when the queue is full rather
// than blocking the producer.
func (m *RedisMirror) Publish(t *models.PriceTick) {
	select {
	case m.queue <- t:
	default:
	}
}

// Get reads a mirrored tick back, for health checks and tests.
func (m *RedisMirror) Get(ctx context.Context, instrumentKey string) (*models.PriceTick, error) {
	raw, err := m.client.Get(ctx, keyPrefix+instrumentKey).Result()
	if err != nil {
		return nil, err
	}
	var u models.PriceUpdate
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, err
	}
	return models.TickFromUpdate(u), nil
}

// Ping reports mirror reachability for the health endpoint.
func (m *RedisMirror) Ping(ctx context.Context) bool {
	return m.client.Ping(ctx).Err() == nil
}

// Done is closed once Run has exited.
func (m *RedisMirror) Done() <-chan struct{} {
	return m.done
}

func (m *RedisMirror) write(ctx context.Context, t *models.PriceTick) {
	payload, err := json.Marshal(models.NewPriceUpdate(t))
	if err != nil {
		return
	}
	_, err = m.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return nil, m.client.Set(opCtx, keyPrefix+t.InstrumentKey, payload, m.ttl).Err()
	})
	if err != nil && err != gobreaker.ErrOpenState && ctx.Err() == nil {
		m.logger.Warnw("Redis mirror write failed",
			"instrument", t.InstrumentKey,
			"error", err)
	}
}
