package hub

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"campustrade_feed/cache"
	"campustrade_feed/metrics"
	"campustrade_feed/models"
)

const maxKeyLength = 128

// Client is the hub's view of one connected subscriber. Send must be a
// non-blocking enqueue into the connection's bounded outbound queue and
// report whether the message was accepted; it is called with the hub lock
// held and must never wait on the network.
type Client interface {
	ID() string
	Send(v interface{}) bool
	CloseWithReason(reason string)
}

// Hub is the subscription manager: it tracks which instruments each
// connection wants, keeps the inverse index, and fans each produced tick out
// to exactly the interested connections.
//
// All three maps live under one mutex; every operation is an atomic
// read-modify-write, so the invariant
//
//	k in interests[c] <=> c in subscribers[k]
//
// holds after every call, never just eventually.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]Client
	interests   map[string]map[string]bool
	subscribers map[string]map[string]bool

	cache        *cache.Cache
	logger       *zap.SugaredLogger
	maxInterests int
}

func New(c *cache.Cache, logger *zap.SugaredLogger, maxInterests int) *Hub {
	return &Hub{
		clients:      make(map[string]Client),
		interests:    make(map[string]map[string]bool),
		subscribers:  make(map[string]map[string]bool),
		cache:        c,
		logger:       logger,
		maxInterests: maxInterests,
	}
}

// Register adds a connection with an empty interest set.
func (h *Hub) Register(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.ID()] = c
	h.interests[c.ID()] = make(map[string]bool)
	metrics.SetActiveConnections(len(h.clients))
	h.logger.Infow("Connection registered", "conn_id", c.ID(), "total", len(h.clients))
}

// Unregister removes the connection from every instrument bucket and drops
// its interest set. Safe to call more than once.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[connID]; !ok {
		return
	}
	for key := range h.interests[connID] {
		h.removeFromBucket(key, connID)
	}
	delete(h.interests, connID)
	delete(h.clients, connID)
	metrics.SetActiveConnections(len(h.clients))
	h.logger.Infow("Connection unregistered", "conn_id", connID, "total", len(h.clients))
}

// Subscribe adds the given keys to the connection's interest set, up to the
// interest cap. Invalid or over-cap keys are rejected with an error status to
// that connection only; the valid subset still applies (partial success).
// Each newly added key with a cached tick is seeded immediately, before any
// later live tick, which is why the enqueue happens under the hub lock.
func (h *Hub) Subscribe(connID string, keys []string) (accepted, rejected []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return nil, keys
	}
	set := h.interests[connID]

	for _, key := range keys {
		if !validKey(key) {
			rejected = append(rejected, key)
			continue
		}
		if set[key] {
			// Idempotent: already subscribed, no duplicate delivery.
			continue
		}
		if len(set) >= h.maxInterests {
			rejected = append(rejected, key)
			continue
		}
		set[key] = true
		if h.subscribers[key] == nil {
			h.subscribers[key] = make(map[string]bool)
		}
		h.subscribers[key][connID] = true
		accepted = append(accepted, key)

		if tick, ok := h.cache.Get(key); ok {
			h.deliver(c, tick)
		}
	}

	if len(rejected) > 0 {
		c.Send(models.NewStatus(models.StatusError,
			fmt.Sprintf("subscription rejected for %d of %d instruments (invalid key or interest cap %d exceeded)",
				len(rejected), len(keys), h.maxInterests)))
		metrics.IncrementCommandErrors()
	}
	metrics.SetSubscriptions(h.subscriptionCountLocked())
	return accepted, rejected
}

// Unsubscribe removes keys from the connection's interest set. Keys the
// connection was never subscribed to are no-ops, not errors.
func (h *Hub) Unsubscribe(connID string, keys []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.interests[connID]
	if !ok {
		return
	}
	for _, key := range keys {
		if !set[key] {
			continue
		}
		delete(set, key)
		h.removeFromBucket(key, connID)
	}
	metrics.SetSubscriptions(h.subscriptionCountLocked())
}

// BroadcastTick fans a tick out to every connection interested in its
// instrument. Delivery is a non-blocking enqueue; a connection that cannot
// keep up loses its oldest queued message, never stalls the producer or its
// neighbours.
func (h *Hub) BroadcastTick(t *models.PriceTick) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID := range h.subscribers[t.InstrumentKey] {
		if c, ok := h.clients[connID]; ok {
			h.deliver(c, t)
		}
	}
}

// BroadcastStatus sends a status message to every connection, e.g. on
// upstream feed transitions.
func (h *Hub) BroadcastStatus(status, message string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg := models.NewStatus(status, message)
	for _, c := range h.clients {
		c.Send(msg)
	}
}

// Interests returns a copy of the connection's interest set.
func (h *Hub) Interests(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.interests[connID]))
	for key := range h.interests[connID] {
		out = append(out, key)
	}
	return out
}

// Subscribers returns a copy of the instrument's index bucket.
func (h *Hub) Subscribers(key string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.subscribers[key]))
	for connID := range h.subscribers[key] {
		out = append(out, connID)
	}
	return out
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// deliver pushes one tick to one client, counting drops. A panicking client
// implementation must not take down the fan-out loop or the producer.
func (h *Hub) deliver(c Client, t *models.PriceTick) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorw("Panic delivering tick", "conn_id", c.ID(), "panic", r)
		}
	}()
	if c.Send(models.NewPriceUpdate(t)) {
		metrics.IncrementFannedOut()
	} else {
		metrics.IncrementDropped()
		h.logger.Debugw("Dropped tick for slow connection",
			"conn_id", c.ID(),
			"instrument", t.InstrumentKey)
	}
}

// removeFromBucket deletes connID from key's bucket, pruning empty buckets so
// the index never grows past the set of actually-watched instruments.
func (h *Hub) removeFromBucket(key, connID string) {
	if bucket, ok := h.subscribers[key]; ok {
		delete(bucket, connID)
		if len(bucket) == 0 {
			delete(h.subscribers, key)
		}
	}
}

func (h *Hub) subscriptionCountLocked() int {
	n := 0
	for _, set := range h.interests {
		n += len(set)
	}
	return n
}

func validKey(key string) bool {
	if key == "" || len(key) > maxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return false
		}
	}
	return true
}
