// Package client implements the consumer half of the price stream: one
// persistent WebSocket per process, a durable desired-interest set that is
// replayed on every reconnect, and a local last-known-price cache that keeps
// serving while the link is down.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campustrade_feed/models"
	"campustrade_feed/utils"
)

// State is the consumer's connection state. There is no terminal state while
// the consumer is alive; Close is the only way out.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return models.StatusConnected
	default:
		return models.StatusDisconnected
	}
}

const defaultReconnectInterval = 3 * time.Second

// StatusFunc is told about every status transition, both locally detected
// (dial failed, link dropped) and server-announced.
type StatusFunc func(status, message string)

// Options tunes a Consumer.
type Options struct {
	ReconnectInterval time.Duration
	OnStatus          StatusFunc
	DialTimeout       time.Duration
}

// Consumer maintains the connection lifecycle
// disconnected -> connecting -> connected -> disconnected -> ...
// The desired-interest set lives here, not on the server: every successful
// connect re-sends it in full, so the server index is rebuilt from scratch
// per connection.
type Consumer struct {
	url    string
	logger *zap.SugaredLogger
	opts   Options

	state atomic.Int32

	mu      sync.Mutex
	desired map[string]bool
	cache   map[string]*models.PriceTick
	conn    *websocket.Conn

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
}

func NewConsumer(url string, logger *zap.SugaredLogger, opts Options) *Consumer {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		url:     url,
		logger:  logger,
		opts:    opts,
		desired: make(map[string]bool),
		cache:   make(map[string]*models.PriceTick),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the connection loop. Further calls are no-ops.
func (c *Consumer) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run()
}

// Close tears the consumer down: any pending reconnect timer is cancelled
// and the active socket closed. No state transitions or callbacks happen
// afterwards. Blocks until the loop has exited.
func (c *Consumer) Close() {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	if c.started.Load() {
		<-c.done
	}
}

// Subscribe adds keys to the desired set immediately, whatever the link
// state, and tells the server only if currently connected. A disconnected
// consumer simply sends the updated set on the next connect.
func (c *Consumer) Subscribe(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.desired[k] = true
	}
	c.sendCommandLocked(models.ActionSubscribe, keys)
}

// Unsubscribe is the inverse of Subscribe.
func (c *Consumer) Unsubscribe(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.desired, k)
	}
	c.sendCommandLocked(models.ActionUnsubscribe, keys)
}

// LastTick serves the local cache; it answers regardless of connection
// state, which is the whole point of the fallback.
func (c *Consumer) LastTick(key string) (*models.PriceTick, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.cache[key]
	return t, ok
}

// Desired returns a copy of the desired-interest set.
func (c *Consumer) Desired() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.desired))
	for k := range c.desired {
		out = append(out, k)
	}
	return out
}

// State returns the current connection state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) run() {
	defer close(c.done)

	retry := utils.NewConstantBackoff(c.opts.ReconnectInterval)
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
		conn, _, err := dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setState(StateDisconnected)
			c.notify(models.StatusError, "connect failed: "+err.Error())
			if !c.sleep(retry.NextBackOff()) {
				return
			}
			continue
		}

		c.attach(conn)
		c.setState(StateConnected)
		c.notify(models.StatusConnected, "price stream connected")

		if err := c.resubscribe(); err == nil {
			c.readLoop(conn)
		}
		c.detach(conn)

		if c.ctx.Err() != nil {
			return
		}
		c.setState(StateDisconnected)
		c.notify(models.StatusDisconnected, "price stream disconnected, retrying")
		if !c.sleep(retry.NextBackOff()) {
			return
		}
	}
}

func (c *Consumer) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Consumer) handleMessage(raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		c.logger.Warnw("Unparseable stream message", "error", err)
		return
	}

	switch head.Type {
	case models.TypePriceUpdate:
		var u models.PriceUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			return
		}
		t := models.TickFromUpdate(u)
		c.mu.Lock()
		c.cache[t.InstrumentKey] = t
		c.mu.Unlock()
	case models.TypeStatus:
		var s models.StatusMessage
		if err := json.Unmarshal(raw, &s); err != nil {
			return
		}
		c.notify(s.Status, s.Message)
	}
	// Unknown message types are ignored: newer servers may add some.
}

// resubscribe replays the full desired set after a connect.
func (c *Consumer) resubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.desired) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.desired))
	for k := range c.desired {
		keys = append(keys, k)
	}
	return c.conn.WriteJSON(models.Command{Action: models.ActionSubscribe, Instruments: keys})
}

func (c *Consumer) sendCommandLocked(action string, keys []string) {
	if c.conn == nil || len(keys) == 0 {
		return
	}
	if err := c.conn.WriteJSON(models.Command{Action: action, Instruments: keys}); err != nil {
		c.logger.Warnw("Failed to send command, will resync on reconnect",
			"action", action, "error", err)
	}
}

func (c *Consumer) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Consumer) detach(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// sleep waits for d or until teardown; false means the consumer is closing.
func (c *Consumer) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Consumer) notify(status, message string) {
	if c.ctx.Err() != nil {
		return
	}
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(status, message)
	}
}
