package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campustrade_feed/metrics"
	"campustrade_feed/models"
)

const (
	maxMessageSize = 4096
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second

	// Connections racking up this many rate-limit rejections get closed.
	maxStrikes = 3
)

// Conn is one client's persistent channel. It owns the physical socket and a
// bounded outbound queue; all business bookkeeping lives in the hub.
type Conn struct {
	id     string
	sock   *websocket.Conn
	send   chan []byte
	server *Server
	logger *zap.SugaredLogger

	limiter    *commandLimiter
	lastActive atomic.Int64 // unix nanos of last inbound client activity

	closeOnce sync.Once
	closeReq  chan string
}

func newConn(id string, sock *websocket.Conn, server *Server, logger *zap.SugaredLogger) *Conn {
	c := &Conn{
		id:       id,
		sock:     sock,
		server:   server,
		logger:   logger,
		send:     make(chan []byte, server.cfg.SendBuffer),
		limiter:  newCommandLimiter(server.cfg.CmdsPerMinute, time.Minute),
		closeReq: make(chan string, 1),
	}
	c.touch()
	return c
}

func (c *Conn) ID() string { return c.id }

// Send marshals v and enqueues it without ever blocking. When the queue is
// full the oldest queued message is discarded to make room (drop-oldest
// back-pressure): a slow reader loses intermediate ticks but keeps relative
// order, and never stalls the fan-out to other connections.
func (c *Conn) Send(v interface{}) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
	}
	select {
	case <-c.send:
		metrics.IncrementDropped()
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// CloseWithReason asks the writer to flush queued messages, then close the
// socket with a close frame carrying the reason. Idempotent. A failsafe
// timer hard-closes the socket if the writer cannot finish in time.
func (c *Conn) CloseWithReason(reason string) {
	c.closeOnce.Do(func() {
		select {
		case c.closeReq <- reason:
		default:
		}
		time.AfterFunc(writeWait, c.hardClose)
	})
}

func (c *Conn) hardClose() {
	if c.sock != nil {
		c.sock.Close()
	}
}

func (c *Conn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Conn) idleSince() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// readPump decodes client commands and forwards them to the hub. It is the
// only reader of the socket and owns connection cleanup.
func (c *Conn) readPump() {
	defer func() {
		c.server.drop(c)
		c.CloseWithReason("")
	}()

	c.sock.SetReadLimit(maxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.touch()
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Infow("Connection read error", "conn_id", c.id, "error", err)
			}
			return
		}
		c.touch()
		c.sock.SetReadDeadline(time.Now().Add(pongWait))

		var cmd models.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			// Protocol violation: report to this connection only, then drop it.
			c.Send(models.NewStatus(models.StatusError, "malformed command: invalid JSON"))
			metrics.IncrementCommandErrors()
			c.CloseWithReason("malformed JSON")
			return
		}
		c.handleCommand(cmd)
	}
}

func (c *Conn) handleCommand(cmd models.Command) {
	switch cmd.Action {
	case models.ActionSubscribe, models.ActionUnsubscribe:
	default:
		// Unrecognized actions are ignored with no reply, so older servers
		// stay compatible with newer clients.
		return
	}

	if !c.limiter.Allow(time.Now()) {
		metrics.IncrementCommandErrors()
		if c.limiter.Strikes() >= maxStrikes {
			c.CloseWithReason(fmt.Sprintf("rate limit exceeded: max %d subscription commands per minute", c.limiter.max))
			return
		}
		c.Send(models.NewStatus(models.StatusError,
			fmt.Sprintf("rate limited: max %d subscription commands per minute", c.limiter.max)))
		return
	}

	switch cmd.Action {
	case models.ActionSubscribe:
		c.server.hub.Subscribe(c.id, cmd.Instruments)
	case models.ActionUnsubscribe:
		c.server.hub.Unsubscribe(c.id, cmd.Instruments)
	}
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with pings. It is the only writer of the socket and owns
// the graceful close handshake.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.CloseWithReason("")
		c.sock.Close()
	}()

	for {
		select {
		case reason := <-c.closeReq:
			c.flush()
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			c.sock.WriteMessage(websocket.CloseMessage, msg)
			return
		case msg := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is already queued before a close frame, so an error
// status explaining the close is not lost with the connection.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
