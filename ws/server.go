package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campustrade_feed/hub"
	"campustrade_feed/models"
)

// ServerConfig bounds per-connection resource use.
type ServerConfig struct {
	SendBuffer    int
	CmdsPerMinute int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Server is the connection registry: it accepts streaming channels, assigns
// connection ids, wires each socket to the hub, and enforces the idle
// timeout. Authorization happens upstream of this handler; every accepted
// connection is assumed entitled to public price data.
type Server struct {
	hub      *hub.Hub
	logger   *zap.SugaredLogger
	cfg      ServerConfig
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewServer(h *hub.Hub, logger *zap.SugaredLogger, cfg ServerConfig) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Server{
		hub:    h,
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(uuid.New().String(), sock, s, s.logger)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	s.hub.Register(c)
	c.Send(models.NewStatus(models.StatusConnected, "connected to price feed"))

	go c.writePump()
	go c.readPump()
}

// Sweep periodically closes connections with no client activity past the
// idle timeout. Cooperative: a connection can outlive the deadline by up to
// one sweep interval.
func (s *Server) Sweep(ctx context.Context) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, c := range s.stale(now) {
				s.logger.Infow("Closing idle connection", "conn_id", c.ID())
				c.CloseWithReason("idle timeout: no client activity for " + s.cfg.IdleTimeout.String())
			}
		}
	}
}

// Shutdown closes every open connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.CloseWithReason("server shutting down")
	}
}

// ConnCount returns the number of tracked physical connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) stale(now time.Time) []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Conn
	for _, c := range s.conns {
		if now.Sub(c.idleSince()) > s.cfg.IdleTimeout {
			out = append(out, c)
		}
	}
	return out
}

// drop detaches a closed connection from the registry and the hub.
func (s *Server) drop(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.hub.Unregister(c.id)
}
