package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"campustrade_feed/models"
	"campustrade_feed/utils"
)

// UpstreamConfig points at the real market-data provider.
type UpstreamConfig struct {
	AuthorizeURL string
	AccessToken  string
	DialTimeout  time.Duration
}

// Upstream is the real-feed producer variant: it authorizes against the
// provider, connects to the returned WebSocket URL, subscribes to the whole
// instrument universe and pushes decoded frames through the same Sink the
// simulator uses. Reconnection is its own concern; while it is down, cached
// prices keep being served (stale-but-served, never blocked).
type Upstream struct {
	cfg     UpstreamConfig
	keys    []string
	sink    Sink
	logger  *zap.SugaredLogger
	breaker *gobreaker.CircuitBreaker
	client  *http.Client

	// OnStatus, if set, is told about feed connectivity transitions.
	OnStatus func(status, message string)
}

func NewUpstream(instruments []models.Instrument, cfg UpstreamConfig, sink Sink, logger *zap.SugaredLogger) *Upstream {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	u := &Upstream{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, inst := range instruments {
		u.keys = append(u.keys, inst.InstrumentKey)
	}
	u.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-feed",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Infow("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return u
}

// Run keeps one feed session alive, reconnecting with exponential backoff
// for the life of the context. Upstream failure is never fatal to the
// process.
func (u *Upstream) Run(ctx context.Context) error {
	operation := func() error {
		if err := u.session(ctx); err != nil {
			u.status(models.StatusDisconnected, "Market feed disconnected - retrying...")
			return err
		}
		return nil
	}
	notify := func(err error, d time.Duration) {
		u.logger.Warnw("Upstream feed error, retrying", "error", err, "retry_in", d)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(utils.NewExponentialBackoff(), ctx), notify)
}

// session runs one authorize-dial-read cycle and returns on any failure.
func (u *Upstream) session(ctx context.Context) error {
	wsURL, err := u.authorize(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: u.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing feed: %w", err)
	}
	defer conn.Close()

	if err := u.subscribe(conn); err != nil {
		return fmt.Errorf("subscribing to feed: %w", err)
	}

	u.status(models.StatusConnected, "Connected to upstream market feed")
	u.logger.Infow("Upstream feed connected", "instruments", len(u.keys))

	// Unblock the read loop when the context dies.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("reading feed: %w", err)
		}
		ticks, err := parseFeedFrame(raw, time.Now())
		if err != nil {
			u.logger.Warnw("Unparseable feed frame", "error", err)
			continue
		}
		for _, t := range ticks {
			u.sink(t)
		}
	}
}

// authorize exchanges the access token for a one-shot WebSocket URL. The
// call is breaker-protected so a dead provider trips fast instead of
// hammering the authorize endpoint on every retry.
func (u *Upstream) authorize(ctx context.Context) (string, error) {
	result, err := u.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.AuthorizeURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+u.cfg.AccessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := u.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("authorize returned status %d", resp.StatusCode)
		}

		var body struct {
			Data struct {
				AuthorizedRedirectURI string `json:"authorized_redirect_uri"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decoding authorize response: %w", err)
		}
		if body.Data.AuthorizedRedirectURI == "" {
			return nil, fmt.Errorf("authorize response missing redirect URI")
		}
		return body.Data.AuthorizedRedirectURI, nil
	})
	if err != nil {
		return "", fmt.Errorf("authorizing feed: %w", err)
	}
	return result.(string), nil
}

func (u *Upstream) subscribe(conn *websocket.Conn) error {
	payload := map[string]interface{}{
		"guid":   "campus-trade-feed",
		"method": "subscribe",
		"data": map[string]interface{}{
			"mode":           "full",
			"instrumentKeys": u.keys,
		},
	}
	return conn.WriteJSON(payload)
}

func (u *Upstream) status(status, message string) {
	if u.OnStatus != nil {
		u.OnStatus(status, message)
	}
}
