package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campustrade_feed/cache"
	"campustrade_feed/hub"
	"campustrade_feed/models"
)

// envelope is the union of everything the server can send.
type envelope struct {
	Type          string           `json:"type"`
	Status        string           `json:"status"`
	Message       string           `json:"message"`
	InstrumentKey string           `json:"instrument_key"`
	Data          models.PriceData `json:"data"`
}

type testStack struct {
	server *Server
	hub    *hub.Hub
	cache  *cache.Cache
	http   *httptest.Server
}

func newTestStack(t *testing.T, cfg ServerConfig) *testStack {
	t.Helper()
	logger := zap.NewNop().Sugar()
	c := cache.New()
	h := hub.New(c, logger, 100)
	s := NewServer(h, logger, cfg)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return &testStack{server: s, hub: h, cache: c, http: ts}
}

func (ts *testStack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func sendCommand(t *testing.T, conn *websocket.Conn, action string, keys ...string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(models.Command{Action: action, Instruments: keys}))
}

func TestSendDropOldest(t *testing.T) {
	logger := zap.NewNop().Sugar()
	h := hub.New(cache.New(), logger, 100)
	s := NewServer(h, logger, ServerConfig{SendBuffer: 2})
	c := newConn("c1", nil, s, logger)

	assert.True(t, c.Send(models.NewStatus(models.StatusConnected, "first")))
	assert.True(t, c.Send(models.NewStatus(models.StatusConnected, "second")))
	assert.True(t, c.Send(models.NewStatus(models.StatusConnected, "third")))

	// Queue held two; the oldest was discarded to admit the third.
	var got []string
	for i := 0; i < 2; i++ {
		var env envelope
		require.NoError(t, json.Unmarshal(<-c.send, &env))
		got = append(got, env.Message)
	}
	assert.Equal(t, []string{"second", "third"}, got)
	select {
	case <-c.send:
		t.Fatal("queue should be empty")
	default:
	}
}

func TestConnectStatusThenSeedThenLive(t *testing.T) {
	ts := newTestStack(t, ServerConfig{SendBuffer: 64, CmdsPerMinute: 10})
	ts.cache.Put(&models.PriceTick{
		InstrumentKey: "NSE_EQ|X",
		LastPrice:     100.00,
		Volume:        10,
		Timestamp:     time.Now(),
	})

	conn := ts.dial(t)

	env := readEnvelope(t, conn)
	assert.Equal(t, models.TypeStatus, env.Type)
	assert.Equal(t, models.StatusConnected, env.Status)

	sendCommand(t, conn, models.ActionSubscribe, "NSE_EQ|X")

	env = readEnvelope(t, conn)
	require.Equal(t, models.TypePriceUpdate, env.Type)
	assert.Equal(t, "NSE_EQ|X", env.InstrumentKey)
	assert.Equal(t, 100.00, env.Data.LastPrice)

	// A live tick follows the seed, in order.
	require.Eventually(t, func() bool {
		return len(ts.hub.Subscribers("NSE_EQ|X")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	ts.hub.BroadcastTick(&models.PriceTick{
		InstrumentKey: "NSE_EQ|X",
		LastPrice:     100.50,
		ChangePercent: 0.5,
		Volume:        20,
		Timestamp:     time.Now(),
	})

	env = readEnvelope(t, conn)
	require.Equal(t, models.TypePriceUpdate, env.Type)
	assert.Equal(t, 100.50, env.Data.LastPrice)
	assert.Equal(t, 0.5, env.Data.ChangePercent)
}

func TestMalformedJSONClosesConnection(t *testing.T) {
	ts := newTestStack(t, ServerConfig{SendBuffer: 64, CmdsPerMinute: 10})
	conn := ts.dial(t)
	readEnvelope(t, conn) // connected status

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readEnvelope(t, conn)
	assert.Equal(t, models.TypeStatus, env.Type)
	assert.Equal(t, models.StatusError, env.Status)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return ts.hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownActionIgnored(t *testing.T) {
	ts := newTestStack(t, ServerConfig{SendBuffer: 64, CmdsPerMinute: 10})
	ts.cache.Put(&models.PriceTick{
		InstrumentKey: "K",
		LastPrice:     1,
		Timestamp:     time.Now(),
	})
	conn := ts.dial(t)
	readEnvelope(t, conn)

	sendCommand(t, conn, "snapshot_all")
	sendCommand(t, conn, models.ActionSubscribe, "K")

	// No error reply for the unknown action; the next valid command works.
	env := readEnvelope(t, conn)
	assert.Equal(t, models.TypePriceUpdate, env.Type)
	assert.Equal(t, "K", env.InstrumentKey)
}

func TestRateLimitRejectsThenCloses(t *testing.T) {
	ts := newTestStack(t, ServerConfig{SendBuffer: 64, CmdsPerMinute: 1})
	conn := ts.dial(t)
	readEnvelope(t, conn)

	sendCommand(t, conn, models.ActionSubscribe, "A")

	// Two rejections with an error status, the third strike closes.
	for i := 0; i < 2; i++ {
		sendCommand(t, conn, models.ActionSubscribe, "B")
		env := readEnvelope(t, conn)
		assert.Equal(t, models.StatusError, env.Status)
		assert.Contains(t, env.Message, "rate limited")
	}
	sendCommand(t, conn, models.ActionSubscribe, "C")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	// The rejected commands never touched the interest set.
	require.Eventually(t, func() bool {
		return ts.hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientDisconnectCleansUp(t *testing.T) {
	ts := newTestStack(t, ServerConfig{SendBuffer: 64, CmdsPerMinute: 10})
	conn := ts.dial(t)
	readEnvelope(t, conn)

	sendCommand(t, conn, models.ActionSubscribe, "A", "B")
	require.Eventually(t, func() bool {
		return len(ts.hub.Subscribers("A")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return ts.hub.ClientCount() == 0 && ts.server.ConnCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, ts.hub.Subscribers("A"))
	assert.Empty(t, ts.hub.Subscribers("B"))
}

func TestIdleSweepClosesConnection(t *testing.T) {
	ts := newTestStack(t, ServerConfig{
		SendBuffer:    64,
		CmdsPerMinute: 10,
		IdleTimeout:   100 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.server.Sweep(ctx)

	conn := ts.dial(t)
	readEnvelope(t, conn)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	if ce, ok := err.(*websocket.CloseError); ok {
		assert.Contains(t, ce.Text, "idle timeout")
	}

	require.Eventually(t, func() bool {
		return ts.server.ConnCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
