package client_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campustrade_feed/client"
	"campustrade_feed/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedServer fakes the server side of the stream: it records inbound
// commands and lets tests push messages to the active connection.
type feedServer struct {
	t        *testing.T
	commands chan models.Command

	mu    sync.Mutex
	conns []*websocket.Conn
	count int
}

func newFeedServer(t *testing.T) (*feedServer, string) {
	fs := &feedServer{t: t, commands: make(chan models.Command, 16)}
	ts := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(ts.Close)
	t.Cleanup(fs.closeAll)
	return fs, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (fs *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.count++
	fs.mu.Unlock()

	for {
		var cmd models.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		fs.commands <- cmd
	}
}

func (fs *feedServer) connections() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.count
}

func (fs *feedServer) push(v interface{}) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(fs.t, fs.conns)
	b, err := json.Marshal(v)
	require.NoError(fs.t, err)
	fs.conns[len(fs.conns)-1].WriteMessage(websocket.TextMessage, b)
}

func (fs *feedServer) dropCurrent() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) > 0 {
		fs.conns[len(fs.conns)-1].Close()
	}
}

func (fs *feedServer) closeAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
}

func (fs *feedServer) waitCommand(t *testing.T) models.Command {
	t.Helper()
	select {
	case cmd := <-fs.commands:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
		return models.Command{}
	}
}

func nopLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func TestDesiredSetMutatesWhileDisconnected(t *testing.T) {
	c := client.NewConsumer("ws://127.0.0.1:1/ws", nopLogger(), client.Options{})

	c.Subscribe("A", "B", "C")
	c.Unsubscribe("B")

	desired := c.Desired()
	sort.Strings(desired)
	assert.Equal(t, []string{"A", "C"}, desired)
	assert.Equal(t, client.StateDisconnected, c.State())

	// Close without Start must not hang.
	c.Close()
}

func TestConnectReplaysDesiredSetAndCachesTicks(t *testing.T) {
	fs, url := newFeedServer(t)

	var statusMu sync.Mutex
	var statuses []string
	c := client.NewConsumer(url, nopLogger(), client.Options{
		ReconnectInterval: 20 * time.Millisecond,
		OnStatus: func(status, _ string) {
			statusMu.Lock()
			statuses = append(statuses, status)
			statusMu.Unlock()
		},
	})
	c.Subscribe("NSE_EQ|X")
	c.Start()
	defer c.Close()

	cmd := fs.waitCommand(t)
	assert.Equal(t, models.ActionSubscribe, cmd.Action)
	assert.Equal(t, []string{"NSE_EQ|X"}, cmd.Instruments)

	fs.push(models.PriceUpdate{
		Type:          models.TypePriceUpdate,
		InstrumentKey: "NSE_EQ|X",
		Data: models.PriceData{
			LastPrice:     100.50,
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			ChangePercent: 0.5,
			Volume:        1200,
		},
	})

	require.Eventually(t, func() bool {
		_, ok := c.LastTick("NSE_EQ|X")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	tick, _ := c.LastTick("NSE_EQ|X")
	assert.Equal(t, 100.50, tick.LastPrice)
	assert.Equal(t, int64(1200), tick.Volume)
	assert.Equal(t, client.StateConnected, c.State())

	statusMu.Lock()
	defer statusMu.Unlock()
	require.NotEmpty(t, statuses)
	assert.Equal(t, models.StatusConnected, statuses[0])
}

func TestServerStatusForwarded(t *testing.T) {
	fs, url := newFeedServer(t)

	statuses := make(chan string, 16)
	c := client.NewConsumer(url, nopLogger(), client.Options{
		ReconnectInterval: 20 * time.Millisecond,
		OnStatus:          func(status, _ string) { statuses <- status },
	})
	c.Subscribe("X")
	c.Start()
	defer c.Close()

	fs.waitCommand(t)
	require.Equal(t, models.StatusConnected, <-statuses)

	fs.push(models.NewStatus(models.StatusError, "upstream feed degraded"))

	select {
	case s := <-statuses:
		assert.Equal(t, models.StatusError, s)
	case <-time.After(2 * time.Second):
		t.Fatal("status not forwarded")
	}
}

func TestReconnectResendsFullDesiredSet(t *testing.T) {
	fs, url := newFeedServer(t)

	c := client.NewConsumer(url, nopLogger(), client.Options{
		ReconnectInterval: 20 * time.Millisecond,
	})
	c.Subscribe("A", "B")
	c.Start()
	defer c.Close()

	first := fs.waitCommand(t)
	sort.Strings(first.Instruments)
	assert.Equal(t, []string{"A", "B"}, first.Instruments)

	// While connected, a new subscription goes over the wire immediately.
	c.Subscribe("C")
	next := fs.waitCommand(t)
	assert.Equal(t, []string{"C"}, next.Instruments)

	fs.dropCurrent()

	// The reconnect replays the whole set, old connection state be damned.
	replay := fs.waitCommand(t)
	sort.Strings(replay.Instruments)
	assert.Equal(t, []string{"A", "B", "C"}, replay.Instruments)
	assert.GreaterOrEqual(t, fs.connections(), 2)
}

func TestCacheServedWhileDisconnected(t *testing.T) {
	fs, url := newFeedServer(t)

	c := client.NewConsumer(url, nopLogger(), client.Options{
		ReconnectInterval: time.Hour, // stay down once dropped
	})
	c.Subscribe("X")
	c.Start()
	defer c.Close()

	fs.waitCommand(t)
	fs.push(models.PriceUpdate{
		Type:          models.TypePriceUpdate,
		InstrumentKey: "X",
		Data:          models.PriceData{LastPrice: 42, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)},
	})
	require.Eventually(t, func() bool {
		_, ok := c.LastTick("X")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	fs.dropCurrent()
	require.Eventually(t, func() bool {
		return c.State() != client.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	// The last known value survives the outage.
	tick, ok := c.LastTick("X")
	require.True(t, ok)
	assert.Equal(t, 42.0, tick.LastPrice)
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	c := client.NewConsumer("ws://127.0.0.1:1/ws", nopLogger(), client.Options{
		ReconnectInterval: time.Hour,
	})
	c.Start()

	// Let the dial fail and the consumer park on its reconnect timer.
	require.Eventually(t, func() bool {
		return c.State() == client.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the pending reconnect")
	}
}
