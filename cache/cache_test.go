package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campustrade_feed/models"
)

func tick(key string, price float64) *models.PriceTick {
	return &models.PriceTick{
		InstrumentKey: key,
		LastPrice:     price,
		Volume:        100,
		Timestamp:     time.Now(),
	}
}

func TestPutGetOverwrite(t *testing.T) {
	c := New()

	_, ok := c.Get("X")
	assert.False(t, ok)

	c.Put(tick("X", 100))
	got, ok := c.Get("X")
	require.True(t, ok)
	assert.Equal(t, 100.0, got.LastPrice)

	c.Put(tick("X", 101))
	got, _ = c.Get("X")
	assert.Equal(t, 101.0, got.LastPrice)
	assert.Equal(t, 1, c.Len())
}

func TestInvalidTicksRejected(t *testing.T) {
	c := New()
	c.Put(&models.PriceTick{InstrumentKey: "X", LastPrice: 0})
	c.Put(&models.PriceTick{InstrumentKey: "", LastPrice: 10})
	c.Put(&models.PriceTick{InstrumentKey: "X", LastPrice: 10, Volume: -1})

	assert.Equal(t, 0, c.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	c := New()
	c.Put(tick("A", 1))
	c.Put(tick("B", 2))

	snap := c.Snapshot()
	require.Len(t, snap, 2)

	c.Put(tick("C", 3))
	assert.Len(t, snap, 2, "snapshot must not track later writes")
}

func TestDeliveredTickNotMutatedByNewerWrite(t *testing.T) {
	c := New()
	c.Put(tick("X", 100))
	first, _ := c.Get("X")

	c.Put(tick("X", 200))

	assert.Equal(t, 100.0, first.LastPrice)
}

func TestConcurrentReadersSingleWriter(t *testing.T) {
	// Run with go test -race ./...
	c := New()
	keys := make([]string, 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("K%d", i)
		c.Put(tick(keys[i], 1))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			c.Put(tick(keys[i%len(keys)], float64(i+1)))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if got, ok := c.Get(keys[i%len(keys)]); ok {
					// A reader sees a whole tick or nothing.
					assert.Greater(t, got.LastPrice, 0.0)
				}
			}
		}()
	}
	wg.Wait()
}
