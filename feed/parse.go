package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"campustrade_feed/models"
)

// feedFrame is one message from the upstream provider: a batch of per-
// instrument LTP (last traded price) observations.
type feedFrame struct {
	Data []struct {
		InstrumentKey string `json:"instrumentKey"`
		LTP           *struct {
			LTP           float64 `json:"ltp"`
			Volume        int64   `json:"volume"`
			PercentChange float64 `json:"percentChange"`
		} `json:"ltp"`
	} `json:"data"`
}

// parseFeedFrame decodes an upstream frame into ticks. Entries without an
// instrument key or price are skipped, not fatal: the provider mixes
// heartbeats and partial updates into the same stream.
func parseFeedFrame(raw []byte, now time.Time) ([]*models.PriceTick, error) {
	var frame feedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decoding feed frame: %w", err)
	}

	var ticks []*models.PriceTick
	for _, item := range frame.Data {
		if item.InstrumentKey == "" || item.LTP == nil || item.LTP.LTP <= 0 {
			continue
		}
		ticks = append(ticks, &models.PriceTick{
			InstrumentKey: item.InstrumentKey,
			LastPrice:     item.LTP.LTP,
			ChangePercent: item.LTP.PercentChange,
			Volume:        item.LTP.Volume,
			Timestamp:     now.UTC(),
		})
	}
	return ticks, nil
}
