// Package instruments loads the tradable universe from a reference-data
// dump (the exchange's full instrument file, filtered to cash equities).
package instruments

import (
	"encoding/json"
	"fmt"
	"os"

	"campustrade_feed/models"
)

// rawInstrument matches the reference dump's field names.
type rawInstrument struct {
	InstrumentKey  string  `json:"instrument_key"`
	TradingSymbol  string  `json:"trading_symbol"`
	Name           string  `json:"name"`
	Segment        string  `json:"segment"`
	InstrumentType string  `json:"instrument_type"`
	LastPrice      float64 `json:"last_price"`
}

// Load reads the universe file and returns the equity instruments. Only
// NSE_EQ/BSE_EQ segments are kept; derivatives and indices are skipped.
func Load(path string) ([]models.Instrument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading instruments file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a reference dump held in memory.
func Parse(raw []byte) ([]models.Instrument, error) {
	var entries []rawInstrument
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding instruments file: %w", err)
	}

	var out []models.Instrument
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Segment != models.SegmentNSEEquity && e.Segment != models.SegmentBSEEquity {
			continue
		}
		if e.InstrumentKey == "" || seen[e.InstrumentKey] {
			continue
		}
		seen[e.InstrumentKey] = true
		out = append(out, models.Instrument{
			InstrumentKey: e.InstrumentKey,
			TradingSymbol: e.TradingSymbol,
			Name:          e.Name,
			Exchange:      exchangeOf(e.Segment),
			Segment:       e.Segment,
			SeedPrice:     e.LastPrice,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no equity instruments in universe file")
	}
	return out, nil
}

func exchangeOf(segment string) string {
	for i := 0; i < len(segment); i++ {
		if segment[i] == '_' {
			return segment[:i]
		}
	}
	return segment
}
