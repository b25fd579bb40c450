package models

// Instrument is one entry of the tradable universe. InstrumentKey is the
// opaque join key used across the cache, the hub and the wire protocol.
type Instrument struct {
	InstrumentKey string  `json:"instrument_key"`
	TradingSymbol string  `json:"trading_symbol"`
	Name          string  `json:"name"`
	Exchange      string  `json:"exchange"`
	Segment       string  `json:"segment"`
	SeedPrice     float64 `json:"last_price,omitempty"`
}

// Equity segments loaded from the reference-data dump. Everything else
// (futures, options, indices) is skipped.
const (
	SegmentNSEEquity = "NSE_EQ"
	SegmentBSEEquity = "BSE_EQ"
)
