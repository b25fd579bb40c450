package models

import "time"

// PriceTick is one price observation for an instrument. A tick is immutable
// once created; a newer tick for the same instrument replaces the cache entry
// but never mutates a tick already handed to a subscriber.
type PriceTick struct {
	InstrumentKey string
	LastPrice     float64
	ChangePercent float64
	Volume        int64
	Timestamp     time.Time
}

// Valid reports whether the tick satisfies the basic shape constraints.
func (t *PriceTick) Valid() bool {
	return t != nil && t.InstrumentKey != "" && t.LastPrice > 0 && t.Volume >= 0
}
