package models

import "time"

// Wire protocol for the streaming channel. Field names are part of the
// contract with the browser client; do not rename.

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	TypePriceUpdate = "price_update"
	TypeStatus      = "status"

	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Command is a client -> server subscription change.
type Command struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

// PriceData is the payload of a price_update message.
type PriceData struct {
	LastPrice     float64 `json:"last_price"`
	Timestamp     string  `json:"timestamp"`
	ChangePercent float64 `json:"change_percent"`
	Volume        int64   `json:"volume"`
}

// PriceUpdate is the server -> client tick message.
type PriceUpdate struct {
	Type          string    `json:"type"`
	InstrumentKey string    `json:"instrument_key"`
	Data          PriceData `json:"data"`
}

// StatusMessage reports channel state to the client: connected (live),
// disconnected (retrying, serve cache) or error (retrying, with a reason).
type StatusMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewPriceUpdate converts a tick into its wire form.
func NewPriceUpdate(t *PriceTick) PriceUpdate {
	return PriceUpdate{
		Type:          TypePriceUpdate,
		InstrumentKey: t.InstrumentKey,
		Data: PriceData{
			LastPrice:     t.LastPrice,
			Timestamp:     t.Timestamp.UTC().Format(time.RFC3339Nano),
			ChangePercent: t.ChangePercent,
			Volume:        t.Volume,
		},
	}
}

// NewStatus builds a status message.
func NewStatus(status, message string) StatusMessage {
	return StatusMessage{Type: TypeStatus, Status: status, Message: message}
}

// TickFromUpdate is the inverse of NewPriceUpdate, used by the stream
// consumer to rebuild its local cache entry.
func TickFromUpdate(u PriceUpdate) *PriceTick {
	ts, err := time.Parse(time.RFC3339Nano, u.Data.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	return &PriceTick{
		InstrumentKey: u.InstrumentKey,
		LastPrice:     u.Data.LastPrice,
		ChangePercent: u.Data.ChangePercent,
		Volume:        u.Data.Volume,
		Timestamp:     ts,
	}
}
