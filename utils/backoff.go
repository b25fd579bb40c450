package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewExponentialBackoff is the retry policy for the upstream feed connection.
// MaxElapsedTime is zero: the feed retries for the life of the process.
func NewExponentialBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	return b
}

// NewConstantBackoff is the reconnect policy for the stream consumer. Fixed
// interval: the deployment target is tens of clients, not thousands.
func NewConstantBackoff(interval time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(interval)
}
