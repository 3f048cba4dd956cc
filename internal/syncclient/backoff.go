package syncclient

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// resetThreshold is how long a subscription connection must stay
// healthy before the reconnect backoff resets.
const resetThreshold = 30 * time.Second

// newReconnectBackoff builds the subscription loop's backoff: 1s -> 30s,
// doubling, per spec.md §4.6 "exponential backoff (initial 1s, factor
// 2, cap 30s)".
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// newOutboundBackoff builds the outbound PUT retry backoff (spec.md §4.6
// item 7: "retry with backoff; after max retries (default 5)").
func newOutboundBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
