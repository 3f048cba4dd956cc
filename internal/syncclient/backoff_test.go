package syncclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewReconnectBackoffBounds(t *testing.T) {
	b := newReconnectBackoff()
	assert.Equal(t, 1*time.Second, b.InitialInterval)
	assert.Equal(t, 30*time.Second, b.MaxInterval)
	assert.Equal(t, 2.0, b.Multiplier)
}

func TestNewOutboundBackoffBounds(t *testing.T) {
	b := newOutboundBackoff()
	assert.Equal(t, 500*time.Millisecond, b.InitialInterval)
	assert.Equal(t, 10*time.Second, b.MaxInterval)
	assert.Equal(t, 2.0, b.Multiplier)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newOutboundBackoff()
	b.RandomizationFactor = 0
	first := b.NextBackOff()
	second := b.NextBackOff()
	assert.Greater(t, second, first)

	for i := 0; i < 20; i++ {
		b.NextBackOff()
	}
	assert.LessOrEqual(t, b.NextBackOff(), b.MaxInterval)
}
