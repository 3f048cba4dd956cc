package fanout_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomsync/loom/internal/replserver/fanout"
	"github.com/loomsync/loom/internal/version"
)

func TestSubscribeAndBroadcast(t *testing.T) {
	h := fanout.New(4)
	sub := h.Subscribe("/doc")
	assert.Equal(t, 1, h.Count("/doc"))

	h.Broadcast("/doc", fanout.Frame{Version: []version.ID{{Agent: "a", Seq: 1}}, Body: []byte("hi")})

	select {
	case f := <-sub.Frames():
		assert.Equal(t, []byte("hi"), f.Body)
	default:
		require.Fail(t, "expected a frame to be delivered")
	}
}

func TestBroadcastIgnoresOtherPaths(t *testing.T) {
	h := fanout.New(4)
	sub := h.Subscribe("/doc-a")
	h.Broadcast("/doc-b", fanout.Frame{Body: []byte("irrelevant")})

	select {
	case <-sub.Frames():
		require.Fail(t, "subscriber of /doc-a should not receive a /doc-b frame")
	default:
	}
}

func TestBroadcastMarksLaggedOnFullQueue(t *testing.T) {
	h := fanout.New(1)
	sub := h.Subscribe("/doc")

	h.Broadcast("/doc", fanout.Frame{Body: []byte("one")})
	h.Broadcast("/doc", fanout.Frame{Body: []byte("two")}) // queue full, dropped

	assert.True(t, sub.Lagged())
	sub.ClearLag()
	assert.False(t, sub.Lagged())
}

func TestUnsubscribeClosesChannelAndRemovesPath(t *testing.T) {
	h := fanout.New(4)
	sub := h.Subscribe("/doc")
	h.Unsubscribe(sub)

	assert.Equal(t, 0, h.Count("/doc"))
	_, open := <-sub.Frames()
	assert.False(t, open, "channel should be closed after Unsubscribe")
}

func TestMultipleSubscribersEachReceiveBroadcast(t *testing.T) {
	h := fanout.New(4)
	a := h.Subscribe("/doc")
	b := h.Subscribe("/doc")

	h.Broadcast("/doc", fanout.Frame{Body: []byte("x")})

	for _, sub := range []*fanout.Subscriber{a, b} {
		select {
		case f := <-sub.Frames():
			assert.Equal(t, []byte("x"), f.Body)
		default:
			require.Fail(t, "every subscriber should receive the broadcast")
		}
	}
}
