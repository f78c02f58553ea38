package h2mux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRTTRing(t *testing.T) {
	r := newRTTRing(3)
	assert.Zero(t, r.latency())

	r.add(10 * time.Millisecond)
	r.add(20 * time.Millisecond)
	assert.Equal(t, 15*time.Millisecond, r.latency())

	r.add(30 * time.Millisecond)
	r.add(60 * time.Millisecond) // evicts 10ms
	assert.Equal(t, 3, r.count())
	assert.Equal(t, 110*time.Millisecond/3, r.latency())
}

func TestRTTRingDefaultSize(t *testing.T) {
	assert.Len(t, newRTTRing(0).samples, DefaultRTTSamples)
}

func TestGracefulCloseWait(t *testing.T) {
	assert.Equal(t, MinGracefulCloseWait, gracefulCloseWait(0))
	assert.Equal(t, MinGracefulCloseWait, gracefulCloseWait(600*time.Millisecond))
	assert.Equal(t, 2500*time.Millisecond, gracefulCloseWait(time.Second))
}

func TestPingPayload(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	assert.True(t, now.Equal(pingSentAt(pingPayload(now))))
}
