package h2mux

import (
	"encoding/binary"
	"time"
)

// rttRing keeps the last n PING round trips. The mean of the samples is the smoothed latency.
type rttRing struct {
	samples []time.Duration
	next    int
	filled  bool
}

func newRTTRing(n int) *rttRing {
	if n <= 0 {
		n = DefaultRTTSamples
	}
	return &rttRing{samples: make([]time.Duration, n)}
}

func (r *rttRing) add(d time.Duration) {
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
}

func (r *rttRing) count() int {
	if r.filled {
		return len(r.samples)
	}
	return r.next
}

// latency returns the mean of the recorded samples, zero before the first one.
func (r *rttRing) latency() time.Duration {
	n := r.count()
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range r.samples[:n] {
		sum += d
	}
	return sum / time.Duration(n)
}

// gracefulCloseWait is how long a Gentle shutdown waits for the peer:
// max(2.5 x latency, 1500ms).
func gracefulCloseWait(latency time.Duration) time.Duration {
	wait := time.Duration(float64(latency) * GracefulCloseRTTFactor)
	if wait < MinGracefulCloseWait {
		wait = MinGracefulCloseWait
	}
	return wait
}

// pingPayload encodes the send time so the ACK can be matched and timed.
func pingPayload(t time.Time) [8]byte {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], uint64(t.UnixNano()))
	return p
}

func pingSentAt(p [8]byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(p[:])))
}
