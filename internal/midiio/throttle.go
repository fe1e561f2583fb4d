package midiio

import (
	"sync"
	"time"
)

// ccKey identifies a throttled controller on a channel.
type ccKey struct {
	channel uint8
	cc      uint8
}

// ccThrottler suppresses CC sends on the same (channel, cc) pair closer
// together than throttleInterval, coalescing to the most recent pending
// value and emitting it once the interval elapses.
type ccThrottler struct {
	mu              sync.Mutex
	throttleInterval time.Duration
	lastSent        map[ccKey]time.Time
	pending         map[ccKey]uint8
}

func newCCThrottler(throttleMs int) *ccThrottler {
	if throttleMs <= 0 {
		throttleMs = 10
	}
	return &ccThrottler{
		throttleInterval: time.Duration(throttleMs) * time.Millisecond,
		lastSent:         make(map[ccKey]time.Time),
		pending:          make(map[ccKey]uint8),
	}
}

// accept reports whether a CC send for (channel, cc) at value should go out
// immediately. If throttled, the value is recorded as pending and accept
// returns false; the caller should not send now.
func (t *ccThrottler) accept(channel, cc, value uint8, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := ccKey{channel, cc}
	last, seen := t.lastSent[key]
	if !seen || now.Sub(last) >= t.throttleInterval {
		t.lastSent[key] = now
		delete(t.pending, key)
		return true
	}
	t.pending[key] = value
	return false
}

// due returns pending values whose throttle interval has elapsed, clearing
// them from the pending set and marking them sent.
func (t *ccThrottler) due(now time.Time) map[ccKey]uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out map[ccKey]uint8
	for key, value := range t.pending {
		last := t.lastSent[key]
		if now.Sub(last) >= t.throttleInterval {
			if out == nil {
				out = make(map[ccKey]uint8)
			}
			out[key] = value
			t.lastSent[key] = now
			delete(t.pending, key)
		}
	}
	return out
}
