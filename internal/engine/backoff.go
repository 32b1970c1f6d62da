// Package engine implements the Send Engine and Recv Engine, the two
// data-plane workers that move application payload and flow-control credits
// across an established Connection's queue pairs (SPEC_FULL.md sections
// 4.10 and 4.11), grounded on the original ibdxnet implementation's
// SendThread/RecvThread.
package engine

import (
	"runtime"
	"time"
)

// backoff implements the idle ramp both engines use when there is no work:
// spin for the first 100ms of idleness, then yield the goroutine for up to
// 1s, then fall back to a near-zero sleep. A near-zero sleep rather than a
// true busy spin keeps an idle engine from pegging a CPU core indefinitely
// once nothing at all is happening.
type backoff struct {
	idleSince time.Time
	idle      bool
}

func (b *backoff) reset() {
	b.idle = false
}

func (b *backoff) wait() {
	now := time.Now()
	if !b.idle {
		b.idle = true
		b.idleSince = now
	}
	elapsed := now.Sub(b.idleSince)
	switch {
	case elapsed < 100*time.Millisecond:
		// spin
	case elapsed < time.Second:
		runtime.Gosched()
	default:
		time.Sleep(time.Nanosecond)
	}
}
