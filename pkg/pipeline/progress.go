// Package pipeline composes the Dedup, Anonymise, and Mask stages into a
// single run over one capture file, publishes throttled progress events,
// and drives batches of files across a worker pool.
package pipeline

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Event is one progress notification: a stage name, how many frames it
// has processed so far, and the percent complete (0-100, estimated from
// bytes read against the input file's size; -1 if that size isn't known).
type Event struct {
	Stage           string
	FramesProcessed uint64
	Percent         float64
}

// Observer receives progress events. The pipeline driver owns the
// stages; stages publish to an Observer the driver holds — no stage
// references another stage or the driver directly.
type Observer interface {
	OnProgress(Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnProgress(e Event) { f(e) }

// NopObserver discards every event.
var NopObserver Observer = ObserverFunc(func(Event) {})

// CombineObservers fans each event out to every given observer, so the
// driver can feed stderr, WebSocket, and gRPC subscribers from the one
// Observer slot RunOptions carries.
func CombineObservers(observers ...Observer) Observer {
	switch len(observers) {
	case 0:
		return NopObserver
	case 1:
		return observers[0]
	}
	return ObserverFunc(func(e Event) {
		for _, o := range observers {
			o.OnProgress(e)
		}
	})
}

// Throttle rate-limits progress events to "once per 100ms or every 1%,
// whichever is larger", using golang.org/x/time/rate for the time-based
// half and a simple percent-delta check for the other.
type Throttle struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	lastPercent float64
	haveEmitted bool
}

// NewThrottle builds a Throttle with the given minimum interval between
// events (the progress.interval_ms configuration key, default 100ms).
// After the first event, both the interval and a percent move of at
// least 1 are needed before the next one is published.
func NewThrottle(minInterval time.Duration) *Throttle {
	if minInterval <= 0 {
		minInterval = 100 * time.Millisecond
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Allow reports whether an event for the given percent complete should be
// published now: always true for the first call, then true only once the
// percent has moved by at least 1 since the last published event and the
// interval has elapsed (per the underlying rate.Limiter). An unknown
// percent (negative) leaves the interval as the only condition.
func (t *Throttle) Allow(percent float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.haveEmitted {
		t.limiter.Allow()
		t.haveEmitted = true
		t.lastPercent = percent
		return true
	}

	percentMoved := percent < 0 || percent-t.lastPercent >= 1 || t.lastPercent-percent >= 1
	if percentMoved && t.limiter.Allow() {
		t.lastPercent = percent
		return true
	}
	return false
}
