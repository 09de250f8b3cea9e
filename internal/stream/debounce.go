package stream

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into a single call of fn. The call
// runs once the triggers have been quiet for interval, or at the latest
// maxWait after the first trigger of the burst.
type Debouncer struct {
	interval time.Duration
	maxWait  time.Duration
	fn       func()

	mu      sync.Mutex
	timer   *time.Timer
	first   time.Time
	gen     uint64
	pending bool
	stopped bool
}

// NewDebouncer creates a debouncer. A zero maxWait disables the upper bound.
func NewDebouncer(interval, maxWait time.Duration, fn func()) *Debouncer {
	return &Debouncer{interval: interval, maxWait: maxWait, fn: fn}
}

// Trigger schedules fn. It is a no-op after Stop.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := time.Now()
	if !d.pending {
		d.pending = true
		d.first = now
	}

	delay := d.interval
	if d.maxWait > 0 {
		if left := d.first.Add(d.maxWait).Sub(now); left < delay {
			delay = left
		}
		if delay < 0 {
			delay = 0
		}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	// A newer trigger or Stop superseded this timer.
	if d.stopped || !d.pending || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()

	d.fn()
}

// Stop cancels any scheduled call and reports whether one was pending.
func (d *Debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	wasPending := d.pending
	d.stopped = true
	d.pending = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
	}
	return wasPending
}
