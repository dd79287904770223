package queue

import (
	"sync"
	"time"
)

// Debouncer delays callbacks per key. A trigger within the delay replaces
// the pending callback and restarts the timer.
type Debouncer struct {
	mu     sync.Mutex
	delay  time.Duration
	timers map[Key]*time.Timer
}

// NewDebouncer creates a debouncer with the given delay
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, timers: make(map[Key]*time.Timer)}
}

// Trigger schedules fn for key after the delay.
func (d *Debouncer) Trigger(key Key, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.timers[key] != t {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
	d.timers[key] = t
}

// Stop cancels every pending callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}
