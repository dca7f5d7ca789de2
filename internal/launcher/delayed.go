package launcher

import (
	"sync"
	"time"
)

// delayedTasks runs callbacks after a delay, keyed so that a newer schedule
// for the same key replaces a pending one.
type delayedTasks struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	// inflight counts scheduled callbacks that have neither run nor been
	// cancelled.
	inflight sync.WaitGroup
}

func newDelayedTasks() *delayedTasks {
	return &delayedTasks{timers: make(map[string]*time.Timer)}
}

// Schedule runs fn after delay unless cancelled. It reports false once Stop
// has been called.
func (d *delayedTasks) Schedule(key string, delay time.Duration, fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}
	if old, ok := d.timers[key]; ok && old.Stop() {
		d.inflight.Done()
	}

	var t *time.Timer
	d.inflight.Add(1)
	t = time.AfterFunc(delay, func() {
		defer d.inflight.Done()
		d.mu.Lock()
		if d.timers[key] == t {
			delete(d.timers, key)
		}
		d.mu.Unlock()
		fn()
	})
	d.timers[key] = t
	return true
}

// Pending returns the number of timers that have not fired yet.
func (d *delayedTasks) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels every pending task and waits for callbacks already running.
func (d *delayedTasks) Stop() {
	d.mu.Lock()
	d.stopped = true
	for key, t := range d.timers {
		if t.Stop() {
			d.inflight.Done()
		}
		delete(d.timers, key)
	}
	d.mu.Unlock()

	d.inflight.Wait()
}
