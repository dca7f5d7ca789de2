package launcher

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDelayedTasksReplace(t *testing.T) {
	d := newDelayedTasks()
	var first, second atomic.Int32

	d.Schedule("k", 20*time.Millisecond, func() { first.Add(1) })
	d.Schedule("k", 20*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 {
		t.Errorf("first=%d second=%d, want 0 1", first.Load(), second.Load())
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d", d.Pending())
	}
}

func TestDelayedTasksStop(t *testing.T) {
	d := newDelayedTasks()
	var ran atomic.Int32

	d.Schedule("a", time.Hour, func() { ran.Add(1) })
	d.Schedule("b", time.Hour, func() { ran.Add(1) })
	d.Stop()

	if d.Schedule("c", time.Millisecond, func() { ran.Add(1) }) {
		t.Error("Schedule() after Stop = true")
	}
	time.Sleep(20 * time.Millisecond)
	if ran.Load() != 0 {
		t.Errorf("ran = %d, want 0", ran.Load())
	}
}

func TestDelayedTasksStopWaitsForRunning(t *testing.T) {
	d := newDelayedTasks()
	started := make(chan struct{})
	var finished atomic.Bool

	d.Schedule("a", time.Millisecond, func() {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	})
	<-started
	d.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the running callback finished")
	}
}
