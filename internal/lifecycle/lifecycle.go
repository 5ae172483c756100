// Package lifecycle holds process-wide teardown state: the unloading flag,
// set once, and the single pending retry timer.
package lifecycle

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/luciancaetano/roomlink"
)

// ErrTimerPending is returned by Schedule while another timer is outstanding.
var ErrTimerPending = errors.New("lifecycle: a retry timer is already pending")

// Timer is the handle of a scheduled task.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run in its own goroutine after d.
type AfterFunc func(d time.Duration, f func()) Timer

func timeAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Lifecycle tracks teardown of the owning process.
type Lifecycle struct {
	mu         sync.Mutex
	unloading  bool
	timer      Timer
	generation uint64
	afterFunc  AfterFunc
	done       chan struct{}
}

// New returns a Lifecycle backed by time.AfterFunc.
func New() *Lifecycle {
	return NewWithAfterFunc(timeAfterFunc)
}

// NewWithAfterFunc returns a Lifecycle that schedules through af.
func NewWithAfterFunc(af AfterFunc) *Lifecycle {
	return &Lifecycle{
		afterFunc: af,
		done:      make(chan struct{}),
	}
}

// Unloading reports whether Unload was called.
func (l *Lifecycle) Unloading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unloading
}

// Done is closed by Unload.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Unload sets the unloading flag and cancels the pending timer. Requests
// already in flight are left alone. Calling it again is a no-op.
func (l *Lifecycle) Unload() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unloading {
		return
	}
	l.unloading = true
	l.stopLocked()
	close(l.done)
}

// Schedule runs f after d. It fails with roomlink.ErrUnloading once
// Unload was called and with ErrTimerPending while another timer is
// outstanding.
func (l *Lifecycle) Schedule(d time.Duration, f func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unloading {
		return roomlink.ErrUnloading
	}
	if l.timer != nil {
		return ErrTimerPending
	}

	l.generation++
	gen := l.generation
	l.timer = l.afterFunc(d, func() {
		l.mu.Lock()
		if l.generation != gen || l.timer == nil {
			// Stopped or superseded after it already fired.
			l.mu.Unlock()
			return
		}
		l.timer = nil
		l.mu.Unlock()
		f()
	})
	return nil
}

// Pending reports whether a timer is outstanding.
func (l *Lifecycle) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timer != nil
}

// Cancel stops the pending timer without unloading.
func (l *Lifecycle) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Lifecycle) stopLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
