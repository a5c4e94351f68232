// Package watchdog implements the Idle Watchdog: a periodic check of
// "no sessions + no recent activity" that triggers orderly daemon
// shutdown, using the same "wake every N, check a condition, act"
// background-ticker shape as a license checker's polling loop.
package watchdog

import (
	"sync/atomic"
	"time"

	"excelmcpd/internal/obslog"
	"excelmcpd/internal/session"
)

const tickInterval = 30 * time.Second

// Watchdog wakes every tickInterval and triggers onIdle once the daemon
// has had zero sessions for at least idleTimeout. A zero idleTimeout
// means "never", per the configured-timeout contract.
type Watchdog struct {
	sessions    *session.Manager
	idleTimeout time.Duration
	onIdle      func()

	lastActivity atomic.Int64 // unix nanos

	stop chan struct{}
	done chan struct{}
}

// New builds a Watchdog. Call Start to begin ticking and Stop to end it.
func New(sessions *session.Manager, idleTimeout time.Duration, onIdle func()) *Watchdog {
	w := &Watchdog{
		sessions:    sessions,
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	w.lastActivity.Store(time.Now().UnixNano())
	return w
}

// Touch records activity, consulted by Start's idle check. The IPC
// server calls this on every RPC.
func (w *Watchdog) Touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

// Start runs the watchdog loop until Stop is called. Intended to be
// launched in its own goroutine.
func (w *Watchdog) Start() {
	defer close(w.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick()
		case <-w.stop:
			return
		}
	}
}

func (w *Watchdog) tick() {
	if w.sessions.Count() > 0 {
		// An idle client with an open session never triggers shutdown:
		// activity is refreshed whenever sessions exist, not just on RPC
		// traffic.
		w.Touch()
		return
	}

	if w.idleTimeout <= 0 {
		return
	}

	last := time.Unix(0, w.lastActivity.Load())
	if time.Since(last) >= w.idleTimeout {
		obslog.Get().Infof(obslog.ComponentWatchdog, "idle for %s with no sessions, triggering shutdown", w.idleTimeout)
		w.onIdle()
	}
}

// Stop ends the watchdog loop and waits for it to exit.
func (w *Watchdog) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}
