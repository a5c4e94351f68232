package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"excelmcpd/internal/comexcel"
	"excelmcpd/internal/session"
)

func TestTickTriggersOnIdleOnceTimeoutElapsed(t *testing.T) {
	sessions := session.NewManager(comexcel.NewFakeApp(), time.Second)
	fired := make(chan struct{}, 1)

	w := New(sessions, 10*time.Millisecond, func() { fired <- struct{}{} })
	w.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	w.tick()

	select {
	case <-fired:
	default:
		t.Fatal("expected tick to call onIdle once idleTimeout has elapsed with no sessions")
	}
}

func TestTickDoesNotTriggerBeforeTimeoutElapsed(t *testing.T) {
	sessions := session.NewManager(comexcel.NewFakeApp(), time.Second)
	fired := make(chan struct{}, 1)

	w := New(sessions, time.Hour, func() { fired <- struct{}{} })

	w.tick()

	select {
	case <-fired:
		t.Fatal("expected tick to not call onIdle before idleTimeout elapses")
	default:
	}
}

func TestTickNeverTriggersWithZeroIdleTimeout(t *testing.T) {
	sessions := session.NewManager(comexcel.NewFakeApp(), time.Second)
	fired := make(chan struct{}, 1)

	w := New(sessions, 0, func() { fired <- struct{}{} })
	w.lastActivity.Store(time.Now().Add(-24 * time.Hour).UnixNano())

	w.tick()

	select {
	case <-fired:
		t.Fatal("expected tick with zero idleTimeout to never call onIdle")
	default:
	}
}

func TestTickRefreshesActivityWhileSessionsExist(t *testing.T) {
	sessions := session.NewManager(comexcel.NewFakeApp(), time.Second)
	_, err := sessions.CreateSession("/tmp/watchdog-active.xlsx", session.Options{})
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	w := New(sessions, 10*time.Millisecond, func() { fired <- struct{}{} })
	stale := time.Now().Add(-time.Hour).UnixNano()
	w.lastActivity.Store(stale)

	w.tick()

	select {
	case <-fired:
		t.Fatal("expected tick to not call onIdle while a session is registered")
	default:
	}
	assert.Greater(t, w.lastActivity.Load(), stale, "expected tick to refresh activity while sessions exist")
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	sessions := session.NewManager(comexcel.NewFakeApp(), time.Second)
	w := New(sessions, time.Hour, func() {})

	var before int64 = time.Now().Add(-time.Hour).UnixNano()
	w.lastActivity.Store(before)

	w.Touch()

	assert.Greater(t, w.lastActivity.Load(), before)
}

func TestStartStopLifecycle(t *testing.T) {
	sessions := session.NewManager(comexcel.NewFakeApp(), time.Second)
	w := New(sessions, 0, func() {})

	done := make(chan struct{})
	go func() {
		w.Start()
		close(done)
	}()

	// give Start a moment to enter its select loop before Stop races it
	time.Sleep(5 * time.Millisecond)
	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Start to return after Stop")
	}

	// Stop must be safe to call again without blocking forever
	w.Stop()
}
