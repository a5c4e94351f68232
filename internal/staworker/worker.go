// Package staworker implements one OS thread pinned to the platform's
// apartment state required by Excel COM, a single-consumer FIFO work
// queue, bounded per-call timeouts, and bounded-retry handling of
// "Excel busy" failures.
//
// Grounded on the pkg/excel/client.go, which already runs exactly this
// shape (runtime.LockOSThread + a dedicated goroutine + a command
// channel) for a single hardcoded "attach to a running Excel" flow;
// this generalizes that into new/new_empty/open/execute entry points.
package staworker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"excelmcpd/internal/comexcel"
	"excelmcpd/internal/errs"
	"excelmcpd/internal/obslog"
)

const (
	// disposeBudget is how long graceful dispose waits before force-
	// killing the Excel OS process.
	disposeBudget = 5 * time.Second
	// busyRetryAttempts/busyRetryBase implement the backoff on
	// RPC_E_SERVERCALL_RETRYLATER: the wait after attempt n is
	// busyRetryBase × n (500ms, 1s, 1.5s).
	busyRetryAttempts = 3
	busyRetryBase      = 500 * time.Millisecond

	fileFormatMacroEnabled = 52
	fileFormatXLSX         = 51
)

type job struct {
	run  func(comexcel.App, comexcel.Workbook) (any, error)
	done chan result
}

type result struct {
	value any
	err   error
}

// Worker owns one Excel application + one open workbook, both confined
// to the dedicated OS thread it starts in New/NewEmpty.
type Worker struct {
	queue    chan job
	quit     chan bool
	quitOnce sync.Once
	stopped  chan struct{}

	mu        sync.Mutex
	app       comexcel.App
	macroMode bool
	filePath  string

	factory comexcel.Factory
}

// New opens an existing workbook at path on a freshly created STA thread
// and blocks until ready or failed.
func New(factory comexcel.Factory, path string) (*Worker, error) {
	return start(factory, path, false, false)
}

// NewEmpty creates a brand-new workbook at path (directory created if
// missing) on a freshly created STA thread.
func NewEmpty(factory comexcel.Factory, path string, macroEnabled bool) (*Worker, error) {
	return start(factory, path, true, macroEnabled)
}

func start(factory comexcel.Factory, path string, createNew, macroEnabled bool) (*Worker, error) {
	w := &Worker{
		queue:     make(chan job, 256),
		quit:      make(chan bool, 1),
		stopped:   make(chan struct{}),
		factory:   factory,
		macroMode: macroEnabled,
		filePath:  path,
	}

	readyErr := make(chan error, 1)
	var app comexcel.App
	var wb comexcel.Workbook

	go func() {
		// The apartment invariant: set before the thread starts, never
		// reassigned, and this goroutine is the only one that ever
		// touches app/wb from here on.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(w.stopped)

		var err error
		app, err = factory()
		if err != nil {
			readyErr <- fmt.Errorf("starting Excel: %w", err)
			return
		}

		if createNew {
			if dir := filepath.Dir(path); dir != "." {
				if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
					readyErr <- errs.Internal("creating directory for %s: %v", path, mkErr)
					return
				}
			}
			wb, err = app.New(macroEnabled)
		} else {
			wb, err = app.Open(path)
		}
		if err != nil {
			_ = app.Quit()
			readyErr <- classifyCreationError(err)
			return
		}

		_, _ = app.ProcessID() // resolves and caches the pid inside app, for IsAlive/Kill

		w.mu.Lock()
		w.app = app
		w.mu.Unlock()

		readyErr <- nil
		w.pump(app, wb)
	}()

	if err := <-readyErr; err != nil {
		return nil, err
	}
	return w, nil
}

func classifyCreationError(err error) error {
	text := err.Error()
	switch errs.ClassifyCOMError(text) {
	case errs.KindFileLocked:
		return errs.FileLocked("%s", text)
	case errs.KindBusy:
		return errs.Busy("%s", text)
	case errs.KindExcelDied:
		return errs.ExcelDied("%s", text)
	default:
		return errs.Internal("%s", text)
	}
}

// pump is the single-consumer FIFO loop: one job runs to completion
// before the next is dequeued, preserving per-session ordering. On a
// non-forced quit it drains whatever is still buffered in queue before
// exiting, so a job a caller already handed off (and may have since
// timed out waiting on) still runs instead of being silently abandoned.
func (w *Worker) pump(app comexcel.App, wb comexcel.Workbook) {
	for {
		// Check quit first, non-blocking: once Dispose has signalled,
		// the worker must act on it before picking up anything else
		// still sitting in queue, rather than leaving that to Go's
		// pseudo-random tie-break between two simultaneously-ready
		// channels.
		select {
		case force := <-w.quit:
			if !force {
				w.drainQueue(app, wb)
			}
			w.cleanup(app, wb)
			return
		default:
		}

		select {
		case j := <-w.queue:
			v, err := runWithBusyRetry(j.run, app, wb)
			j.done <- result{value: v, err: err}
		case force := <-w.quit:
			if !force {
				w.drainQueue(app, wb)
			}
			w.cleanup(app, wb)
			return
		}
	}
}

// drainQueue runs every job already buffered in queue to completion,
// without blocking for more to arrive.
func (w *Worker) drainQueue(app comexcel.App, wb comexcel.Workbook) {
	for {
		select {
		case j := <-w.queue:
			v, err := runWithBusyRetry(j.run, app, wb)
			j.done <- result{value: v, err: err}
		default:
			return
		}
	}
}

func runWithBusyRetry(fn func(comexcel.App, comexcel.Workbook) (any, error), app comexcel.App, wb comexcel.Workbook) (any, error) {
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		v, err := fn(app, wb)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !errs.IsRetryLater(err.Error()) {
			return nil, err
		}
		obslog.Get().Warnf(obslog.ComponentWorker, "Excel busy, retrying (attempt %d/%d)", attempt+1, busyRetryAttempts)
		time.Sleep(busyRetryBase * time.Duration(attempt+1))
	}
	return nil, errs.Busy("Excel is busy: %s", lastErr.Error())
}

func (w *Worker) cleanup(app comexcel.App, wb comexcel.Workbook) {
	// Cleanup order: close workbook (no save) → quit application →
	// release references → two GC passes → thread exits.
	if wb != nil {
		_ = wb.Close(false)
	}
	if app != nil {
		_ = app.Quit()
	}
	runtime.GC()
	runtime.GC()
}

// Execute submits op to the Worker's queue and waits up to timeout for
// it to run. On timeout the Worker keeps processing the in-flight call
// in the background (it cannot be interrupted) but returns TimedOut to
// the caller; the Router then force-closes the Session.
func Execute[T any](w *Worker, ctx context.Context, timeout time.Duration, op func(comexcel.App, comexcel.Workbook) (T, error)) (T, error) {
	var zero T

	if !w.IsAlive() {
		return zero, errs.ExcelDied("Excel process is no longer running")
	}

	j := job{
		run: func(app comexcel.App, wb comexcel.Workbook) (any, error) {
			return op(app, wb)
		},
		done: make(chan result, 1),
	}

	select {
	case w.queue <- j:
	case <-w.stopped:
		return zero, errs.ExcelDied("Excel process is no longer running")
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-j.done:
		if r.err != nil {
			return zero, classifyRuntimeError(r.err)
		}
		if r.value == nil {
			return zero, nil
		}
		return r.value.(T), nil
	case <-timeoutCh:
		return zero, errs.TimedOut("operation exceeded %s", timeout)
	case <-ctx.Done():
		return zero, errs.Cancelled("caller cancelled the operation")
	case <-w.stopped:
		return zero, errs.ExcelDied("Excel process is no longer running")
	}
}

func classifyRuntimeError(err error) error {
	if _, ok := errs.As(err); ok {
		return err
	}
	text := err.Error()
	switch errs.ClassifyCOMError(text) {
	case errs.KindFileLocked:
		return errs.FileLocked("%s", text)
	case errs.KindBusy:
		return errs.Busy("%s", text)
	case errs.KindExcelDied:
		return errs.ExcelDied("%s", text)
	default:
		return errs.CommandFailed("%s", text)
	}
}

// Save saves the workbook, retrying via SaveAs on the locked/read-only
// HRESULTs the errs package classifies.
func (w *Worker) Save(ctx context.Context, timeout time.Duration) error {
	_, err := Execute(w, ctx, timeout, func(app comexcel.App, wb comexcel.Workbook) (any, error) {
		saveErr := wb.Save()
		if saveErr == nil {
			return nil, nil
		}
		if !errs.IsRetryableSave(saveErr.Error()) {
			return nil, saveErr
		}

		fullName, nameErr := wb.FullName()
		if nameErr != nil {
			return nil, saveErr
		}
		format := fileFormatXLSX
		if w.macroMode {
			format = fileFormatMacroEnabled
		}
		if asErr := wb.SaveAs(fullName, format); asErr != nil {
			return nil, asErr
		}
		return nil, nil
	})
	return err
}

// IsAlive reports whether the Excel OS process backing this Worker still
// exists, without making a COM call.
func (w *Worker) IsAlive() bool {
	w.mu.Lock()
	app := w.app
	w.mu.Unlock()
	if app == nil {
		return true // creation hasn't finished yet; assume alive
	}
	return app.IsAlive()
}

// Dispose asks the Worker to finish its current work, drain pending
// items (unless force), close without saving, quit, and exit, within
// the 5s budget; force-kills the process if that budget is exceeded.
func (w *Worker) Dispose(force bool) {
	w.quitOnce.Do(func() {
		w.quit <- force
	})

	select {
	case <-w.stopped:
	case <-time.After(disposeBudget):
		w.forceKillProcess()
		<-w.stopped
	}
}

func (w *Worker) forceKillProcess() {
	w.mu.Lock()
	app := w.app
	w.mu.Unlock()
	if app == nil {
		return
	}
	obslog.Get().Warnf(obslog.ComponentWorker, "graceful dispose exceeded %s, force-killing Excel process", disposeBudget)
	_ = app.Kill()
}

// FilePath returns the path this Worker was opened/created against.
func (w *Worker) FilePath() string { return w.filePath }
