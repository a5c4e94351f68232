// Package session implements the Session and SessionManager: a
// thread-safe façade over one staworker.Worker, and a process-wide
// registry enforcing one Session per canonical file path.
//
// Grounded on the pkg/excel/file_manager.go, which already
// keyed a map of per-file clients by session id under a single mutex;
// this generalizes that shape to the full Created/Active/Closing/Closed
// state machine and the path-uniqueness invariant the prior implementation's
// FileManager never enforced.
package session

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"excelmcpd/internal/comexcel"
	"excelmcpd/internal/errs"
	"excelmcpd/internal/obslog"
	"excelmcpd/internal/staworker"
)

// Origin records which kind of client opened a Session.
type Origin string

const (
	OriginCLI Origin = "cli"
	OriginMCP Origin = "mcp"
)

// State is a Session's lifecycle state.
type State int

const (
	StateCreated State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const defaultOperationTimeout = 30 * time.Second

// Options configures a new Session at create/open time.
type Options struct {
	Show           bool
	TimeoutSeconds int
	Origin         Origin
	MacroEnabled   bool

	// DefaultTimeout is the fallback applied when TimeoutSeconds is zero,
	// set by Manager from the daemon's configured default rather than by
	// the RPC caller.
	DefaultTimeout time.Duration
}

// Summary is the snapshot shape returned by SessionManager.ActiveSessions.
type Summary struct {
	ID              string
	FilePath        string
	Visible         bool
	ActiveOps       int32
	CanClose        bool
	Origin          Origin
	CreatedAt       time.Time
}

// Session pairs one staworker.Worker with metadata and guards its
// lifecycle transitions and in-flight operation count.
type Session struct {
	id        string
	filePath  string
	origin    Origin
	createdAt time.Time
	timeout   time.Duration

	mu      sync.Mutex
	state   State
	visible bool

	activeOps int32

	worker *staworker.Worker
}

// Create builds a brand-new workbook at path. path must not already exist; that
// check is the caller's responsibility (the Router performs it before
// calling Manager.CreateSession; neither Create nor the Manager checks it).
func Create(factory comexcel.Factory, path string, opts Options) (*Session, error) {
	w, err := staworker.NewEmpty(factory, path, opts.MacroEnabled)
	if err != nil {
		return nil, err
	}
	return newSession(w, path, opts), nil
}

// Open opens an existing workbook at path.
func Open(factory comexcel.Factory, path string, opts Options) (*Session, error) {
	w, err := staworker.New(factory, path)
	if err != nil {
		return nil, err
	}
	return newSession(w, path, opts), nil
}

func newSession(w *staworker.Worker, path string, opts Options) *Session {
	timeout := defaultOperationTimeout
	if opts.DefaultTimeout > 0 {
		timeout = opts.DefaultTimeout
	}
	if opts.TimeoutSeconds > 0 {
		timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	origin := opts.Origin
	if origin == "" {
		origin = OriginCLI
	}

	s := &Session{
		id:        uuid.NewString(),
		filePath:  path,
		origin:    origin,
		createdAt: time.Now(),
		timeout:   timeout,
		state:     StateActive,
		visible:   opts.Show,
		worker:    w,
	}
	if opts.Show {
		_, _ = staworker.Execute(w, context.Background(), timeout, func(app comexcel.App, _ comexcel.Workbook) (any, error) {
			return nil, app.SetVisible(true)
		})
	}
	return s
}

// ID returns the Session's opaque, immutable identifier.
func (s *Session) ID() string { return s.id }

// FilePath returns the canonicalized path this Session was opened against.
func (s *Session) FilePath() string { return s.filePath }

// Origin reports which kind of client opened this Session.
func (s *Session) Origin() Origin { return s.origin }

// Visible reports whether Excel's window is currently shown.
func (s *Session) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// SetVisible mutates window visibility, the only way `visible` changes.
func (s *Session) SetVisible(ctx context.Context, visible bool) error {
	_, err := Execute(s, ctx, func(app comexcel.App, _ comexcel.Workbook) (any, error) {
		return nil, app.SetVisible(visible)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()
	return nil
}

// ActiveOperations returns the number of Execute calls currently awaiting
// a Worker response.
func (s *Session) ActiveOperations() int32 {
	return atomic.LoadInt32(&s.activeOps)
}

// IsExcelAlive reports whether the Excel OS process backing this Session
// still exists.
func (s *Session) IsExcelAlive() bool {
	return s.worker.IsAlive()
}

// State returns the Session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Execute runs op against the Session's worker, bracketed by the active-
// operation counter. It's a package-level
// generic function, not a method, because Go methods cannot carry their
// own type parameters.
func Execute[T any](s *Session, ctx context.Context, op func(comexcel.App, comexcel.Workbook) (T, error)) (T, error) {
	var zero T

	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return zero, errs.NotFound("session %s is closed", s.id)
	}
	s.mu.Unlock()

	atomic.AddInt32(&s.activeOps, 1)
	defer atomic.AddInt32(&s.activeOps, -1)

	return staworker.Execute(s.worker, ctx, s.timeout, op)
}

// Save saves the workbook in place.
func (s *Session) Save(ctx context.Context) error {
	atomic.AddInt32(&s.activeOps, 1)
	defer atomic.AddInt32(&s.activeOps, -1)
	return s.worker.Save(ctx, s.timeout)
}

// Close tears the Session down. If force is false and there are
// in-flight operations, it refuses. If save is true
// and Excel is still alive, it saves first.
func (s *Session) Close(ctx context.Context, save, force bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return errs.NotFound("session %s is already closed", s.id)
	}
	ops := atomic.LoadInt32(&s.activeOps)
	if !force && ops > 0 {
		s.mu.Unlock()
		return errs.Conflict("session %s has %d operation(s) in flight", s.id, ops)
	}
	s.state = StateClosing
	s.mu.Unlock()

	if save && s.worker.IsAlive() {
		if err := s.worker.Save(ctx, s.timeout); err != nil {
			obslog.Get().Warnf(obslog.ComponentSession, "session %s: save before close failed: %v", s.id, err)
		}
	}

	s.worker.Dispose(force && ops > 0)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return nil
}

// ForceClose tears the Session down unconditionally, bypassing the
// in-flight check entirely — used by the Router after a TimedOut,
// Cancelled, or ExcelDied error forces the Session closed.
func (s *Session) ForceClose() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.worker.Dispose(true)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// Manager is the process-wide Session registry: enforces one Session per canonical file path,
// provides lookup, listing, and cascading teardown.
type Manager struct {
	factory        comexcel.Factory
	defaultTimeout time.Duration

	mu     sync.Mutex
	byID   map[string]*Session
	byPath map[string]string // canonical path -> session id
}

// NewManager builds an empty Manager whose Sessions are all backed by
// factory (comexcel.NewOLEApp in production, comexcel.NewFakeApp in
// tests). defaultTimeout is applied to a Session when the caller doesn't
// specify timeout_seconds.
func NewManager(factory comexcel.Factory, defaultTimeout time.Duration) *Manager {
	return &Manager{
		factory:        factory,
		defaultTimeout: defaultTimeout,
		byID:           make(map[string]*Session),
		byPath:         make(map[string]string),
	}
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// CreateSession builds a brand-new workbook (file must not already
// exist — checked by the caller before invoking this) and
// registers it, failing with Conflict if the canonical path is already
// owned by another Session.
func (m *Manager) CreateSession(path string, opts Options) (*Session, error) {
	canon, err := canonicalize(path)
	if err != nil {
		return nil, errs.ValidationError("invalid file path %q: %v", path, err)
	}

	m.mu.Lock()
	if _, taken := m.byPath[canon]; taken {
		m.mu.Unlock()
		return nil, errs.Conflict("a session already owns %s", canon)
	}
	m.mu.Unlock()

	opts.DefaultTimeout = m.defaultTimeout
	s, err := Create(m.factory, canon, opts)
	if err != nil {
		return nil, err
	}
	if err := m.register(s, canon); err != nil {
		return nil, err
	}
	obslog.Get().Infof(obslog.ComponentSession, "created session %s for %s", s.id, canon)
	return s, nil
}

// OpenSession opens an existing workbook and registers it, failing with
// Conflict if the canonical path is already owned by another Session.
func (m *Manager) OpenSession(path string, opts Options) (*Session, error) {
	canon, err := canonicalize(path)
	if err != nil {
		return nil, errs.ValidationError("invalid file path %q: %v", path, err)
	}

	m.mu.Lock()
	if _, taken := m.byPath[canon]; taken {
		m.mu.Unlock()
		return nil, errs.Conflict("a session already owns %s", canon)
	}
	m.mu.Unlock()

	opts.DefaultTimeout = m.defaultTimeout
	s, err := Open(m.factory, canon, opts)
	if err != nil {
		return nil, err
	}
	if err := m.register(s, canon); err != nil {
		return nil, err
	}
	obslog.Get().Infof(obslog.ComponentSession, "opened session %s for %s", s.id, canon)
	return s, nil
}

func (m *Manager) register(s *Session, canon string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A second check-and-set under the lock: two concurrent creators can
	// race past the pre-check above (one of them has already paid the
	// cost of opening Excel). Exactly one wins the table; the loser's
	// freshly-opened Session is torn down so no Excel instance leaks,
	// and its caller gets Conflict.
	if _, taken := m.byPath[canon]; taken {
		go s.Close(context.Background(), false, true)
		return errs.Conflict("a session already owns %s", canon)
	}
	m.byID[s.id] = s
	m.byPath[canon] = s.id
	return nil
}

// GetSession returns the Session for id, or NotFound if absent.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, errs.NotFound("no session with id %s", id)
	}
	return s, nil
}

// CloseSession closes and deregisters id. If id is not present, returns
// NotFound. If it is present but Excel had already died, close still
// removes the entry and reports ExcelDied rather than NotFound, since
// the id did exist.
func (m *Manager) CloseSession(ctx context.Context, id string, save, force bool) error {
	m.mu.Lock()
	s, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return errs.NotFound("no session with id %s", id)
	}

	var closeErr error
	if !s.IsExcelAlive() {
		s.ForceClose()
		closeErr = errs.ExcelDied("Excel process for session %s is no longer running", id)
	} else {
		closeErr = s.Close(ctx, save, force)
	}

	if closeErr == nil || errs.Of(closeErr) == errs.KindExcelDied {
		m.deregister(id)
	}
	return closeErr
}

func (m *Manager) deregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	delete(m.byPath, s.filePath)
}

// ForceCloseDead removes id from the registry after the Router has
// detected Excel died under it — used when the detection happens
// outside CloseSession (e.g. mid-dispatch liveness probe).
func (m *Manager) ForceCloseDead(id string) {
	m.mu.Lock()
	s, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.ForceClose()
	m.deregister(id)
}

// ActiveSessions returns a snapshot of every registered Session.
func (m *Manager) ActiveSessions() []Summary {
	m.mu.Lock()
	ids := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		ids = append(ids, s)
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(ids))
	for _, s := range ids {
		ops := s.ActiveOperations()
		out = append(out, Summary{
			ID:        s.id,
			FilePath:  s.filePath,
			Visible:   s.Visible(),
			ActiveOps: ops,
			CanClose:  ops == 0,
			Origin:    s.origin,
			CreatedAt: s.createdAt,
		})
	}
	return out
}

// Count returns the number of currently registered sessions, used by the
// idle watchdog and ServiceStatus.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Shutdown force-closes every registered Session with save=false,
// force=true.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.ForceClose()
		}(s)
	}
	wg.Wait()

	m.mu.Lock()
	m.byID = make(map[string]*Session)
	m.byPath = make(map[string]string)
	m.mu.Unlock()
}

// ValidateExtension checks a file path's extension against the allowed
// set for create (xlsx/xlsm) or open (xlsx/xlsm/xls).
func ValidateExtension(path string, forCreate bool) error {
	ext := filepath.Ext(path)
	switch ext {
	case ".xlsx", ".xlsm":
		return nil
	case ".xls":
		if forCreate {
			return errs.ValidationError("cannot create a legacy .xls file, use .xlsx or .xlsm")
		}
		return nil
	default:
		return errs.ValidationError("unsupported file extension %q", ext)
	}
}
