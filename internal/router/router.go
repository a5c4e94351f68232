// Package router implements the Request Router: turns one ServiceRequest
// envelope into one ServiceResponse envelope, handling session binding,
// built-in categories, atomic dispatch, and failure classification.
//
// Grounded on the pkg/excel/file_manager.go dispatch-by-id
// shape, generalized to the full category/action split and the
// force-close-on-timeout policy; the envelope construction follows the
// request/response pairing pattern in other_examples' daemon.go.
package router

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"excelmcpd/internal/errs"
	"excelmcpd/internal/obslog"
	"excelmcpd/internal/registry"
	"excelmcpd/internal/rpc"
	"excelmcpd/internal/session"
)

// Router ties together the session Manager and command Registry to
// answer ServiceRequests. It also tracks process start time and a
// cooperative shutdown signal for service.status/service.shutdown.
type Router struct {
	sessions  *session.Manager
	commands  *registry.Registry
	startedAt time.Time

	shutdown chan struct{}
	onceShut func()
}

// New builds a Router over sessions and commands. shutdownFn is invoked
// exactly once when a client calls service.shutdown.
func New(sessions *session.Manager, commands *registry.Registry, shutdownFn func()) *Router {
	return &Router{
		sessions:  sessions,
		commands:  commands,
		startedAt: time.Now(),
		shutdown:  make(chan struct{}),
		onceShut:  shutdownFn,
	}
}

type sessionCreateArgs struct {
	FilePath       string `json:"file_path"`
	Show           bool   `json:"show"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type sessionCloseArgs struct {
	Save bool `json:"save"`
}

type sessionResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	FilePath  string `json:"filePath"`
}

type sessionListResult struct {
	Sessions []session.Summary `json:"sessions"`
}

// Handle turns req into a response, never panicking the caller: every
// error path is caught here and converted into the envelope.
func (r *Router) Handle(ctx context.Context, req rpc.ServiceRequest) rpc.ServiceResponse {
	obslog.Get().Debugf(obslog.ComponentRouter, "dispatching command %q", req.Command)

	category, action, _ := strings.Cut(req.Command, ".")
	if category == "" {
		return envelopeOf(nil, errs.ValidationError("empty command"))
	}

	argsJSON := "{}"
	if req.Args != nil && *req.Args != "" {
		argsJSON = *req.Args
	}

	switch category {
	case "service":
		return r.handleService(action)
	case "session":
		return r.handleSession(ctx, action, argsJSON, req.SessionID)
	}

	entry, err := r.commands.Lookup(category)
	if err != nil {
		return envelopeOf(nil, err)
	}

	canonicalAction, ok := entry.TryParseAction(action)
	if !ok {
		return envelopeOf(nil, errs.ValidationError("unknown action %q for category %q", action, category))
	}

	if entry.IsAtomic(canonicalAction) {
		return r.handleAtomic(ctx, entry, canonicalAction, argsJSON)
	}
	if entry.IsSessionless() {
		result, err := entry.SessionlessDispatch(ctx, canonicalAction, argsJSON)
		return envelopeOf(result, err)
	}

	return r.handleSessionBound(ctx, req, entry, canonicalAction, argsJSON)
}

func (r *Router) handleService(action string) rpc.ServiceResponse {
	switch action {
	case "ping":
		return rpc.Ok()
	case "shutdown":
		r.triggerShutdown()
		return rpc.Ok()
	case "status":
		status := rpc.ServiceStatus{
			Running:      true,
			ProcessID:    os.Getpid(),
			SessionCount: r.sessions.Count(),
			StartTime:    r.startedAt,
		}
		out, err := json.Marshal(status)
		if err != nil {
			return envelopeOf(nil, errs.Internal("encoding service.status: %v", err))
		}
		str := string(out)
		return rpc.OkWithResult(str)
	default:
		return envelopeOf(nil, errs.ValidationError("unknown service action %q", action))
	}
}

func (r *Router) handleSession(ctx context.Context, action string, argsJSON string, envelopeSID *string) rpc.ServiceResponse {
	switch action {
	case "create", "open":
		var args sessionCreateArgs
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return envelopeOf(nil, errs.ValidationError("decoding session.%s args: %v", action, err))
		}
		if args.FilePath == "" {
			return envelopeOf(nil, errs.ValidationError("session.%s requires file_path", action))
		}

		forCreate := action == "create"
		if err := session.ValidateExtension(args.FilePath, forCreate); err != nil {
			return envelopeOf(nil, err)
		}

		_, statErr := os.Stat(args.FilePath)
		exists := statErr == nil
		if forCreate && exists {
			return envelopeOf(nil, errs.Conflict("%s already exists", args.FilePath))
		}
		if !forCreate && !exists {
			return envelopeOf(nil, errs.NotFound("%s does not exist", args.FilePath))
		}

		opts := session.Options{Show: args.Show, TimeoutSeconds: args.TimeoutSeconds}

		var s *session.Session
		var err error
		if forCreate {
			s, err = r.sessions.CreateSession(args.FilePath, opts)
		} else {
			s, err = r.sessions.OpenSession(args.FilePath, opts)
		}
		if err != nil {
			return envelopeOf(nil, err)
		}

		out, err := json.Marshal(sessionResult{Success: true, SessionID: s.ID(), FilePath: s.FilePath()})
		if err != nil {
			return envelopeOf(nil, errs.Internal("encoding session.%s result: %v", action, err))
		}
		return rpc.OkWithResult(string(out))

	case "close":
		sid, ok := sessionIDFromArgs(argsJSON, envelopeSID)
		if !ok {
			return envelopeOf(nil, errs.ValidationError("session.close requires session_id"))
		}
		var args sessionCloseArgs
		_ = json.Unmarshal([]byte(argsJSON), &args)
		err := r.sessions.CloseSession(ctx, sid, args.Save, false)
		return envelopeOf(nil, err)

	case "save":
		sid, ok := sessionIDFromArgs(argsJSON, envelopeSID)
		if !ok {
			return envelopeOf(nil, errs.ValidationError("session.save requires session_id"))
		}
		s, err := r.sessions.GetSession(sid)
		if err != nil {
			return envelopeOf(nil, err)
		}
		err = s.Save(ctx)
		return envelopeOf(nil, err)

	case "list":
		out, err := json.Marshal(sessionListResult{Sessions: r.sessions.ActiveSessions()})
		if err != nil {
			return envelopeOf(nil, errs.Internal("encoding session.list result: %v", err))
		}
		str := string(out)
		return rpc.OkWithResult(str)

	default:
		return envelopeOf(nil, errs.ValidationError("unknown session action %q", action))
	}
}

// sessionIDFromArgs resolves the session id for session.close/save:
// callers may put it in args or at the envelope's session_id field. A
// session_id in args takes precedence; otherwise the envelope's is used.
func sessionIDFromArgs(argsJSON string, envelopeSID *string) (string, bool) {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &probe); err == nil && probe.SessionID != "" {
		return probe.SessionID, true
	}
	if envelopeSID != nil && *envelopeSID != "" {
		return *envelopeSID, true
	}
	return "", false
}

func (r *Router) handleAtomic(ctx context.Context, entry *registry.Entry, action string, argsJSON string) rpc.ServiceResponse {
	var probe struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &probe); err != nil || probe.FilePath == "" {
		return envelopeOf(nil, errs.ValidationError("%s.%s requires file_path", entry.CategoryName, action))
	}
	result, err := entry.AtomicDispatch(ctx, r.commands.Factory(), action, probe.FilePath, argsJSON)
	return envelopeOf(result, err)
}

func (r *Router) handleSessionBound(ctx context.Context, req rpc.ServiceRequest, entry *registry.Entry, action string, argsJSON string) rpc.ServiceResponse {
	if req.SessionID == nil || *req.SessionID == "" {
		return envelopeOf(nil, errs.ValidationError("%s.%s requires session_id", entry.CategoryName, action))
	}

	s, err := r.sessions.GetSession(*req.SessionID)
	if err != nil {
		return envelopeOf(nil, err)
	}

	if !s.IsExcelAlive() {
		r.sessions.ForceCloseDead(s.ID())
		return envelopeOf(nil, errs.ExcelDied("Excel process for session %s is no longer running", s.ID()))
	}

	result, dispatchErr := entry.SessionDispatch(ctx, s, action, argsJSON)
	if dispatchErr != nil && errs.Of(dispatchErr).ForcesClose() {
		obslog.Get().Warnf(obslog.ComponentRouter, "force-closing session %s after %s", s.ID(), errs.Of(dispatchErr))
		r.sessions.ForceCloseDead(s.ID())
	}
	return envelopeOf(result, dispatchErr)
}

func envelopeOf(result *string, err error) rpc.ServiceResponse {
	if err != nil {
		e, ok := errs.As(err)
		if !ok {
			e = errs.Internal("%v", err)
		}
		return rpc.Fail(e.WireMessage())
	}
	if result == nil {
		return rpc.Ok()
	}
	return rpc.OkWithResult(*result)
}

func (r *Router) triggerShutdown() {
	select {
	case <-r.shutdown:
		return
	default:
	}
	close(r.shutdown)
	if r.onceShut != nil {
		r.onceShut()
	}
}

// ShutdownRequested exposes the shutdown signal to the Supervisor loop.
func (r *Router) ShutdownRequested() <-chan struct{} { return r.shutdown }
