// Package registry implements the pluggable command catalog: one entry
// per category (range, sheet, diag, ...), each a small table of
// function-pointer-style members rather than anything reflection-based
// — the router only ever sees the Entry contract below.
//
// Grounded on the pkg/excel/interface.go + excelize_client.go,
// which enumerate exactly this category surface (sheet management, range
// read/write) against a single ExcelClient; here the same operations are
// regrouped into category/action pairs dispatched against a Session or,
// for atomic file operations, against a bare file path.
package registry

import (
	"context"

	"excelmcpd/internal/comexcel"
	"excelmcpd/internal/errs"
	"excelmcpd/internal/session"
	"excelmcpd/internal/staworker"
)

// Entry is one category's dispatch table. category_name/try_parse_action/
// dispatch map directly; a category marks individual actions atomic by
// listing them in AtomicActions, and marks its whole surface sessionless
// by leaving SessionDispatch nil and setting SessionlessDispatch instead.
type Entry struct {
	CategoryName string

	// TryParseAction normalizes a raw action string (already lower-cased,
	// kebab-case) into the category's canonical action name, or reports
	// it unknown.
	TryParseAction func(raw string) (action string, ok bool)

	// AtomicActions lists actions that operate on a bare file path with
	// no pre-existing Session. AtomicDispatch handles them on its own; the
	// built-in sheet copy-to-file/move-to-file use excelize and start no
	// Worker.
	AtomicActions map[string]bool

	// SessionDispatch serves ordinary session-bound actions.
	SessionDispatch func(ctx context.Context, s *session.Session, action string, argsJSON string) (*string, error)

	// AtomicDispatch serves the actions listed in AtomicActions.
	AtomicDispatch func(ctx context.Context, factory comexcel.Factory, action string, filePath string, argsJSON string) (*string, error)

	// SessionlessDispatch serves categories with no session concept at
	// all (diag). Mutually exclusive with SessionDispatch/AtomicDispatch.
	SessionlessDispatch func(ctx context.Context, action string, argsJSON string) (*string, error)
}

// IsSessionless reports whether this category never needs a Session.
func (e *Entry) IsSessionless() bool { return e.SessionlessDispatch != nil }

// IsAtomic reports whether action is one of this category's atomic
// file-path operations.
func (e *Entry) IsAtomic(action string) bool { return e.AtomicActions[action] }

// Registry is the closed set of categories the daemon knows about,
// looked up by name.
type Registry struct {
	factory  comexcel.Factory
	entries  map[string]*Entry
}

// New builds a Registry with the built-in categories wired in. factory
// is handed to each AtomicDispatch call; the built-in sheet atomic
// actions do not use it.
func New(factory comexcel.Factory) *Registry {
	r := &Registry{factory: factory, entries: make(map[string]*Entry)}
	r.register(rangeEntry())
	r.register(sheetEntry())
	r.register(diagEntry())
	for _, name := range placeholderCategories {
		r.register(placeholderEntry(name))
	}
	return r
}

func (r *Registry) register(e *Entry) {
	r.entries[e.CategoryName] = e
}

// Lookup returns the Entry for category, or ValidationError if the
// category is not in the closed set.
func (r *Registry) Lookup(category string) (*Entry, error) {
	e, ok := r.entries[category]
	if !ok {
		return nil, errs.ValidationError("unknown command category %q", category)
	}
	return e, nil
}

// Factory exposes the comexcel.Factory that is passed to atomic
// dispatchers.
func (r *Registry) Factory() comexcel.Factory { return r.factory }

// runAtomic is a helper for atomic dispatch functions that need a live
// Worker: it opens an ephemeral Worker against filePath, runs op, and
// always disposes the Worker afterward regardless of op's outcome. No
// built-in category calls it.
func runAtomic(ctx context.Context, factory comexcel.Factory, filePath string, mustExist bool, op func(comexcel.App, comexcel.Workbook) (*string, error)) (*string, error) {
	var w *staworker.Worker
	var err error
	if mustExist {
		w, err = staworker.New(factory, filePath)
	} else {
		w, err = staworker.NewEmpty(factory, filePath, false)
	}
	if err != nil {
		return nil, err
	}
	defer w.Dispose(false)

	return staworker.Execute(w, ctx, 0, op)
}

// placeholderCategories are names in the closed catalog that the router
// must recognize but whose bodies are supplied by a downstream command
// registry build, not by this daemon core.
var placeholderCategories = []string{
	"table", "powerquery", "pivottable", "chart", "connection",
	"calculation", "namedrange", "conditionalformat", "vba",
	"datamodel", "slicer", "screenshot", "window",
}

func placeholderEntry(name string) *Entry {
	return &Entry{
		CategoryName: name,
		TryParseAction: func(raw string) (string, bool) {
			return raw, raw != ""
		},
		SessionDispatch: func(ctx context.Context, s *session.Session, action string, argsJSON string) (*string, error) {
			return nil, errs.CommandFailed("%s.%s is not implemented", name, action)
		},
	}
}
