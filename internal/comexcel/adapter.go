// Package comexcel wraps Excel's late-bound COM automation surface
// behind small opaque interfaces. App and Workbook must only ever be
// created, called, and released on the OS thread that created them —
// enforcing that confinement is staworker.Worker's job, not this
// package's; comexcel just gives the Worker something thread-agnostic
// to hold a pointer to.
package comexcel

// Sheet is a minimal, already-marshalled view of a worksheet's name and
// visibility — good enough for the registry's session/sheet categories
// without leaking COM pointers out of the adapter.
type Sheet struct {
	Name    string
	Visible bool
}

// Range is a rectangular block of already-marshalled cell values, row
// major, as returned by Workbook.ReadRange.
type Range struct {
	Values [][]any
}

// Workbook is the opaque handle to one open workbook, confined to the
// STA Worker thread that opened it.
type Workbook interface {
	// FullName is the absolute path Excel has the workbook open from.
	FullName() (string, error)
	// Save saves in place. Callers should inspect the returned error text
	// with errs.IsRetryableSave / errs.ClassifyCOMError before giving up.
	Save() error
	// SaveAs saves to path using the given Excel file-format code
	// (52 = macro-enabled xlsm, 51 = xlsx).
	SaveAs(path string, fileFormat int) error
	// Close closes the workbook, optionally saving first.
	Close(saveChanges bool) error
	// ListSheets returns the workbook's sheets in tab order.
	ListSheets() ([]Sheet, error)
	// AddSheet appends a new sheet named name.
	AddSheet(name string) error
	// DeleteSheet removes the named sheet.
	DeleteSheet(name string) error
	// ReadRange reads a rectangular address (e.g. "A1:C10") on sheet.
	ReadRange(sheet, address string) (Range, error)
	// WriteRange writes row-major values starting at the top-left of
	// address on sheet.
	WriteRange(sheet, address string, values [][]any) error
}

// App is the opaque handle to one Excel application instance, confined
// to the STA Worker thread that created it.
type App interface {
	// Open opens an existing workbook at path.
	Open(path string) (Workbook, error)
	// New creates a brand-new workbook; if macroEnabled, the first save
	// should use the macro-enabled format (file-format code 52).
	New(macroEnabled bool) (Workbook, error)
	// SetVisible shows/hides the Excel application window.
	SetVisible(visible bool) error
	// ProcessID returns the OS process id backing this Excel instance,
	// for the IsAlive liveness probe below.
	ProcessID() (uint32, error)
	// IsAlive reports whether the backing OS process still exists,
	// without making a COM call.
	IsAlive() bool
	// Quit asks Excel to exit. Workbooks should already be closed.
	Quit() error
	// Kill forcibly terminates the Excel OS process. Used when graceful
	// Quit doesn't complete within the dispose budget.
	Kill() error
}

// Factory constructs a new App, performing whatever COM initialization
// it needs. It must be called on the thread that will own the returned
// App for its entire lifetime — staworker.Worker guarantees this.
type Factory func() (App, error)
