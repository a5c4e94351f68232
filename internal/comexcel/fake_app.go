package comexcel

import (
	"fmt"
	"sync"
)

// FakeApp is an in-memory test double for App/Workbook that never
// touches a real Excel process, so the session/staworker/router test
// suites can run on any platform.
type FakeApp struct {
	mu        sync.Mutex
	visible   bool
	pid       uint32
	killed    bool
	quit      bool
	workbooks []*FakeWorkbook

	// OpenErr/NewErr, when set, make Open/New fail — used to simulate
	// "file is sharing-locked" / "unsupported format" creation failures.
	OpenErr error
	NewErr  error
}

var fakePIDCounter uint32 = 1000

// NewFakeApp constructs a FakeApp with a unique fake PID, so liveness
// checks across multiple fake sessions don't collide.
func NewFakeApp() Factory {
	return func() (App, error) {
		fakePIDCounter++
		return &FakeApp{pid: fakePIDCounter}, nil
	}
}

// NewFakeAppFailing builds a Factory that itself fails with err, so no
// App is ever created — for Worker/Session creation-failure paths.
func NewFakeAppFailing(err error) Factory {
	return func() (App, error) {
		return nil, err
	}
}

func (a *FakeApp) Open(path string) (Workbook, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	wb := &FakeWorkbook{fullName: path}
	a.workbooks = append(a.workbooks, wb)
	return wb, nil
}

func (a *FakeApp) New(macroEnabled bool) (Workbook, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.NewErr != nil {
		return nil, a.NewErr
	}
	wb := &FakeWorkbook{macroEnabled: macroEnabled, isNew: true}
	a.workbooks = append(a.workbooks, wb)
	return wb, nil
}

func (a *FakeApp) SetVisible(visible bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.visible = visible
	return nil
}

func (a *FakeApp) ProcessID() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.killed || a.quit {
		return 0, fmt.Errorf("process no longer running")
	}
	return a.pid, nil
}

func (a *FakeApp) Quit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quit = true
	return nil
}

func (a *FakeApp) Kill() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.killed = true
	return nil
}

// IsAlive reports whether the fake process is still "running" — used
// by tests to simulate external Excel death via Kill.
func (a *FakeApp) IsAlive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.killed && !a.quit
}

// FakeWorkbook is an in-memory workbook backing a FakeApp.
type FakeWorkbook struct {
	mu           sync.Mutex
	fullName     string
	macroEnabled bool
	isNew        bool
	closed       bool
	saveCount    int
	sheets       []Sheet
	cells        map[string]map[string][][]any // sheet -> address -> values

	// SaveErr, when set, makes Save fail once (consumed on first call) —
	// used to test the Worker's SaveAs fallback.
	SaveErr error
}

func (w *FakeWorkbook) FullName() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fullName, nil
}

func (w *FakeWorkbook) Save() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.SaveErr != nil {
		err := w.SaveErr
		w.SaveErr = nil
		return err
	}
	w.saveCount++
	return nil
}

func (w *FakeWorkbook) SaveAs(path string, fileFormat int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fullName = path
	w.saveCount++
	return nil
}

func (w *FakeWorkbook) Close(saveChanges bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if saveChanges {
		w.saveCount++
	}
	w.closed = true
	return nil
}

func (w *FakeWorkbook) ListSheets() ([]Sheet, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sheets) == 0 {
		return []Sheet{{Name: "Sheet1", Visible: true}}, nil
	}
	out := make([]Sheet, len(w.sheets))
	copy(out, w.sheets)
	return out, nil
}

func (w *FakeWorkbook) AddSheet(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.sheets {
		if s.Name == name {
			return fmt.Errorf("sheet %q already exists", name)
		}
	}
	w.sheets = append(w.sheets, Sheet{Name: name, Visible: true})
	return nil
}

func (w *FakeWorkbook) DeleteSheet(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, s := range w.sheets {
		if s.Name == name {
			w.sheets = append(w.sheets[:i], w.sheets[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("sheet %q not found", name)
}

func (w *FakeWorkbook) ReadRange(sheet, address string) (Range, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cells == nil {
		return Range{Values: [][]any{{nil}}}, nil
	}
	if rows, ok := w.cells[sheet][address]; ok {
		return Range{Values: rows}, nil
	}
	return Range{Values: [][]any{{nil}}}, nil
}

func (w *FakeWorkbook) WriteRange(sheet, address string, values [][]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cells == nil {
		w.cells = make(map[string]map[string][][]any)
	}
	if w.cells[sheet] == nil {
		w.cells[sheet] = make(map[string][][]any)
	}
	w.cells[sheet][address] = values
	return nil
}

// SaveCount reports how many times Save/SaveAs/Close(save=true) ran.
func (w *FakeWorkbook) SaveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saveCount
}
