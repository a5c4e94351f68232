package comexcel

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

// oleApp is the real Excel COM adapter, grounded on the prior implementation's
// pkg/excel/client.go connect-and-drive-via-oleutil idiom, generalized
// from "connect to a running instance" to "launch a private instance
// per Session" (CreateObject instead of GetActiveObject): each Session
// owns its own Excel application object.
type oleApp struct {
	app *ole.IDispatch

	mu       sync.Mutex
	pid      uint32
	pidKnown bool
}

// NewOLEApp initializes COM on the calling thread as a single-threaded
// apartment, then creates a new, invisible Excel.Application COM object
// on it. staworker.Worker calls it on its locked OS thread; the caller
// must never call into the returned App from another thread.
func NewOLEApp() (App, error) {
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// S_FALSE (1): COM was already initialized on this thread.
		if oleErr, ok := err.(*ole.OleError); !ok || oleErr.Code() != 1 {
			return nil, fmt.Errorf("initializing COM apartment: %w", err)
		}
	}
	unknown, err := oleutil.CreateObject("Excel.Application")
	if err != nil {
		return nil, fmt.Errorf("creating Excel.Application (is Excel installed?): %w", err)
	}
	dispatch, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		unknown.Release()
		return nil, fmt.Errorf("querying IDispatch on Excel.Application: %w", err)
	}

	if _, err := oleutil.PutProperty(dispatch, "Visible", false); err != nil {
		dispatch.Release()
		return nil, fmt.Errorf("setting initial visibility: %w", err)
	}
	if _, err := oleutil.PutProperty(dispatch, "DisplayAlerts", false); err != nil {
		dispatch.Release()
		return nil, fmt.Errorf("disabling alert dialogs: %w", err)
	}

	return &oleApp{app: dispatch}, nil
}

func (a *oleApp) Open(path string) (Workbook, error) {
	workbooks, err := oleutil.GetProperty(a.app, "Workbooks")
	if err != nil {
		return nil, err
	}
	wbDisp := workbooks.ToIDispatch()
	defer wbDisp.Release()

	result, err := oleutil.CallMethod(wbDisp, "Open", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &oleWorkbook{wb: result.ToIDispatch()}, nil
}

func (a *oleApp) New(macroEnabled bool) (Workbook, error) {
	workbooks, err := oleutil.GetProperty(a.app, "Workbooks")
	if err != nil {
		return nil, err
	}
	wbDisp := workbooks.ToIDispatch()
	defer wbDisp.Release()

	result, err := oleutil.CallMethod(wbDisp, "Add")
	if err != nil {
		return nil, fmt.Errorf("creating new workbook: %w", err)
	}
	return &oleWorkbook{wb: result.ToIDispatch(), macroEnabled: macroEnabled}, nil
}

func (a *oleApp) SetVisible(visible bool) error {
	_, err := oleutil.PutProperty(a.app, "Visible", visible)
	return err
}

func (a *oleApp) ProcessID() (uint32, error) {
	hwndVar, err := oleutil.CallMethod(a.app, "Hwnd")
	if err != nil {
		return 0, err
	}
	pid, err := windowPID(uint32(hwndVar.Val))
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.pid = pid
	a.pidKnown = true
	a.mu.Unlock()
	return pid, nil
}

func (a *oleApp) IsAlive() bool {
	a.mu.Lock()
	pid, known := a.pid, a.pidKnown
	a.mu.Unlock()
	if !known {
		return true // PID not resolved yet; creation hasn't finished
	}
	return processExists(pid)
}

func (a *oleApp) Quit() error {
	_, err := oleutil.CallMethod(a.app, "Quit")
	a.app.Release()
	return err
}

func (a *oleApp) Kill() error {
	a.mu.Lock()
	pid, known := a.pid, a.pidKnown
	a.mu.Unlock()
	if known {
		killProcess(pid)
	}
	if a.app != nil {
		a.app.Release()
	}
	return nil
}

type oleWorkbook struct {
	wb           *ole.IDispatch
	macroEnabled bool
}

func (w *oleWorkbook) FullName() (string, error) {
	v, err := oleutil.GetProperty(w.wb, "FullName")
	if err != nil {
		return "", err
	}
	return v.ToString(), nil
}

func (w *oleWorkbook) Save() error {
	_, err := oleutil.CallMethod(w.wb, "Save")
	return err
}

func (w *oleWorkbook) SaveAs(path string, fileFormat int) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", path, err)
		}
	}
	_, err := oleutil.CallMethod(w.wb, "SaveAs", path, fileFormat)
	return err
}

func (w *oleWorkbook) Close(saveChanges bool) error {
	_, err := oleutil.CallMethod(w.wb, "Close", saveChanges)
	w.wb.Release()
	return err
}

func (w *oleWorkbook) ListSheets() ([]Sheet, error) {
	sheets, err := oleutil.GetProperty(w.wb, "Sheets")
	if err != nil {
		return nil, err
	}
	sheetsDisp := sheets.ToIDispatch()
	defer sheetsDisp.Release()

	count, err := oleutil.GetProperty(sheetsDisp, "Count")
	if err != nil {
		return nil, err
	}

	result := make([]Sheet, 0, int(count.Val))
	for i := 1; i <= int(count.Val); i++ {
		item, err := oleutil.GetProperty(sheetsDisp, "Item", i)
		if err != nil {
			continue
		}
		itemDisp := item.ToIDispatch()

		name, _ := oleutil.GetProperty(itemDisp, "Name")
		visibleVar, _ := oleutil.GetProperty(itemDisp, "Visible")
		result = append(result, Sheet{
			Name:    name.ToString(),
			Visible: visibleVar.Val != 0,
		})
		itemDisp.Release()
	}
	return result, nil
}

func (w *oleWorkbook) AddSheet(name string) error {
	sheets, err := oleutil.GetProperty(w.wb, "Sheets")
	if err != nil {
		return err
	}
	sheetsDisp := sheets.ToIDispatch()
	defer sheetsDisp.Release()

	newSheet, err := oleutil.CallMethod(sheetsDisp, "Add")
	if err != nil {
		return fmt.Errorf("adding sheet: %w", err)
	}
	newDisp := newSheet.ToIDispatch()
	defer newDisp.Release()

	if _, err := oleutil.PutProperty(newDisp, "Name", name); err != nil {
		return fmt.Errorf("naming new sheet %q: %w", name, err)
	}
	return nil
}

func (w *oleWorkbook) DeleteSheet(name string) error {
	sheet, err := w.getSheet(name)
	if err != nil {
		return err
	}
	defer sheet.Release()

	_, err = oleutil.CallMethod(sheet, "Delete")
	return err
}

func (w *oleWorkbook) ReadRange(sheet, address string) (Range, error) {
	sheetDisp, err := w.getSheet(sheet)
	if err != nil {
		return Range{}, err
	}
	defer sheetDisp.Release()

	rangeVar, err := oleutil.CallMethod(sheetDisp, "Range", address)
	if err != nil {
		return Range{}, fmt.Errorf("resolving range %s: %w", address, err)
	}
	rangeDisp := rangeVar.ToIDispatch()
	defer rangeDisp.Release()

	valueVar, err := oleutil.GetProperty(rangeDisp, "Value")
	if err != nil {
		return Range{}, err
	}

	return Range{Values: toRows(valueVar)}, nil
}

func (w *oleWorkbook) WriteRange(sheet, address string, values [][]any) error {
	sheetDisp, err := w.getSheet(sheet)
	if err != nil {
		return err
	}
	defer sheetDisp.Release()

	rangeVar, err := oleutil.CallMethod(sheetDisp, "Range", address)
	if err != nil {
		return fmt.Errorf("resolving range %s: %w", address, err)
	}
	rangeDisp := rangeVar.ToIDispatch()
	defer rangeDisp.Release()

	rows := make([][]interface{}, len(values))
	for i, row := range values {
		rows[i] = row
	}
	_, err = oleutil.PutProperty(rangeDisp, "Value", rows)
	return err
}

func (w *oleWorkbook) getSheet(name string) (*ole.IDispatch, error) {
	sheets, err := oleutil.GetProperty(w.wb, "Sheets")
	if err != nil {
		return nil, err
	}
	sheetsDisp := sheets.ToIDispatch()
	defer sheetsDisp.Release()

	item, err := oleutil.GetProperty(sheetsDisp, "Item", name)
	if err != nil {
		return nil, fmt.Errorf("sheet %q not found: %w", name, err)
	}
	return item.ToIDispatch(), nil
}

// toRows normalizes a COM Range.Value result (a scalar for a single cell,
// or a 2D SAFEARRAY for a multi-cell range) into [][]any.
func toRows(v *ole.VARIANT) [][]any {
	arr := v.ToArray()
	if arr == nil {
		return [][]any{{v.Value()}}
	}
	raw := arr.ToArray()
	rows := make([][]any, len(raw))
	for i, r := range raw {
		if rowSlice, ok := r.([]interface{}); ok {
			rows[i] = rowSlice
		} else {
			rows[i] = []any{r}
		}
	}
	return rows
}
