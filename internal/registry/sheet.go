package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xuri/excelize/v2"

	"excelmcpd/internal/comexcel"
	"excelmcpd/internal/errs"
	"excelmcpd/internal/session"
	"excelmcpd/pkg/validator"
)

type sheetListResult struct {
	Sheets []comexcel.Sheet `json:"sheets"`
}

type addSheetArgs struct {
	Name string `json:"name"`
}

type deleteSheetArgs struct {
	Name string `json:"name"`
}

type copyMoveSheetArgs struct {
	DestPath      string `json:"dest_path"`
	SheetName     string `json:"sheet_name"`
	NewSheetName  string `json:"new_sheet_name"`
}

// sheetEntry is the "sheet" category: list/add/delete are session-bound
// (they act on the workbook already open in a Session); copy-to-file and
// move-to-file are atomic cross-workbook operations that never touch a
// Session, operating directly on the files via excelize so they don't
// require a running Excel instance at all.
//
// Grounded on the pkg/excel/excelize_client.go
// (ListSheets/CreateSheet/DeleteSheet) for the file-only path, and
// workbook.go's oleutil sheet manipulation for the session-bound path.
func sheetEntry() *Entry {
	return &Entry{
		CategoryName: "sheet",
		TryParseAction: func(raw string) (string, bool) {
			switch raw {
			case "list", "add", "delete", "copy-to-file", "move-to-file":
				return raw, true
			default:
				return "", false
			}
		},
		AtomicActions: map[string]bool{
			"copy-to-file": true,
			"move-to-file": true,
		},
		SessionDispatch: dispatchSheetSession,
		AtomicDispatch:  dispatchSheetAtomic,
	}
}

func dispatchSheetSession(ctx context.Context, s *session.Session, action string, argsJSON string) (*string, error) {
	switch action {
	case "list":
		sheets, err := session.Execute(s, ctx, func(_ comexcel.App, wb comexcel.Workbook) ([]comexcel.Sheet, error) {
			return wb.ListSheets()
		})
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(sheetListResult{Sheets: sheets})
		if err != nil {
			return nil, errs.Internal("encoding sheet.list result: %v", err)
		}
		str := string(out)
		return &str, nil

	case "add":
		var args addSheetArgs
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, errs.ValidationError("decoding sheet.add args: %v", err)
		}
		v := validator.NewValidator()
		v.ValidateSheetName("name", args.Name)
		if v.HasErrors() {
			return nil, errs.ValidationError("sheet.add: %v", v.Error())
		}
		_, err := session.Execute(s, ctx, func(_ comexcel.App, wb comexcel.Workbook) (any, error) {
			return nil, wb.AddSheet(args.Name)
		})
		return nil, err

	case "delete":
		var args deleteSheetArgs
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, errs.ValidationError("decoding sheet.delete args: %v", err)
		}
		v := validator.NewValidator()
		v.ValidateSheetName("name", args.Name)
		if v.HasErrors() {
			return nil, errs.ValidationError("sheet.delete: %v", v.Error())
		}
		_, err := session.Execute(s, ctx, func(_ comexcel.App, wb comexcel.Workbook) (any, error) {
			return nil, wb.DeleteSheet(args.Name)
		})
		return nil, err

	default:
		return nil, errs.ValidationError("unknown sheet action %q", action)
	}
}

// dispatchSheetAtomic implements copy-to-file/move-to-file without ever
// opening Excel: both workbooks are read and rewritten with excelize, so
// the operation works even when no session for either file exists.
func dispatchSheetAtomic(_ context.Context, _ comexcel.Factory, action string, filePath string, argsJSON string) (*string, error) {
	var args copyMoveSheetArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, errs.ValidationError("decoding sheet.%s args: %v", action, err)
	}
	if args.DestPath == "" || args.SheetName == "" {
		return nil, errs.ValidationError("sheet.%s requires dest_path and sheet_name", action)
	}
	v := validator.NewValidator()
	v.ValidateSheetName("sheet_name", args.SheetName)
	if args.NewSheetName != "" {
		v.ValidateSheetName("new_sheet_name", args.NewSheetName)
	}
	if v.HasErrors() {
		return nil, errs.ValidationError("sheet.%s: %v", action, v.Error())
	}
	destSheetName := args.NewSheetName
	if destSheetName == "" {
		destSheetName = args.SheetName
	}

	src, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, errs.FileLocked("opening %s: %v", filePath, err)
	}
	defer src.Close()

	rows, err := src.GetRows(args.SheetName)
	if err != nil {
		return nil, errs.CommandFailed("sheet %q not found in %s: %v", args.SheetName, filePath, err)
	}

	dest, err := excelize.OpenFile(args.DestPath)
	if err != nil {
		return nil, errs.FileLocked("opening %s: %v", args.DestPath, err)
	}
	defer dest.Close()

	if _, err := dest.NewSheet(destSheetName); err != nil {
		return nil, errs.CommandFailed("creating sheet %q in %s: %v", destSheetName, args.DestPath, err)
	}
	for r, row := range rows {
		for c, cell := range row {
			addr, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				continue
			}
			if err := dest.SetCellValue(destSheetName, addr, cell); err != nil {
				return nil, errs.Internal("writing cell %s: %v", addr, err)
			}
		}
	}
	if err := dest.SaveAs(args.DestPath); err != nil {
		return nil, errs.Internal("saving %s: %v", args.DestPath, err)
	}

	if action == "move-to-file" {
		if err := src.DeleteSheet(args.SheetName); err != nil {
			return nil, errs.CommandFailed("removing sheet %q from %s: %v", args.SheetName, filePath, err)
		}
		if err := src.SaveAs(filePath); err != nil {
			return nil, errs.Internal("saving %s: %v", filePath, err)
		}
	}

	resultJSON := fmt.Sprintf(`{"copied_to":%q,"sheet":%q}`, args.DestPath, destSheetName)
	return &resultJSON, nil
}
