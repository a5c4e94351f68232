package registry

import (
	"context"
	"encoding/json"

	"github.com/xuri/excelize/v2"

	"excelmcpd/internal/errs"
)

type diagInspectArgs struct {
	FilePath string `json:"file_path"`
}

type diagInspectResult struct {
	FilePath   string   `json:"file_path"`
	SheetCount int      `json:"sheet_count"`
	Sheets     []string `json:"sheets"`
}

// diagEntry is the sessionless "diag" category: lightweight file
// inspection that never needs a Session, open Excel instance, or even a
// writable lock on the file — grounded on the prior implementation's
// excelize_client.go ListSheets, used here purely for read-only
// diagnostics rather than as a substitute for the COM adapter.
func diagEntry() *Entry {
	return &Entry{
		CategoryName: "diag",
		TryParseAction: func(raw string) (string, bool) {
			if raw == "inspect" {
				return raw, true
			}
			return "", false
		},
		SessionlessDispatch: dispatchDiag,
	}
}

func dispatchDiag(_ context.Context, action string, argsJSON string) (*string, error) {
	if action != "inspect" {
		return nil, errs.ValidationError("unknown diag action %q", action)
	}

	var args diagInspectArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, errs.ValidationError("decoding diag.inspect args: %v", err)
	}
	if args.FilePath == "" {
		return nil, errs.ValidationError("diag.inspect requires file_path")
	}

	f, err := excelize.OpenFile(args.FilePath)
	if err != nil {
		return nil, errs.FileLocked("opening %s: %v", args.FilePath, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	out, err := json.Marshal(diagInspectResult{
		FilePath:   args.FilePath,
		SheetCount: len(sheets),
		Sheets:     sheets,
	})
	if err != nil {
		return nil, errs.Internal("encoding diag.inspect result: %v", err)
	}
	str := string(out)
	return &str, nil
}
