package registry

import (
	"context"
	"encoding/json"

	"excelmcpd/internal/comexcel"
	"excelmcpd/internal/errs"
	"excelmcpd/internal/session"
	"excelmcpd/pkg/validator"
)

type readRangeArgs struct {
	Sheet   string `json:"sheet"`
	Address string `json:"address"`
}

type writeRangeArgs struct {
	Sheet   string  `json:"sheet"`
	Address string  `json:"address"`
	Values  [][]any `json:"values"`
}

type rangeResult struct {
	Values [][]any `json:"values"`
}

// rangeEntry is the session-bound "range" category: read/write a
// rectangular block of cells against the Session's open workbook.
func rangeEntry() *Entry {
	return &Entry{
		CategoryName: "range",
		TryParseAction: func(raw string) (string, bool) {
			switch raw {
			case "read", "write":
				return raw, true
			default:
				return "", false
			}
		},
		SessionDispatch: dispatchRange,
	}
}

func dispatchRange(ctx context.Context, s *session.Session, action string, argsJSON string) (*string, error) {
	switch action {
	case "read":
		var args readRangeArgs
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, errs.ValidationError("decoding range.read args: %v", err)
		}
		v := validator.NewValidator()
		v.ValidateSheetName("sheet", args.Sheet)
		v.ValidateExcelRange("address", args.Address)
		if args.Address == "" {
			v.AddError("address", "is required")
		}
		if v.HasErrors() {
			return nil, errs.ValidationError("range.read: %v", v.Error())
		}

		rng, err := session.Execute(s, ctx, func(_ comexcel.App, wb comexcel.Workbook) (comexcel.Range, error) {
			return wb.ReadRange(args.Sheet, args.Address)
		})
		if err != nil {
			return nil, err
		}

		out, err := json.Marshal(rangeResult{Values: rng.Values})
		if err != nil {
			return nil, errs.Internal("encoding range.read result: %v", err)
		}
		str := string(out)
		return &str, nil

	case "write":
		var args writeRangeArgs
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, errs.ValidationError("decoding range.write args: %v", err)
		}
		v := validator.NewValidator()
		v.ValidateSheetName("sheet", args.Sheet)
		v.ValidateExcelRange("address", args.Address)
		if args.Address == "" {
			v.AddError("address", "is required")
		}
		if v.HasErrors() {
			return nil, errs.ValidationError("range.write: %v", v.Error())
		}

		_, err := session.Execute(s, ctx, func(_ comexcel.App, wb comexcel.Workbook) (any, error) {
			return nil, wb.WriteRange(args.Sheet, args.Address, args.Values)
		})
		return nil, err

	default:
		return nil, errs.ValidationError("unknown range action %q", action)
	}
}
