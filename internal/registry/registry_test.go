package registry_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"excelmcpd/internal/comexcel"
	"excelmcpd/internal/errs"
	"excelmcpd/internal/registry"
	"excelmcpd/internal/session"
)

func newTestSession(t *testing.T, path string) *session.Session {
	t.Helper()
	s, err := session.Create(comexcel.NewFakeApp(), path, session.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background(), false, true) })
	return s
}

func TestLookupUnknownCategory(t *testing.T) {
	r := registry.New(comexcel.NewFakeApp())
	_, err := r.Lookup("nonexistent")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationError, errs.Of(err))
}

func TestLookupPlaceholderCategoryFailsWithCommandFailed(t *testing.T) {
	r := registry.New(comexcel.NewFakeApp())
	entry, err := r.Lookup("pivottable")
	require.NoError(t, err)

	action, ok := entry.TryParseAction("refresh")
	require.True(t, ok)

	s := newTestSession(t, "/tmp/placeholder.xlsx")
	_, dispatchErr := entry.SessionDispatch(context.Background(), s, action, "{}")
	require.Error(t, dispatchErr)
	assert.Equal(t, errs.KindCommandFailed, errs.Of(dispatchErr))
}

func TestRangeWriteThenRead(t *testing.T) {
	r := registry.New(comexcel.NewFakeApp())
	entry, err := r.Lookup("range")
	require.NoError(t, err)

	s := newTestSession(t, "/tmp/range.xlsx")

	writeArgs := `{"sheet":"Sheet1","address":"A1","values":[["hello"]]}`
	_, err = entry.SessionDispatch(context.Background(), s, "write", writeArgs)
	require.NoError(t, err)

	readArgs := `{"sheet":"Sheet1","address":"A1"}`
	out, err := entry.SessionDispatch(context.Background(), s, "read", readArgs)
	require.NoError(t, err)
	require.NotNil(t, out)

	var result struct {
		Values [][]any `json:"values"`
	}
	require.NoError(t, json.Unmarshal([]byte(*out), &result))
	assert.Equal(t, "hello", result.Values[0][0])
}

func TestRangeReadRejectsInvalidSheetName(t *testing.T) {
	r := registry.New(comexcel.NewFakeApp())
	entry, err := r.Lookup("range")
	require.NoError(t, err)

	s := newTestSession(t, "/tmp/range-bad.xlsx")

	_, err = entry.SessionDispatch(context.Background(), s, "read", `{"sheet":"bad/name","address":"A1"}`)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationError, errs.Of(err))
}

func TestRangeReadRequiresAddress(t *testing.T) {
	r := registry.New(comexcel.NewFakeApp())
	entry, err := r.Lookup("range")
	require.NoError(t, err)

	s := newTestSession(t, "/tmp/range-noaddr.xlsx")

	_, err = entry.SessionDispatch(context.Background(), s, "read", `{"sheet":"Sheet1","address":""}`)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationError, errs.Of(err))
}

func TestSheetAddListDelete(t *testing.T) {
	r := registry.New(comexcel.NewFakeApp())
	entry, err := r.Lookup("sheet")
	require.NoError(t, err)

	s := newTestSession(t, "/tmp/sheet.xlsx")

	_, err = entry.SessionDispatch(context.Background(), s, "add", `{"name":"Budget"}`)
	require.NoError(t, err)

	out, err := entry.SessionDispatch(context.Background(), s, "list", "{}")
	require.NoError(t, err)
	var listResult struct {
		Sheets []comexcel.Sheet `json:"sheets"`
	}
	require.NoError(t, json.Unmarshal([]byte(*out), &listResult))
	names := make([]string, 0, len(listResult.Sheets))
	for _, sh := range listResult.Sheets {
		names = append(names, sh.Name)
	}
	assert.Contains(t, names, "Budget")

	_, err = entry.SessionDispatch(context.Background(), s, "delete", `{"name":"Budget"}`)
	require.NoError(t, err)
}

func TestSheetAddRejectsInvalidName(t *testing.T) {
	r := registry.New(comexcel.NewFakeApp())
	entry, err := r.Lookup("sheet")
	require.NoError(t, err)

	s := newTestSession(t, "/tmp/sheet-bad.xlsx")

	_, err = entry.SessionDispatch(context.Background(), s, "add", `{"name":"bad:name"}`)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationError, errs.Of(err))
}

func TestSheetCopyToFileIsAtomic(t *testing.T) {
	r := registry.New(comexcel.NewFakeApp())
	entry, err := r.Lookup("sheet")
	require.NoError(t, err)
	assert.True(t, entry.IsAtomic("copy-to-file"))
	assert.True(t, entry.IsAtomic("move-to-file"))
	assert.False(t, entry.IsAtomic("list"))

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.xlsx")
	destPath := filepath.Join(dir, "dest.xlsx")

	src := excelize.NewFile()
	require.NoError(t, src.SetCellValue("Sheet1", "A1", "copied-value"))
	require.NoError(t, src.SaveAs(srcPath))
	require.NoError(t, src.Close())

	dest := excelize.NewFile()
	require.NoError(t, dest.SaveAs(destPath))
	require.NoError(t, dest.Close())

	args := `{"dest_path":"` + destPath + `","sheet_name":"Sheet1","new_sheet_name":"Imported"}`
	out, err := entry.AtomicDispatch(context.Background(), comexcel.NewFakeApp(), "copy-to-file", srcPath, args)
	require.NoError(t, err)
	require.NotNil(t, out)

	reopened, err := excelize.OpenFile(destPath)
	require.NoError(t, err)
	defer reopened.Close()
	val, err := reopened.GetCellValue("Imported", "A1")
	require.NoError(t, err)
	assert.Equal(t, "copied-value", val)

	reopenedSrc, err := excelize.OpenFile(srcPath)
	require.NoError(t, err)
	defer reopenedSrc.Close()
	sheets := reopenedSrc.GetSheetList()
	assert.Contains(t, sheets, "Sheet1")
}

func TestDiagInspect(t *testing.T) {
	r := registry.New(comexcel.NewFakeApp())
	entry, err := r.Lookup("diag")
	require.NoError(t, err)
	assert.True(t, entry.IsSessionless())

	dir := t.TempDir()
	path := filepath.Join(dir, "inspect.xlsx")
	f := excelize.NewFile()
	_, err = f.NewSheet("Extra")
	require.NoError(t, err)
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	out, err := entry.SessionlessDispatch(context.Background(), "inspect", `{"file_path":"`+path+`"}`)
	require.NoError(t, err)
	require.NotNil(t, out)

	var result struct {
		SheetCount int      `json:"sheet_count"`
		Sheets     []string `json:"sheets"`
	}
	require.NoError(t, json.Unmarshal([]byte(*out), &result))
	assert.Equal(t, 2, result.SheetCount)
	assert.Contains(t, result.Sheets, "Extra")
}

func TestDiagInspectMissingFilePath(t *testing.T) {
	r := registry.New(comexcel.NewFakeApp())
	entry, err := r.Lookup("diag")
	require.NoError(t, err)

	_, err = entry.SessionlessDispatch(context.Background(), "inspect", `{}`)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationError, errs.Of(err))
}
