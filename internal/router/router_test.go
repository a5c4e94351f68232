package router_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"excelmcpd/internal/comexcel"
	"excelmcpd/internal/registry"
	"excelmcpd/internal/router"
	"excelmcpd/internal/rpc"
	"excelmcpd/internal/session"
)

func strPtr(s string) *string { return &s }

func newTestRouter(t *testing.T) *router.Router {
	t.Helper()
	sessions := session.NewManager(comexcel.NewFakeApp(), time.Second)
	commands := registry.New(comexcel.NewFakeApp())
	return router.New(sessions, commands, func() {})
}

func TestServicePing(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Handle(context.Background(), rpc.ServiceRequest{Command: "service.ping"})
	assert.True(t, resp.Success)
	assert.Nil(t, resp.ErrorMessage)
}

func TestServiceStatusReportsSessionCount(t *testing.T) {
	r := newTestRouter(t)

	resp := r.Handle(context.Background(), rpc.ServiceRequest{Command: "service.status"})
	require.True(t, resp.Success)
	require.NotNil(t, resp.Result)

	var status rpc.ServiceStatus
	require.NoError(t, json.Unmarshal([]byte(*resp.Result), &status))
	assert.Equal(t, 0, status.SessionCount)
	assert.True(t, status.Running)
}

func TestServiceShutdownSignalsRouter(t *testing.T) {
	sessions := session.NewManager(comexcel.NewFakeApp(), time.Second)
	commands := registry.New(comexcel.NewFakeApp())
	shutdownCalled := make(chan struct{}, 1)
	r := router.New(sessions, commands, func() { shutdownCalled <- struct{}{} })

	resp := r.Handle(context.Background(), rpc.ServiceRequest{Command: "service.shutdown"})
	assert.True(t, resp.Success)

	select {
	case <-r.ShutdownRequested():
	default:
		t.Fatal("expected ShutdownRequested channel to be closed")
	}
	select {
	case <-shutdownCalled:
	default:
		t.Fatal("expected shutdown callback to fire")
	}
}

func TestUnknownCategoryReturnsFailure(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Handle(context.Background(), rpc.ServiceRequest{Command: "nonexistent.foo"})
	assert.False(t, resp.Success)
	require.NotNil(t, resp.ErrorMessage)
	assert.Contains(t, *resp.ErrorMessage, "ValidationError")
}

func TestEmptyCommandReturnsFailure(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Handle(context.Background(), rpc.ServiceRequest{Command: ""})
	assert.False(t, resp.Success)
}

func TestSessionCreateListCloseLifecycle(t *testing.T) {
	r := newTestRouter(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "book.xlsx")

	createArgs := `{"file_path":"` + path + `"}`
	createResp := r.Handle(context.Background(), rpc.ServiceRequest{
		Command: "session.create",
		Args:    &createArgs,
	})
	require.True(t, createResp.Success, "expected create to succeed, got: %v", createResp.ErrorMessage)
	require.NotNil(t, createResp.Result)

	var created struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal([]byte(*createResp.Result), &created))
	require.NotEmpty(t, created.SessionID)

	listResp := r.Handle(context.Background(), rpc.ServiceRequest{Command: "session.list"})
	require.True(t, listResp.Success)
	var listed struct {
		Sessions []session.Summary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal([]byte(*listResp.Result), &listed))
	assert.Len(t, listed.Sessions, 1)

	closeArgs := `{"session_id":"` + created.SessionID + `"}`
	closeResp := r.Handle(context.Background(), rpc.ServiceRequest{
		Command: "session.close",
		Args:    &closeArgs,
	})
	assert.True(t, closeResp.Success, "expected close to succeed, got: %v", closeResp.ErrorMessage)
}

func TestSessionCreateConflictOnExistingFile(t *testing.T) {
	r := newTestRouter(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "exists.xlsx")
	require.NoError(t, writeEmptyFile(path))

	args := `{"file_path":"` + path + `"}`
	resp := r.Handle(context.Background(), rpc.ServiceRequest{Command: "session.create", Args: &args})
	assert.False(t, resp.Success)
	assert.Contains(t, *resp.ErrorMessage, "Conflict")
}

func TestSessionOpenNotFoundOnMissingFile(t *testing.T) {
	r := newTestRouter(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.xlsx")

	args := `{"file_path":"` + path + `"}`
	resp := r.Handle(context.Background(), rpc.ServiceRequest{Command: "session.open", Args: &args})
	assert.False(t, resp.Success)
	assert.Contains(t, *resp.ErrorMessage, "NotFound")
}

func TestSessionBoundActionRequiresSessionID(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Handle(context.Background(), rpc.ServiceRequest{Command: "range.read", Args: strPtr(`{"sheet":"Sheet1","address":"A1"}`)})
	assert.False(t, resp.Success)
	assert.Contains(t, *resp.ErrorMessage, "ValidationError")
}

func TestSessionlessActionDoesNotRequireSessionID(t *testing.T) {
	r := newTestRouter(t)
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "sessionless-src.xlsx")

	require.NoError(t, writeEmptyFile(srcPath))
	args := `{"file_path":"` + srcPath + `"}`
	resp := r.Handle(context.Background(), rpc.ServiceRequest{Command: "diag.inspect", Args: &args})
	assert.True(t, resp.Success, "expected diag.inspect to succeed, got: %v", resp.ErrorMessage)
}

func writeEmptyFile(path string) error {
	f := excelize.NewFile()
	defer f.Close()
	return f.SaveAs(path)
}
