package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"excelmcpd/internal/comexcel"
	"excelmcpd/internal/errs"
	"excelmcpd/internal/session"
)

func newTestManager() *session.Manager {
	return session.NewManager(comexcel.NewFakeApp(), time.Second)
}

func TestCreateSessionPathUniqueness(t *testing.T) {
	m := newTestManager()

	s1, err := m.CreateSession("/tmp/report.xlsx", session.Options{})
	require.NoError(t, err)
	require.NotNil(t, s1)

	_, err = m.CreateSession("/tmp/report.xlsx", session.Options{})
	require.Error(t, err)
	appErr, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindConflict, appErr.Kind)
}

func TestCreateSessionDistinctPathsSucceed(t *testing.T) {
	m := newTestManager()

	_, err := m.CreateSession("/tmp/a.xlsx", session.Options{})
	require.NoError(t, err)

	_, err = m.CreateSession("/tmp/b.xlsx", session.Options{})
	require.NoError(t, err)
}

func TestActiveOperationsCounter(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession("/tmp/counter.xlsx", session.Options{})
	require.NoError(t, err)

	assert.Equal(t, int32(0), s.ActiveOperations())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, opErr := session.Execute(s, context.Background(), func(_ comexcel.App, _ comexcel.Workbook) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
		done <- opErr
	}()

	<-started
	assert.Equal(t, int32(1), s.ActiveOperations())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(0), s.ActiveOperations())
}

func TestCloseRefusedWithActiveOperations(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession("/tmp/busy.xlsx", session.Options{})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = session.Execute(s, context.Background(), func(_ comexcel.App, _ comexcel.Workbook) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	err = s.Close(context.Background(), false, false)
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.Of(err))
	assert.Equal(t, int32(1), s.ActiveOperations())

	close(release)
}

func TestCloseSuccessImpliesZeroActiveOperations(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession("/tmp/clean-close.xlsx", session.Options{})
	require.NoError(t, err)

	err = s.Close(context.Background(), false, false)
	require.NoError(t, err)
	assert.Equal(t, int32(0), s.ActiveOperations())
}

func TestCloseSessionTwiceReturnsNotFound(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession("/tmp/double-close.xlsx", session.Options{})
	require.NoError(t, err)

	err = m.CloseSession(context.Background(), s.ID(), false, false)
	require.NoError(t, err)

	err = m.CloseSession(context.Background(), s.ID(), false, false)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.Of(err))
}

func TestExcelDiedClassification(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession("/tmp/died.xlsx", session.Options{})
	require.NoError(t, err)

	_, execErr := session.Execute(s, context.Background(), func(app comexcel.App, _ comexcel.Workbook) (any, error) {
		return nil, app.Kill()
	})
	require.NoError(t, execErr)

	assert.False(t, s.IsExcelAlive())

	closeErr := m.CloseSession(context.Background(), s.ID(), false, false)
	require.Error(t, closeErr)
	assert.Equal(t, errs.KindExcelDied, errs.Of(closeErr))

	_, err = m.GetSession(s.ID())
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.Of(err))
}

func TestForceCloseBypassesActiveOperations(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession("/tmp/force.xlsx", session.Options{})
	require.NoError(t, err)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, opErr := session.Execute(s, context.Background(), func(_ comexcel.App, _ comexcel.Workbook) (any, error) {
			close(started)
			time.Sleep(20 * time.Millisecond)
			return nil, nil
		})
		done <- opErr
	}()
	<-started

	err = s.Close(context.Background(), false, true)
	require.NoError(t, err)
	assert.Equal(t, session.StateClosed, s.State())

	<-done
}

func TestValidateExtension(t *testing.T) {
	assert.NoError(t, session.ValidateExtension("a.xlsx", true))
	assert.NoError(t, session.ValidateExtension("a.xlsm", true))
	assert.Error(t, session.ValidateExtension("a.xls", true))
	assert.NoError(t, session.ValidateExtension("a.xls", false))
	assert.Error(t, session.ValidateExtension("a.csv", false))
}
