package controlplane

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/req2run-engine/internal/enginelog"
	"github.com/R3E-Network/req2run-engine/internal/evidence"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := evidence.NewStore(t.TempDir())
	require.NoError(t, err)
	return New(Config{Addr: ":0"}, store, enginelog.NewNop())
}

func TestHandleHealthReportsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHandleTailReportsDoneOnceResultSealed(t *testing.T) {
	store, err := evidence.NewStore(t.TempDir())
	require.NoError(t, err)
	s := New(Config{Addr: ":0"}, store, enginelog.NewNop())

	runDir := store.RunDir("job-1")
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "stages", "build"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "stages", "build", "stdout.log"), []byte("compiling\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "result.json"), []byte(`{"job_id":"job-1"}`), 0o644))

	httpServer := httptest.NewServer(s.http.Handler)
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/runs/job-1/log"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frame tailFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "job-1", frame.JobID)
	assert.True(t, frame.Done)
	require.Len(t, frame.Stages, 1)
	assert.Equal(t, "build", frame.Stages[0].Stage)
	assert.Contains(t, frame.Stages[0].Stdout, "compiling")
}

func TestRecoveryMiddlewareConvertsPanicTo500(t *testing.T) {
	log := enginelog.NewNop()
	mw := recoveryMiddleware(log)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
