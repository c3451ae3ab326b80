package controlplane

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/req2run-engine/internal/evidence"
)

const tailPollInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	// The control plane is consumed by the benchmark harness's own tooling,
	// never a browser, so there is no cross-origin concern to enforce here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stageSnapshot is one frame of a tailed run's evidence tree: which stage
// directories exist, whether each is still open (".partial") or sealed, and
// the current tail of its stdout/stderr.
type stageSnapshot struct {
	Stage  string `json:"stage"`
	Sealed bool   `json:"sealed"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

type tailFrame struct {
	JobID  string          `json:"job_id"`
	Done   bool            `json:"done"`
	Stages []stageSnapshot `json:"stages"`
}

// handleTail upgrades to a WebSocket and polls the job's evidence
// directory, pushing a frame per stage's current state until the run
// directory is sealed with a result.json or the client disconnects.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("tail upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	for {
		frame := snapshotRun(s.evidence, jobID)
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
		if frame.Done {
			return
		}

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

func snapshotRun(store *evidence.Store, jobID string) tailFrame {
	runDir := store.RunDir(jobID)
	frame := tailFrame{JobID: jobID}

	if _, err := os.Stat(filepath.Join(runDir, "result.json")); err == nil {
		frame.Done = true
	}

	stagesDir := filepath.Join(runDir, "stages")
	entries, err := os.ReadDir(stagesDir)
	if err != nil {
		return frame
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		sealed := !strings.HasSuffix(name, ".partial")
		dir := filepath.Join(stagesDir, name)
		frame.Stages = append(frame.Stages, stageSnapshot{
			Stage:  strings.TrimSuffix(name, ".partial"),
			Sealed: sealed,
			Stdout: tailFile(filepath.Join(dir, "stdout.log"), 4096),
			Stderr: tailFile(filepath.Join(dir, "stderr.log"), 4096),
		})
	}
	return frame
}

// tailFile returns up to the last maxBytes of a file, or "" if it doesn't
// exist yet (a stage that hasn't written that stream).
func tailFile(path string, maxBytes int64) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	size := info.Size()
	offset := int64(0)
	if size > maxBytes {
		offset = size - maxBytes
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && len(buf) == 0 {
		return ""
	}
	return string(buf)
}
