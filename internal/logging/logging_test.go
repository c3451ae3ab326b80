package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStageAttachesJobAndStageFields(t *testing.T) {
	l := New("job-1", Config{Level: "info", Format: "json"})
	stageLogger := l.WithStage("build")

	entry := stageLogger.WithField("exit_code", 0)
	assert.Equal(t, "job-1", entry.Data["job_id"])
	assert.Equal(t, "build", entry.Data["stage"])
	assert.Equal(t, 0, entry.Data["exit_code"])
}

func TestBaseLoggerHasNoStageField(t *testing.T) {
	l := New("job-2", Config{Level: "info", Format: "json"})
	entry := l.WithFields(map[string]interface{}{"foo": "bar"})
	assert.Equal(t, "job-2", entry.Data["job_id"])
	_, hasStage := entry.Data["stage"]
	assert.False(t, hasStage)
}

func TestNewForEvidenceDirMirrorsToFile(t *testing.T) {
	dir := t.TempDir()
	evidenceDir := filepath.Join(dir, "stages", "01-build")

	l, err := NewForEvidenceDir("job-3", evidenceDir, Config{Level: "info", Format: "json"})
	require.NoError(t, err)

	l.WithStage("build").Info("stage started")

	data, err := os.ReadFile(filepath.Join(evidenceDir, "engine.jsonl"))
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data[:firstLine(data)], &entry))
	assert.Equal(t, "job-3", entry["job_id"])
	assert.Equal(t, "stage started", entry["message"])
}

func firstLine(data []byte) int {
	for i, b := range data {
		if b == '\n' {
			return i
		}
	}
	return len(data)
}
