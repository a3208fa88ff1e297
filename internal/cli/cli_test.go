package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lessonflow/internal/batch"
	"lessonflow/internal/models"
	"lessonflow/internal/storage"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dataDir := t.TempDir()
	t.Setenv("LESSONFLOW_DATA_DIR", dataDir)
	t.Setenv("LESSONFLOW_DB_DRIVER", "sqlite")
	t.Setenv("LESSONFLOW_DB_PATH", "")
	t.Setenv("LESSONFLOW_PRESET_FILE", "")
	t.Setenv("LESSONFLOW_LOG_FILE", "")
	t.Setenv("REDIS_ADDR", "")
	return dataDir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, s := newRoot()
	t.Cleanup(func() { _ = s.close() })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func media(t *testing.T, names ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "physics")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644))
	}
	return dir
}

func TestBatchCommands(t *testing.T) {
	setupEnv(t)
	dir := media(t, "01-motion.mp4", "02-energy.mp4")

	out, err := run(t, "batch", "create", "--dir", dir, "--name", "week 1", "--cap", "1",
		"--preset", "transcribe=accurate", "--set", "transcribe.language=en", "--json")
	require.NoError(t, err)

	var created batch.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "week 1", created.Batch.Name)
	assert.Equal(t, 2, created.Batch.TotalUnits)
	assert.Equal(t, 1, created.Batch.ConcurrencyCap)
	assert.Equal(t, 2, created.Queued)
	id := created.Batch.ID

	out, err = run(t, "batch", "list", "--json")
	require.NoError(t, err)
	var listed []batch.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].Batch.ID)

	out, err = run(t, "queue", "stats", "--json")
	require.NoError(t, err)
	var stats []storage.QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Ready)

	out, err = run(t, "batch", "status", id)
	require.NoError(t, err)
	assert.Contains(t, out, "queued:      2")

	out, err = run(t, "batch", "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled 2 queued lessons")

	out, err = run(t, "batch", "status", id, "--json")
	require.NoError(t, err)
	var cancelled batch.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &cancelled))
	assert.Equal(t, models.BatchStatusCancelled, cancelled.Status)

	_, err = run(t, "batch", "retry", id)
	assert.ErrorIs(t, err, batch.ErrCancelled)

	_, err = run(t, "batch", "delete", id)
	require.NoError(t, err)
	_, err = run(t, "batch", "status", id)
	assert.ErrorIs(t, err, batch.ErrNotFound)
}

func TestBatchCreate_Errors(t *testing.T) {
	setupEnv(t)
	dir := media(t, "lecture.mp4")

	_, err := run(t, "batch", "create")
	assert.ErrorContains(t, err, "no media given")

	_, err = run(t, "batch", "create", "--dir", dir, "--preset", "transcribe")
	assert.ErrorContains(t, err, "want stage=preset")

	_, err = run(t, "batch", "create", "--dir", dir, "--urgency", "asap")
	assert.ErrorIs(t, err, batch.ErrInvalidRequest)

	_, err = run(t, "batch", "create", filepath.Join(dir, "missing.mp4"))
	assert.Error(t, err)
}

func TestPresetCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "preset", "list", "--stage", "transcribe")
	require.NoError(t, err)
	assert.Contains(t, out, "accurate")
	assert.NotContains(t, out, "extract_audio")

	out, err = run(t, "preset", "resolve", "transcribe", "accurate", "--set", "language=en")
	require.NoError(t, err)
	var resolved map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &resolved))
	assert.Equal(t, "accurate", resolved["preset"])
	assert.Contains(t, out, `"en"`)

	_, err = run(t, "preset", "resolve", "transcribe", "no-such-preset")
	assert.Error(t, err)

	_, err = run(t, "preset", "resolve", "dance")
	assert.Error(t, err)
}

func TestQueueFailed_Empty(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "queue", "failed", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, err = run(t, "queue", "forget", "abc")
	assert.ErrorContains(t, err, "invalid id")
}

func TestMetricsReport_Empty(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "metrics", "report", "--days", "3", "--json")
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.EqualValues(t, 0, report["total_failures"])

	out, err = run(t, "metrics", "report")
	require.NoError(t, err)
	assert.Contains(t, out, "failures:      0")
}

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{
		"transcribe.language=en",
		"transcribe.beam_size=8",
		"extract_audio.normalize=false",
	})
	require.NoError(t, err)
	assert.Equal(t, "en", got[models.StageTranscribe]["language"])
	assert.Equal(t, 8, got[models.StageTranscribe]["beam_size"])
	assert.Equal(t, false, got[models.StageExtractAudio]["normalize"])

	for _, bad := range []string{"language=en", "transcribe.language", "dance.step=1", "transcribe.=1"} {
		_, err := parseOverrides([]string{bad})
		assert.Error(t, err, bad)
	}

	got, err = parseOverrides(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReportWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	w, err := reportWindow(7, "", "", now)
	require.NoError(t, err)
	assert.Equal(t, now, w.To)
	assert.Equal(t, now.AddDate(0, 0, -7), w.From)

	w, err = reportWindow(0, "2026-03-01T00:00:00Z", "2026-03-02T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, w.To.Sub(w.From))

	_, err = reportWindow(0, "", "", now)
	assert.Error(t, err)
	_, err = reportWindow(7, "2026-03-01T00:00:00Z", "", now)
	assert.Error(t, err)
	_, err = reportWindow(7, "yesterday", "today", now)
	assert.Error(t, err)
}
