package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAged(t *testing.T, path string, size int, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestCleanupWorker_RemovesOnlyExpiredMedia(t *testing.T) {
	dir := t.TempDir()
	old := 80 * time.Hour

	writeAged(t, filepath.Join(dir, "images", "a-1.png"), 100, old)
	writeAged(t, filepath.Join(dir, "images", "nested", "b-1.JPG"), 50, old)
	writeAged(t, filepath.Join(dir, "images", "notes.txt"), 10, old)
	writeAged(t, filepath.Join(dir, "images", "fresh.png"), 10, time.Hour)
	writeAged(t, filepath.Join(dir, "videos", "job.mp4"), 1000, old)
	writeAged(t, filepath.Join(dir, "videos", "job.png"), 10, old)

	w := NewCleanupWorker(dir, 72*time.Hour)
	images, videos := w.Cleanup(context.Background())

	assert.Equal(t, CleanupSummary{RemovedFiles: 2, FreedBytes: 150}, images)
	assert.Equal(t, CleanupSummary{RemovedFiles: 1, FreedBytes: 1000}, videos)

	assert.FileExists(t, filepath.Join(dir, "images", "notes.txt"))
	assert.FileExists(t, filepath.Join(dir, "images", "fresh.png"))
	assert.FileExists(t, filepath.Join(dir, "videos", "job.png"))
	assert.NoFileExists(t, filepath.Join(dir, "images", "a-1.png"))
	assert.NoFileExists(t, filepath.Join(dir, "videos", "job.mp4"))
}

func TestCleanupWorker_MissingDirectories(t *testing.T) {
	w := NewCleanupWorker(filepath.Join(t.TempDir(), "missing"), 0)
	assert.Equal(t, DefaultRetention, w.retention)

	err := w.ProcessTask(context.Background(), asynq.NewTask("media:cleanup", nil))
	assert.NoError(t, err)
}

func TestCleanupSchedule(t *testing.T) {
	assert.Equal(t, "@every 1h0m0s", CleanupSchedule(0))
	assert.Equal(t, "@every 15m0s", CleanupSchedule(15*time.Minute))
}
