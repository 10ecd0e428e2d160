package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/manimcat/api/internal/logging"
)

const (
	DefaultRetention       = 72 * time.Hour
	DefaultCleanupInterval = 60 * time.Minute
)

// CleanupSummary counts what one sweep of a directory removed
type CleanupSummary struct {
	RemovedFiles int
	FreedBytes   int64
}

func (s *CleanupSummary) add(o CleanupSummary) {
	s.RemovedFiles += o.RemovedFiles
	s.FreedBytes += o.FreedBytes
}

// CleanupWorker deletes rendered artifacts older than the retention window
type CleanupWorker struct {
	mediaDir  string
	retention time.Duration
	now       func() time.Time
}

func NewCleanupWorker(mediaDir string, retention time.Duration) *CleanupWorker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &CleanupWorker{mediaDir: mediaDir, retention: retention, now: time.Now}
}

// CleanupSchedule is the scheduler cronspec for the given interval.
func CleanupSchedule(interval time.Duration) string {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return fmt.Sprintf("@every %s", interval)
}

// ProcessTask handles the periodic media cleanup task
func (w *CleanupWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	images, videos := w.Cleanup(ctx)
	if images.RemovedFiles > 0 || videos.RemovedFiles > 0 {
		logging.Component("MediaCleanup").WithFields(logrus.Fields{
			"retentionHours": w.retention.Hours(),
			"imagesRemoved":  images.RemovedFiles,
			"videosRemoved":  videos.RemovedFiles,
			"freedMB":        float64(images.FreedBytes+videos.FreedBytes) / (1024 * 1024),
		}).Info("Media cleanup finished")
	}
	return nil
}

// Cleanup sweeps the images and videos directories.
func (w *CleanupWorker) Cleanup(ctx context.Context) (images, videos CleanupSummary) {
	cutoff := w.now().Add(-w.retention)
	images = w.sweep(ctx, filepath.Join(w.mediaDir, "images"), cutoff, ".png", ".jpg", ".jpeg", ".webp")
	videos = w.sweep(ctx, filepath.Join(w.mediaDir, "videos"), cutoff, ".mp4")
	return images, videos
}

func (w *CleanupWorker) sweep(ctx context.Context, dir string, cutoff time.Time, exts ...string) CleanupSummary {
	var sum CleanupSummary
	log := logging.Component("MediaCleanup")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return sum
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return sum
		}
		full := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			sum.add(w.sweep(ctx, full, cutoff, exts...))
			continue
		}
		if !hasExt(entry.Name(), exts) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("file", full).Warn("Failed to remove media file")
			continue
		}
		sum.RemovedFiles++
		sum.FreedBytes += info.Size()
	}
	return sum
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
