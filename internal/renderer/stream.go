package renderer

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// throttle lets an event through at most once per interval
type throttle struct {
	interval time.Duration
	last     time.Time
}

func (t *throttle) allow(now time.Time) bool {
	if t.interval <= 0 {
		return true
	}
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// streamWriter buffers everything the renderer writes while logging a
// throttled sample of it. Progress bars (lines with "%" or "it/s") get their
// own, shorter throttle.
type streamWriter struct {
	name string
	log  *logrus.Entry

	mu       sync.Mutex
	buf      bytes.Buffer
	output   throttle
	progress throttle
}

func newStreamWriter(name string, log *logrus.Entry, outputEvery, progressEvery time.Duration) *streamWriter {
	return &streamWriter{
		name:     name,
		log:      log,
		output:   throttle{interval: outputEvery},
		progress: throttle{interval: progressEvery},
	}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)

	line := lastLine(string(p))
	if line == "" {
		return len(p), nil
	}
	now := time.Now()
	if isProgressLine(line) {
		if w.progress.allow(now) {
			w.log.WithField("stream", w.name).Debugf("Render progress: %s", line)
		}
		return len(p), nil
	}
	if w.output.allow(now) {
		w.log.WithField("stream", w.name).Debug(line)
	}
	return len(p), nil
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func isProgressLine(line string) bool {
	return strings.Contains(line, "%") || strings.Contains(line, "it/s")
}

// lastLine returns the last non-blank line of a chunk. Progress bars redraw
// with carriage returns, so those split lines too.
func lastLine(chunk string) string {
	chunk = strings.ReplaceAll(chunk, "\r", "\n")
	lines := strings.Split(chunk, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
