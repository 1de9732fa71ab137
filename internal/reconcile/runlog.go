package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LogTimeFormat names run logs; it matches the snapshot key resolution.
const LogTimeFormat = "20060102_150405"

// logUploadTimeout bounds the run-log upload, which also runs after the
// pass context was cancelled.
const logUploadTimeout = 30 * time.Second

// runLog mirrors the lines of one sync pass into a timestamped buffer while
// still sending them to the component logger.
type runLog struct {
	entry *logrus.Entry
	now   func() time.Time
	start time.Time
	buf   bytes.Buffer
}

func newRunLog(entry *logrus.Entry, now func() time.Time) *runLog {
	l := &runLog{entry: entry, now: now, start: now().UTC()}
	l.write(fmt.Sprintf("Log started at %s", l.start.Format("2006-01-02 15:04:05 MST")))
	return l
}

func (l *runLog) write(msg string) {
	fmt.Fprintf(&l.buf, "[%s] %s\n", l.now().UTC().Format("2006-01-02 15:04:05"), msg)
}

func (l *runLog) Infof(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.entry.Info(msg)
	l.write(msg)
}

func (l *runLog) Errorf(name, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.entry.WithField("file", name).Error(msg)
	l.write(msg)
}

// Key is where the log of this pass is stored below prefix.
func (l *runLog) Key(prefix string) string {
	return prefix + "sync_log_" + l.start.Format(LogTimeFormat) + ".txt"
}

// save uploads the buffer. A failed upload is only logged: the run log must
// never change the outcome of the pass it describes.
func (r *Reconciler) save(ctx context.Context, l *runLog) {
	key := l.Key(r.LogPrefix)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logUploadTimeout)
	defer cancel()

	if err := r.store.Put(ctx, key, l.buf.Bytes(), "text/plain"); err != nil {
		r.log.Warnf("Failed to upload sync log %s: %v", key, err)
		return
	}
	r.log.Infof("Sync log uploaded to %s", key)
}
