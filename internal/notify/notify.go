// Package notify sends the completion message of an invocation.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Notifier is the notification collaborator. Send is fire-and-forget: a nil
// error only means the transport accepted the message.
type Notifier interface {
	Send(ctx context.Context, payload []byte, attrs map[string]string) error
}

// Log writes notifications to the logger instead of a queue. It is used for
// local runs.
type Log struct {
	log *logrus.Entry
}

func NewLog() *Log {
	return &Log{log: logrus.WithField("component", "notify")}
}

func (l *Log) Send(_ context.Context, payload []byte, attrs map[string]string) error {
	fields := logrus.Fields{}
	for k, v := range attrs {
		fields[k] = v
	}
	l.log.WithFields(fields).Infof("completion: %s", payload)
	return nil
}
