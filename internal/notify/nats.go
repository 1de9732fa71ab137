package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// NATS publishes notifications to a subject with attrs as message headers.
type NATS struct {
	conn         natsConn
	subject      string
	flushTimeout time.Duration
}

// NewNATS connects to url. The connection reconnects on its own; Close
// releases it.
func NewNATS(url, subject string) (*NATS, error) {
	log := logrus.WithField("component", "notify")
	conn, err := nats.Connect(url,
		nats.Name("popsync"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{conn: conn, subject: subject, flushTimeout: 5 * time.Second}, nil
}

// Send publishes and flushes so a broken connection is reported to the
// caller rather than buffered silently.
func (n *NATS) Send(ctx context.Context, payload []byte, attrs map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &nats.Msg{Subject: n.subject, Data: payload}
	if len(attrs) > 0 {
		msg.Header = make(nats.Header)
		for k, v := range attrs {
			msg.Header.Set(k, v)
		}
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish to %s: %w", n.subject, err)
	}
	if err := n.conn.FlushTimeout(n.flushTimeout); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

func (n *NATS) Close() {
	n.conn.Close()
}
