package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const DefaultSubjectPrefix = "sprintline"

// NATSSink publishes each message on <prefix>.<kind>.<epic>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	log    *zap.Logger
}

func NewNATSSink(url, prefix string, log *zap.Logger) (*NATSSink, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("sprintline"),
		nats.Timeout(DefaultTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSSink{conn: nc, prefix: prefix, log: log}, nil
}

// Subject returns the subject a message is published on.
func (s *NATSSink) Subject(msg Message) string {
	return s.prefix + "." + token(string(msg.Kind)) + "." + token(msg.EpicID)
}

func (s *NATSSink) Notify(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("nats notify: marshal", zap.Error(err))
		return
	}
	subject := s.Subject(msg)
	if err := s.conn.Publish(subject, data); err != nil {
		s.log.Warn("nats notify: publish failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if _, ok := ctx.Deadline(); ok {
		err = s.conn.FlushWithContext(ctx)
	} else {
		err = s.conn.FlushTimeout(DefaultTimeout)
	}
	if err != nil {
		s.log.Warn("nats notify: flush failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// token makes an id safe for use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}
