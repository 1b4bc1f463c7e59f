// Package notify delivers escalations and failures to humans. Delivery is
// best effort: sinks never return errors to the controller and every
// delivery is bounded by a timeout.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sprintline/internal/domain"
)

type Kind string

const (
	KindEscalation Kind = "escalation"
	KindFailure    Kind = "failure"
	KindComplete   Kind = "complete"
	KindStopped    Kind = "stopped"
)

const DefaultTimeout = 5 * time.Second

// Message carries enough context for a human to act without re-deriving
// state: escalations include the full cycle history and last scorecard.
type Message struct {
	Kind         Kind                 `json:"kind"`
	EpicID       string               `json:"epic_id"`
	IssueID      string               `json:"issue_id,omitempty"`
	Reason       string               `json:"reason"`
	Phase        string               `json:"phase,omitempty"`
	ReviewCycles int                  `json:"review_cycle_count,omitempty"`
	QACycles     int                  `json:"qa_cycle_count,omitempty"`
	Score        *domain.Scorecard    `json:"latest_score,omitempty"`
	History      []domain.CycleRecord `json:"cycle_history,omitempty"`
	TS           string               `json:"ts"`
}

// EscalationMessage builds the message for an escalated issue.
func EscalationMessage(epicID string, is domain.Issue, reason string, now time.Time) Message {
	return Message{
		Kind:         KindEscalation,
		EpicID:       epicID,
		IssueID:      is.ID,
		Reason:       reason,
		ReviewCycles: is.ReviewCycles,
		QACycles:     is.QACycles,
		Score:        is.LatestScore,
		History:      is.CycleHistory,
		TS:           now.UTC().Format(time.RFC3339),
	}
}

type Sink interface {
	Notify(ctx context.Context, msg Message)
}

// LogSink writes notifications to a zap logger.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Notify(ctx context.Context, msg Message) {
	log := s.Log
	if log == nil {
		return
	}
	fields := []zap.Field{
		zap.String("kind", string(msg.Kind)),
		zap.String("epic_id", msg.EpicID),
		zap.String("reason", msg.Reason),
	}
	if msg.IssueID != "" {
		fields = append(fields, zap.String("issue_id", msg.IssueID), zap.Int("review_cycle_count", msg.ReviewCycles), zap.Int("qa_cycle_count", msg.QACycles), zap.Int("history_len", len(msg.History)))
	}
	if msg.Score != nil {
		fields = append(fields, zap.Int("score_total", msg.Score.Total()), zap.String("interpretation", string(msg.Score.Interpretation())))
	}
	switch msg.Kind {
	case KindEscalation, KindFailure:
		log.Warn("notification", fields...)
	default:
		log.Info("notification", fields...)
	}
}

// Multi fans a message out to every sink without blocking the caller.
// Each delivery runs in its own goroutine under Timeout, detached from the
// caller's cancellation. Wait drains deliveries still in flight.
type Multi struct {
	Sinks   []Sink
	Timeout time.Duration

	wg sync.WaitGroup
}

func (m *Multi) Notify(ctx context.Context, msg Message) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base := context.WithoutCancel(ctx)
	for _, s := range m.Sinks {
		if s == nil {
			continue
		}
		m.wg.Add(1)
		go func(s Sink) {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(base, timeout)
			defer cancel()
			s.Notify(ctx, msg)
		}(s)
	}
}

// Wait blocks until every delivery started so far has returned.
func (m *Multi) Wait() {
	m.wg.Wait()
}

// Recorder keeps every message; useful for tests and dry runs.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Notify(ctx context.Context, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}
