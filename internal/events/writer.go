package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the controller and the store.
const (
	EpicCreated       = "epic.created"
	EpicStatus        = "epic.status"
	EpicPhase         = "epic.phase"
	EpicStop          = "epic.stop_requested"
	EpicFailed        = "epic.failed"
	IssueUpserted     = "issue.upserted"
	IssueHandoff      = "issue.handoff"
	IssueScored       = "issue.scored"
	IssueEscalated    = "issue.escalated"
	IssueResolved     = "issue.resolved"
	HandlerRetry      = "handler.retry"
	HandlerCompleted  = "handler.completed"
	ControllerRoleTag = "controller"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event to the role's stream inside the caller's
// transaction, so the event lands together with the state it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, epicID, issueID, role string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if role == "" {
		role = ControllerRoleTag
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,epic_id,issue_id,role,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, epicID, nullable(issueID), role, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
