package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"sprintline/internal/domain"
	"sprintline/internal/events"
)

// RecordEvent appends a standalone event to role's stream. Hand-offs and
// status changes write their own events; this is for observations that
// change no state, such as handler retries.
func (r *Repo) RecordEvent(ctx context.Context, epicID, issueID, role, evtType string, payload events.EventPayload) error {
	return r.mutate(ctx, "record event", epicID, func(tx *sql.Tx, now string) error {
		return r.events().Append(ctx, tx, evtType, epicID, issueID, role, payload)
	})
}

// EventFilter selects events from the role streams.
type EventFilter struct {
	EpicID  string
	IssueID string
	Role    string
	Type    string
	// Before pages backwards (id < Before); After tails forwards (id > After).
	Before int64
	After  int64
	Limit  int
}

// LatestEvents returns matching events newest first, or oldest first when
// tailing with After.
func (r *Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.EpicID != "" {
		clauses = append(clauses, "epic_id=?")
		args = append(args, f.EpicID)
	}
	if f.IssueID != "" {
		clauses = append(clauses, "issue_id=?")
		args = append(args, f.IssueID)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	order := "DESC"
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT id,ts,type,epic_id,COALESCE(issue_id,''),role,payload_json FROM events WHERE %s ORDER BY id %s LIMIT ?`,
		strings.Join(clauses, " AND "), order)
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EpicID, &e.IssueID, &e.Role, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
