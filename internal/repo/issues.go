package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"sprintline/internal/domain"
	"sprintline/internal/events"
)

var issueTransitions = map[string][]string{
	domain.IssuePending:    {domain.IssueInProgress, domain.IssueEscalated},
	domain.IssueInProgress: {domain.IssueReview, domain.IssueEscalated},
	domain.IssueReview:     {domain.IssueQA, domain.IssueInProgress, domain.IssueEscalated},
	domain.IssueQA:         {domain.IssueDone, domain.IssueInProgress, domain.IssueEscalated},
}

func issueTransitionAllowed(from, to string) bool {
	if from == to {
		return !domain.IssueTerminal(from)
	}
	for _, s := range issueTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Handoff is one role transition: the issue patch, its cycle record and an
// optional evaluation persist together or not at all.
type Handoff struct {
	Patch domain.IssuePatch
	Cycle domain.Cycle
	Score *ScoreEntry
	// Role tags the event stream the hand-off is appended to.
	Role    string
	Payload events.EventPayload
}

// ScoreEntry is an evaluation to persist alongside a hand-off.
type ScoreEntry struct {
	Role    string
	Card    domain.Scorecard
	Recycle *domain.RecycleOutput
}

// UpsertIssue merges patch into the issue, creating it as pending if
// absent.
func (r *Repo) UpsertIssue(ctx context.Context, epicID, issueID string, patch domain.IssuePatch) (domain.Issue, error) {
	if issueID == "" {
		return domain.Issue{}, errors.New("issue id is required")
	}
	var out domain.Issue
	err := r.mutate(ctx, "upsert issue", epicID, func(tx *sql.Tx, now string) error {
		is, err := r.upsertIssueTx(ctx, tx, epicID, issueID, patch, now)
		if err != nil {
			return err
		}
		if err := r.events().Append(ctx, tx, events.IssueUpserted, epicID, issueID, "", events.EventPayload{"status": is.Status}); err != nil {
			return err
		}
		out = is
		return nil
	})
	return out, err
}

// AppendCycle appends the next cycle record to the issue's history.
func (r *Repo) AppendCycle(ctx context.Context, epicID, issueID, from, to, action, result string) (domain.CycleRecord, error) {
	var out domain.CycleRecord
	err := r.mutate(ctx, "append cycle", epicID, func(tx *sql.Tx, now string) error {
		if _, err := getIssue(ctx, tx, epicID, issueID); err != nil {
			return err
		}
		rec, err := appendCycleTx(ctx, tx, epicID, issueID, domain.Cycle{FromRole: from, ToRole: to, Action: action, Result: result}, now)
		if err != nil {
			return err
		}
		if err := touchIssue(ctx, tx, epicID, issueID, now); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// RecordHandoff persists one role transition atomically.
func (r *Repo) RecordHandoff(ctx context.Context, epicID, issueID string, h Handoff) (domain.Issue, domain.CycleRecord, error) {
	var (
		outIssue domain.Issue
		outRec   domain.CycleRecord
	)
	err := r.mutate(ctx, "record handoff", epicID, func(tx *sql.Tx, now string) error {
		if _, err := getIssue(ctx, tx, epicID, issueID); err != nil {
			return err
		}
		if h.Score != nil {
			if _, err := r.recordScoreTx(ctx, tx, epicID, issueID, *h.Score, now); err != nil {
				return err
			}
		}
		if _, err := r.upsertIssueTx(ctx, tx, epicID, issueID, h.Patch, now); err != nil {
			return err
		}
		rec, err := appendCycleTx(ctx, tx, epicID, issueID, h.Cycle, now)
		if err != nil {
			return err
		}
		payload := events.EventPayload{}
		for k, v := range h.Payload {
			payload[k] = v
		}
		payload["seq"] = rec.Seq
		payload["from"] = rec.FromRole
		payload["to"] = rec.ToRole
		payload["action"] = rec.Action
		payload["result"] = rec.Result
		if h.Patch.Status != nil {
			payload["status"] = *h.Patch.Status
		}
		evt := events.IssueHandoff
		if h.Patch.Status != nil && *h.Patch.Status == domain.IssueEscalated {
			evt = events.IssueEscalated
		}
		if err := r.events().Append(ctx, tx, evt, epicID, issueID, h.Role, payload); err != nil {
			return err
		}
		is, err := getIssue(ctx, tx, epicID, issueID)
		if err != nil {
			return err
		}
		outIssue, outRec = is, rec
		return nil
	})
	return outIssue, outRec, err
}

// NextPendingIssue returns the first non-terminal issue in stored order, or
// nil when none remain.
func (r *Repo) NextPendingIssue(ctx context.Context, epicID string) (*domain.Issue, error) {
	var exists int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM epics WHERE id=?`, epicID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM issues WHERE epic_id=? AND status NOT IN (?,?) ORDER BY position LIMIT 1`,
		epicID, domain.IssueDone, domain.IssueEscalated).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	is, err := getIssue(ctx, r.DB, epicID, id)
	if err != nil {
		return nil, err
	}
	return &is, nil
}

// PendingIssues returns every non-terminal issue in stored order.
func (r *Repo) PendingIssues(ctx context.Context, epicID string) ([]domain.Issue, error) {
	e, err := r.GetEpic(ctx, epicID)
	if err != nil {
		return nil, err
	}
	var res []domain.Issue
	for _, is := range e.Issues {
		if !is.Terminal() {
			res = append(res, is)
		}
	}
	return res, nil
}

func (r *Repo) GetIssue(ctx context.Context, epicID, issueID string) (domain.Issue, error) {
	return getIssue(ctx, r.DB, epicID, issueID)
}

// Resolution actions for escalated issues.
const (
	ResolveRetry  = "retry"
	ResolveAccept = "accept"
)

// ResolveEscalation applies a human decision to an escalated issue: retry
// returns it to pending with fresh counters, accept marks it done.
func (r *Repo) ResolveEscalation(ctx context.Context, epicID, issueID, action, actor, note string) (domain.Issue, error) {
	var out domain.Issue
	err := r.mutate(ctx, "resolve escalation", epicID, func(tx *sql.Tx, now string) error {
		is, err := getIssue(ctx, tx, epicID, issueID)
		if err != nil {
			return err
		}
		if is.Status != domain.IssueEscalated {
			return &InvalidTransitionError{Entity: "issue", ID: issueID, From: is.Status, To: action}
		}
		var to string
		switch action {
		case ResolveRetry:
			to = domain.IssuePending
			_, err = tx.ExecContext(ctx, `UPDATE issues SET status=?, review_cycles=0, qa_cycles=0, assigned_agent=NULL, escalation_reason=NULL, updated_at=? WHERE epic_id=? AND id=?`,
				to, now, epicID, issueID)
		case ResolveAccept:
			to = domain.IssueDone
			_, err = tx.ExecContext(ctx, `UPDATE issues SET status=?, assigned_agent=NULL, updated_at=? WHERE epic_id=? AND id=?`,
				to, now, epicID, issueID)
		default:
			return fmt.Errorf("unknown resolution %q", action)
		}
		if err != nil {
			return err
		}
		if _, err := appendCycleTx(ctx, tx, epicID, issueID, domain.Cycle{
			FromRole: "human", ToRole: actor, Action: "resolve:" + action, Result: note,
		}, now); err != nil {
			return err
		}
		if err := touchEpic(ctx, tx, epicID, now); err != nil {
			return err
		}
		if err := r.events().Append(ctx, tx, events.IssueResolved, epicID, issueID, "human", events.EventPayload{
			"action": action, "actor": actor, "note": note, "status": to,
		}); err != nil {
			return err
		}
		out, err = getIssue(ctx, tx, epicID, issueID)
		return err
	})
	return out, err
}

func (r *Repo) upsertIssueTx(ctx context.Context, tx *sql.Tx, epicID, issueID string, p domain.IssuePatch, now string) (domain.Issue, error) {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM epics WHERE id=?`, epicID).Scan(&exists); err != nil {
		return domain.Issue{}, err
	}
	if exists == 0 {
		return domain.Issue{}, fmt.Errorf("epic %s: %w", epicID, ErrNotFound)
	}
	cur, err := getIssue(ctx, tx, epicID, issueID)
	created := false
	switch {
	case errors.Is(err, ErrNotFound):
		created = true
		var pos int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1,0) FROM issues WHERE epic_id=?`, epicID).Scan(&pos); err != nil {
			return domain.Issue{}, err
		}
		cur = domain.Issue{ID: issueID, Position: pos, Status: domain.IssuePending, CreatedAt: now}
		if p.Status != nil && *p.Status != domain.IssuePending {
			return domain.Issue{}, &InvalidTransitionError{Entity: "issue", ID: issueID, From: "", To: *p.Status}
		}
	case err != nil:
		return domain.Issue{}, err
	}

	if p.Status != nil && !created && !issueTransitionAllowed(cur.Status, *p.Status) {
		return domain.Issue{}, &InvalidTransitionError{Entity: "issue", ID: issueID, From: cur.Status, To: *p.Status}
	}
	if p.Status != nil {
		cur.Status = *p.Status
	}
	if p.Title != nil {
		cur.Title = *p.Title
	}
	if p.AssignedAgent != nil {
		cur.AssignedAgent = *p.AssignedAgent
	}
	if p.ExternalRef != nil && *p.ExternalRef != cur.ExternalRef {
		if cur.ExternalRef != "" {
			return domain.Issue{}, fmt.Errorf("issue %s: %w", issueID, ErrExternalRefSet)
		}
		cur.ExternalRef = *p.ExternalRef
	}
	if p.ReviewCycles != nil {
		if *p.ReviewCycles < 0 {
			return domain.Issue{}, fmt.Errorf("issue %s: negative review cycle count", issueID)
		}
		cur.ReviewCycles = *p.ReviewCycles
	}
	if p.QACycles != nil {
		if *p.QACycles < 0 {
			return domain.Issue{}, fmt.Errorf("issue %s: negative qa cycle count", issueID)
		}
		cur.QACycles = *p.QACycles
	}
	if p.LatestScore != nil {
		if err := p.LatestScore.Validate(); err != nil {
			return domain.Issue{}, fmt.Errorf("issue %s: %w", issueID, err)
		}
		card := *p.LatestScore
		cur.LatestScore = &card
	}
	if p.Recycle != nil {
		if !p.Recycle.Disjoint() {
			return domain.Issue{}, fmt.Errorf("issue %s: recycle sets overlap", issueID)
		}
		rec := *p.Recycle
		cur.Recycle = &rec
	}
	if p.EscalationReason != nil {
		cur.EscalationReason = *p.EscalationReason
	}
	cur.UpdatedAt = now

	scoreJSON, err := marshalOptional(cur.LatestScore)
	if err != nil {
		return domain.Issue{}, err
	}
	recycleJSON, err := marshalOptional(cur.Recycle)
	if err != nil {
		return domain.Issue{}, err
	}
	if created {
		_, err = tx.ExecContext(ctx, `INSERT INTO issues(epic_id,id,position,title,status,assigned_agent,external_ref,review_cycles,qa_cycles,latest_score_json,recycle_json,escalation_reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			epicID, cur.ID, cur.Position, nullable(cur.Title), cur.Status, nullable(cur.AssignedAgent), nullable(cur.ExternalRef),
			cur.ReviewCycles, cur.QACycles, scoreJSON, recycleJSON, nullable(cur.EscalationReason), cur.CreatedAt, cur.UpdatedAt)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE issues SET title=?, status=?, assigned_agent=?, external_ref=?, review_cycles=?, qa_cycles=?, latest_score_json=?, recycle_json=?, escalation_reason=?, updated_at=? WHERE epic_id=? AND id=?`,
			nullable(cur.Title), cur.Status, nullable(cur.AssignedAgent), nullable(cur.ExternalRef), cur.ReviewCycles, cur.QACycles,
			scoreJSON, recycleJSON, nullable(cur.EscalationReason), cur.UpdatedAt, epicID, cur.ID)
	}
	if err != nil {
		return domain.Issue{}, fmt.Errorf("write issue %s: %w", issueID, err)
	}
	if err := touchEpic(ctx, tx, epicID, now); err != nil {
		return domain.Issue{}, err
	}
	return cur, nil
}

func appendCycleTx(ctx context.Context, tx *sql.Tx, epicID, issueID string, c domain.Cycle, now string) (domain.CycleRecord, error) {
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM cycle_records WHERE epic_id=? AND issue_id=?`, epicID, issueID).Scan(&seq); err != nil {
		return domain.CycleRecord{}, err
	}
	rec := domain.CycleRecord{Seq: seq, FromRole: c.FromRole, ToRole: c.ToRole, Action: c.Action, Result: c.Result, Timestamp: now}
	if _, err := tx.ExecContext(ctx, `INSERT INTO cycle_records(epic_id,issue_id,seq,from_role,to_role,action,result,ts) VALUES (?,?,?,?,?,?,?,?)`,
		epicID, issueID, rec.Seq, rec.FromRole, rec.ToRole, rec.Action, rec.Result, rec.Timestamp); err != nil {
		return domain.CycleRecord{}, fmt.Errorf("append cycle: %w", err)
	}
	return rec, nil
}

func touchIssue(ctx context.Context, tx *sql.Tx, epicID, issueID, now string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE issues SET updated_at=? WHERE epic_id=? AND id=?`, now, epicID, issueID); err != nil {
		return err
	}
	return touchEpic(ctx, tx, epicID, now)
}

func marshalOptional(v any) (any, error) {
	switch t := v.(type) {
	case *domain.Scorecard:
		if t == nil {
			return nil, nil
		}
	case *domain.RecycleOutput:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
