package repo

import (
	"context"
	"database/sql"
	"fmt"

	"sprintline/internal/domain"
	"sprintline/internal/events"
)

// RecordScore persists an evaluation and its recycle partition.
func (r *Repo) RecordScore(ctx context.Context, epicID, issueID string, entry ScoreEntry) (domain.ScoreRecord, error) {
	var out domain.ScoreRecord
	err := r.mutate(ctx, "record score", epicID, func(tx *sql.Tx, now string) error {
		if _, err := getIssue(ctx, tx, epicID, issueID); err != nil {
			return err
		}
		rec, err := r.recordScoreTx(ctx, tx, epicID, issueID, entry, now)
		if err != nil {
			return err
		}
		out = rec
		return touchIssue(ctx, tx, epicID, issueID, now)
	})
	return out, err
}

func (r *Repo) recordScoreTx(ctx context.Context, tx *sql.Tx, epicID, issueID string, entry ScoreEntry, now string) (domain.ScoreRecord, error) {
	if err := entry.Card.Validate(); err != nil {
		return domain.ScoreRecord{}, err
	}
	d := entry.Card.Dimensions
	res, err := tx.ExecContext(ctx, `INSERT INTO scorecards(epic_id,issue_id,role,scope_control,behavior_fidelity,evidence_orientation,actionability,risk_awareness,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		epicID, issueID, entry.Role, d.ScopeControl, d.BehaviorFidelity, d.EvidenceOrientation, d.Actionability, d.RiskAwareness, now)
	if err != nil {
		return domain.ScoreRecord{}, fmt.Errorf("insert scorecard: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.ScoreRecord{}, err
	}
	if entry.Recycle != nil {
		for kind, set := range map[string][]string{"kept": entry.Recycle.Kept, "reused": entry.Recycle.Reused, "banned": entry.Recycle.Banned} {
			for _, artifact := range set {
				if _, err := tx.ExecContext(ctx, `INSERT INTO recycle_patterns(scorecard_id,kind,artifact) VALUES (?,?,?)`, id, kind, artifact); err != nil {
					return domain.ScoreRecord{}, fmt.Errorf("insert recycle pattern %q: %w", artifact, err)
				}
			}
		}
	}
	payload := events.EventPayload{
		"scorecard_id":   id,
		"total":          entry.Card.Total(),
		"interpretation": string(entry.Card.Interpretation()),
	}
	if err := r.events().Append(ctx, tx, events.IssueScored, epicID, issueID, entry.Role, payload); err != nil {
		return domain.ScoreRecord{}, err
	}
	return domain.ScoreRecord{ID: id, EpicID: epicID, IssueID: issueID, Role: entry.Role, Card: entry.Card, Recycle: entry.Recycle, CreatedAt: now}, nil
}

// ListScores returns the evaluation history of an issue, oldest first.
func (r *Repo) ListScores(ctx context.Context, epicID, issueID string) ([]domain.ScoreRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,role,scope_control,behavior_fidelity,evidence_orientation,actionability,risk_awareness,created_at FROM scorecards WHERE epic_id=? AND issue_id=? ORDER BY id`, epicID, issueID)
	if err != nil {
		return nil, err
	}
	var res []domain.ScoreRecord
	for rows.Next() {
		rec := domain.ScoreRecord{EpicID: epicID, IssueID: issueID}
		d := &rec.Card.Dimensions
		if err := rows.Scan(&rec.ID, &rec.Role, &d.ScopeControl, &d.BehaviorFidelity, &d.EvidenceOrientation, &d.Actionability, &d.RiskAwareness, &rec.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, rec)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		out, err := r.recyclePatterns(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Recycle = out
	}
	return res, nil
}

func (r *Repo) recyclePatterns(ctx context.Context, scorecardID int64) (*domain.RecycleOutput, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT kind, artifact FROM recycle_patterns WHERE scorecard_id=? ORDER BY artifact`, scorecardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out *domain.RecycleOutput
	for rows.Next() {
		var kind, artifact string
		if err := rows.Scan(&kind, &artifact); err != nil {
			return nil, err
		}
		if out == nil {
			out = &domain.RecycleOutput{}
		}
		switch kind {
		case "kept":
			out.Kept = append(out.Kept, artifact)
		case "reused":
			out.Reused = append(out.Reused, artifact)
		case "banned":
			out.Banned = append(out.Banned, artifact)
		}
	}
	return out, rows.Err()
}
