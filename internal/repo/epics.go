package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sprintline/internal/domain"
	"sprintline/internal/events"
)

var epicTransitions = map[string][]string{
	domain.EpicPending:    {domain.EpicInProgress, domain.EpicFailed},
	domain.EpicInProgress: {domain.EpicComplete, domain.EpicFailed},
}

var validPhases = map[string]bool{
	domain.PhasePending:    true,
	domain.PhasePlanning:   true,
	domain.PhaseDesigning:  true,
	domain.PhaseIssueLoop:  true,
	domain.PhaseCompleting: true,
	domain.PhaseComplete:   true,
	domain.PhaseFailed:     true,
}

func epicTransitionAllowed(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range epicTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EpicUpdate carries the epic fields a controller step changes together.
type EpicUpdate struct {
	Status    *string
	Phase     *string
	LastError *string
}

// CreateEpic creates the epic in pending, or returns the existing one
// unchanged.
func (r *Repo) CreateEpic(ctx context.Context, id, prompt string) (domain.Epic, error) {
	if id == "" {
		return domain.Epic{}, errors.New("epic id is required")
	}
	var out domain.Epic
	err := r.mutate(ctx, "create epic", id, func(tx *sql.Tx, now string) error {
		existing, err := getEpic(ctx, tx, id)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO epics(id,status,phase,prompt,stop_requested,created_at,updated_at) VALUES (?,?,?,?,0,?,?)`,
			id, domain.EpicPending, domain.PhasePending, nullable(prompt), now, now); err != nil {
			return fmt.Errorf("insert epic: %w", err)
		}
		if err := r.events().Append(ctx, tx, events.EpicCreated, id, "", "", events.EventPayload{"prompt": prompt}); err != nil {
			return err
		}
		out, err = getEpic(ctx, tx, id)
		return err
	})
	return out, err
}

// SetEpicStatus moves the epic along pending -> in_progress -> {complete, failed}.
func (r *Repo) SetEpicStatus(ctx context.Context, id, status string) (domain.Epic, error) {
	return r.UpdateEpic(ctx, id, EpicUpdate{Status: &status})
}

func (r *Repo) SetEpicPhase(ctx context.Context, id, phase string) (domain.Epic, error) {
	return r.UpdateEpic(ctx, id, EpicUpdate{Phase: &phase})
}

// FailEpic marks the epic failed and records why, in one write.
func (r *Repo) FailEpic(ctx context.Context, id, reason string) (domain.Epic, error) {
	status, phase := domain.EpicFailed, domain.PhaseFailed
	return r.UpdateEpic(ctx, id, EpicUpdate{Status: &status, Phase: &phase, LastError: &reason})
}

func (r *Repo) UpdateEpic(ctx context.Context, id string, u EpicUpdate) (domain.Epic, error) {
	var out domain.Epic
	err := r.mutate(ctx, "update epic", id, func(tx *sql.Tx, now string) error {
		cur, err := getEpic(ctx, tx, id)
		if err != nil {
			return err
		}
		payload := events.EventPayload{}
		if u.Status != nil {
			if !epicTransitionAllowed(cur.Status, *u.Status) {
				return &InvalidTransitionError{Entity: "epic", ID: id, From: cur.Status, To: *u.Status}
			}
			payload["from"] = cur.Status
			payload["status"] = *u.Status
			cur.Status = *u.Status
		}
		if u.Phase != nil {
			if !validPhases[*u.Phase] {
				return fmt.Errorf("unknown phase %q", *u.Phase)
			}
			payload["phase"] = *u.Phase
			cur.Phase = *u.Phase
		}
		if u.LastError != nil {
			payload["error"] = *u.LastError
			cur.LastError = *u.LastError
		}
		if _, err := tx.ExecContext(ctx, `UPDATE epics SET status=?, phase=?, last_error=?, updated_at=? WHERE id=?`,
			cur.Status, cur.Phase, nullable(cur.LastError), now, id); err != nil {
			return err
		}
		evt := events.EpicPhase
		switch {
		case u.Status != nil && *u.Status == domain.EpicFailed:
			evt = events.EpicFailed
		case u.Status != nil:
			evt = events.EpicStatus
		}
		if err := r.events().Append(ctx, tx, evt, id, "", "", payload); err != nil {
			return err
		}
		if evt != events.EpicPhase && u.Phase != nil && *u.Phase != domain.PhaseFailed {
			if err := appendPhase(ctx, r, tx, id, *u.Phase); err != nil {
				return err
			}
		}
		cur.UpdatedAt = now
		out = cur
		return nil
	})
	return out, err
}

// ReopenEpic moves a failed epic back to in_progress at the given phase.
// Only human intervention reopens an epic.
func (r *Repo) ReopenEpic(ctx context.Context, id, phase, actor string) (domain.Epic, error) {
	if phase != domain.PhaseDesigning && phase != domain.PhaseIssueLoop {
		return domain.Epic{}, fmt.Errorf("cannot reopen epic into phase %q", phase)
	}
	var out domain.Epic
	err := r.mutate(ctx, "reopen epic", id, func(tx *sql.Tx, now string) error {
		cur, err := getEpic(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != domain.EpicFailed {
			return &InvalidTransitionError{Entity: "epic", ID: id, From: cur.Status, To: domain.EpicInProgress}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE epics SET status=?, phase=?, last_error=NULL, stop_requested=0, updated_at=? WHERE id=?`,
			domain.EpicInProgress, phase, now, id); err != nil {
			return err
		}
		if err := r.events().Append(ctx, tx, events.EpicStatus, id, "", "", events.EventPayload{
			"from": cur.Status, "status": domain.EpicInProgress, "phase": phase, "actor": actor, "previous_error": cur.LastError,
		}); err != nil {
			return err
		}
		if err := appendPhase(ctx, r, tx, id, phase); err != nil {
			return err
		}
		cur.Status, cur.Phase, cur.LastError, cur.StopRequested, cur.UpdatedAt = domain.EpicInProgress, phase, "", false, now
		out = cur
		return nil
	})
	return out, err
}

// appendPhase records the phase an epic entered. Resume reads the latest
// one to find where a failed epic stopped.
func appendPhase(ctx context.Context, r *Repo, tx *sql.Tx, id, phase string) error {
	return r.events().Append(ctx, tx, events.EpicPhase, id, "", "", events.EventPayload{"phase": phase})
}

// RequestStop sets the durable stop flag observed at phase and issue
// boundaries.
func (r *Repo) RequestStop(ctx context.Context, id, actor string) error {
	return r.setStop(ctx, id, true, actor)
}

func (r *Repo) ClearStop(ctx context.Context, id, actor string) error {
	return r.setStop(ctx, id, false, actor)
}

func (r *Repo) setStop(ctx context.Context, id string, stop bool, actor string) error {
	return r.mutate(ctx, "set stop", id, func(tx *sql.Tx, now string) error {
		flag := 0
		if stop {
			flag = 1
		}
		res, err := tx.ExecContext(ctx, `UPDATE epics SET stop_requested=?, updated_at=? WHERE id=?`, flag, now, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return r.events().Append(ctx, tx, events.EpicStop, id, "", "", events.EventPayload{"stop": stop, "actor": actor})
	})
}

func (r *Repo) StopRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := r.DB.QueryRowContext(ctx, `SELECT stop_requested FROM epics WHERE id=?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return flag != 0, err
}

// IsEpicComplete reports whether the epic has issues and all are done.
func (r *Repo) IsEpicComplete(ctx context.Context, id string) (bool, error) {
	var exists int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM epics WHERE id=?`, id).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	var total, done int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1), COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END),0) FROM issues WHERE epic_id=?`,
		domain.IssueDone, id).Scan(&total, &done); err != nil {
		return false, err
	}
	return total > 0 && total == done, nil
}

func touchEpic(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE epics SET updated_at=? WHERE id=?`, now, id)
	return err
}
