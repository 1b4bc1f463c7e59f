package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"sprintline/internal/domain"
	"sprintline/internal/events"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrExternalRefSet = errors.New("external ref already set")
)

// InvalidTransitionError reports a status change outside the allowed graph.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// Repo is the durable state store. Every mutation runs under a per-epic
// in-process lock wrapping a single immediate SQLite transaction.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time

	locks *keyedMutex
	// beforeCommit runs after all writes of a mutation and before commit.
	beforeCommit func(op string) error
}

func New(db *sql.DB) *Repo {
	return &Repo{DB: db, locks: &keyedMutex{}}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Repo) stamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

func (r *Repo) events() events.Writer {
	w := r.Events
	if w.Now == nil {
		w.Now = r.now
	}
	return w
}

// mutate runs fn inside the epic's critical section and one transaction.
func (r *Repo) mutate(ctx context.Context, op, epicID string, fn func(tx *sql.Tx, now string) error) error {
	if r.locks == nil {
		return errors.New("repo not initialised; use repo.New")
	}
	unlock := r.locks.Lock(epicID)
	defer unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback()
	if err := fn(tx, r.stamp()); err != nil {
		return err
	}
	if r.beforeCommit != nil {
		if err := r.beforeCommit(op); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

// Load returns every epic keyed by id. A fresh store yields an empty map.
func (r *Repo) Load(ctx context.Context) (map[string]domain.Epic, error) {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	defer tx.Rollback()
	epics, err := loadEpics(ctx, tx, "")
	if err != nil {
		return nil, err
	}
	res := make(map[string]domain.Epic, len(epics))
	for _, e := range epics {
		res[e.ID] = e
	}
	return res, nil
}

// ListEpics returns all epics ordered by creation.
func (r *Repo) ListEpics(ctx context.Context) ([]domain.Epic, error) {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return loadEpics(ctx, tx, "")
}

func (r *Repo) GetEpic(ctx context.Context, id string) (domain.Epic, error) {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Epic{}, err
	}
	defer tx.Rollback()
	return getEpic(ctx, tx, id)
}

func getEpic(ctx context.Context, q querier, id string) (domain.Epic, error) {
	epics, err := loadEpics(ctx, q, id)
	if err != nil {
		return domain.Epic{}, err
	}
	if len(epics) == 0 {
		return domain.Epic{}, ErrNotFound
	}
	return epics[0], nil
}

func loadEpics(ctx context.Context, q querier, id string) ([]domain.Epic, error) {
	query := `SELECT id,status,phase,COALESCE(prompt,''),stop_requested,COALESCE(last_error,''),created_at,updated_at FROM epics`
	var args []any
	if id != "" {
		query += ` WHERE id=?`
		args = append(args, id)
	}
	query += ` ORDER BY created_at, id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Epic
	for rows.Next() {
		var e domain.Epic
		var stop int
		if err := rows.Scan(&e.ID, &e.Status, &e.Phase, &e.Prompt, &stop, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		e.StopRequested = stop != 0
		res = append(res, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		issues, err := loadIssues(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Issues = issues
	}
	return res, nil
}

const issueColumns = `id,position,COALESCE(title,''),status,COALESCE(assigned_agent,''),COALESCE(external_ref,''),review_cycles,qa_cycles,latest_score_json,recycle_json,COALESCE(escalation_reason,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (domain.Issue, error) {
	var is domain.Issue
	var score, recycle sql.NullString
	if err := row.Scan(&is.ID, &is.Position, &is.Title, &is.Status, &is.AssignedAgent, &is.ExternalRef,
		&is.ReviewCycles, &is.QACycles, &score, &recycle, &is.EscalationReason, &is.CreatedAt, &is.UpdatedAt); err != nil {
		return is, err
	}
	if score.Valid && score.String != "" {
		var card domain.Scorecard
		if err := json.Unmarshal([]byte(score.String), &card); err != nil {
			return is, fmt.Errorf("decode score for %s: %w", is.ID, err)
		}
		is.LatestScore = &card
	}
	if recycle.Valid && recycle.String != "" {
		var out domain.RecycleOutput
		if err := json.Unmarshal([]byte(recycle.String), &out); err != nil {
			return is, fmt.Errorf("decode recycle for %s: %w", is.ID, err)
		}
		is.Recycle = &out
	}
	return is, nil
}

func loadIssues(ctx context.Context, q querier, epicID string) ([]domain.Issue, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE epic_id=? ORDER BY position`, epicID)
	if err != nil {
		return nil, err
	}
	var issues []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		issues = append(issues, is)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	history, err := loadCycles(ctx, q, epicID, "")
	if err != nil {
		return nil, err
	}
	for i := range issues {
		issues[i].CycleHistory = history[issues[i].ID]
		if issues[i].CycleHistory == nil {
			issues[i].CycleHistory = []domain.CycleRecord{}
		}
	}
	if issues == nil {
		issues = []domain.Issue{}
	}
	return issues, nil
}

func getIssue(ctx context.Context, q querier, epicID, issueID string) (domain.Issue, error) {
	is, err := scanIssue(q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE epic_id=? AND id=?`, epicID, issueID))
	if errors.Is(err, sql.ErrNoRows) {
		return is, ErrNotFound
	}
	if err != nil {
		return is, err
	}
	history, err := loadCycles(ctx, q, epicID, issueID)
	if err != nil {
		return is, err
	}
	is.CycleHistory = history[issueID]
	if is.CycleHistory == nil {
		is.CycleHistory = []domain.CycleRecord{}
	}
	return is, nil
}

func loadCycles(ctx context.Context, q querier, epicID, issueID string) (map[string][]domain.CycleRecord, error) {
	query := `SELECT issue_id,seq,from_role,to_role,action,result,ts FROM cycle_records WHERE epic_id=?`
	args := []any{epicID}
	if issueID != "" {
		query += ` AND issue_id=?`
		args = append(args, issueID)
	}
	query += ` ORDER BY issue_id, seq`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.CycleRecord{}
	for rows.Next() {
		var owner string
		var c domain.CycleRecord
		if err := rows.Scan(&owner, &c.Seq, &c.FromRole, &c.ToRole, &c.Action, &c.Result, &c.Timestamp); err != nil {
			return nil, err
		}
		res[owner] = append(res[owner], c)
	}
	return res, rows.Err()
}

// SortedIDs returns the keys of a Load result in a stable order.
func SortedIDs(epics map[string]domain.Epic) []string {
	ids := make([]string, 0, len(epics))
	for id := range epics {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
