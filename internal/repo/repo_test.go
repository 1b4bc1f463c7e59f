package repo_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprintline/internal/db"
	"sprintline/internal/domain"
	"sprintline/internal/events"
	"sprintline/internal/migrate"
	"sprintline/internal/repo"
)

func newRepo(t *testing.T) *repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.New(conn)
	var tick int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Now = func() time.Time { return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second) }
	return r
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func TestLoadEmptyStore(t *testing.T) {
	r := newRepo(t)
	epics, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, epics)
	assert.NotNil(t, epics)
}

func TestCreateEpicIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	first, err := r.CreateEpic(ctx, "E-1", "build it")
	require.NoError(t, err)
	assert.Equal(t, domain.EpicPending, first.Status)
	assert.Equal(t, domain.PhasePending, first.Phase)

	again, err := r.CreateEpic(ctx, "E-1", "other prompt")
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestUpsertIssueMergesAndOrders(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.UpsertIssue(ctx, "missing", "I-1", domain.IssuePatch{})
	require.ErrorIs(t, err, repo.ErrNotFound)

	epic, err := r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)
	a, err := r.UpsertIssue(ctx, "E-1", "I-a", domain.IssuePatch{Title: strp("first")})
	require.NoError(t, err)
	_, err = r.UpsertIssue(ctx, "E-1", "I-b", domain.IssuePatch{})
	require.NoError(t, err)
	assert.Equal(t, domain.IssuePending, a.Status)

	updated, err := r.UpsertIssue(ctx, "E-1", "I-a", domain.IssuePatch{Status: strp(domain.IssueInProgress), AssignedAgent: strp("engineer")})
	require.NoError(t, err)
	assert.Equal(t, "first", updated.Title)
	assert.Equal(t, "engineer", updated.AssignedAgent)
	assert.Greater(t, updated.UpdatedAt, a.UpdatedAt)

	loaded, err := r.GetEpic(ctx, "E-1")
	require.NoError(t, err)
	require.Len(t, loaded.Issues, 2)
	assert.Equal(t, "I-a", loaded.Issues[0].ID)
	assert.Equal(t, "I-b", loaded.Issues[1].ID)
	assert.Greater(t, loaded.UpdatedAt, epic.UpdatedAt)
}

func TestIssueTransitionsFollowGraph(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)
	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{})
	require.NoError(t, err)

	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{Status: strp(domain.IssueDone)})
	var invalid *repo.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.IssuePending, invalid.From)

	for _, s := range []string{domain.IssueInProgress, domain.IssueReview, domain.IssueInProgress, domain.IssueReview, domain.IssueQA, domain.IssueDone} {
		_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{Status: strp(s)})
		require.NoError(t, err, s)
	}
	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{Status: strp(domain.IssueInProgress)})
	require.ErrorAs(t, err, &invalid)
}

func TestExternalRefIsSetOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)
	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{ExternalRef: strp("PR-7")})
	require.NoError(t, err)
	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{ExternalRef: strp("PR-7")})
	require.NoError(t, err)
	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{ExternalRef: strp("PR-8")})
	require.ErrorIs(t, err, repo.ErrExternalRefSet)
}

func TestAppendCycleIsGaplessUnderConcurrency(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)
	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{})
	require.NoError(t, err)
	_, err = r.AppendCycle(ctx, "E-1", "nope", "a", "b", "x", "y")
	require.ErrorIs(t, err, repo.ErrNotFound)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.AppendCycle(ctx, "E-1", "I-1", "engineer", "reviewer", "submit", fmt.Sprintf("attempt-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	is, err := r.GetIssue(ctx, "E-1", "I-1")
	require.NoError(t, err)
	require.Len(t, is.CycleHistory, n)
	for i, rec := range is.CycleHistory {
		assert.Equal(t, i+1, rec.Seq)
	}
}

func TestDifferentEpicsProgressConcurrently(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for e := 0; e < 4; e++ {
		wg.Add(1)
		go func(e int) {
			defer wg.Done()
			id := fmt.Sprintf("E-%d", e)
			_, err := r.CreateEpic(ctx, id, "")
			assert.NoError(t, err)
			for i := 0; i < 5; i++ {
				_, err := r.UpsertIssue(ctx, id, fmt.Sprintf("I-%d", i), domain.IssuePatch{})
				assert.NoError(t, err)
			}
		}(e)
	}
	wg.Wait()
	epics, err := r.Load(ctx)
	require.NoError(t, err)
	require.Len(t, epics, 4)
	for _, e := range epics {
		assert.Len(t, e.Issues, 5)
	}
}

func TestRecordHandoffPersistsPatchAndCycleTogether(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)
	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{})
	require.NoError(t, err)

	card := domain.Scorecard{Dimensions: domain.Dimensions{ScopeControl: 2, BehaviorFidelity: 2, EvidenceOrientation: 2, Actionability: 1, RiskAwareness: 1}}
	is, rec, err := r.RecordHandoff(ctx, "E-1", "I-1", repo.Handoff{
		Patch: domain.IssuePatch{Status: strp(domain.IssueInProgress), AssignedAgent: strp("engineer"), LatestScore: &card},
		Cycle: domain.Cycle{FromRole: "controller", ToRole: "engineer", Action: "assign", Result: "started"},
		Score: &repo.ScoreEntry{Role: "reviewer", Card: card, Recycle: &domain.RecycleOutput{Kept: []string{"a.go"}, Banned: []string{"b.go"}}},
		Role:  "engineer",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Seq)
	assert.Equal(t, domain.IssueInProgress, is.Status)
	require.NotNil(t, is.LatestScore)
	assert.Equal(t, 8, is.LatestScore.Total())

	scores, err := r.ListScores(ctx, "E-1", "I-1")
	require.NoError(t, err)
	require.Len(t, scores, 1)
	require.NotNil(t, scores[0].Recycle)
	assert.Equal(t, []string{"b.go"}, scores[0].Recycle.Banned)

	evts, err := r.LatestEvents(ctx, repo.EventFilter{EpicID: "E-1", Role: "engineer"})
	require.NoError(t, err)
	require.Len(t, evts, 1)

	// invalid transition rolls back the cycle record too
	_, _, err = r.RecordHandoff(ctx, "E-1", "I-1", repo.Handoff{
		Patch: domain.IssuePatch{Status: strp(domain.IssueDone)},
		Cycle: domain.Cycle{FromRole: "engineer", ToRole: "qa", Action: "skip", Result: "bad"},
	})
	require.Error(t, err)
	is, err = r.GetIssue(ctx, "E-1", "I-1")
	require.NoError(t, err)
	assert.Len(t, is.CycleHistory, 1)
	assert.Equal(t, domain.IssueInProgress, is.Status)
}

func TestRecycleOverlapIsRejected(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)
	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{})
	require.NoError(t, err)
	_, err = r.RecordScore(ctx, "E-1", "I-1", repo.ScoreEntry{Role: "reviewer", Recycle: &domain.RecycleOutput{Kept: []string{"x"}, Banned: []string{"x"}}})
	require.Error(t, err)
	scores, err := r.ListScores(ctx, "E-1", "I-1")
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestNextPendingIssue(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.NextPendingIssue(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)
	next, err := r.NextPendingIssue(ctx, "E-1")
	require.NoError(t, err)
	assert.Nil(t, next)

	for _, id := range []string{"I-1", "I-2", "I-3"} {
		_, err = r.UpsertIssue(ctx, "E-1", id, domain.IssuePatch{})
		require.NoError(t, err)
	}
	advance(t, r, "E-1", "I-1", domain.IssueInProgress, domain.IssueEscalated)
	advance(t, r, "E-1", "I-2", domain.IssueInProgress, domain.IssueReview)

	next, err = r.NextPendingIssue(ctx, "E-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "I-2", next.ID, "interrupted in-flight issue comes first")

	advance(t, r, "E-1", "I-2", domain.IssueQA, domain.IssueDone)
	next, err = r.NextPendingIssue(ctx, "E-1")
	require.NoError(t, err)
	assert.Equal(t, "I-3", next.ID)
}

func TestIsEpicComplete(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.IsEpicComplete(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)
	done, err := r.IsEpicComplete(ctx, "E-1")
	require.NoError(t, err)
	assert.False(t, done, "no issues is not complete")

	for _, id := range []string{"I-1", "I-2"} {
		_, err = r.UpsertIssue(ctx, "E-1", id, domain.IssuePatch{})
		require.NoError(t, err)
	}
	advance(t, r, "E-1", "I-1", domain.IssueInProgress, domain.IssueReview, domain.IssueQA, domain.IssueDone)
	done, err = r.IsEpicComplete(ctx, "E-1")
	require.NoError(t, err)
	assert.False(t, done)

	advance(t, r, "E-1", "I-2", domain.IssueInProgress, domain.IssueEscalated)
	done, err = r.IsEpicComplete(ctx, "E-1")
	require.NoError(t, err)
	assert.False(t, done, "escalated issue blocks completion")

	_, err = r.ResolveEscalation(ctx, "E-1", "I-2", repo.ResolveAccept, "ops", "shipped by hand")
	require.NoError(t, err)
	done, err = r.IsEpicComplete(ctx, "E-1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestEpicStatusTransitions(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)

	_, err = r.SetEpicStatus(ctx, "E-1", domain.EpicComplete)
	var invalid *repo.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)

	_, err = r.SetEpicStatus(ctx, "E-1", domain.EpicInProgress)
	require.NoError(t, err)
	failed, err := r.FailEpic(ctx, "E-1", "store unavailable")
	require.NoError(t, err)
	assert.Equal(t, domain.EpicFailed, failed.Status)
	assert.Equal(t, "store unavailable", failed.LastError)

	_, err = r.SetEpicStatus(ctx, "E-1", domain.EpicInProgress)
	require.ErrorAs(t, err, &invalid, "failed is terminal for automation")

	reopened, err := r.ReopenEpic(ctx, "E-1", domain.PhaseIssueLoop, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.EpicInProgress, reopened.Status)
	assert.Empty(t, reopened.LastError)
}

func TestEveryPhaseChangeRecordsPhaseEvent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)

	lastPhase := func() string {
		t.Helper()
		evts, err := r.LatestEvents(ctx, repo.EventFilter{EpicID: "E-1", Type: events.EpicPhase, Limit: 1})
		require.NoError(t, err)
		require.Len(t, evts, 1)
		var payload struct {
			Phase string `json:"phase"`
		}
		require.NoError(t, json.Unmarshal([]byte(evts[0].Payload), &payload))
		return payload.Phase
	}

	status, phase := domain.EpicInProgress, domain.PhasePlanning
	_, err = r.UpdateEpic(ctx, "E-1", repo.EpicUpdate{Status: &status, Phase: &phase})
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePlanning, lastPhase())

	_, err = r.FailEpic(ctx, "E-1", "planner down")
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePlanning, lastPhase(), "failing keeps the last entered phase")

	_, err = r.ReopenEpic(ctx, "E-1", domain.PhaseDesigning, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDesigning, lastPhase())
}

func TestStopFlagIsDurable(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.ErrorIs(t, r.RequestStop(ctx, "missing", "ops"), repo.ErrNotFound)
	_, err := r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)
	require.NoError(t, r.RequestStop(ctx, "E-1", "ops"))
	stop, err := r.StopRequested(ctx, "E-1")
	require.NoError(t, err)
	assert.True(t, stop)
	require.NoError(t, r.ClearStop(ctx, "E-1", "ops"))
	stop, err = r.StopRequested(ctx, "E-1")
	require.NoError(t, err)
	assert.False(t, stop)
}

func TestResolveRetryResetsCounters(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)
	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{})
	require.NoError(t, err)
	_, err = r.ResolveEscalation(ctx, "E-1", "I-1", repo.ResolveRetry, "ops", "")
	var invalid *repo.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)

	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{
		Status: strp(domain.IssueEscalated), ReviewCycles: intp(3), EscalationReason: strp("review limit"),
	})
	require.NoError(t, err)
	is, err := r.ResolveEscalation(ctx, "E-1", "I-1", repo.ResolveRetry, "ops", "clarified the goal")
	require.NoError(t, err)
	assert.Equal(t, domain.IssuePending, is.Status)
	assert.Zero(t, is.ReviewCycles)
	assert.Empty(t, is.EscalationReason)
	require.Len(t, is.CycleHistory, 1)
	assert.Equal(t, "resolve:retry", is.CycleHistory[0].Action)
}

func TestExportYAML(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)
	_, err = r.UpsertIssue(ctx, "E-1", "I-1", domain.IssuePatch{Title: strp("wire the thing")})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, r.ExportYAML(ctx, &buf))
	assert.Contains(t, buf.String(), "id: E-1")
	assert.Contains(t, buf.String(), "title: wire the thing")
}

func advance(t *testing.T, r *repo.Repo, epicID, issueID string, statuses ...string) {
	t.Helper()
	for _, s := range statuses {
		_, err := r.UpsertIssue(context.Background(), epicID, issueID, domain.IssuePatch{Status: strp(s)})
		require.NoError(t, err, s)
	}
}

func TestWriteLockContentionIsTransient(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: ws, BusyTimeoutMS: 10})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.New(conn)
	_, err = r.CreateEpic(ctx, "E-1", "")
	require.NoError(t, err)

	other, err := db.Open(db.Config{Workspace: ws})
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() })
	tx, err := other.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = r.UpsertIssue(ctx, "E-1", "A", domain.IssuePatch{})
	require.Error(t, err)
	assert.True(t, repo.IsTransient(err), err.Error())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, repo.IsTransient(fmt.Errorf("hand-off: %w", context.DeadlineExceeded)))
	assert.True(t, repo.IsTransient(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, repo.IsTransient(repo.ErrNotFound))
	assert.False(t, repo.IsTransient(&repo.InvalidTransitionError{Entity: "issue", ID: "A", From: "done", To: "review"}))
	assert.False(t, repo.IsTransient(nil))
}
