package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprintline/internal/config"
	"sprintline/internal/db"
	"sprintline/internal/domain"
	"sprintline/internal/engine"
	"sprintline/internal/events"
	"sprintline/internal/metrics"
	"sprintline/internal/migrate"
	"sprintline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	repo *repo.Repo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.New(conn)
	e := engine.New(r, nil, config.Default())
	m := metrics.New()
	m.Handoff("reviewer")

	handler, err := New(Config{Engine: e, Metrics: m, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, repo: r}
}

func token(t *testing.T, subject string, roles, perms []string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, subject, roles, perms, time.Hour)
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, method, url string, body any, bearer string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func seedEscalated(t *testing.T, r *repo.Repo, epicID, issueID string) {
	t.Helper()
	ctx := context.Background()
	_, err := r.CreateEpic(ctx, epicID, "ship the importer")
	require.NoError(t, err)
	_, err = r.UpsertIssue(ctx, epicID, issueID, domain.IssuePatch{})
	require.NoError(t, err)
	for _, s := range []string{domain.IssueInProgress, domain.IssueEscalated} {
		status := s
		patch := domain.IssuePatch{Status: &status}
		if s == domain.IssueEscalated {
			reason, cycles := "review_limit", 3
			patch.EscalationReason = &reason
			patch.ReviewCycles = &cycles
		}
		_, err := r.UpsertIssue(ctx, epicID, issueID, patch)
		require.NoError(t, err)
	}
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	res, body = doJSON(t, http.MethodGet, srv.URL+"/metrics", nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "sprintline_handoffs_total")
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/epics", nil, "")
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, body).Error.Code)

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/epics", nil, "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, body).Error.Code)

	forged, err := IssueToken("other-secret", "mallory", []string{"operator"}, nil, time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/epics", nil, forged)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestListAndGetEpics(t *testing.T) {
	srv := newTestServer(t)
	seedEscalated(t, srv.repo, "E-1", "I-1")
	viewer := token(t, "vera", []string{"viewer"}, nil)

	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/epics", nil, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var list []EpicSummary
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "E-1", list[0].ID)
	assert.Equal(t, 1, list[0].IssueCounts[domain.IssueEscalated])

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/epics/E-1", nil, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var ep EpicResponse
	require.NoError(t, json.Unmarshal(body, &ep))
	require.Len(t, ep.Issues, 1)
	assert.Equal(t, "review_limit", ep.Issues[0].EscalationReason)
	assert.Equal(t, 3, ep.Issues[0].ReviewCycles)

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/epics/E-404", nil, viewer)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, body).Error.Code)
}

func TestMissingRoleIsForbidden(t *testing.T) {
	srv := newTestServer(t)
	seedEscalated(t, srv.repo, "E-1", "I-1")
	nobody := token(t, "nobody", []string{"unknown"}, nil)

	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/epics", nil, nobody)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	env := decodeError(t, body)
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Equal(t, "epic.read", env.Error.Details["permission"])
}

func TestStopRequiresPermission(t *testing.T) {
	srv := newTestServer(t)
	seedEscalated(t, srv.repo, "E-1", "I-1")

	res, _ := doJSON(t, http.MethodPost, srv.URL+"/v0/epics/E-1/stop", nil, token(t, "vera", []string{"viewer"}, nil))
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, body := doJSON(t, http.MethodPost, srv.URL+"/v0/epics/E-1/stop", nil, token(t, "olga", []string{"operator"}, nil))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var sum EpicSummary
	require.NoError(t, json.Unmarshal(body, &sum))
	assert.True(t, sum.StopRequested)

	stop, err := srv.repo.StopRequested(context.Background(), "E-1")
	require.NoError(t, err)
	assert.True(t, stop)
}

func TestResolveEscalation(t *testing.T) {
	srv := newTestServer(t)
	seedEscalated(t, srv.repo, "E-1", "I-1")
	url := srv.URL + "/v0/epics/E-1/issues/I-1/resolve"

	// A direct permission claim is enough without a role.
	resolver := token(t, "rita", nil, []string{"escalation.resolve"})

	res, body := doJSON(t, http.MethodPost, url, map[string]any{"action": "rewrite"}, resolver)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	res, body = doJSON(t, http.MethodPost, url, map[string]any{"action": "retry", "note": "clarified acceptance"}, resolver)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var is IssueResponse
	require.NoError(t, json.Unmarshal(body, &is))
	assert.Equal(t, domain.IssuePending, is.Status)
	assert.Zero(t, is.ReviewCycles)
	last := is.CycleHistory[len(is.CycleHistory)-1]
	assert.Equal(t, "resolve:retry", last.Action)
	assert.Equal(t, "rita", last.ToRole)

	res, body = doJSON(t, http.MethodPost, url, map[string]any{"action": "accept"}, resolver)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	env := decodeError(t, body)
	assert.Equal(t, "invalid_transition", env.Error.Code)
	assert.Equal(t, domain.IssuePending, env.Error.Details["from"])
}

func TestEventsPaginate(t *testing.T) {
	srv := newTestServer(t)
	seedEscalated(t, srv.repo, "E-1", "I-1")
	viewer := token(t, "vera", []string{"viewer"}, nil)

	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/epics/E-1/events?limit=1", nil, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)
	newest := page.Items[0]

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/epics/E-1/events?limit=50&cursor="+page.NextCursor, nil, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var rest paginatedEvents
	require.NoError(t, json.Unmarshal(body, &rest))
	require.NotEmpty(t, rest.Items)
	assert.Empty(t, rest.NextCursor)
	for _, ev := range rest.Items {
		assert.Less(t, ev.ID, newest.ID)
	}
	assert.Equal(t, events.EpicCreated, rest.Items[len(rest.Items)-1].Type)
}

func TestMe(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/me", nil, token(t, "olga", []string{"operator"}, []string{"custom.perm"}))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(body, &who))
	assert.Equal(t, "olga", who.ActorID)
	assert.Equal(t, []string{"custom.perm", "epic.read", "epic.stop", "escalation.resolve"}, who.Permissions)
}
