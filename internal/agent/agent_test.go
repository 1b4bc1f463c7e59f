package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"sprintline/internal/completion"
)

type scriptedClient struct {
	reply  string
	err    error
	chunks []string
	seen   []completion.Message
}

func (s *scriptedClient) Complete(ctx context.Context, msgs []completion.Message, p completion.Params) (completion.Response, error) {
	s.seen = msgs
	if s.err != nil {
		return completion.Response{}, s.err
	}
	return completion.Response{Content: s.reply, InputTokens: 10, OutputTokens: 5}, nil
}

func (s *scriptedClient) Stream(ctx context.Context, msgs []completion.Message, p completion.Params, onChunk func(string) error) (completion.Response, error) {
	for _, c := range s.chunks {
		if err := onChunk(c); err != nil {
			return completion.Response{}, err
		}
	}
	return s.Complete(ctx, msgs, p)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Engineer, HandlerFunc(func(ctx context.Context, c Context) (Result, error) {
		return Result{Output: "ok"}, nil
	}))
	h, err := reg.Get(Engineer)
	require.NoError(t, err)
	res, err := h.Execute(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)

	_, err = reg.Get(QA)
	require.ErrorIs(t, err, ErrHandlerMissing)
	assert.Equal(t, []Role{Engineer}, reg.Registered())

	var nilReg *Registry
	_, err = nilReg.Get(Planner)
	require.ErrorIs(t, err, ErrHandlerMissing)
}

func TestLLMHandlerParsesResultBlock(t *testing.T) {
	reply := "# Plan\nAcceptance criteria listed below.\n- item\n\n```yaml\nartifacts: [ISSUE-1, ISSUE-2]\nexternal_ref: PR-9\nscorecard:\n  scope_control: 2\n  behavior_fidelity: 2\n  evidence_orientation: 1\n  actionability: 2\n  risk_awareness: 1\nrecycle:\n  kept: [a.go]\n```\n"
	client := &scriptedClient{reply: reply}
	h := &LLMHandler{
		Role:      Planner,
		Client:    client,
		Personas:  StaticPersonas{Planner: "You plan."},
		Validator: NonEmpty,
	}
	res, err := h.Execute(context.Background(), Context{EpicID: "E-1", Goal: "ship"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ISSUE-1", "ISSUE-2"}, res.Artifacts)
	assert.Equal(t, "PR-9", res.ExternalRef)
	require.NotNil(t, res.Claimed)
	assert.Equal(t, 2, res.Claimed.ScopeControl)
	require.NotNil(t, res.Recycle)
	assert.Equal(t, []string{"a.go"}, res.Recycle.Kept)
	assert.Equal(t, 15, res.TokensUsed)
	assert.True(t, res.Valid())

	require.Len(t, client.seen, 2)
	assert.Equal(t, "You plan.", client.seen[0].Content)
	assert.Contains(t, client.seen[1].Content, "Goal:\nship")
}

func TestUserPromptCarriesRecycleFeedback(t *testing.T) {
	out := UserPrompt(Context{
		EpicID:   "E-1",
		IssueID:  "A",
		Attempt:  2,
		Reusable: []string{"a_test.go"},
		Banned:   []string{"global mutex in a.go"},
	})
	assert.Contains(t, out, "Epic E-1, issue A, attempt 2")
	assert.Contains(t, out, "Reuse from Prior Attempts:\n- a_test.go")
	assert.Contains(t, out, "Do Not Repeat:\n- global mutex in a.go")
	assert.NotContains(t, UserPrompt(Context{Goal: "ship"}), "Do Not Repeat")
}

func TestLLMHandlerReportsValidationFailures(t *testing.T) {
	h := &LLMHandler{Role: Engineer, Client: &scriptedClient{reply: "did stuff\n```yaml\nartifacts: [unterminated\n```"}}
	res, err := h.Execute(context.Background(), Context{})
	require.NoError(t, err, "format problems are not errors")
	assert.False(t, res.Valid())
	assert.NotEmpty(t, res.ValidationErrors)
}

func TestLLMHandlerStreamsIntoRoleLog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := &LLMHandler{Role: Reviewer, Client: &scriptedClient{reply: "x", chunks: []string{"a", "b"}}, Stream: true, Log: zap.New(core), Validator: NonEmpty}
	_, err := h.Execute(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, 2, logs.FilterMessage("chunk").Len())
}

func TestLLMHandlerPropagatesClientErrors(t *testing.T) {
	h := &LLMHandler{Role: QA, Client: &scriptedClient{err: completion.ErrRateLimited}}
	_, err := h.Execute(context.Background(), Context{})
	require.True(t, errors.Is(err, completion.ErrRateLimited))
}

func TestDirPersonas(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qa.md"), []byte("verify"), 0o644))
	p := DirPersonas{Dir: dir}
	got, err := p.Persona(QA)
	require.NoError(t, err)
	assert.Equal(t, "verify", got)
	_, err = p.Persona(Planner)
	require.Error(t, err)
	assert.Empty(t, p.Guardrails())
}

func TestFormatValidators(t *testing.T) {
	ok, _ := PRFormat.Check("## Description\nadds `x`\n## Changes\n- a\n## Testing\n- go test")
	assert.True(t, ok)
	ok, problems := PRFormat.Check("fixed it")
	assert.False(t, ok)
	assert.NotEmpty(t, problems)

	ok, _ = ReviewFormat.Check("Request changes.\nThe function on line 3 leaks.\nFix the close.")
	assert.True(t, ok)

	ok, _ = IssueFormat.Check("# Title\n## Acceptance Criteria\n- works")
	assert.True(t, ok)
	ok, _ = NonEmpty.Check("  ")
	assert.False(t, ok)
}
