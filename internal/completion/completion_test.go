package completion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

type fakeModel struct {
	err     error
	content string
	chunks  []string
	got     []llms.MessageContent
	opts    llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.got = msgs
	for _, o := range options {
		o(&f.opts)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.opts.StreamingFunc != nil {
		for _, c := range f.chunks {
			if err := f.opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        f.content,
		StopReason:     "stop",
		GenerationInfo: map[string]any{"PromptTokens": 12, "CompletionTokens": 30},
	}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		transient bool
	}{
		{errors.New("API returned unexpected status code: 429"), true},
		{errors.New("Rate limit reached for requests"), true},
		{errors.New("dial tcp: connection refused"), true},
		{timeoutErr{}, true},
		{context.DeadlineExceeded, true},
		{errors.New("400 Bad Request: invalid model"), false},
		{errors.New("401 unauthorized"), false},
	}
	for _, tc := range cases {
		got := Classify("openai", tc.err)
		assert.Equal(t, tc.transient, IsTransient(got), tc.err.Error())
	}
	var perm *PermanentError
	require.ErrorAs(t, Classify("openai", errors.New("bad request")), &perm)
	assert.Equal(t, "openai", perm.Provider)
	assert.ErrorIs(t, Classify("x", context.Canceled), context.Canceled)
	assert.False(t, IsTransient(context.Canceled))
}

func TestLangChainComplete(t *testing.T) {
	model := &fakeModel{content: "done"}
	c := NewLangChain("openai", model, 600)
	resp, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "persona"},
		{Role: RoleUser, Content: "task"},
	}, Params{Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, 42, resp.TokensUsed())
	require.Len(t, model.got, 2)
	assert.Equal(t, schema.ChatMessageTypeSystem, model.got[0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, model.got[1].Role)
	assert.Equal(t, "gpt-4o-mini", model.opts.Model)
	assert.Equal(t, 100, model.opts.MaxTokens)
}

func TestLangChainStreamAndErrors(t *testing.T) {
	model := &fakeModel{content: "ab", chunks: []string{"a", "b"}}
	c := NewLangChain("anthropic", model, 600)
	var got []string
	_, err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Params{}, func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	model.err = fmt.Errorf("status 429: overloaded")
	_, err = c.Complete(context.Background(), nil, Params{})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestNewProviderRejectsUnknown(t *testing.T) {
	_, err := NewProvider(ProviderOptions{Provider: "carrier-pigeon"})
	require.Error(t, err)

	_, err = NewProvider(ProviderOptions{Provider: "anthropic", APIKey: "k", BaseURL: "http://proxy.local"})
	require.ErrorContains(t, err, "base_url")
}
