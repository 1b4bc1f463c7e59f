package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sprintline/internal/agent"
	"sprintline/internal/config"
	"sprintline/internal/notify"
)

func TestOpenWithDefaults(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(context.Background(), Options{Workspace: dir, Log: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	assert.Equal(t, 3, c.Config.Orchestration.MaxReviewCycles)
	assert.Empty(t, c.Registry.Registered())
	epics, err := c.Repo.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, epics)
	_, err = os.Stat(filepath.Join(dir, ".sprintline", "sprintline.db"))
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("orchestration: {max_review_cycles: 0}\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: dir, Log: zap.NewNop()})
	require.Error(t, err)
}

func TestBuildRegistryCreatesHandlerPerConfiguredRole(t *testing.T) {
	cfg := config.Default()
	cfg.Providers["openai"] = config.ProviderConfig{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1"}
	reg, err := BuildRegistry(cfg, agent.StaticPersonas{}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, agent.Roles, reg.Registered())
	h, err := reg.Get(agent.Engineer)
	require.NoError(t, err)
	llm, ok := h.(*agent.LLMHandler)
	require.True(t, ok)
	assert.Equal(t, 8192, llm.Params.MaxTokens)
}

func TestBuildSinkWithWebhooks(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook", Events: []string{"escalation"}}}
	sink, closers, err := BuildSink(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, closers, 1, "drains pending deliveries")
	multi, ok := sink.(*notify.Multi)
	require.True(t, ok)
	assert.Len(t, multi.Sinks, 2)
}
