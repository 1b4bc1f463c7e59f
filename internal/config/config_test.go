package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Orchestration.MaxReviewCycles)
	assert.Equal(t, 3, cfg.Orchestration.MaxQACycles)
	assert.Equal(t, AntiPatternEscalate, cfg.Orchestration.AntiPatternPolicy)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.InitialWait)
	assert.Equal(t, 32*time.Second, cfg.Retry.MaxWait)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Call)
	assert.Len(t, cfg.Agents, 5)
}

func TestFromYAMLOverlaysDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("SL_TEST_KEY", "sk-test")
	cfg, err := FromYAML([]byte(`
orchestration:
  max_review_cycles: 5
  anti_pattern_policy: count_cycle
providers:
  openai:
    api_key: ${SL_TEST_KEY}
    base_url: ${SL_TEST_UNSET:-http://localhost:4000}
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Orchestration.MaxReviewCycles)
	assert.Equal(t, 3, cfg.Orchestration.MaxQACycles)
	assert.Equal(t, AntiPatternCountCycle, cfg.Orchestration.AntiPatternPolicy)
	assert.Equal(t, "sk-test", cfg.Providers["openai"].APIKey)
	assert.Equal(t, "http://localhost:4000", cfg.Providers["openai"].BaseURL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"zero cycles":    "orchestration: {max_review_cycles: 0}",
		"policy":         "orchestration: {anti_pattern_policy: shrug}",
		"wait order":     "retry: {initial_wait: 10s, max_wait: 1s}",
		"unknown role":   "agents: {janitor: {provider: openai}}",
		"unknown vendor": "agents: {qa: {provider: nowhere}}",
		"webhook url":    "notifications: {webhooks: [{events: [escalation]}]}",
		"log format":     "logging: {format: xml}",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default().Orchestration, cfg.Orchestration)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("scoring: {max_changes_per_issue: 7}\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scoring.MaxChangesPerIssue)
}
