package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harunnryd/callturn/pkg/secrets"
)

const minimalYAML = `
transport:
  provider: twilio
  settings:
    account_sid: ${CALLTURN_TEST_SID}
    auth_token: ssm:/callturn/twilio_token
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: openai
    settings:
      api_key: ssm:/callturn/openai_key
      model: gpt-4o-mini
reply:
  system_prompt: "You help ${CALLTURN_TEST_COMPANY} customers."
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

type mapGetter map[string]string

func (m mapGetter) GetParameter(_ context.Context, name string) (string, error) {
	return m[name], nil
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("CALLTURN_TEST_SID", "AC123")
	t.Setenv("CALLTURN_TEST_COMPANY", "Acme")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	require.Equal(t, "AC123", cfg.Transport.Settings["account_sid"])
	require.Equal(t, "You help Acme customers.", cfg.Reply.SystemPrompt)
	require.Equal(t, 3, cfg.Link.MaxAttempts)
	require.Equal(t, 0.7, cfg.Segmenter.MinConfidence)
	require.Equal(t, 50, cfg.Reply.RateLimit)
	require.Equal(t, "memory", cfg.Store.Provider)
	require.Equal(t, time.Minute, cfg.RateWindow())
	require.Equal(t, 20*time.Second, cfg.DrainTimeout())

	sc := cfg.SessionConfig()
	require.Equal(t, 1500*time.Millisecond, sc.Link.RetryDelay)
	require.Equal(t, 5*time.Second, sc.Link.ConnectTimeout)
	require.Equal(t, 1500*time.Millisecond, sc.Segmenter.SilenceThreshold)
	require.Equal(t, 9, sc.MaxHistory)
	require.Equal(t, 30*time.Second, sc.KeepaliveInterval)
	require.Equal(t, 160, sc.FrameBytes)
}

func TestLoad_ValidationErrors(t *testing.T) {
	_, err := Load(writeConfig(t, "vendors:\n  stt:\n    provider: mock\n"))
	require.ErrorContains(t, err, "vendors.tts.provider is required")

	_, err = Load(writeConfig(t, minimalYAML+"store:\n  provider: dynamodb\n"))
	require.ErrorContains(t, err, "store.table is required")

	_, err = Load(writeConfig(t, minimalYAML+"store:\n  provider: postgres\n"))
	require.ErrorContains(t, err, "store.provider must be one of")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestResolveSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+"session:\n  greeting: ssm:/callturn/greeting\n"))
	require.NoError(t, err)
	require.True(t, cfg.NeedsSecrets())

	r := secrets.NewResolver(mapGetter{
		"/callturn/twilio_token": "tok",
		"/callturn/openai_key":   "sk-live",
		"/callturn/greeting":     "Hi there.",
	})
	require.NoError(t, cfg.ResolveSecrets(context.Background(), r))
	require.Equal(t, "tok", cfg.Transport.Settings["auth_token"])
	require.Equal(t, "sk-live", cfg.Vendors.LLM.Settings["api_key"])
	require.Equal(t, "Hi there.", cfg.Session.Greeting)
	require.False(t, cfg.NeedsSecrets())
}
