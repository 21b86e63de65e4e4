package configutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sampleSettings struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

var sampleSchema = Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "timeout", "retries"},
}

func TestDecodeSettings_NormalizesKeysAndTypes(t *testing.T) {
	var out sampleSettings
	err := DecodeSettings(map[string]any{
		"API-Key": "sk",
		"model":   "gpt-4o-mini",
		"timeout": "1500ms",
		"retries": "2",
	}, sampleSchema, &out)
	require.NoError(t, err)
	require.Equal(t, "sk", out.APIKey)
	require.Equal(t, 1500*time.Millisecond, out.Timeout)
	require.Equal(t, 2, out.Retries)
}

func TestSchemaValidate_MissingAndUnknown(t *testing.T) {
	err := sampleSchema.Validate(map[string]any{"api_key": " ", "voice": "x"})
	require.EqualError(t, err, "missing: api_key; unknown: voice")

	err = Schema{Required: []string{"a"}, AllowUnknown: true}.Validate(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
}

func TestMillis(t *testing.T) {
	require.Equal(t, 2*time.Second, Millis(0, 2*time.Second))
	require.Equal(t, 250*time.Millisecond, Millis(250, time.Second))
}
