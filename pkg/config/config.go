// Package config loads the callturn configuration file.
package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/callturn/pkg/configutil"
	"github.com/harunnryd/callturn/pkg/reply"
	"github.com/harunnryd/callturn/pkg/secrets"
	"github.com/harunnryd/callturn/pkg/segmenter"
	"github.com/harunnryd/callturn/pkg/session"
	"github.com/harunnryd/callturn/pkg/transcription"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Transport VendorConfig    `mapstructure:"transport"`
	Vendors   VendorsConfig   `mapstructure:"vendors"`
	Store     StoreConfig     `mapstructure:"store"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Link      LinkConfig      `mapstructure:"link"`
	Segmenter SegmenterConfig `mapstructure:"segmenter"`
	Reply     ReplyConfig     `mapstructure:"reply"`
	Session   SessionConfig   `mapstructure:"session"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Privacy   PrivacyConfig   `mapstructure:"privacy"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type StoreConfig struct {
	Provider  string `mapstructure:"provider"`
	Table     string `mapstructure:"table"`
	Region    string `mapstructure:"region"`
	TTLDays   int    `mapstructure:"ttl_days"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

type SecretsConfig struct {
	Region string `mapstructure:"region"`
}

type LinkConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	RetryDelayMS      int `mapstructure:"retry_delay_ms"`
	ConnectTimeoutMS  int `mapstructure:"connect_timeout_ms"`
	MaxBufferedFrames int `mapstructure:"max_buffered_frames"`
}

type SegmenterConfig struct {
	SilenceThresholdMS int               `mapstructure:"silence_threshold_ms"`
	MinConfidence      float64           `mapstructure:"min_confidence"`
	MinChars           int               `mapstructure:"min_chars"`
	MinWords           int               `mapstructure:"min_words"`
	FillerWords        []string          `mapstructure:"filler_words"`
	ClosingPhrases     []string          `mapstructure:"closing_phrases"`
	Expansions         map[string]string `mapstructure:"expansions"`
}

type ReplyConfig struct {
	SystemPrompt          string   `mapstructure:"system_prompt"`
	MaxHistory            int      `mapstructure:"max_history"`
	RateLimit             int      `mapstructure:"rate_limit"`
	RateWindowMS          int      `mapstructure:"rate_window_ms"`
	GenerationTimeoutMS   int      `mapstructure:"generation_timeout_ms"`
	SynthesisAttempts     int      `mapstructure:"synthesis_attempts"`
	SynthesisBackoffMS    int      `mapstructure:"synthesis_backoff_ms"`
	FallbackLines         []string `mapstructure:"fallback_lines"`
	RateLimitedLine       string   `mapstructure:"rate_limited_line"`
	SynthesisFallbackLine string   `mapstructure:"synthesis_fallback_line"`
	BreakerThreshold      int      `mapstructure:"breaker_threshold"`
	BreakerCooldownMS     int      `mapstructure:"breaker_cooldown_ms"`
}

type SessionConfig struct {
	KeepaliveIntervalMS int    `mapstructure:"keepalive_interval_ms"`
	TeardownTimeoutMS   int    `mapstructure:"teardown_timeout_ms"`
	Greeting            string `mapstructure:"greeting"`
	MaxQueuedUtterances int    `mapstructure:"max_queued_utterances"`
}

type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate"`
	Encoding   string `mapstructure:"encoding"`
	FrameBytes int    `mapstructure:"frame_bytes"`
}

type ShutdownConfig struct {
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type MetricsConfig struct {
	JSONLPath string `mapstructure:"jsonl_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("transport.provider", "twilio")
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.ttl_days", 30)
	v.SetDefault("store.timeout_ms", 2000)
	v.SetDefault("link.max_attempts", 3)
	v.SetDefault("link.retry_delay_ms", 1500)
	v.SetDefault("link.connect_timeout_ms", 5000)
	v.SetDefault("link.max_buffered_frames", 0)
	v.SetDefault("segmenter.silence_threshold_ms", 1500)
	v.SetDefault("segmenter.min_confidence", 0.7)
	v.SetDefault("segmenter.min_chars", 2)
	v.SetDefault("segmenter.min_words", 0)
	v.SetDefault("reply.max_history", 9)
	v.SetDefault("reply.rate_limit", 50)
	v.SetDefault("reply.rate_window_ms", 60000)
	v.SetDefault("reply.generation_timeout_ms", 15000)
	v.SetDefault("reply.synthesis_attempts", 3)
	v.SetDefault("reply.synthesis_backoff_ms", 1000)
	v.SetDefault("reply.breaker_threshold", 3)
	v.SetDefault("reply.breaker_cooldown_ms", 30000)
	v.SetDefault("session.keepalive_interval_ms", 30000)
	v.SetDefault("session.teardown_timeout_ms", 3000)
	v.SetDefault("session.greeting", "")
	v.SetDefault("session.max_queued_utterances", 4)
	v.SetDefault("audio.sample_rate", 8000)
	v.SetDefault("audio.encoding", "mulaw")
	v.SetDefault("audio.frame_bytes", 160)
	v.SetDefault("shutdown.drain_timeout_ms", 20000)
	v.SetDefault("privacy.redact_pii", true)
}

// Load reads path, applies defaults, expands ${ENV} references and
// validates the result. ssm: references are left for ResolveSecrets.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Transport.Provider, "transport.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Vendors.STT.Provider, "vendors.stt.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Vendors.TTS.Provider, "vendors.tts.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Vendors.LLM.Provider, "vendors.llm.provider"); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Provider)) {
	case "memory", "none", "":
	case "dynamodb":
		if err := configutil.RequireString(c.Store.Table, "store.table"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.provider must be one of [memory, dynamodb, none], got %s", c.Store.Provider)
	}
	if c.Segmenter.MinConfidence < 0 || c.Segmenter.MinConfidence > 1 {
		return fmt.Errorf("segmenter.min_confidence must be between 0 and 1, got %v", c.Segmenter.MinConfidence)
	}
	if c.Link.MaxBufferedFrames < 0 {
		return fmt.Errorf("link.max_buffered_frames must not be negative, got %d", c.Link.MaxBufferedFrames)
	}
	if c.Reply.MaxHistory < 0 {
		return fmt.Errorf("reply.max_history must not be negative, got %d", c.Reply.MaxHistory)
	}
	return nil
}

// NeedsSecrets reports whether any value is an ssm: reference.
func (c *Config) NeedsSecrets() bool {
	found := false
	walkStrings(reflect.ValueOf(c), func(s string) string {
		if secrets.IsReference(s) {
			found = true
		}
		return s
	})
	return found ||
		secrets.NeedsResolution(c.Transport.Settings) ||
		secrets.NeedsResolution(c.Vendors.STT.Settings) ||
		secrets.NeedsResolution(c.Vendors.TTS.Settings) ||
		secrets.NeedsResolution(c.Vendors.LLM.Settings)
}

// ResolveSecrets replaces every ssm: reference, including those inside the
// vendor settings maps.
func (c *Config) ResolveSecrets(ctx context.Context, r *secrets.Resolver) error {
	var firstErr error
	walkStrings(reflect.ValueOf(c), func(s string) string {
		if firstErr != nil {
			return s
		}
		resolved, err := r.Resolve(ctx, s)
		if err != nil {
			firstErr = err
			return s
		}
		return resolved
	})
	if firstErr != nil {
		return firstErr
	}
	for _, settings := range []map[string]any{
		c.Transport.Settings,
		c.Vendors.STT.Settings,
		c.Vendors.TTS.Settings,
		c.Vendors.LLM.Settings,
	} {
		if err := r.ResolveMap(ctx, settings); err != nil {
			return err
		}
	}
	return nil
}

// SessionConfig maps the file layout onto per-call session settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Link: transcription.Config{
			MaxAttempts:       c.Link.MaxAttempts,
			RetryDelay:        configutil.Millis(c.Link.RetryDelayMS, 1500*time.Millisecond),
			ConnectTimeout:    configutil.Millis(c.Link.ConnectTimeoutMS, 5*time.Second),
			MaxBufferedFrames: c.Link.MaxBufferedFrames,
		},
		Segmenter: segmenter.Config{
			SilenceThreshold: configutil.Millis(c.Segmenter.SilenceThresholdMS, 1500*time.Millisecond),
			MinConfidence:    c.Segmenter.MinConfidence,
			MinChars:         c.Segmenter.MinChars,
			MinWords:         c.Segmenter.MinWords,
			FillerWords:      c.Segmenter.FillerWords,
			ClosingPhrases:   c.Segmenter.ClosingPhrases,
			Expansions:       c.Segmenter.Expansions,
		},
		Reply: reply.Config{
			GenerationTimeout:     configutil.Millis(c.Reply.GenerationTimeoutMS, 15*time.Second),
			SynthesisAttempts:     c.Reply.SynthesisAttempts,
			SynthesisBackoff:      configutil.Millis(c.Reply.SynthesisBackoffMS, time.Second),
			RateLimitedLine:       c.Reply.RateLimitedLine,
			SynthesisFallbackLine: c.Reply.SynthesisFallbackLine,
			PersistTimeout:        configutil.Millis(c.Store.TimeoutMS, 2*time.Second),
		},
		SystemPrompt:        c.Reply.SystemPrompt,
		MaxHistory:          c.Reply.MaxHistory,
		FallbackLines:       c.Reply.FallbackLines,
		FrameBytes:          c.Audio.FrameBytes,
		KeepaliveInterval:   configutil.Millis(c.Session.KeepaliveIntervalMS, 30*time.Second),
		TeardownTimeout:     configutil.Millis(c.Session.TeardownTimeoutMS, 3*time.Second),
		Greeting:            c.Session.Greeting,
		MaxQueuedUtterances: c.Session.MaxQueuedUtterances,
	}
}

func (c *Config) RateWindow() time.Duration {
	return configutil.Millis(c.Reply.RateWindowMS, time.Minute)
}

func (c *Config) BreakerCooldown() time.Duration {
	return configutil.Millis(c.Reply.BreakerCooldownMS, 30*time.Second)
}

func (c *Config) DrainTimeout() time.Duration {
	return configutil.Millis(c.Shutdown.DrainTimeoutMS, 20*time.Second)
}

func (c *Config) StoreTTL() time.Duration {
	days := c.Store.TTLDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

func expandEnvStrings(cfg *Config) {
	walkStrings(reflect.ValueOf(cfg), os.ExpandEnv)
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

// walkStrings applies fn to every settable string reachable from v,
// including []string elements and map[string]string values. Free-form
// settings maps are handled separately.
func walkStrings(v reflect.Value, fn func(string) string) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			walkStrings(v.Elem(), fn)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			walkStrings(v.Field(i), fn)
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(fn(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walkStrings(v.Index(i), fn)
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				v.SetMapIndex(key, reflect.ValueOf(fn(v.MapIndex(key).String())))
			}
		}
	}
}
