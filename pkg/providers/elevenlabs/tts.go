// Package elevenlabs synthesizes replies over the ElevenLabs stream-input
// websocket.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callturn/pkg/adapters/tts"
	"github.com/harunnryd/callturn/pkg/configutil"
	"github.com/harunnryd/callturn/pkg/frames"
	"github.com/harunnryd/callturn/pkg/logging"
	"github.com/harunnryd/callturn/pkg/resilience"
)

const defaultBaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"

// Settings is the vendors.tts.settings block.
type Settings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	BaseURL      string `mapstructure:"base_url"`
}

var SettingsSchema = configutil.Schema{
	Required: []string{"api_key", "voice_id"},
	Optional: []string{"model_id", "output_format", "base_url"},
}

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	// BaseURL overrides the websocket endpoint prefix.
	BaseURL string
	Logger  *slog.Logger
}

func ConfigFromSettings(raw map[string]any) (Config, error) {
	var s Settings
	if err := configutil.DecodeSettings(raw, SettingsSchema, &s); err != nil {
		return Config{}, fmt.Errorf("vendors.tts.settings: %w", err)
	}
	if err := configutil.RequireString(s.APIKey, "vendors.tts.settings.api_key"); err != nil {
		return Config{}, err
	}
	if err := configutil.RequireString(s.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
		return Config{}, err
	}
	return Config{
		APIKey:       s.APIKey,
		VoiceID:      s.VoiceID,
		ModelID:      s.ModelID,
		OutputFormat: s.OutputFormat,
		BaseURL:      s.BaseURL,
	}, nil
}

// Synthesizer opens one websocket per reply. The connection sends the whole
// text, then reads audio chunks until the server marks the last one.
type Synthesizer struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config) *Synthesizer {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "ulaw_8000"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Synthesizer{
		cfg:    cfg,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		logger: logging.NewComponentLogger(cfg.Logger, "elevenlabs_tts"),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (tts.Stream, error) {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs: missing api key or voice id")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.WholeStream(nil), nil
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.buildURL(), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		return nil, classifyDial(resp, err)
	}

	for _, msg := range []map[string]any{
		{
			"text":           " ",
			"voice_settings": map[string]any{"stability": 0.5, "similarity_boost": 0.8},
			"generation_config": map[string]any{
				"chunk_length_schedule": []int{120, 160, 250, 290},
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	} {
		if err := writeJSON(conn, msg); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	var once sync.Once
	closeConn := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}
	stream := tts.NewChanStream(64, closeConn)
	go s.readLoop(ctx, conn, stream, closeConn)
	return stream, nil
}

func (s *Synthesizer) buildURL() string {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input?" + q.Encode()
}

type serverMessage struct {
	Audio       string `json:"audio"`
	AudioBase64 string `json:"audio_base_64"`
	IsFinal     *bool  `json:"isFinal"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

func (s *Synthesizer) readLoop(ctx context.Context, conn *websocket.Conn, stream *tts.ChanStream, closeConn func()) {
	defer closeConn()
	chunks := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && chunks > 0 {
				stream.Finish(nil)
				return
			}
			if ctx.Err() != nil {
				stream.Finish(ctx.Err())
				return
			}
			stream.Finish(fmt.Errorf("elevenlabs: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("elevenlabs_message_unparsed", slog.Int("bytes", len(data)))
			continue
		}
		if msg.Error != "" {
			stream.Finish(providerError(msg.Error, msg.Message))
			return
		}

		audio := msg.Audio
		if audio == "" {
			audio = msg.AudioBase64
		}
		if audio != "" {
			raw, err := base64.StdEncoding.DecodeString(audio)
			if err != nil {
				stream.Finish(fmt.Errorf("elevenlabs: decode audio: %w", err))
				return
			}
			if err := stream.Push(ctx, frames.SynthesisChunk{Audio: raw}); err != nil {
				stream.Finish(err)
				return
			}
			chunks++
		}
		if msg.IsFinal != nil && *msg.IsFinal {
			s.logger.Debug("elevenlabs_stream_final", slog.Int("chunks", chunks))
			stream.Finish(nil)
			return
		}
	}
}

func classifyDial(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("elevenlabs: dial: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
	case http.StatusUnauthorized, http.StatusForbidden:
		return resilience.AuthError{Provider: "elevenlabs", Status: resp.StatusCode, Message: resp.Status}
	default:
		return fmt.Errorf("elevenlabs: dial: %s: %w", resp.Status, err)
	}
}

func providerError(code, message string) error {
	if strings.Contains(strings.ToLower(code), "quota") || strings.Contains(strings.ToLower(code), "rate") {
		return resilience.RateLimitError{Provider: "elevenlabs", Message: code + ": " + message}
	}
	return fmt.Errorf("elevenlabs: %s: %s", code, message)
}

func writeJSON(conn *websocket.Conn, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
