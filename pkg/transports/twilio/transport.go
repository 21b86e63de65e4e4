package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callturn/pkg/configutil"
	"github.com/harunnryd/callturn/pkg/errorsx"
	"github.com/harunnryd/callturn/pkg/frames"
	"github.com/harunnryd/callturn/pkg/logging"
	"github.com/harunnryd/callturn/pkg/transports"
)

const (
	sendQueueSize = 256
	writeTimeout  = 5 * time.Second
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

var SettingsSchema = configutil.Schema{
	Optional: []string{
		"server_addr", "public_url", "auth_token", "account_sid", "voice_path", "ws_path",
		"status_callback_path", "voice_greeting", "allow_any_origin", "allowed_origins",
	},
}

// ConfigFromSettings decodes transport.settings.
func ConfigFromSettings(raw map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.DecodeSettings(raw, SettingsSchema, &cfg); err != nil {
		return Config{}, fmt.Errorf("transport.settings: %w", err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

func (c Config) voiceWebhookURL() string   { return c.webhookURL(c.VoicePath) }
func (c Config) statusCallbackURL() string { return c.webhookURL(c.StatusCallbackPath) }

func (c Config) webhookURL(path string) string {
	if c.PublicURL != "" {
		return "https://" + normalizePublicURL(c.PublicURL) + path
	}
	addr := c.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// Transport serves the Twilio webhooks and media streams and hands every
// call to a CallHandler.
type Transport struct {
	cfg      Config
	handler  transports.CallHandler
	logger   *slog.Logger
	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader

	updateClient callUpdater

	// baseCtx outlives webhook requests; calls are bound to it.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	calls map[string]*mediaCall

	draining atomic.Bool
}

func New(cfg Config, handler transports.CallHandler, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		handler: handler,
		logger:  logging.NewComponentLogger(logger, "twilio_transport"),
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		baseCtx: ctx,
		cancel:  cancel,
		calls:   make(map[string]*mediaCall),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	t.mux.HandleFunc(cfg.VoicePath, t.handleVoice)
	t.mux.Handle(cfg.WebsocketPath, t)
	t.mux.HandleFunc(cfg.StatusCallbackPath, t.handleStatusCallback)
	t.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return t
}

func (t *Transport) Name() string { return "twilio" }

// Handle mounts an extra handler on the transport's HTTP server.
func (t *Transport) Handle(pattern string, h http.Handler) { t.mux.Handle(pattern, h) }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.cfg.voiceWebhookURL(),
		"status_callback_url": t.cfg.statusCallbackURL(),
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", t.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("twilio: listen %s: %w", t.cfg.ServerAddr, err)
	}
	t.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", slog.String("error", err.Error()))
		}
	}()
	t.logger.Info("twilio_transport_listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// SetDraining makes the transport refuse new calls while existing ones
// finish.
func (t *Transport) SetDraining(v bool) { t.draining.Store(v) }

// Stop shuts the HTTP server down and closes any media stream still open.
func (t *Transport) Stop(ctx context.Context) error {
	t.draining.Store(true)
	var err error
	if t.server != nil {
		err = t.server.Shutdown(ctx)
	}
	t.mu.Lock()
	calls := make([]*mediaCall, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.calls = make(map[string]*mediaCall)
	t.mu.Unlock()
	for _, c := range calls {
		_ = c.Close()
	}
	t.cancel()
	return err
}

// ServeHTTP runs one media stream.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var call *mediaCall
	var seq uint64
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || call != nil {
				continue
			}
			call = newMediaCall(evt.Start.CallSID, evt.Start.StreamID, conn, t.logger)
			// A restream replaces the old socket. Its session sees a closed
			// transport and is ended by the handler before the new one starts.
			if old := t.attach(call); old != nil {
				t.logger.Info("twilio_stream_replaced",
					slog.String("call_id", old.id),
					slog.String("old_stream_id", old.streamID),
					slog.String("stream_id", call.streamID))
				_ = old.Close()
			}
			info := transports.CallInfo{
				CallID:   evt.Start.CallSID,
				StreamID: evt.Start.StreamID,
				From:     evt.Start.From,
				To:       evt.Start.To,
			}
			if err := t.handler.CallStarted(t.baseCtx, call, info); err != nil {
				t.logger.Warn("twilio_call_rejected",
					slog.String("call_id", info.CallID),
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.String("error", err.Error()))
				t.detach(call)
				return
			}
		case "media":
			if call == nil || evt.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			seq++
			t.handler.CallAudio(call.id, frames.NewAudioFrame(seq, payload, time.Now()))
		case "mark":
			if call != nil && evt.Mark != nil {
				t.logger.Debug("twilio_mark", slog.String("call_id", call.id), slog.String("name", evt.Mark.Name))
			}
		case "stop":
			if call == nil {
				return
			}
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			t.end(call, reason)
			return
		}
	}
	if call != nil {
		t.end(call, normalizeCallEndReason("transport_closed"))
	}
}

// Hangup completes the PSTN leg through the REST API.
func (t *Transport) Hangup(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(callID) == "" {
		return errors.New("twilio: call sid required")
	}
	updater := t.updateClient
	if updater == nil {
		if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
			return errors.New("twilio: missing credentials")
		}
		updater = newRestClient(t.cfg).Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := updater.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("twilio: hangup %s: %w", callID, err)
	}
	return nil
}

// Dial places an outbound call; the answered leg streams back into t.
func (t *Transport) Dial(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from, url, opts)
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	if t.draining.Load() {
		_, _ = w.Write([]byte(`<Response><Reject reason="busy"/></Response>`))
		return
	}
	wsURL := t.websocketURL(r)
	var twiml string
	if greeting := strings.TrimSpace(t.cfg.VoiceGreeting); greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	} else {
		twiml = `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if call := t.call(callSID); call != nil {
		t.end(call, reason)
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

// attach registers call and returns the stream it replaces, if any.
func (t *Transport) attach(call *mediaCall) *mediaCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.calls[call.id]
	t.calls[call.id] = call
	if old == call {
		return nil
	}
	return old
}

// detach forgets call and reports whether it was still registered.
func (t *Transport) detach(call *mediaCall) bool {
	t.mu.Lock()
	current, ok := t.calls[call.id]
	if ok && current == call {
		delete(t.calls, call.id)
	}
	t.mu.Unlock()
	_ = call.Close()
	return ok && current == call
}

func (t *Transport) call(callID string) *mediaCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[callID]
}

// end reports the call end once, whichever of stop, socket close or the
// status callback arrives first.
func (t *Transport) end(call *mediaCall, reason string) {
	if !t.detach(call) {
		return
	}
	t.logger.Info("twilio_call_ended", slog.String("call_id", call.id), slog.String("reason", reason))
	t.handler.CallEnded(call.id, reason)
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

// mediaCall is the caller leg of one media stream. A single writer goroutine
// owns text writes; pings go through WriteControl, which gorilla allows
// concurrently.
type mediaCall struct {
	id       string
	streamID string
	conn     *websocket.Conn
	sendCh   chan []byte
	done     chan struct{}
	once     sync.Once
	closed   atomic.Bool
	logger   *slog.Logger
}

func newMediaCall(callID, streamID string, conn *websocket.Conn, logger *slog.Logger) *mediaCall {
	c := &mediaCall{
		id:       callID,
		streamID: streamID,
		conn:     conn,
		sendCh:   make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go c.loop()
	return c
}

func (c *mediaCall) ID() string { return c.id }

func (c *mediaCall) Send(ctx context.Context, audio []byte) error {
	msg := outboundEvent{
		Event:     "media",
		StreamSID: c.streamID,
		Media:     &TwilioMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
	return c.enqueue(ctx, msg)
}

// Clear drops locally queued audio and tells Twilio to flush its buffer.
func (c *mediaCall) Clear(ctx context.Context) error {
drain:
	for {
		select {
		case <-c.sendCh:
		default:
			break drain
		}
	}
	return c.enqueue(ctx, outboundEvent{Event: "clear", StreamSID: c.streamID})
}

func (c *mediaCall) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return transports.ErrClosed
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonKeepaliveFailed)
	}
	return nil
}

func (c *mediaCall) IsOpen() bool { return !c.closed.Load() }

func (c *mediaCall) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *mediaCall) enqueue(ctx context.Context, msg outboundEvent) error {
	if c.closed.Load() {
		return transports.ErrClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- b:
		return nil
	case <-c.done:
		return transports.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *mediaCall) loop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("twilio_write_failed",
					slog.String("call_id", c.id),
					slog.String("reason_code", string(errorsx.ReasonTransportSend)),
					slog.String("error", err.Error()))
				_ = c.Close()
				return
			}
		}
	}
}

type outboundEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     *TwilioMedia `json:"media,omitempty"`
}

type TwilioStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type TwilioMedia struct {
	Payload string `json:"payload"`
}

type TwilioMark struct {
	Name string `json:"name"`
}

type TwilioStop struct {
	Reason string `json:"reason"`
}

type TwilioEvent struct {
	Event string       `json:"event"`
	Start *TwilioStart `json:"start,omitempty"`
	Media *TwilioMedia `json:"media,omitempty"`
	Mark  *TwilioMark  `json:"mark,omitempty"`
	Stop  *TwilioStop  `json:"stop,omitempty"`
}

var (
	_ transports.Call          = (*mediaCall)(nil)
	_ transports.CallControl   = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)
