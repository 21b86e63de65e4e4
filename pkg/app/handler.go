package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/callturn/pkg/frames"
	"github.com/harunnryd/callturn/pkg/logging"
	"github.com/harunnryd/callturn/pkg/session"
	"github.com/harunnryd/callturn/pkg/store"
	"github.com/harunnryd/callturn/pkg/transports"
)

// CallHandler starts one session per call and routes transport events to it.
type CallHandler struct {
	cfg      session.Config
	deps     session.Deps
	registry *session.Registry
	logger   *slog.Logger
}

func NewCallHandler(cfg session.Config, deps session.Deps) *CallHandler {
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	return &CallHandler{
		cfg:      cfg,
		deps:     deps,
		registry: deps.Registry,
		logger:   logging.NewComponentLogger(deps.Logger, "call_handler"),
	}
}

// SetControl attaches the transport's call control once it exists.
func (h *CallHandler) SetControl(c transports.CallControl) { h.deps.Control = c }

func (h *CallHandler) Registry() *session.Registry { return h.registry }

// CallStarted starts the session for info.CallID. A live session with the
// same id is a duplicate, unless its transport already closed, which is how
// a restream of the same call shows up; that session is ended first.
func (h *CallHandler) CallStarted(ctx context.Context, call transports.Call, info transports.CallInfo) error {
	cfg := h.cfg
	if old, ok := h.registry.Get(info.CallID); ok && !old.TransportOpen() {
		if err := h.replace(ctx, old); err != nil {
			return err
		}
		// Turn numbers continue so persisted turns are not overwritten.
		cfg.Reply.FirstSeq = old.Snapshot().Turns
	}
	s, err := session.Start(ctx, info.CallID, call, cfg, h.deps)
	if err != nil {
		return err
	}
	h.logger.Info("call_started",
		slog.String("call_id", info.CallID),
		slog.String("trace_id", s.TraceID()),
		slog.String("stream_id", info.StreamID))
	return nil
}

func (h *CallHandler) replace(ctx context.Context, old *session.CallSession) error {
	h.logger.Info("call_restream", slog.String("call_id", old.CallID()), slog.String("old_trace_id", old.TraceID()))
	old.OnTransportClosed()
	wait := h.cfg.TeardownTimeout
	if wait <= 0 {
		wait = 3 * time.Second
	}
	timer := time.NewTimer(wait + time.Second)
	defer timer.Stop()
	select {
	case <-old.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("restream %s: previous session did not close", old.CallID())
	}
}

func (h *CallHandler) CallAudio(callID string, frame frames.AudioFrame) {
	if s, ok := h.registry.Get(callID); ok {
		s.OnAudio(frame)
	}
}

func (h *CallHandler) CallEnded(callID, reason string) {
	s, ok := h.registry.Get(callID)
	if !ok {
		return
	}
	h.logger.Info("call_ended", slog.String("call_id", callID), slog.String("reason", reason))
	s.OnTransportClosed()
}

type callReport struct {
	session.Snapshot
	Persisted []store.Turn `json:"persisted_turns,omitempty"`
}

// ReportHandler serves GET /calls/{id}. Live calls report their snapshot;
// closed calls report persisted turns when reader is set.
func ReportHandler(registry *session.Registry, reader store.Reader, logger *slog.Logger) http.Handler {
	logger = logging.NewComponentLogger(logger, "call_report")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		callID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/calls/"), "/")
		if callID == "" || strings.Contains(callID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if s, ok := registry.Get(callID); ok {
			writeJSON(w, http.StatusOK, callReport{Snapshot: s.Snapshot()})
			return
		}
		if reader == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		turns, err := reader.LoadTurns(ctx, callID)
		if err != nil {
			logger.Warn("call_report_load_failed", slog.String("call_id", callID), slog.String("error", err.Error()))
			status := http.StatusBadGateway
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			w.WriteHeader(status)
			return
		}
		if len(turns) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, callReport{
			Snapshot:  session.Snapshot{CallID: callID, State: session.StateClosed.String(), Turns: len(turns)},
			Persisted: turns,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ transports.CallHandler = (*CallHandler)(nil)
