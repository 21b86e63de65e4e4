package metrics

import "time"

// Event names emitted by call sessions and their collaborators.
const (
	EventTurnCompleted  = "turn_completed"
	EventSessionClosed  = "session_closed"
	EventLinkReconnect  = "link_reconnect"
	EventLinkFailed     = "link_failed"
	EventAdmissionDeny  = "admission_denied"
	EventSynthFallback  = "synthesis_fallback"
	EventRateLimit      = "rate_limit"
	EventBreakerOpen    = "breaker_open"
	EventBreakerClose   = "breaker_close"
	EventBreakerDenied  = "breaker_denied"
	EventIngressDropped = "ingress_dropped"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// MultiObserver fans an event out to every non-nil observer.
type MultiObserver struct {
	list []Observer
}

func NewMultiObserver(list ...Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// OrNoop returns obs, or a NoopObserver when obs is nil.
func OrNoop(obs Observer) Observer {
	if obs == nil {
		return NoopObserver{}
	}
	return obs
}
