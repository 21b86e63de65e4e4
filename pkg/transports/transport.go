package transports

import (
	"context"

	"github.com/harunnryd/callturn/pkg/errorsx"
	"github.com/harunnryd/callturn/pkg/frames"
)

// ErrClosed is returned by Call operations after the caller leg ended.
var ErrClosed = errorsx.ErrTransportClosed

// Call is the per-call handle a telephony transport gives to the orchestrator.
// Implementations are responsible for their own network lifecycle.
type Call interface {
	ID() string
	// Send queues one outbound audio frame in the call's encoding.
	Send(ctx context.Context, audio []byte) error
	// Clear drops queued outbound audio the caller has not heard yet.
	Clear(ctx context.Context) error
	// Ping checks liveness of the caller leg.
	Ping(ctx context.Context) error
	IsOpen() bool
	Close() error
}

// CallHandler receives call lifecycle events from a transport.
type CallHandler interface {
	CallStarted(ctx context.Context, call Call, info CallInfo) error
	CallAudio(callID string, frame frames.AudioFrame)
	CallEnded(callID string, reason string)
}

// CallInfo carries what the transport learned when the stream started.
type CallInfo struct {
	CallID   string
	StreamID string
	From     string
	To       string
}

// CallControl manipulates the telephony leg outside the media stream.
type CallControl interface {
	Hangup(ctx context.Context, callID string) error
}

// DialOptions holds optional outbound call parameters.
type DialOptions struct {
	// SendDigits is played after the callee answers, e.g. "W1234#".
	SendDigits string
	// Timeout is the ring time in seconds; zero keeps the provider default.
	Timeout int
}

// OutboundDialer allows transports to initiate outbound calls. Answered calls
// arrive through the same CallHandler as inbound ones.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string, opts DialOptions) (callID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
