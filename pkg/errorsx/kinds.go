package errorsx

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by a call session. Match them with errors.Is.
var (
	ErrConnectionFailed  = errors.New("transcription connection failed")
	ErrGenerationFailed  = errors.New("reply generation failed")
	ErrSynthesisFailed   = errors.New("speech synthesis failed")
	ErrPersistenceFailed = errors.New("persistence failed")
	ErrTransportClosed   = errors.New("caller transport closed")
	ErrDuplicateSession  = errors.New("duplicate session")
)

type kindError struct {
	kind error
	err  error
}

func (e kindError) Error() string {
	if e.err == nil {
		return e.kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e kindError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// Mark tags err with a kind. Both the kind and err stay reachable through
// errors.Is and errors.As, so an existing reason code survives.
func Mark(err, kind error) error {
	if kind == nil {
		return err
	}
	if err != nil && errors.Is(err, kind) {
		return err
	}
	return kindError{kind: kind, err: err}
}

// Fatal reports whether err must terminate the owning call session.
func Fatal(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}
