package errorsx

import (
	"errors"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonLLMGenerate)
	if Reason(err) != ReasonLLMGenerate {
		t.Fatalf("expected reason %s, got %s", ReasonLLMGenerate, Reason(err))
	}
	if !HasReason(err, ReasonLLMGenerate) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonLinkSend)
	second := Wrap(first, ReasonLLMGenerate)
	if Reason(second) != ReasonLinkSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestMarkKeepsKindAndReason(t *testing.T) {
	err := Mark(Wrap(assertErr{}, ReasonLinkExhausted), ErrConnectionFailed)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed kind")
	}
	if Reason(err) != ReasonLinkExhausted {
		t.Fatalf("expected reason kept, got %s", Reason(err))
	}
	if !Fatal(err) {
		t.Fatalf("connection failure must be fatal")
	}
	if Fatal(Mark(assertErr{}, ErrGenerationFailed)) {
		t.Fatalf("generation failure must not be fatal")
	}
}

func TestMarkIsIdempotent(t *testing.T) {
	once := Mark(assertErr{}, ErrSynthesisFailed)
	twice := Mark(once, ErrSynthesisFailed)
	if once.Error() != twice.Error() {
		t.Fatalf("expected same error, got %q vs %q", once.Error(), twice.Error())
	}
	if Mark(nil, ErrTransportClosed).Error() != ErrTransportClosed.Error() {
		t.Fatalf("expected bare kind message for nil cause")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
