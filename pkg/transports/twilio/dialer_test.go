package twilio

import (
	"context"
	"errors"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callturn/pkg/transports"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func TestDialerDialUsesDefaults(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	d := NewDialer(Config{
		AccountSID: "AC1",
		AuthToken:  "token",
		PublicURL:  "https://example.com",
	})
	d.client = stub

	sid, err := d.Dial(context.Background(), "+100", "+200", "", transports.DialOptions{})
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last.To == nil || *stub.last.To != "+100" {
		t.Fatalf("expected To param")
	}
	if stub.last.From == nil || *stub.last.From != "+200" {
		t.Fatalf("expected From param")
	}
	if stub.last.Url == nil || *stub.last.Url != "https://example.com/voice" {
		t.Fatalf("expected default voice url, got %v", stub.last.Url)
	}
	if stub.last.StatusCallback == nil || *stub.last.StatusCallback != "https://example.com/status" {
		t.Fatalf("expected status callback url")
	}
}

func TestDialerDialOptions(t *testing.T) {
	stub := &stubCreator{sid: "CA777"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.client = stub

	override := "https://override.example.com/voice"
	_, err := d.Dial(context.Background(), "+100", "+200", override, transports.DialOptions{SendDigits: "W123#", Timeout: 20})
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if *stub.last.Url != override {
		t.Fatalf("expected override url")
	}
	if stub.last.SendDigits == nil || *stub.last.SendDigits != "W123#" {
		t.Fatalf("expected SendDigits param")
	}
	if stub.last.Timeout == nil || *stub.last.Timeout != 20 {
		t.Fatalf("expected Timeout param")
	}
}

func TestDialerValidation(t *testing.T) {
	d := NewDialer(Config{})
	if _, err := d.Dial(context.Background(), "+1", "+2", "", transports.DialOptions{}); err == nil {
		t.Fatalf("expected missing credentials error")
	}
	d = NewDialer(Config{AccountSID: "AC1", AuthToken: "t"})
	d.client = &stubCreator{err: errors.New("boom")}
	if _, err := d.Dial(context.Background(), "", "+2", "", transports.DialOptions{}); err == nil {
		t.Fatalf("expected missing to error")
	}
	if _, err := d.Dial(context.Background(), "+1", "+2", "", transports.DialOptions{}); err == nil {
		t.Fatalf("expected create error")
	}
}
