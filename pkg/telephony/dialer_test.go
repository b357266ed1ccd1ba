package telephony

import (
	"context"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/carelinehq/careline/pkg/errorsx"
)

type stubCallCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCallCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func TestDialerCreatesCall(t *testing.T) {
	stub := &stubCallCreator{sid: "CA123"}
	cfg := Config{
		AccountSID: "AC1",
		AuthToken:  "token",
		PublicURL:  "https://example.com",
	}
	d := NewDialer(cfg)
	d.client = stub

	sid, err := d.Dial(context.Background(), "+15550001", "+15550002", "https://example.com/api/calls/twiml/outbound/7")
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last == nil || stub.last.To == nil || *stub.last.To != "+15550001" {
		t.Fatalf("expected To param")
	}
	if stub.last.From == nil || *stub.last.From != "+15550002" {
		t.Fatalf("expected From param")
	}
	if stub.last.Url == nil || *stub.last.Url != "https://example.com/api/calls/twiml/outbound/7" {
		t.Fatalf("expected twiml url param")
	}
	if stub.last.StatusCallback == nil || *stub.last.StatusCallback != "https://example.com/status" {
		t.Fatalf("expected status callback, got %+v", stub.last.StatusCallback)
	}
}

func TestDialerFallsBackToConfiguredFrom(t *testing.T) {
	stub := &stubCallCreator{sid: "CA9"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token", FromNumber: "+15559999"})
	d.client = stub

	if _, err := d.Dial(context.Background(), "+15550001", "", "https://example.com/twiml"); err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if stub.last.From == nil || *stub.last.From != "+15559999" {
		t.Fatalf("expected configured from number, got %+v", stub.last.From)
	}
}

func TestDialerRequiresCredentials(t *testing.T) {
	d := NewDialer(Config{})
	_, err := d.Dial(context.Background(), "+15550001", "+15550002", "https://example.com/twiml")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonDial) {
		t.Fatalf("expected dial reason, got %v", err)
	}
}
