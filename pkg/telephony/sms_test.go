package telephony

import (
	"context"
	"strings"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/carelinehq/careline/pkg/errorsx"
)

type stubMessageCreator struct {
	last *api.CreateMessageParams
	sid  string
	err  error
}

func (s *stubMessageCreator) CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Message{Sid: &s.sid}, nil
}

func TestMessengerSendsMarketingFollowUp(t *testing.T) {
	stub := &stubMessageCreator{sid: "SM1"}
	m := NewMessenger(Config{AccountSID: "AC1", AuthToken: "token", FromNumber: "+15550000"}, nil)
	m.client = stub

	sid, err := m.SendMarketingFollowUp(context.Background(), "+15551234")
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	if sid != "SM1" {
		t.Fatalf("expected sid SM1, got %s", sid)
	}
	if stub.last == nil || stub.last.To == nil || *stub.last.To != "+15551234" {
		t.Fatalf("expected To param")
	}
	if stub.last.From == nil || *stub.last.From != "+15550000" {
		t.Fatalf("expected From param")
	}
	if stub.last.Body == nil || !strings.Contains(*stub.last.Body, "HealthAssist") {
		t.Fatalf("expected marketing body, got %+v", stub.last.Body)
	}
	if !strings.Contains(*stub.last.Body, "$29.95/mo") {
		t.Fatalf("expected offer price in body")
	}
}

func TestMessengerRequiresNumber(t *testing.T) {
	m := NewMessenger(Config{AccountSID: "AC1", AuthToken: "token", FromNumber: "+15550000"}, nil)
	_, err := m.Send(context.Background(), "", "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonSMSSend) {
		t.Fatalf("expected sms reason, got %v", err)
	}
}

func TestMessengerRequiresCredentials(t *testing.T) {
	m := NewMessenger(Config{}, nil)
	if _, err := m.Send(context.Background(), "+15551234", "hello"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTwiMLEscapesAttributes(t *testing.T) {
	got := ConnectStreamTwiML("wss://example.com/ws/7?agent=a&b")
	if !strings.Contains(got, "agent=a&amp;b") {
		t.Fatalf("expected escaped ampersand, got %s", got)
	}
	if strings.Contains(got, `?agent=a&b`) {
		t.Fatalf("raw ampersand leaked into twiml: %s", got)
	}
}
