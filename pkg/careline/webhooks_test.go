package careline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/carelinehq/careline/pkg/errorsx"
	"github.com/carelinehq/careline/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedPatient(t *testing.T, s *store.Store) *store.Patient {
	t.Helper()
	org := store.Organization{Name: "Sunrise Care"}
	if err := s.DB().Create(&org).Error; err != nil {
		t.Fatalf("seed org: %v", err)
	}
	dob := time.Date(1948, 3, 14, 0, 0, 0, 0, time.UTC)
	patient := store.Patient{
		OrgID:      org.ID,
		ExternalID: "MRN-1001",
		FirstName:  "Ruth",
		Name:       "Ruth Delgado",
		Phone:      "+15550001111",
		DOB:        &dob,
	}
	if err := s.DB().Create(&patient).Error; err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return &patient
}

type captureCompleter struct {
	callID int64
	reason string
	n      int
}

func (c *captureCompleter) CompleteCall(_ context.Context, call *store.Call, endReason string) {
	c.n++
	c.callID = call.ID
	c.reason = endReason
}

func TestAnswerCallCreatesInboundRow(t *testing.T) {
	s := newTestStore(t)
	patient := seedPatient(t, s)
	v := &voiceAnswerer{store: s, defaultAgent: "annie_RPM", log: testLogger()}
	ctx := context.Background()

	id, agent, err := v.AnswerCall(ctx, patient.Phone, "+15550002222", "CA100", "kai RPM!")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if agent != "kaiRPM" {
		t.Fatalf("agent = %q", agent)
	}
	call, err := s.LookupCall(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if call.PatientID == nil || *call.PatientID != patient.ID {
		t.Fatalf("patient id = %v", call.PatientID)
	}
	if call.ProviderCallSID != "CA100" || call.ToNumber != "+15550002222" {
		t.Fatalf("call = %+v", call)
	}
	if call.Status != store.CallStatusInitiated {
		t.Fatalf("status = %s", call.Status)
	}
}

func TestAnswerCallDefaultsAgent(t *testing.T) {
	s := newTestStore(t)
	patient := seedPatient(t, s)
	v := &voiceAnswerer{store: s, defaultAgent: "annie_RPM", log: testLogger()}

	_, agent, err := v.AnswerCall(context.Background(), patient.Phone, "+15550002222", "CA101", "")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if agent != "annie_RPM" {
		t.Fatalf("agent = %q", agent)
	}
}

func TestAnswerCallReplaysWebhookRetry(t *testing.T) {
	s := newTestStore(t)
	patient := seedPatient(t, s)
	v := &voiceAnswerer{store: s, defaultAgent: "annie_RPM", log: testLogger()}
	ctx := context.Background()

	first, agent1, err := v.AnswerCall(ctx, patient.Phone, "+15550002222", "CA102", "annie_RPM")
	if err != nil {
		t.Fatalf("first answer: %v", err)
	}
	second, agent2, err := v.AnswerCall(ctx, patient.Phone, "+15550002222", "CA102", "other_agent")
	if err != nil {
		t.Fatalf("second answer: %v", err)
	}
	if first != second {
		t.Fatalf("call ids differ: %d vs %d", first, second)
	}
	if agent1 != agent2 {
		t.Fatalf("replay changed agent: %q vs %q", agent1, agent2)
	}
	var n int64
	if err := s.DB().Model(&store.Call{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("call rows = %d", n)
	}
}

func TestAnswerCallRejectsUnknownNumber(t *testing.T) {
	s := newTestStore(t)
	seedPatient(t, s)
	v := &voiceAnswerer{store: s, defaultAgent: "annie_RPM", log: testLogger()}

	_, _, err := v.AnswerCall(context.Background(), "+19995550000", "+15550002222", "CA103", "")
	if err == nil {
		t.Fatal("expected error for unknown caller")
	}
	if !errorsx.HasReason(err, errorsx.ReasonPatientNotFound) {
		t.Fatalf("reason = %v", errorsx.Reason(err))
	}
}

func seedOutboundWithSID(t *testing.T, s *store.Store, sid string) *store.Call {
	t.Helper()
	patient := seedPatient(t, s)
	ctx := context.Background()
	call, err := s.CreateOutboundCall(ctx, patient.OrgID, patient.ID, patient.Phone, "annie_RPM")
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	if err := s.UpdateCallSID(ctx, call.ID, sid); err != nil {
		t.Fatalf("set sid: %v", err)
	}
	return call
}

func TestCallStatusBusyFailsPendingCall(t *testing.T) {
	s := newTestStore(t)
	call := seedOutboundWithSID(t, s, "CA200")
	tracker := &statusTracker{store: s, log: testLogger()}
	ctx := context.Background()

	tracker.CallStatus(ctx, "CA200", "busy")

	got, err := s.LookupCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != store.CallStatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCallStatusBusyIgnoresActiveCall(t *testing.T) {
	s := newTestStore(t)
	call := seedOutboundWithSID(t, s, "CA201")
	ctx := context.Background()
	if err := s.StartCall(ctx, call.ID, "MZ201"); err != nil {
		t.Fatalf("start: %v", err)
	}
	tracker := &statusTracker{store: s, log: testLogger()}

	tracker.CallStatus(ctx, "CA201", "busy")

	got, err := s.LookupCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != store.CallStatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCallStatusCompletedRecoversActiveCall(t *testing.T) {
	s := newTestStore(t)
	call := seedOutboundWithSID(t, s, "CA202")
	ctx := context.Background()
	if err := s.StartCall(ctx, call.ID, "MZ202"); err != nil {
		t.Fatalf("start: %v", err)
	}
	completer := &captureCompleter{}
	tracker := &statusTracker{store: s, completer: completer, log: testLogger()}

	tracker.CallStatus(ctx, "CA202", "completed")

	got, err := s.LookupCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != store.CallStatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.EndTime == nil {
		t.Fatal("end time not set")
	}
	if completer.n != 1 || completer.callID != call.ID || completer.reason != "status_callback" {
		t.Fatalf("completer = %+v", completer)
	}
}

func TestCallStatusCompletedIgnoresPendingCall(t *testing.T) {
	s := newTestStore(t)
	call := seedOutboundWithSID(t, s, "CA203")
	completer := &captureCompleter{}
	tracker := &statusTracker{store: s, completer: completer, log: testLogger()}
	ctx := context.Background()

	tracker.CallStatus(ctx, "CA203", "completed")

	got, err := s.LookupCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != store.CallStatusInitiated {
		t.Fatalf("status = %s", got.Status)
	}
	if completer.n != 0 {
		t.Fatalf("completer ran %d times", completer.n)
	}
}

func TestCallStatusUnmatchedSID(t *testing.T) {
	s := newTestStore(t)
	tracker := &statusTracker{store: s, log: testLogger()}
	tracker.CallStatus(context.Background(), "CA-nope", "completed")
}
