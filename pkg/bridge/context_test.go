package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/carelinehq/careline/pkg/store"
)

type stubDirectory struct {
	call       *store.Call
	callErr    error
	patient    *store.Patient
	patientErr error
	org        *store.Organization
	orgErr     error
}

func (d *stubDirectory) LookupCall(_ context.Context, _ int64) (*store.Call, error) {
	return d.call, d.callErr
}

func (d *stubDirectory) PatientByID(_ context.Context, _ int64) (*store.Patient, error) {
	return d.patient, d.patientErr
}

func (d *stubDirectory) OrganizationByID(_ context.Context, _ int64) (*store.Organization, error) {
	return d.org, d.orgErr
}

type stubPrompts struct {
	prompts map[string]string
}

func (p *stubPrompts) Resolve(agent string) string {
	if text, ok := p.prompts[agent]; ok {
		return text
	}
	return "You are a helpful AI nurse assisting a patient."
}

func int64Ptr(v int64) *int64 { return &v }

func TestBuildPrefersCallRowAgent(t *testing.T) {
	dir := &stubDirectory{
		call: &store.Call{ID: 70, OrgID: 1, Agent: "annie_RPM"},
	}
	b := &ContextBuilder{
		Directory: dir,
		Prompts:   &stubPrompts{prompts: map[string]string{"annie_RPM": "RPM prompt."}},
	}

	cc := b.Build(context.Background(), StreamTarget{CallID: 70, AgentHint: "wellcare_marketing"})
	if cc.Agent != "annie_RPM" {
		t.Fatalf("Agent = %q, want call row to win over hint", cc.Agent)
	}
	if cc.Prompt != "RPM prompt." {
		t.Fatalf("Prompt = %q", cc.Prompt)
	}
}

func TestBuildFallsBackToAgentHint(t *testing.T) {
	dir := &stubDirectory{
		call: &store.Call{ID: 70, OrgID: 1},
	}
	b := &ContextBuilder{
		Directory: dir,
		Prompts:   &stubPrompts{prompts: map[string]string{"wellcare_marketing": "Marketing prompt."}},
	}

	cc := b.Build(context.Background(), StreamTarget{CallID: 70, AgentHint: "wellcare_marketing"})
	if cc.Agent != "wellcare_marketing" {
		t.Fatalf("Agent = %q, want hint when call row has none", cc.Agent)
	}
	if cc.Prompt != "Marketing prompt." {
		t.Fatalf("Prompt = %q", cc.Prompt)
	}
}

func TestBuildSurvivesMissingCallRow(t *testing.T) {
	dir := &stubDirectory{callErr: errors.New("record not found")}
	b := &ContextBuilder{
		Directory: dir,
		Prompts:   &stubPrompts{},
	}

	cc := b.Build(context.Background(), StreamTarget{CallID: 999, AgentHint: "annie_RPM"})
	if cc.Call != nil {
		t.Fatalf("Call = %+v, want nil", cc.Call)
	}
	if cc.Agent != "annie_RPM" {
		t.Fatalf("Agent = %q, want hint", cc.Agent)
	}
	if cc.Prompt == "" {
		t.Fatal("Prompt empty, want fallback prompt")
	}
}

func TestBuildPersonalizesPrompt(t *testing.T) {
	dob := time.Date(1948, 3, 14, 0, 0, 0, 0, time.UTC)
	dir := &stubDirectory{
		call: &store.Call{ID: 70, OrgID: 3, PatientID: int64Ptr(9), Agent: "annie_RPM"},
		patient: &store.Patient{
			ID:         9,
			OrgID:      3,
			ExternalID: "P-0009",
			Name:       "Margaret Ellis",
			FirstName:  "Margaret",
			DOB:        &dob,
		},
		org: &store.Organization{ID: 3, Name: "Lakeside Health"},
	}
	b := &ContextBuilder{
		Directory:   dir,
		Prompts:     &stubPrompts{prompts: map[string]string{"annie_RPM": "Base prompt."}},
		Personalize: true,
	}

	cc := b.Build(context.Background(), StreamTarget{CallID: 70})
	if cc.Greeting != "Hello Margaret" {
		t.Fatalf("Greeting = %q", cc.Greeting)
	}
	for _, want := range []string{
		"### PATIENT CONTEXT (do not reveal confidential details):",
		"- patient_legal_name: Margaret Ellis",
		"- patient_first_name: Margaret",
		"- patient_id_internal: P-0009",
		"- patient_dob: 1948-03-14",
		"- organization_name: Lakeside Health",
		"### VOICE & TONE:",
		"- Collect vitals: BP (systolic/diastolic), pulse, glucose, weight.",
	} {
		if !strings.Contains(cc.Prompt, want) {
			t.Fatalf("Prompt missing %q:\n%s", want, cc.Prompt)
		}
	}
	if !strings.HasSuffix(cc.Prompt, "Base prompt.") {
		t.Fatalf("base prompt not appended after context block:\n%s", cc.Prompt)
	}
}

func TestBuildFirstNameFromLegalName(t *testing.T) {
	dir := &stubDirectory{
		call:    &store.Call{ID: 70, OrgID: 3, PatientID: int64Ptr(9)},
		patient: &store.Patient{ID: 9, OrgID: 3, Name: "Harold Finch"},
	}
	b := &ContextBuilder{
		Directory:   dir,
		Prompts:     &stubPrompts{},
		Personalize: true,
	}

	cc := b.Build(context.Background(), StreamTarget{CallID: 70, AgentHint: "annie_RPM"})
	if cc.Greeting != "Hello Harold" {
		t.Fatalf("Greeting = %q", cc.Greeting)
	}
	if !strings.Contains(cc.Prompt, "- patient_id_internal: 9") {
		t.Fatalf("numeric id fallback missing:\n%s", cc.Prompt)
	}
	if !strings.Contains(cc.Prompt, "- patient_dob: unknown") {
		t.Fatalf("dob fallback missing:\n%s", cc.Prompt)
	}
}

func TestBuildWithoutPersonalizeFlag(t *testing.T) {
	dir := &stubDirectory{
		call:    &store.Call{ID: 70, OrgID: 3, PatientID: int64Ptr(9)},
		patient: &store.Patient{ID: 9, OrgID: 3, Name: "Harold Finch"},
	}
	b := &ContextBuilder{
		Directory: dir,
		Prompts:   &stubPrompts{prompts: map[string]string{"annie_RPM": "Base prompt."}},
	}

	cc := b.Build(context.Background(), StreamTarget{CallID: 70, AgentHint: "annie_RPM"})
	if cc.Greeting != "" {
		t.Fatalf("Greeting = %q, want empty", cc.Greeting)
	}
	if cc.Prompt != "Base prompt." {
		t.Fatalf("Prompt = %q, want base prompt only", cc.Prompt)
	}
	if cc.Patient == nil {
		t.Fatal("Patient not loaded")
	}
}

func TestBuildDowngradesPatientLookupFailure(t *testing.T) {
	dir := &stubDirectory{
		call:       &store.Call{ID: 70, OrgID: 3, PatientID: int64Ptr(9), Agent: "annie_RPM"},
		patientErr: errors.New("connection refused"),
		org:        &store.Organization{ID: 3, Name: "Lakeside Health"},
	}
	b := &ContextBuilder{
		Directory:   dir,
		Prompts:     &stubPrompts{prompts: map[string]string{"annie_RPM": "Base prompt."}},
		Personalize: true,
	}

	cc := b.Build(context.Background(), StreamTarget{CallID: 70})
	if cc.Patient != nil {
		t.Fatalf("Patient = %+v, want nil after lookup failure", cc.Patient)
	}
	if cc.Prompt != "Base prompt." {
		t.Fatalf("Prompt = %q, want unpersonalized", cc.Prompt)
	}
	if cc.Greeting != "" {
		t.Fatalf("Greeting = %q, want empty", cc.Greeting)
	}
}
