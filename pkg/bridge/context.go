package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/carelinehq/careline/pkg/store"
)

// CallDirectory is the slice of the store the context builder reads.
type CallDirectory interface {
	LookupCall(ctx context.Context, callID int64) (*store.Call, error)
	PatientByID(ctx context.Context, patientID int64) (*store.Patient, error)
	OrganizationByID(ctx context.Context, orgID int64) (*store.Organization, error)
}

// PromptSource maps an agent name to its base prompt text.
type PromptSource interface {
	Resolve(agent string) string
}

// CallContext is everything the session needs before dialing the agent.
type CallContext struct {
	Call     *store.Call
	Patient  *store.Patient
	Agent    string
	Prompt   string
	Greeting string
}

// ContextBuilder resolves the agent and prompt for a call. The call row is
// the primary source for the agent name; the querystring hint applies only
// when the row has none.
type ContextBuilder struct {
	Directory   CallDirectory
	Prompts     PromptSource
	Personalize bool
	Log         *slog.Logger
}

// Build loads the call row and assembles the session prompt. Nothing here is
// fatal: a missing call row downgrades to the query-string agent hint, and
// patient or organization lookup failures downgrade to the unpersonalized
// prompt. The call proceeds either way.
func (b *ContextBuilder) Build(ctx context.Context, target StreamTarget) *CallContext {
	log := b.Log
	if log == nil {
		log = slog.Default()
	}

	call, err := b.Directory.LookupCall(ctx, target.CallID)
	if err != nil {
		log.Warn("call_lookup_failed", "call_id", target.CallID, "error", err.Error())
		call = nil
	}

	agent := target.AgentHint
	if call != nil && call.Agent != "" {
		agent = call.Agent
	}

	cc := &CallContext{Call: call, Agent: agent}

	var patient *store.Patient
	var org *store.Organization
	if call != nil {
		if call.PatientID != nil {
			patient, err = b.Directory.PatientByID(ctx, *call.PatientID)
			if err != nil {
				log.Warn("patient_lookup_failed", "call_id", call.ID, "error", err.Error())
				patient = nil
			}
		}
		if org, err = b.Directory.OrganizationByID(ctx, call.OrgID); err != nil {
			log.Warn("org_lookup_failed", "call_id", call.ID, "error", err.Error())
			org = nil
		}
	}
	cc.Patient = patient

	basePrompt := b.Prompts.Resolve(agent)

	prefix := ""
	if b.Personalize && patient != nil {
		fname := firstName(patient)
		if fname != "" {
			cc.Greeting = "Hello " + fname
		}
		prefix = contextBlock(patient, org, fname)
	}
	cc.Prompt = strings.TrimSpace(prefix + basePrompt)

	return cc
}

func firstName(p *store.Patient) string {
	if p.FirstName != "" {
		return p.FirstName
	}
	for _, part := range strings.Fields(p.Name) {
		return part
	}
	return ""
}

func contextBlock(p *store.Patient, org *store.Organization, fname string) string {
	orUnknown := func(v string) string {
		if strings.TrimSpace(v) == "" {
			return "unknown"
		}
		return v
	}
	patientID := p.ExternalID
	if patientID == "" {
		patientID = fmt.Sprintf("%d", p.ID)
	}
	dob := "unknown"
	if p.DOB != nil {
		dob = p.DOB.Format("2006-01-02")
	}
	orgName := ""
	if org != nil {
		orgName = org.Name
	}
	lines := []string{
		"### PATIENT CONTEXT (do not reveal confidential details):",
		"- patient_legal_name: " + orUnknown(p.Name),
		"- patient_first_name: " + orUnknown(fname),
		"- patient_id_internal: " + patientID,
		"- patient_dob: " + dob,
		"- organization_name: " + orUnknown(orgName),
		"",
		"### VOICE & TONE:",
		"- Greet the patient by first name once at the start.",
		"- Be clear, empathetic, professional; avoid repeating their name unnecessarily.",
		"",
		"### TASK:",
		"- Collect vitals: BP (systolic/diastolic), pulse, glucose, weight.",
		"- Confirm understanding and provide a brief summary.",
		"",
	}
	return strings.Join(lines, "\n")
}
