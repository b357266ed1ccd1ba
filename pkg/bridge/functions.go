package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/carelinehq/careline/pkg/agent"
	"github.com/carelinehq/careline/pkg/store"
)

// EmergencyPromptSuffix is appended to every session prompt so the think
// stage knows when to invoke detect_emergency.
const EmergencyPromptSuffix = "\n\nIMPORTANT: If the patient mentions ANY of the following, you MUST immediately call the detect_emergency function:\n" +
	"- Chest pain, severe chest pain, pressure in chest\n" +
	"- Can't breathe, difficulty breathing, shortness of breath\n" +
	"- Calling 911, need emergency help, need ambulance\n" +
	"- Heart attack, stroke symptoms\n" +
	"- Severe pain anywhere in the body\n" +
	"- Feeling dizzy, lightheaded, or faint\n" +
	"- Any life-threatening situation\n\n" +
	"Call detect_emergency BEFORE responding to the patient."

// DetectEmergencyFunction declares the client-side emergency hook.
func DetectEmergencyFunction() agent.FunctionDef {
	return agent.FunctionDef{
		Name:        "detect_emergency",
		Description: "MUST be called immediately when patient reports chest pain, difficulty breathing, mentions 911, or any life-threatening symptoms. This is critical for patient safety.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"severity": map[string]any{
					"type":        "string",
					"enum":        []string{"critical", "high", "medium"},
					"description": "critical=chest pain/can't breathe/911/stroke, high=severe pain/dizziness, medium=concerning symptoms",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Exact quote of what patient said (e.g., 'severe pain in my chest')",
				},
			},
			"required": []string{"severity", "reason"},
		},
	}
}

// CallRef identifies the call a function fires within.
type CallRef struct {
	CallID    int64
	PatientID *int64
}

// FunctionHandler executes one agent-invoked function. The returned map is
// sent verbatim as the function output; handlers fold their own failures
// into {"success": false, ...} instead of erroring, because the agent needs
// an answer either way.
type FunctionHandler func(ctx context.Context, ref CallRef, input map[string]any) map[string]any

// FunctionRegistry maps function names to handlers. Register everything
// before the first session starts; dispatch is read-only.
type FunctionRegistry struct {
	handlers map[string]FunctionHandler
	defs     []agent.FunctionDef
}

func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{handlers: make(map[string]FunctionHandler)}
}

func (r *FunctionRegistry) Register(def agent.FunctionDef, h FunctionHandler) {
	r.handlers[def.Name] = h
	r.defs = append(r.defs, def)
}

// Definitions returns the declared functions for the settings message.
func (r *FunctionRegistry) Definitions() []agent.FunctionDef {
	return r.defs
}

// Dispatch runs the named handler. Unknown names answer with a failure map
// so the agent can tell the patient something went wrong.
func (r *FunctionRegistry) Dispatch(ctx context.Context, name string, ref CallRef, input map[string]any) map[string]any {
	h, ok := r.handlers[name]
	if !ok {
		return map[string]any{"success": false, "message": fmt.Sprintf("Unknown function: %s", name)}
	}
	return h(ctx, ref, input)
}

// EmergencyRecorder persists emergency events raised by detect_emergency.
type EmergencyRecorder interface {
	RecordEmergency(ctx context.Context, event store.EmergencyEvent) (int64, error)
}

// NewEmergencyHandler binds detect_emergency to the store. Severity defaults
// to high and the signal text to a generic reason when the agent omits them.
func NewEmergencyHandler(recorder EmergencyRecorder, log *slog.Logger) FunctionHandler {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, ref CallRef, input map[string]any) map[string]any {
		severity := stringField(input, "severity", "high")
		reason := stringField(input, "reason", "Emergency detected during call")

		if ref.PatientID == nil {
			return map[string]any{"success": false, "message": "Patient not found"}
		}

		detectorInfo := fmt.Sprintf(`{"model":"deepgram_function_call","function":"detect_emergency","severity":%q}`, severity)
		callID := ref.CallID
		event := store.EmergencyEvent{
			CallID:       &callID,
			PatientID:    *ref.PatientID,
			Severity:     store.EmergencySeverity(severity),
			SignalText:   reason,
			DetectorInfo: detectorInfo,
			DetectedAt:   time.Now().UTC(),
		}
		eventID, err := recorder.RecordEmergency(ctx, event)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return map[string]any{"success": false, "message": "Patient not found"}
			}
			log.Error("emergency_persist_failed", "call_id", ref.CallID, "error", err.Error())
			return map[string]any{"success": false, "message": fmt.Sprintf("Failed to log emergency: %s", err)}
		}
		log.Warn("emergency_detected", "call_id", ref.CallID, "patient_id", *ref.PatientID, "severity", severity, "event_id", eventID)
		return map[string]any{
			"success":  true,
			"message":  fmt.Sprintf("Emergency logged with severity %s. Medical staff will be notified.", severity),
			"event_id": eventID,
		}
	}
}

func stringField(input map[string]any, key, fallback string) string {
	if v, ok := input[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
