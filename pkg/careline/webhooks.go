package careline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/carelinehq/careline/pkg/bridge"
	"github.com/carelinehq/careline/pkg/errorsx"
	"github.com/carelinehq/careline/pkg/prompt"
	"github.com/carelinehq/careline/pkg/store"
)

// voiceAnswerer resolves inbound callers to patients and creates the call
// row the media stream attaches to. Implements telephony.VoiceHandler.
// Unknown numbers are rejected, which the server turns into a polite
// hangup.
type voiceAnswerer struct {
	store        *store.Store
	defaultAgent string
	log          *slog.Logger
}

func (v *voiceAnswerer) AnswerCall(ctx context.Context, from, to, callSID, agent string) (int64, string, error) {
	// Twilio retries the webhook on slow responses; reuse the row the
	// first delivery created.
	if callSID != "" {
		if call, err := v.store.CallByProviderSID(ctx, callSID); err == nil {
			resolved := call.Agent
			if resolved == "" {
				resolved = v.defaultAgent
			}
			v.log.Info("inbound_call_replayed", "call_id", call.ID, "call_sid", callSID)
			return call.ID, resolved, nil
		}
	}

	patient, err := v.store.PatientByPhone(ctx, from)
	if err != nil {
		return 0, "", errorsx.Newf(errorsx.ReasonPatientNotFound, "no patient with number %s", from)
	}

	resolved := prompt.SanitizeAgent(strings.TrimSpace(agent))
	if resolved == "" {
		resolved = v.defaultAgent
	}
	call, err := v.store.CreateInboundCall(ctx, patient, from, to, callSID, resolved)
	if err != nil {
		return 0, "", err
	}
	v.log.Info("inbound_call_created", "call_id", call.ID, "patient_id", patient.ID, "agent", resolved)
	return call.ID, resolved, nil
}

// statusTracker lands terminal Twilio statuses on call rows. It is the only
// writer of failed status for calls that never reached the bridge, and the
// recovery path for calls whose socket died before a stop frame arrived.
// Implements telephony.StatusHandler.
type statusTracker struct {
	store     *store.Store
	completer bridge.CallCompleter
	log       *slog.Logger
}

func (t *statusTracker) CallStatus(ctx context.Context, callSID, reason string) {
	call, err := t.store.CallByProviderSID(ctx, callSID)
	if err != nil {
		t.log.Debug("status_callback_unmatched", "call_sid", callSID, "reason", reason)
		return
	}
	log := t.log.With("call_id", call.ID, "call_sid", callSID, "call_status", string(call.Status), "reason", reason)

	switch reason {
	case "busy", "no_answer", "failed":
		if call.Status != store.CallStatusQueued && call.Status != store.CallStatusInitiated {
			return
		}
		if err := t.store.FailCall(ctx, call.ID); err != nil {
			log.Error("call_fail_mark_failed", "error", err)
			return
		}
		log.Info("call_marked_failed")
	case "completed":
		if call.Status != store.CallStatusInProgress {
			return
		}
		finished, err := t.store.FinishCall(ctx, call.ID)
		if err != nil {
			log.Error("call_finish_failed", "error", err)
			return
		}
		log.Info("call_finished_by_status_callback")
		if t.completer != nil {
			t.completer.CompleteCall(ctx, finished, "status_callback")
		}
	default:
		log.Debug("status_callback_ignored")
	}
}
