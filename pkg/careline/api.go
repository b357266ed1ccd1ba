package careline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carelinehq/careline/pkg/errorsx"
	"github.com/carelinehq/careline/pkg/extract"
	"github.com/carelinehq/careline/pkg/prompt"
	"github.com/carelinehq/careline/pkg/store"
	"github.com/carelinehq/careline/pkg/telephony"
)

type outboundDialer interface {
	Dial(ctx context.Context, to, from, twimlURL string) (string, error)
}

// API is the call-control HTTP surface: initiating outbound calls, serving
// their TwiML, and completing calls with readings extraction. It is
// deliberately thin; patient and organization management live elsewhere.
type API struct {
	store     *store.Store
	dialer    outboundDialer
	extractor readingsExtractor
	server    *telephony.Server
	from      string
	log       *slog.Logger
}

func NewAPI(st *store.Store, dialer outboundDialer, extractor readingsExtractor, srv *telephony.Server, fromNumber string, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		store:     st,
		dialer:    dialer,
		extractor: extractor,
		server:    srv,
		from:      fromNumber,
		log:       log,
	}
}

// RegisterRoutes mounts the API on the telephony server's mux. Must run
// before Server.Start.
func (a *API) RegisterRoutes(srv *telephony.Server) {
	srv.HandleFunc("POST /api/calls/outbound", a.handleOutbound)
	srv.HandleFunc("/api/calls/twiml/outbound/{call_id}", a.handleOutboundTwiML)
	srv.HandleFunc("POST /api/calls/{call_id}/complete", a.handleComplete)
	srv.HandleFunc("GET /api/calls/{call_id}", a.handleGetCall)
	srv.HandleFunc("GET /api/calls/{call_id}/readings", a.handleReadings)
}

func (a *API) handleOutbound(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID     int64  `json:"org_id"`
		PatientID int64  `json:"patient_id"`
		ToNumber  string `json:"to_number"`
		Agent     string `json:"agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OrgID == 0 || req.PatientID == 0 || strings.TrimSpace(req.ToNumber) == "" {
		writeError(w, http.StatusBadRequest, "org_id, patient_id and to_number are required")
		return
	}
	agent := req.Agent
	if agent == "" {
		agent = prompt.DefaultAgent
	}

	call, err := a.store.CreateOutboundCall(r.Context(), req.OrgID, req.PatientID, req.ToNumber, agent)
	if err != nil {
		a.log.Error("outbound_call_create_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "creating call failed")
		return
	}

	// Dialing is best-effort: without credentials the row stays initiated
	// and can be dialed by hand.
	if a.dialer != nil && a.from != "" {
		twimlURL := a.server.CallbackURL(r, "/api/calls/twiml/outbound/"+strconv.FormatInt(call.ID, 10)) +
			"?agent=" + url.QueryEscape(agent)
		sid, err := a.dialer.Dial(r.Context(), req.ToNumber, a.from, twimlURL)
		if err != nil {
			a.log.Warn("outbound_dial_failed", "call_id", call.ID, "error", err)
		} else if err := a.store.UpdateCallSID(r.Context(), call.ID, sid); err != nil {
			a.log.Warn("call_sid_update_failed", "call_id", call.ID, "error", err)
		} else {
			a.log.Info("outbound_dial_started", "call_id", call.ID, "call_sid", sid)
		}
	} else {
		a.log.Info("outbound_dial_skipped", "call_id", call.ID)
	}

	writeJSON(w, http.StatusOK, map[string]any{"call_id": call.ID, "status": "initiated"})
}

func (a *API) handleOutboundTwiML(w http.ResponseWriter, r *http.Request) {
	callID, err := strconv.ParseInt(r.PathValue("call_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}
	agent := r.URL.Query().Get("agent")
	if agent == "" && r.Method == http.MethodPost {
		_ = r.ParseForm()
		agent = r.PostFormValue("agent")
	}
	if agent == "" {
		agent = prompt.DefaultAgent
	}
	streamURL := a.server.StreamURL(r, callID, agent)
	telephony.WriteTwiML(w, telephony.ConnectStreamTwiML(streamURL))
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	callID, err := strconv.ParseInt(r.PathValue("call_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}
	call, err := a.store.LookupCall(r.Context(), callID)
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonCallNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading call failed")
		return
	}
	if call.CompletedAt != nil {
		writeJSON(w, http.StatusOK, map[string]any{"call_id": call.ID, "status": "already_completed"})
		return
	}

	result, err := a.extractor.Extract(r.Context(), transcriptForExtraction(call))
	if err != nil {
		// Retryable: completed_at stays unset until a later attempt works.
		a.log.Error("extraction_failed", "call_id", call.ID, "error", err, "reason", errorsx.Reason(err))
		writeError(w, http.StatusBadGateway, "extraction failed")
		return
	}
	already, err := a.store.CompleteCall(r.Context(), call.ID, result.Summary, readingRows(result.Readings))
	if err != nil {
		a.log.Error("call_complete_failed", "call_id", call.ID, "error", err, "reason", errorsx.Reason(err))
		writeError(w, http.StatusInternalServerError, "completing call failed")
		return
	}
	status := "completed"
	if already {
		status = "already_completed"
	}
	writeJSON(w, http.StatusOK, map[string]any{"call_id": call.ID, "status": status})
}

func (a *API) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID, err := strconv.ParseInt(r.PathValue("call_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}
	call, err := a.store.LookupCall(r.Context(), callID)
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonCallNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading call failed")
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (a *API) handleReadings(w http.ResponseWriter, r *http.Request) {
	callID, err := strconv.ParseInt(r.PathValue("call_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}
	persist := true
	if q := r.URL.Query().Get("persist_if_missing"); q != "" {
		if v, err := strconv.ParseBool(strings.ToLower(q)); err == nil {
			persist = v
		}
	}

	rows, err := a.store.ReadingsForCall(r.Context(), callID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading readings failed")
		return
	}
	if len(rows) > 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"call_id":  callID,
			"from_db":  true,
			"readings": groupReadings(rows),
		})
		return
	}

	call, err := a.store.LookupCall(r.Context(), callID)
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonCallNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading call failed")
		return
	}

	result, err := a.extractor.Extract(r.Context(), transcriptForExtraction(call))
	if err != nil {
		a.log.Error("extraction_failed", "call_id", call.ID, "error", err, "reason", errorsx.Reason(err))
		writeError(w, http.StatusBadGateway, "extraction failed")
		return
	}
	if persist && len(result.Readings) > 0 {
		if err := a.store.AddReadings(r.Context(), call.ID, readingRows(result.Readings)); err != nil {
			a.log.Warn("readings_persist_failed", "call_id", call.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call_id":  callID,
		"from_db":  false,
		"readings": extractedReadings(result.Readings),
	})
}

func transcriptForExtraction(call *store.Call) string {
	transcript := call.Transcript
	if call.Summary != "" {
		transcript += "\n" + call.Summary
	}
	return transcript
}

type readingOut struct {
	ID          int64      `json:"id"`
	PatientID   *int64     `json:"patient_id,omitempty"`
	CallID      int64      `json:"call_id"`
	ReadingType string     `json:"reading_type"`
	Value       any        `json:"value"`
	Units       string     `json:"units,omitempty"`
	RawText     string     `json:"raw_text,omitempty"`
	RecordedAt  *time.Time `json:"recorded_at,omitempty"`
}

// groupReadings shapes stored rows by reading type, decoding the stored
// JSON value so clients see a document rather than a string.
func groupReadings(rows []store.Reading) map[string][]readingOut {
	out := make(map[string][]readingOut, len(rows))
	for _, row := range rows {
		var value any
		if row.Value != "" {
			if err := json.Unmarshal([]byte(row.Value), &value); err != nil {
				value = row.Value
			}
		}
		out[row.ReadingType] = append(out[row.ReadingType], readingOut{
			ID:          row.ID,
			PatientID:   row.PatientID,
			CallID:      row.CallID,
			ReadingType: row.ReadingType,
			Value:       value,
			Units:       row.Units,
			RawText:     row.RawText,
			RecordedAt:  row.RecordedAt,
		})
	}
	return out
}

type extractedReading struct {
	Type       string          `json:"type"`
	Value      json.RawMessage `json:"value"`
	Units      string          `json:"units,omitempty"`
	RawText    string          `json:"raw_text,omitempty"`
	RecordedAt *time.Time      `json:"recorded_at,omitempty"`
}

func extractedReadings(items []extract.ReadingItem) []extractedReading {
	out := make([]extractedReading, 0, len(items))
	for _, item := range items {
		out = append(out, extractedReading{
			Type:       item.Type,
			Value:      item.Value,
			Units:      item.Units,
			RawText:    item.RawText,
			RecordedAt: item.RecordedAt,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
