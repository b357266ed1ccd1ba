package careline

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/carelinehq/careline/pkg/errorsx"
	"github.com/carelinehq/careline/pkg/extract"
	"github.com/carelinehq/careline/pkg/metrics"
	"github.com/carelinehq/careline/pkg/store"
	"github.com/carelinehq/careline/pkg/telephony"
)

type readingsExtractor interface {
	Extract(ctx context.Context, transcript string) (extract.Result, error)
}

type followUpSender interface {
	SendMarketingFollowUp(ctx context.Context, to string) (string, error)
}

// CompletionService runs post-call work off the bridge path: the marketing
// follow-up SMS and the transcript extraction that stamps the call with its
// summary and readings. Each finished call gets its own worker goroutine so
// a slow extraction API cannot delay session teardown.
type CompletionService struct {
	store     *store.Store
	extractor readingsExtractor
	messenger followUpSender
	obs       metrics.Observer
	log       *slog.Logger

	smsEnabled bool
	timeout    time.Duration

	wg sync.WaitGroup
}

func NewCompletionService(st *store.Store, extractor readingsExtractor, messenger followUpSender, obs metrics.Observer, smsEnabled bool, log *slog.Logger) *CompletionService {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &CompletionService{
		store:      st,
		extractor:  extractor,
		messenger:  messenger,
		obs:        obs,
		log:        log,
		smsEnabled: smsEnabled,
		timeout:    90 * time.Second,
	}
}

// CompleteCall implements bridge.CallCompleter. Returns immediately; the
// work runs on its own goroutine with its own deadline.
func (s *CompletionService) CompleteCall(ctx context.Context, call *store.Call, endReason string) {
	if call == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		s.process(ctx, call, endReason)
	}()
}

// Drain blocks until in-flight completions finish or the timeout expires.
func (s *CompletionService) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *CompletionService) process(ctx context.Context, call *store.Call, endReason string) {
	log := s.log.With("call_id", call.ID, "end_reason", endReason)

	s.maybeSendFollowUp(ctx, call, log)

	transcript := call.Transcript
	if call.Summary != "" {
		transcript += "\n" + call.Summary
	}
	started := time.Now()
	result, err := s.extractor.Extract(ctx, transcript)
	if err != nil {
		// The call keeps a nil completed_at so the completion endpoint
		// can retry the extraction later.
		log.Error("extraction_failed", "error", err, "reason", errorsx.Reason(err))
		return
	}

	callTag := map[string]string{"call_id": strconv.FormatInt(call.ID, 10)}
	s.obs.RecordEvent(metrics.Timing("extract_latency", time.Since(started), callTag))

	readings := readingRows(result.Readings)
	already, err := s.store.CompleteCall(ctx, call.ID, result.Summary, readings)
	if err != nil {
		log.Error("call_complete_failed", "error", err, "reason", errorsx.Reason(err))
		return
	}
	if already {
		log.Info("call_already_completed")
		return
	}
	ev := metrics.Count("extract_done", 1, callTag)
	ev.Fields = map[string]any{
		"readings":          len(readings),
		"prompt_tokens":     result.Usage.PromptTokens,
		"completion_tokens": result.Usage.CompletionTokens,
	}
	s.obs.RecordEvent(ev)
	log.Info("call_completed", "readings", len(readings))
}

func (s *CompletionService) maybeSendFollowUp(ctx context.Context, call *store.Call, log *slog.Logger) {
	if !s.smsEnabled || s.messenger == nil {
		return
	}
	if call.Agent != telephony.MarketingAgent || call.PatientID == nil {
		return
	}
	patient, err := s.store.PatientByID(ctx, *call.PatientID)
	if err != nil {
		log.Warn("follow_up_patient_lookup_failed", "error", err)
		return
	}
	if patient.Phone == "" {
		log.Warn("follow_up_no_phone", "patient_id", patient.ID)
		return
	}
	sid, err := s.messenger.SendMarketingFollowUp(ctx, patient.Phone)
	if err != nil {
		log.Warn("follow_up_sms_failed", "error", err)
		return
	}
	ev := metrics.Count("sms_follow_up", 1, map[string]string{
		"call_id": strconv.FormatInt(call.ID, 10),
		"agent":   call.Agent,
	})
	ev.Fields = map[string]any{"message_sid": sid}
	s.obs.RecordEvent(ev)
	log.Info("follow_up_sms_sent", "message_sid", sid)
}

// readingRows converts extracted measurements into storable rows. The
// value keeps the extractor's original JSON document.
func readingRows(items []extract.ReadingItem) []store.Reading {
	if len(items) == 0 {
		return nil
	}
	rows := make([]store.Reading, 0, len(items))
	for _, item := range items {
		rows = append(rows, store.Reading{
			ReadingType: item.Type,
			Value:       string(item.Value),
			Units:       item.Units,
			RawText:     item.RawText,
			RecordedAt:  item.RecordedAt,
		})
	}
	return rows
}
