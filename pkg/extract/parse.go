package extract

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/carelinehq/careline/pkg/errorsx"
)

// Models wrap the JSON in prose or code fences often enough that we
// strip down to the outermost brace span before decoding.
var jsonTailRe = regexp.MustCompile(`(?s)\{.*\}\s*$`)

func parseExtraction(content string) (Result, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return Result{}, nil
	}
	if m := jsonTailRe.FindString(text); m != "" {
		text = m
	}

	var envelope struct {
		Summary       string            `json:"summary"`
		Readings      []json.RawMessage `json:"readings"`
		Questionnaire []map[string]any  `json:"questionnaire"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonExtract)
	}

	result := Result{
		Summary:       envelope.Summary,
		Questionnaire: envelope.Questionnaire,
	}
	for _, raw := range envelope.Readings {
		item, ok := normalizeReading(raw)
		if !ok {
			continue
		}
		result.Readings = append(result.Readings, item)
	}
	return result, nil
}

// normalizeReading maps one readings-array entry to a typed item. The
// BP shape nests under a "BP" key with no "type" field, so it gets its
// type from the key.
func normalizeReading(raw json.RawMessage) (ReadingItem, bool) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj) == 0 {
		return ReadingItem{}, false
	}

	item := ReadingItem{
		Value:   json.RawMessage(raw),
		RawText: string(raw),
	}

	if t, _ := obj["type"].(string); t != "" {
		item.Type = t
		item.Units, _ = obj["units"].(string)
		item.RecordedAt = parseRecordedAt(obj["recorded_at"])
		return item, true
	}

	if bp, ok := obj["BP"].(map[string]any); ok {
		item.Type = "BP"
		item.Units, _ = bp["units"].(string)
		item.RecordedAt = parseRecordedAt(obj["recorded_at"])
		return item, true
	}

	item.Type = "unknown"
	item.RecordedAt = parseRecordedAt(obj["recorded_at"])
	return item, true
}

var recordedAtLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseRecordedAt(v any) *time.Time {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	for _, layout := range recordedAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
