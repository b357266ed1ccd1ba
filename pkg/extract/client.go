package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/carelinehq/careline/pkg/errorsx"
	"github.com/carelinehq/careline/pkg/resilience"
)

const extractionPrompt = `
You are given a medical call transcript between an AI nurse and a patient. Produce:
1) A concise call summary (1-3 sentences).
2) A JSON object "readings" array containing readings in this format:
   - For BP: {"BP": {"systolic": 120, "diastolic": 80, "units": "mmHg"}}
   - For others: {"type": "pulse", "value": 80, "units": "bpm"}
   Supported types:
   - BP (special format above)
   - pulse (value as integer, units "bpm")
   - glucose (value as number, units "mg/dL" or "mmol/L")
   - weight (value as float, units "kg" or "lb")
3) A JSON object "questionnaire" with any questions asked and the patient's responses/ratings.
   - Format: array of objects with "question" and "response" fields
   - For numeric ratings, include "rating" field with the number
   - Example: {"question": "How would you rate your pain?", "response": "moderate", "rating": 5}
If a reading has a timestamp in the transcript, include recorded_at (ISO 8601). If not, omit recorded_at.
Return only valid JSON with keys: summary (string), readings (array), and questionnaire (array).
Transcript:
---
{transcript}
---
`

// Usage reports token counts for one extraction request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Result is the structured outcome of a transcript extraction.
type Result struct {
	Summary       string
	Readings      []ReadingItem
	Questionnaire []map[string]any
	Usage         Usage
}

// ReadingItem is one extracted measurement, type-normalized and
// carrying the original JSON object.
type ReadingItem struct {
	Type       string
	Value      json.RawMessage
	Units      string
	RawText    string
	RecordedAt *time.Time
}

// Client calls the chat-completions API to turn a transcript into a
// summary plus structured readings.
type Client struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
	Breaker *resilience.CircuitBreaker
	Log     *slog.Logger
}

func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 60 * time.Second},
		Breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
	}
}

// Extract runs the extraction prompt over the transcript. An empty
// transcript short-circuits to an empty result without a request.
func (c *Client) Extract(ctx context.Context, transcript string) (Result, error) {
	if strings.TrimSpace(transcript) == "" {
		return Result{}, nil
	}
	if c.Breaker != nil && !c.Breaker.Allow() {
		return Result{}, errorsx.New("extraction breaker open", errorsx.ReasonExtractCircuit)
	}

	prompt := strings.Replace(extractionPrompt, "{transcript}", transcript, 1)
	body, err := json.Marshal(map[string]any{
		"model":       c.Model,
		"messages":    []map[string]any{{"role": "user", "content": prompt}},
		"temperature": 0.0,
		"max_tokens":  800,
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		if c.Breaker != nil {
			c.Breaker.OnError(err)
		}
		return Result{}, errorsx.Wrap(err, errorsx.ReasonExtract)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		rl := resilience.RateLimitError{Provider: "openai", Message: string(raw)}
		if c.Breaker != nil {
			c.Breaker.OnError(rl)
		}
		return Result{}, errorsx.Wrap(rl, errorsx.ReasonExtractRateLimit)
	}
	if resp.StatusCode >= 500 {
		raw, _ := io.ReadAll(resp.Body)
		upstream := errors.New(string(raw))
		if c.Breaker != nil {
			c.Breaker.OnError(upstream)
		}
		return Result{}, errorsx.Wrap(upstream, errorsx.ReasonExtract)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Client errors do not count toward the breaker.
		raw, _ := io.ReadAll(resp.Body)
		return Result{}, errorsx.Wrap(errors.New(string(raw)), errorsx.ReasonExtract)
	}

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonExtract)
	}
	if c.Breaker != nil {
		c.Breaker.OnSuccess()
	}
	if len(payload.Choices) == 0 {
		return Result{}, errorsx.New("no choices in response", errorsx.ReasonExtract)
	}

	result, err := parseExtraction(payload.Choices[0].Message.Content)
	if err != nil {
		return Result{}, err
	}
	result.Usage = Usage{
		PromptTokens:     payload.Usage.PromptTokens,
		CompletionTokens: payload.Usage.CompletionTokens,
	}
	return result, nil
}

func (c *Client) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}
