package careline

import (
	"fmt"
	"strings"

	"github.com/carelinehq/careline/pkg/agent"
	"github.com/carelinehq/careline/pkg/configutil"
	"github.com/carelinehq/careline/pkg/extract"
	"github.com/carelinehq/careline/pkg/telephony"
)

// Settings maps are free-form in the config file; each vendor owns the
// schema its map must satisfy and the typed struct it decodes into.

type agentSettings struct {
	APIKey         string  `mapstructure:"api_key"`
	URL            string  `mapstructure:"url"`
	DialTimeoutMS  int     `mapstructure:"dial_timeout_ms"`
	DialRetries    int     `mapstructure:"dial_retries"`
	RetryBackoffMS int     `mapstructure:"retry_backoff_ms"`
	Language       string  `mapstructure:"language"`
	ListenModel    string  `mapstructure:"listen_model"`
	ThinkModel     string  `mapstructure:"think_model"`
	SpeakModel     string  `mapstructure:"speak_model"`
	Temperature    float64 `mapstructure:"temperature"`
}

var agentSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{
		"url", "dial_timeout_ms", "dial_retries", "retry_backoff_ms",
		"language", "listen_model", "think_model", "speak_model", "temperature",
	},
}

func buildAgentVendor(vendor VendorConfig) (agent.Config, agent.SettingsOverrides, error) {
	if p := strings.ToLower(strings.TrimSpace(vendor.Provider)); p != "deepgram" {
		return agent.Config{}, agent.SettingsOverrides{}, fmt.Errorf("agent provider not registered: %s", vendor.Provider)
	}
	if err := configutil.ValidateSettings(vendor.Settings, agentSchema); err != nil {
		return agent.Config{}, agent.SettingsOverrides{}, fmt.Errorf("vendors.agent.settings: %w", err)
	}
	var s agentSettings
	if err := configutil.DecodeSettings(vendor.Settings, &s); err != nil {
		return agent.Config{}, agent.SettingsOverrides{}, fmt.Errorf("vendors.agent.settings: %w", err)
	}
	if err := configutil.RequireString(s.APIKey, "vendors.agent.settings.api_key"); err != nil {
		return agent.Config{}, agent.SettingsOverrides{}, err
	}
	cfg := agent.Config{
		URL:          s.URL,
		APIKey:       s.APIKey,
		DialTimeout:  configutil.DurationMS(s.DialTimeoutMS, 0),
		DialRetries:  s.DialRetries,
		RetryBackoff: configutil.DurationMS(s.RetryBackoffMS, 0),
	}
	ov := agent.SettingsOverrides{
		Language:    s.Language,
		ListenModel: s.ListenModel,
		ThinkModel:  s.ThinkModel,
		SpeakModel:  s.SpeakModel,
		Temperature: s.Temperature,
	}
	return cfg, ov, nil
}

type extractionSettings struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

var extractionSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "base_url", "timeout_ms"},
}

func buildExtractionVendor(vendor VendorConfig) (*extract.Client, error) {
	if p := strings.ToLower(strings.TrimSpace(vendor.Provider)); p != "openai" {
		return nil, fmt.Errorf("extraction provider not registered: %s", vendor.Provider)
	}
	if err := configutil.ValidateSettings(vendor.Settings, extractionSchema); err != nil {
		return nil, fmt.Errorf("vendors.extraction.settings: %w", err)
	}
	var s extractionSettings
	if err := configutil.DecodeSettings(vendor.Settings, &s); err != nil {
		return nil, fmt.Errorf("vendors.extraction.settings: %w", err)
	}
	if err := configutil.RequireString(s.APIKey, "vendors.extraction.settings.api_key"); err != nil {
		return nil, err
	}
	client := extract.NewClient(s.APIKey, s.Model)
	if s.BaseURL != "" {
		client.BaseURL = s.BaseURL
	}
	if s.TimeoutMS > 0 {
		client.Client.Timeout = configutil.DurationMS(s.TimeoutMS, client.Client.Timeout)
	}
	return client, nil
}

var telephonySchema = configutil.Schema{
	Optional: []string{
		"server_addr", "public_url", "account_sid", "auth_token", "from_number",
		"voice_path", "stream_path", "status_callback_path", "send_buffer",
		"allow_any_origin", "allowed_origins",
	},
}

// buildTelephonyVendor decodes the transport settings. Credentials are
// optional so a local run without Twilio still serves the websocket.
func buildTelephonyVendor(transport TransportConfig) (telephony.Config, error) {
	if p := strings.ToLower(strings.TrimSpace(transport.Provider)); p != "twilio" {
		return telephony.Config{}, fmt.Errorf("telephony provider not registered: %s", transport.Provider)
	}
	if err := configutil.ValidateSettings(transport.Settings, telephonySchema); err != nil {
		return telephony.Config{}, fmt.Errorf("telephony.settings: %w", err)
	}
	var cfg telephony.Config
	if err := configutil.DecodeSettings(transport.Settings, &cfg); err != nil {
		return telephony.Config{}, fmt.Errorf("telephony.settings: %w", err)
	}
	return cfg, nil
}
