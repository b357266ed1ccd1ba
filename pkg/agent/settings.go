package agent

// Settings is the first message on a converse socket. It fixes the
// audio codec on both legs and configures the listen/think/speak
// chain.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentConfig   `json:"agent"`
}

type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentConfig struct {
	Language string       `json:"language"`
	Listen   ListenConfig `json:"listen"`
	Think    ThinkConfig  `json:"think"`
	Speak    SpeakConfig  `json:"speak"`
	Greeting string       `json:"greeting,omitempty"`
}

type ListenConfig struct {
	Provider Provider `json:"provider"`
}

type ThinkConfig struct {
	Provider  Provider      `json:"provider"`
	Prompt    string        `json:"prompt"`
	Functions []FunctionDef `json:"functions,omitempty"`
}

type SpeakConfig struct {
	Provider Provider `json:"provider"`
}

type Provider struct {
	Type        string  `json:"type"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
}

// FunctionDef declares a client-side function the think stage may
// invoke mid-call.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SettingsOverrides carries the per-deployment knobs; zero values fall
// back to the phone-call defaults.
type SettingsOverrides struct {
	Language    string
	ListenModel string
	ThinkModel  string
	SpeakModel  string
	Temperature float64
}

// NewSettings builds the standard phone-call settings: mu-law 8 kHz on
// both legs, containerless output so frames can be relayed as-is.
func NewSettings(prompt string, functions []FunctionDef, ov SettingsOverrides) Settings {
	language := ov.Language
	if language == "" {
		language = "en"
	}
	listenModel := ov.ListenModel
	if listenModel == "" {
		listenModel = "nova-3"
	}
	thinkModel := ov.ThinkModel
	if thinkModel == "" {
		thinkModel = "gpt-4o-mini"
	}
	speakModel := ov.SpeakModel
	if speakModel == "" {
		speakModel = "aura-2-thalia-en"
	}
	temperature := ov.Temperature
	if temperature == 0 {
		temperature = 0.3
	}
	return Settings{
		Type: "Settings",
		Audio: AudioSettings{
			Input:  AudioFormat{Encoding: "mulaw", SampleRate: 8000},
			Output: AudioFormat{Encoding: "mulaw", SampleRate: 8000, Container: "none"},
		},
		Agent: AgentConfig{
			Language: language,
			Listen:   ListenConfig{Provider: Provider{Type: "deepgram", Model: listenModel}},
			Think: ThinkConfig{
				Provider:  Provider{Type: "open_ai", Model: thinkModel, Temperature: temperature},
				Prompt:    prompt,
				Functions: functions,
			},
			Speak: SpeakConfig{Provider: Provider{Type: "deepgram", Model: speakModel}},
		},
	}
}
