package careline

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Telephony     TransportConfig     `mapstructure:"telephony"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Bridge        BridgeConfig        `mapstructure:"bridge"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Prompts       PromptsConfig       `mapstructure:"prompts"`
	SMS           SMSConfig           `mapstructure:"sms"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

// VendorConfig names a provider and carries its free-form settings map.
// Settings are decoded against a schema where the vendor is built.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	Agent      VendorConfig `mapstructure:"agent"`
	Extraction VendorConfig `mapstructure:"extraction"`
}

type TransportConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type BridgeConfig struct {
	ChunkBytes         int  `mapstructure:"chunk_bytes"`
	ProtocolErrorLimit int  `mapstructure:"protocol_error_limit"`
	IdleTimeoutMS      int  `mapstructure:"idle_timeout_ms"`
	PersistQueue       int  `mapstructure:"persist_queue"`
	PersistTimeoutMS   int  `mapstructure:"persist_timeout_ms"`
	DrainTimeoutMS     int  `mapstructure:"drain_timeout_ms"`
	Greeting           bool `mapstructure:"greeting"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type PromptsConfig struct {
	Dir          string `mapstructure:"dir"`
	DefaultAgent string `mapstructure:"default_agent"`
	CacheTTLMS   int    `mapstructure:"cache_ttl_ms"`
	Personalize  bool   `mapstructure:"personalize"`
}

type SMSConfig struct {
	MarketingFollowUp bool `mapstructure:"marketing_follow_up"`
}

type ObservabilityConfig struct {
	ArtifactsDir    string  `mapstructure:"artifacts_dir"`
	QueueSize       int     `mapstructure:"queue_size"`
	AudioSampleRate float64 `mapstructure:"audio_sample_rate"`
	RetentionDays   int     `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads the YAML file at path, layers CARELINE_ environment
// variables on top, expands ${VAR} references, and validates the result.
// An empty path runs on defaults plus environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CARELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("telephony.provider", "twilio")
	v.SetDefault("vendors.agent.provider", "deepgram")
	v.SetDefault("vendors.extraction.provider", "openai")
	v.SetDefault("bridge.chunk_bytes", 800)
	v.SetDefault("bridge.protocol_error_limit", 25)
	v.SetDefault("bridge.idle_timeout_ms", 90000)
	v.SetDefault("bridge.persist_queue", 256)
	v.SetDefault("bridge.persist_timeout_ms", 5000)
	v.SetDefault("bridge.drain_timeout_ms", 10000)
	v.SetDefault("bridge.greeting", false)
	v.SetDefault("database.dsn", "careline.db")
	v.SetDefault("prompts.dir", "prompts")
	v.SetDefault("prompts.default_agent", "annie_RPM")
	v.SetDefault("prompts.cache_ttl_ms", 300000)
	v.SetDefault("prompts.personalize", true)
	v.SetDefault("sms.marketing_follow_up", true)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.queue_size", 2048)
	v.SetDefault("observability.audio_sample_rate", 0.02)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telephony.Provider) == "" {
		return fmt.Errorf("telephony.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Agent.Provider) == "" {
		return fmt.Errorf("vendors.agent.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Extraction.Provider) == "" {
		return fmt.Errorf("vendors.extraction.provider is required")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if r := c.Observability.AudioSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.audio_sample_rate must be in [0,1]")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Telephony.Settings = expandSettings(cfg.Telephony.Settings)
	cfg.Vendors.Agent.Settings = expandSettings(cfg.Vendors.Agent.Settings)
	cfg.Vendors.Extraction.Settings = expandSettings(cfg.Vendors.Extraction.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
