package cadence

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Transports    TransportsConfig    `mapstructure:"transports"`
	Transcriber   VendorConfig        `mapstructure:"transcriber"`
	Responder     VendorConfig        `mapstructure:"responder"`
	Session       SessionConfig       `mapstructure:"session"`
	Echo          EchoConfig          `mapstructure:"echo"`
	Stall         StallConfig         `mapstructure:"stall"`
	Delivery      DeliveryConfig      `mapstructure:"delivery"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

// VendorConfig selects a collaborator implementation and its settings.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// SessionConfig carries per-session defaults; a transport's session_start
// event can override band and mode per learner.
type SessionConfig struct {
	DefaultBand   string `mapstructure:"default_band"`
	DefaultMode   string `mapstructure:"default_mode"`
	Adaptive      bool   `mapstructure:"adaptive"`
	QueueHigh     int    `mapstructure:"queue_high"`
	QueueLow      int    `mapstructure:"queue_low"`
	MaxAudioLagMS int    `mapstructure:"max_audio_lag_ms"`
	FloorWindowMS int    `mapstructure:"floor_window_ms"`
}

type EchoConfig struct {
	Capacity    int     `mapstructure:"capacity"`
	WindowMS    int     `mapstructure:"window_ms"`
	TailGuardMS int     `mapstructure:"tail_guard_ms"`
	Threshold   float64 `mapstructure:"threshold"`
}

// StallConfig shapes the gentle prompt attached to a stall-escape commit.
type StallConfig struct {
	PromptText   string            `mapstructure:"prompt_text"`
	PromptByBand map[string]string `mapstructure:"prompt_by_band"`
}

type DeliveryConfig struct {
	Retries           int `mapstructure:"retries"`
	RetryBackoffMS    int `mapstructure:"retry_backoff_ms"`
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir string  `mapstructure:"artifacts_dir"`
	EventLog     string  `mapstructure:"event_log"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	AsyncBuffer  int     `mapstructure:"async_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("session.default_band", "g3_5")
	v.SetDefault("session.default_mode", "default")
	v.SetDefault("session.adaptive", true)
	v.SetDefault("session.queue_high", 64)
	v.SetDefault("session.queue_low", 512)
	v.SetDefault("session.max_audio_lag_ms", 2000)
	v.SetDefault("session.floor_window_ms", 1500)
	v.SetDefault("echo.capacity", 3)
	v.SetDefault("echo.window_ms", 2500)
	v.SetDefault("echo.tail_guard_ms", 700)
	v.SetDefault("echo.threshold", 0.85)
	v.SetDefault("stall.prompt_text", "Take your time. Want a hint?")
	v.SetDefault("delivery.retries", 2)
	v.SetDefault("delivery.retry_backoff_ms", 200)
	v.SetDefault("delivery.breaker_threshold", 3)
	v.SetDefault("delivery.breaker_cooldown_ms", 30000)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.event_log", "")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.async_buffer", 1024)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
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
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Responder.Provider) == "" {
		return fmt.Errorf("responder.provider is required")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be within [0,1]")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transcriber.Settings = expandSettings(cfg.Transcriber.Settings)
	cfg.Responder.Settings = expandSettings(cfg.Responder.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
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
