// Package config loads the settings shared by the shadowstack binaries from
// a YAML/JSON/TOML file plus SHADOWSTACK_* environment overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/harunnryd/shadowstack/pkg/configutil"
	"github.com/harunnryd/shadowstack/pkg/errorsx"
	"github.com/harunnryd/shadowstack/pkg/tracker"
	"github.com/harunnryd/shadowstack/pkg/transports"
)

const EnvPrefix = "SHADOWSTACK"

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	LogFormat   string          `mapstructure:"log_format"`
	Tracker     tracker.Config  `mapstructure:"tracker"`
	Transport   TransportConfig `mapstructure:"transport"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Privacy     PrivacyConfig   `mapstructure:"privacy"`
	Collector   CollectorConfig `mapstructure:"collector"`
}

// TransportConfig selects a submitter from the transport registry.
type TransportConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type MetricsConfig struct {
	// ListenAddr serves /metrics when set.
	ListenAddr  string `mapstructure:"listen_addr"`
	JSONLPath   string `mapstructure:"jsonl_path"`
	AsyncBuffer int    `mapstructure:"async_buffer"`
}

type PrivacyConfig struct {
	RedactPII *bool `mapstructure:"redact_pii"`
}

// CollectorConfig configures the local development collector.
type CollectorConfig struct {
	ListenAddr string   `mapstructure:"listen_addr"`
	APIKeys    []string `mapstructure:"api_keys"`
	MaxBodyKB  int      `mapstructure:"max_body_kb"`
}

// LoadConfig reads path (optional) and applies environment overrides such as
// SHADOWSTACK_TRACKER_API_KEY. String values may reference ${ENV} variables.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("tracker.api_key", "")
	v.SetDefault("tracker.project_id", "")
	v.SetDefault("tracker.endpoint", tracker.DefaultEndpoint)
	v.SetDefault("tracker.debug", false)
	v.SetDefault("tracker.flush_interval", tracker.DefaultFlushInterval)
	v.SetDefault("tracker.flush_threshold", tracker.DefaultFlushThreshold)
	v.SetDefault("tracker.submit_timeout", tracker.DefaultSubmitTimeout)
	v.SetDefault("tracker.max_queue", 0)
	v.SetDefault("tracker.threshold_flush_spacing", tracker.DefaultThresholdFlushSpacing)
	v.SetDefault("transport.provider", "http")
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("metrics.async_buffer", 1024)
	v.SetDefault("collector.listen_addr", ":8089")
	v.SetDefault("collector.max_body_kb", 8192)
	// No default: an absent rate must stay nil so the tracker default applies.
	_ = v.BindEnv("tracker.sample_rate")
	_ = v.BindEnv("privacy.redact_pii")

	if path != "" {
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
	if err := configutil.RequireString(c.Tracker.ProjectID, "tracker.project_id"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Transport.Provider, "transport.provider"); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return errorsx.Errorf(errorsx.ReasonConfigInvalid, "log_format %q must be json or text", c.LogFormat)
	}
	if r := c.Tracker.SampleRate; r != nil && (*r < 0 || *r > 1) {
		return errorsx.Errorf(errorsx.ReasonConfigInvalid, "tracker.sample_rate %v outside [0,1]", *r)
	}
	return c.Tracker.WithDefaults().Validate()
}

// RedactPII defaults to true.
func (c Config) RedactPII() bool {
	return configutil.BoolValue(c.Privacy.RedactPII, true)
}

// Credentials returns what the transport registry needs to build a submitter.
func (c Config) Credentials() transports.Credentials {
	return transports.Credentials{
		APIKey:    c.Tracker.APIKey,
		ProjectID: c.Tracker.ProjectID,
		Endpoint:  c.Tracker.Endpoint,
	}
}

// BuildSubmitter builds the configured submitter from reg.
func (c Config) BuildSubmitter(reg *transports.Registry) (transports.Submitter, error) {
	if reg == nil {
		reg = transports.NewDefaultRegistry()
	}
	return reg.Build(c.Transport.Provider, c.Credentials(), c.Transport.Settings)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
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
	}
}
