package tracker

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/shadowstack/pkg/configutil"
	"github.com/harunnryd/shadowstack/pkg/errorsx"
)

const (
	DefaultEndpoint       = "https://api.shadowstack.dev/v1/track"
	DefaultSampleRate     = 0.1
	DefaultFlushInterval  = 60 * time.Second
	DefaultFlushThreshold = 100
	DefaultSubmitTimeout  = 10 * time.Second
)

// DefaultThresholdFlushSpacing leaves threshold flushes unthrottled.
const DefaultThresholdFlushSpacing time.Duration = 0

// Config is fixed for the lifetime of a Tracker.
type Config struct {
	APIKey    string `mapstructure:"api_key"`
	ProjectID string `mapstructure:"project_id"`
	Endpoint  string `mapstructure:"endpoint"`
	// SampleRate is the probability that an event is kept. nil means
	// DefaultSampleRate; an explicit 0 keeps nothing.
	SampleRate *float64 `mapstructure:"sample_rate"`
	Debug      bool     `mapstructure:"debug"`

	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	FlushThreshold int           `mapstructure:"flush_threshold"`
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout"`
	// MaxQueue caps queued events, dropping the oldest. 0 means unbounded.
	MaxQueue int `mapstructure:"max_queue"`
	// ThresholdFlushSpacing is the minimum gap between threshold-triggered
	// flushes. Zero or negative means every threshold crossing flushes.
	ThresholdFlushSpacing time.Duration `mapstructure:"threshold_flush_spacing"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = DefaultEndpoint
	}
	rate := configutil.FloatValue(c.SampleRate, DefaultSampleRate)
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	c.SampleRate = &rate
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = DefaultFlushThreshold
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.MaxQueue < 0 {
		c.MaxQueue = 0
	}
	if c.ThresholdFlushSpacing < 0 {
		c.ThresholdFlushSpacing = 0
	}
	return c
}

// Validate checks a config after defaults are applied.
func (c Config) Validate() error {
	if c.MaxQueue > 0 && c.MaxQueue < c.FlushThreshold {
		return errorsx.Errorf(errorsx.ReasonConfigInvalid,
			"max_queue (%d) must not be below flush_threshold (%d)", c.MaxQueue, c.FlushThreshold)
	}
	if c.SampleRate != nil && (*c.SampleRate < 0 || *c.SampleRate > 1) {
		return errorsx.Errorf(errorsx.ReasonConfigInvalid, "sample_rate %v outside [0,1]", *c.SampleRate)
	}
	return nil
}

// Rate returns the effective sample rate.
func (c Config) Rate() float64 {
	return configutil.FloatValue(c.SampleRate, DefaultSampleRate)
}

// Float is a helper for setting Config.SampleRate.
func Float(v float64) *float64 { return &v }

func (c Config) String() string {
	key := "<unset>"
	if c.APIKey != "" {
		key = "<redacted>"
	}
	return fmt.Sprintf("project=%s endpoint=%s sample_rate=%v api_key=%s", c.ProjectID, c.Endpoint, c.Rate(), key)
}
