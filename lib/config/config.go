// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/storyweave/storyweave/lib/codec"
	"github.com/storyweave/storyweave/lib/featureflag"
)

// EnvPrefix prefixes every environment variable this package reads.
const EnvPrefix = "STORYWEAVE_"

// ConfigEnvVar names the variable Load reads the file path from.
const ConfigEnvVar = EnvPrefix + "CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the client configuration.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	Sync      SyncConfig      `yaml:"sync"`
	Media     MediaConfig     `yaml:"media"`
	Features  FeaturesConfig  `yaml:"features"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Per-environment overrides, applied after the base sections.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the sections an environment may override. Only
// non-zero fields replace base values, except in Features where every
// flag given is applied.
type Overrides struct {
	Sync      *SyncConfig       `yaml:"sync,omitempty"`
	Media     *MediaConfig      `yaml:"media,omitempty"`
	Features  *FeatureOverrides `yaml:"features,omitempty"`
	Telemetry *TelemetryConfig  `yaml:"telemetry,omitempty"`
}

// SyncConfig configures the operation channels.
type SyncConfig struct {
	// APIURL is the sync API root used by the persistent channel.
	APIURL string `yaml:"api_url" env:"API_URL"`

	// StreamURL is the WebSocket endpoint. Empty disables streaming.
	StreamURL string `yaml:"stream_url" env:"STREAM_URL"`

	// Token authenticates both channels.
	Token string `yaml:"token" env:"TOKEN"`

	// ActorID is recorded on operations created by the CLI.
	ActorID string `yaml:"actor_id" env:"ACTOR_ID"`

	// RequestTimeout bounds each persistent-channel request.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`

	// SendTimeout bounds the wait for a streaming acknowledgement.
	SendTimeout time.Duration `yaml:"send_timeout" env:"SEND_TIMEOUT"`

	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	HealthInterval time.Duration `yaml:"health_interval" env:"HEALTH_INTERVAL"`

	// Compression is none, lz4, or zstd.
	Compression       string `yaml:"compression" env:"COMPRESSION"`
	CompressThreshold int    `yaml:"compress_threshold" env:"COMPRESS_THRESHOLD"`
}

// MediaConfig configures URL resolution.
type MediaConfig struct {
	// ResolveURL is the media service root for batch resolution.
	ResolveURL string `yaml:"resolve_url" env:"RESOLVE_URL"`

	// ProxyURL is the media proxy root for thumbnails.
	ProxyURL string `yaml:"proxy_url" env:"PROXY_URL"`

	// Token authenticates resolve calls. Defaults to sync.token.
	Token string `yaml:"token" env:"TOKEN"`

	CacheTTL       time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	SweepInterval  time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout" env:"RESOLVE_TIMEOUT"`
}

// FeaturesConfig holds the initial feature flag values.
type FeaturesConfig struct {
	StreamingPreferred    bool `yaml:"streaming_preferred" env:"STREAMING_PREFERRED"`
	RealtimeCollaboration bool `yaml:"realtime_collaboration" env:"REALTIME_COLLABORATION"`
}

// FeatureOverrides distinguishes "not mentioned" from "false".
type FeatureOverrides struct {
	StreamingPreferred    *bool `yaml:"streaming_preferred,omitempty"`
	RealtimeCollaboration *bool `yaml:"realtime_collaboration,omitempty"`
}

// Flags returns the values keyed by featureflag name.
func (f FeaturesConfig) Flags() map[string]bool {
	return map[string]bool{
		featureflag.StreamingPreferred:    f.StreamingPreferred,
		featureflag.RealtimeCollaboration: f.RealtimeCollaboration,
	}
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	// OTLPEndpoint is an OTLP/HTTP collector URL. Empty disables
	// export.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`

	// ServiceName is reported on every span.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`

	// SampleRatio is the fraction of traces kept, 0 to 1.
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Default returns the development defaults every loaded file is
// merged over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Sync: SyncConfig{
			APIURL:            "http://localhost:8470",
			StreamURL:         "",
			RequestTimeout:    30 * time.Second,
			SendTimeout:       5 * time.Second,
			WriteTimeout:      5 * time.Second,
			ReadTimeout:       45 * time.Second,
			PingInterval:      15 * time.Second,
			HealthInterval:    15 * time.Second,
			Compression:       "lz4",
			CompressThreshold: 1024,
		},
		Media: MediaConfig{
			ResolveURL:     "http://localhost:8470",
			ProxyURL:       "http://localhost:8470",
			CacheTTL:       45 * time.Minute,
			SweepInterval:  5 * time.Minute,
			ResolveTimeout: 30 * time.Second,
		},
		Features: FeaturesConfig{
			StreamingPreferred:    true,
			RealtimeCollaboration: false,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "storyweave-sync",
			SampleRatio: 1,
		},
	}
}

// Load loads the file named by STORYWEAVE_CONFIG. There is no search
// path: if the variable is unset, Load fails.
func Load() (*Config, error) {
	path := os.Getenv(ConfigEnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your storyweave.yaml, or use --config", ConfigEnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads path over Default, then applies, in order: the
// override section for the environment, ${VAR:-default} expansion,
// and STORYWEAVE_* environment variables. The result is not
// validated; call Validate.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnvironment builds a config from Default and STORYWEAVE_*
// variables alone, for commands run without a config file.
func FromEnvironment() (*Config, error) {
	cfg := Default()
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	// The environment variable picks the override section too.
	if name, ok := os.LookupEnv(EnvPrefix + "ENVIRONMENT"); ok && name != "" {
		c.Environment = Environment(name)
	}
	c.applyEnvironmentOverrides()
	c.expandVariables()
	for _, section := range []struct {
		prefix string
		target any
	}{
		{"SYNC_", &c.Sync},
		{"MEDIA_", &c.Media},
		{"FEATURE_", &c.Features},
		{"TELEMETRY_", &c.Telemetry},
	} {
		if err := env.ParseWithOptions(section.target, env.Options{Prefix: EnvPrefix + section.prefix}); err != nil {
			return fmt.Errorf("parsing %s%s* environment: %w", EnvPrefix, section.prefix, err)
		}
	}
	if c.Media.Token == "" {
		c.Media.Token = c.Sync.Token
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if sync := overrides.Sync; sync != nil {
		setString(&c.Sync.APIURL, sync.APIURL)
		setString(&c.Sync.StreamURL, sync.StreamURL)
		setString(&c.Sync.Token, sync.Token)
		setString(&c.Sync.ActorID, sync.ActorID)
		setDuration(&c.Sync.RequestTimeout, sync.RequestTimeout)
		setDuration(&c.Sync.SendTimeout, sync.SendTimeout)
		setDuration(&c.Sync.WriteTimeout, sync.WriteTimeout)
		setDuration(&c.Sync.ReadTimeout, sync.ReadTimeout)
		setDuration(&c.Sync.PingInterval, sync.PingInterval)
		setDuration(&c.Sync.HealthInterval, sync.HealthInterval)
		setString(&c.Sync.Compression, sync.Compression)
		if sync.CompressThreshold != 0 {
			c.Sync.CompressThreshold = sync.CompressThreshold
		}
	}
	if media := overrides.Media; media != nil {
		setString(&c.Media.ResolveURL, media.ResolveURL)
		setString(&c.Media.ProxyURL, media.ProxyURL)
		setString(&c.Media.Token, media.Token)
		setDuration(&c.Media.CacheTTL, media.CacheTTL)
		setDuration(&c.Media.SweepInterval, media.SweepInterval)
		setDuration(&c.Media.ResolveTimeout, media.ResolveTimeout)
	}
	if features := overrides.Features; features != nil {
		if features.StreamingPreferred != nil {
			c.Features.StreamingPreferred = *features.StreamingPreferred
		}
		if features.RealtimeCollaboration != nil {
			c.Features.RealtimeCollaboration = *features.RealtimeCollaboration
		}
	}
	if telemetry := overrides.Telemetry; telemetry != nil {
		setString(&c.Telemetry.OTLPEndpoint, telemetry.OTLPEndpoint)
		setString(&c.Telemetry.ServiceName, telemetry.ServiceName)
		if telemetry.SampleRatio != 0 {
			c.Telemetry.SampleRatio = telemetry.SampleRatio
		}
	}
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func setDuration(target *time.Duration, value time.Duration) {
	if value != 0 {
		*target = value
	}
}

func (c *Config) expandVariables() {
	for _, field := range []*string{
		&c.Sync.APIURL,
		&c.Sync.StreamURL,
		&c.Sync.Token,
		&c.Sync.ActorID,
		&c.Media.ResolveURL,
		&c.Media.ProxyURL,
		&c.Media.Token,
		&c.Telemetry.OTLPEndpoint,
	} {
		*field = expandVars(*field)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default} with the environment
// value, or the default when VAR is unset or empty.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	errs = append(errs, checkURL("sync.api_url", c.Sync.APIURL, true, "http", "https"))
	errs = append(errs, checkURL("sync.stream_url", c.Sync.StreamURL, false, "ws", "wss"))
	errs = append(errs, checkURL("media.resolve_url", c.Media.ResolveURL, false, "http", "https"))
	errs = append(errs, checkURL("media.proxy_url", c.Media.ProxyURL, false, "http", "https"))
	errs = append(errs, checkURL("telemetry.otlp_endpoint", c.Telemetry.OTLPEndpoint, false, "http", "https"))

	for name, value := range map[string]time.Duration{
		"sync.request_timeout":  c.Sync.RequestTimeout,
		"sync.send_timeout":     c.Sync.SendTimeout,
		"sync.write_timeout":    c.Sync.WriteTimeout,
		"sync.read_timeout":     c.Sync.ReadTimeout,
		"sync.ping_interval":    c.Sync.PingInterval,
		"sync.health_interval":  c.Sync.HealthInterval,
		"media.cache_ttl":       c.Media.CacheTTL,
		"media.sweep_interval":  c.Media.SweepInterval,
		"media.resolve_timeout": c.Media.ResolveTimeout,
	} {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, value))
		}
	}
	if c.Sync.ReadTimeout <= c.Sync.PingInterval {
		errs = append(errs, fmt.Errorf("sync.read_timeout (%s) must exceed sync.ping_interval (%s)",
			c.Sync.ReadTimeout, c.Sync.PingInterval))
	}
	if _, err := codec.ParseCompression(c.Sync.Compression); err != nil {
		errs = append(errs, fmt.Errorf("sync.compression: %w", err))
	}
	if c.Sync.CompressThreshold < 0 {
		errs = append(errs, fmt.Errorf("sync.compress_threshold must not be negative"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be between 0 and 1, got %g", c.Telemetry.SampleRatio))
	}

	return errors.Join(errs...)
}

// checkURL validates an absolute URL with one of schemes. Empty is
// accepted unless required.
func checkURL(name, value string, required bool, schemes ...string) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %v URL", name, value, schemes)
}
