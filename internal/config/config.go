// Package config implements the engine's configuration: service settings
// (storage, worker concurrency, retry schedule) and SMTP settings
// (hello domain, relay, auth, TLS policy), loaded from a YAML file with
// github.com/knadh/koanf/v2, in place of chasquid's protobuf-based loader.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"blitiri.com.ar/go/log"

	"ogn.dev/smtpsender/internal/auth"
	"ogn.dev/smtpsender/internal/resolver"
)

// Config is the top-level engine configuration.
type Config struct {
	Service ServiceConfig `koanf:"service"`
	SMTP    SMTPConfig    `koanf:"smtp"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServiceConfig controls the persistent store and worker pool set up by
// set_service_settings.
type ServiceConfig struct {
	StoreDir              string `koanf:"store_dir"`
	OpenOversizeFilesTarget int  `koanf:"open_oversize_files_target"`
	CachedPagesTarget      int   `koanf:"cached_pages_target"`

	Workers            int    `koanf:"workers"`
	PollInterval       string `koanf:"poll_interval"`
	GiveUpSendAfter    string `koanf:"give_up_send_after"`
	RetryScheduleMins  []int  `koanf:"retry_schedule_minutes"`
}

// SMTPConfig controls the SMTP delivery attempt behaviour.
type SMTPConfig struct {
	HelloDomain  string `koanf:"hello_domain"`
	DialTimeout  string `koanf:"dial_timeout"`
	TotalTimeout string `koanf:"total_timeout"`

	RelayHost        string `koanf:"relay_host"`
	RelayImplicitTLS bool   `koanf:"relay_implicit_tls"`
	AuthType         string `koanf:"auth_type"`
	AuthUser         string `koanf:"auth_user"`
	AuthPass         string `koanf:"auth_pass"`

	// IPVerPref governs which address family is used when dialling an MX
	// host: "", "either", "a_only", "aaaa_only", "prefer_a", "prefer_aaaa".
	IPVerPref string `koanf:"ip_ver_pref"`

	STSEnabled bool `koanf:"sts_enabled"`
}

// LoggingConfig controls where send activity and traces are written.
type LoggingConfig struct {
	SendLogPath string `koanf:"send_log_path"`
}

// DefaultConfig returns a configuration with sensible defaults, mirroring
// chasquid's defaultConfig.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			StoreDir:                "/var/lib/ognsend",
			OpenOversizeFilesTarget: 200,
			CachedPagesTarget:       10000,
			Workers:                 4,
			PollInterval:            "10s",
			GiveUpSendAfter:         "20h",
			RetryScheduleMins:       []int{1, 3, 10, 30, 60, 120, 240, 480, 960},
		},
		SMTP: SMTPConfig{
			HelloDomain:  "localhost",
			DialTimeout:  "1m",
			TotalTimeout: "10m",
			AuthType:     "none",
		},
		Logging: LoggingConfig{
			SendLogPath: "<syslog>",
		},
	}
}

// Load reads configuration from path, applying overrides on top of
// DefaultConfig, then validates the result.
func Load(path string) (*Config, error) {
	c := DefaultConfig()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %w", path, err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %w", path, err)
	}
	if err := k.Unmarshal("", c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the loaded configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.Service.StoreDir == "" {
		return fmt.Errorf("service.store_dir is required")
	}
	if c.Service.Workers < 1 {
		return fmt.Errorf("service.workers must be at least 1")
	}
	if _, err := time.ParseDuration(c.Service.PollInterval); err != nil {
		return fmt.Errorf("invalid service.poll_interval %q: %w", c.Service.PollInterval, err)
	}
	if _, err := time.ParseDuration(c.Service.GiveUpSendAfter); err != nil {
		return fmt.Errorf("invalid service.give_up_send_after %q: %w", c.Service.GiveUpSendAfter, err)
	}
	for _, m := range c.Service.RetryScheduleMins {
		if m <= 0 {
			return fmt.Errorf("service.retry_schedule_minutes entries must be positive, got %d", m)
		}
	}

	if _, err := time.ParseDuration(c.SMTP.DialTimeout); err != nil {
		return fmt.Errorf("invalid smtp.dial_timeout %q: %w", c.SMTP.DialTimeout, err)
	}
	if _, err := time.ParseDuration(c.SMTP.TotalTimeout); err != nil {
		return fmt.Errorf("invalid smtp.total_timeout %q: %w", c.SMTP.TotalTimeout, err)
	}
	if _, err := auth.ParseType(c.SMTP.AuthType); err != nil {
		return fmt.Errorf("invalid smtp.auth_type %q: %w", c.SMTP.AuthType, err)
	}
	if _, err := resolver.ParseIPVerPreference(c.SMTP.IPVerPref); err != nil {
		return fmt.Errorf("invalid smtp.ip_ver_pref %q: %w", c.SMTP.IPVerPref, err)
	}

	return nil
}

// IPVerPreference parses SMTP.IPVerPref. Validated at Load time, so the
// error is always nil in practice.
func (c *Config) IPVerPreference() resolver.IPVerPreference {
	p, _ := resolver.ParseIPVerPreference(c.SMTP.IPVerPref)
	return p
}

// PollInterval parses Service.PollInterval. Validated at Load time, so the
// error is always nil in practice.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Service.PollInterval)
	return d
}

// GiveUpSendAfter parses Service.GiveUpSendAfter.
func (c *Config) GiveUpSendAfter() time.Duration {
	d, _ := time.ParseDuration(c.Service.GiveUpSendAfter)
	return d
}

// DialTimeout parses SMTP.DialTimeout.
func (c *Config) DialTimeout() time.Duration {
	d, _ := time.ParseDuration(c.SMTP.DialTimeout)
	return d
}

// TotalTimeout parses SMTP.TotalTimeout.
func (c *Config) TotalTimeout() time.Duration {
	d, _ := time.ParseDuration(c.SMTP.TotalTimeout)
	return d
}

// LogConfig logs the given configuration, in a human-friendly way, matching
// chasquid's LogConfig.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Store dir: %q", c.Service.StoreDir)
	log.Infof("  Workers: %d", c.Service.Workers)
	log.Infof("  Poll interval: %s", c.Service.PollInterval)
	log.Infof("  Give up send after: %s", c.Service.GiveUpSendAfter)
	log.Infof("  Retry schedule (min): %v", c.Service.RetryScheduleMins)
	log.Infof("  SMTP hello domain: %q", c.SMTP.HelloDomain)
	log.Infof("  SMTP relay host: %q", c.SMTP.RelayHost)
	log.Infof("  SMTP relay implicit TLS: %v", c.SMTP.RelayImplicitTLS)
	log.Infof("  SMTP auth type: %q", c.SMTP.AuthType)
	log.Infof("  SMTP IP version preference: %s", c.IPVerPreference())
	log.Infof("  STS enabled: %v", c.SMTP.STSEnabled)
	log.Infof("  Send log: %q", c.Logging.SendLogPath)
}
