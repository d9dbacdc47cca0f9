// Package config loads the salined configuration: a YAML file with
// SALINE_-prefixed environment overrides, plus an optional Vault overlay
// for the values operators prefer not to keep on disk.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/openSUSE/saline/internal/event"
)

// DefaultPath is where salined looks for its configuration when no
// --config flag is given.
const DefaultPath = "/etc/salined/salined.yaml"

// Bus configures the event-bus subscription.
type Bus struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// RestAPI configures the scrape endpoint listener.
type RestAPI struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Backlog      int    `mapstructure:"backlog"`
	NumProcesses int    `mapstructure:"num_processes"`
	DisableSSL   bool   `mapstructure:"disable_ssl"`
	SSLCrt       string `mapstructure:"ssl_crt"`
	SSLKey       string `mapstructure:"ssl_key"`
	Debug        bool   `mapstructure:"debug"`
}

// Vault configures the optional secret overlay. Address and token fall
// back to the standard VAULT_ADDR / VAULT_TOKEN environment variables.
type Vault struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	SecretPath string `mapstructure:"secret_path"`
}

// Config is the full salined configuration.
type Config struct {
	EventsRegexFilter string   `mapstructure:"events_regex_filter"`
	EventsAdditional  []string `mapstructure:"events_additional"`

	ReadersSubprocesses int `mapstructure:"readers_subprocesses"`
	QueueSize           int `mapstructure:"queue_size"`

	RenameRules event.RulesConfig `mapstructure:"rename_rules"`

	// Intervals and timeouts, seconds.
	JobTimeout                int `mapstructure:"job_timeout"`
	JobTimeoutCheckInterval   int `mapstructure:"job_timeout_check_interval"`
	JobMetricsUpdateInterval  int `mapstructure:"job_metrics_update_interval"`
	JobJidsCleanupInterval    int `mapstructure:"job_jids_cleanup_interval"`
	MetricsTimeout            int `mapstructure:"metrics_timeout"`

	Bus     Bus     `mapstructure:"bus"`
	RestAPI RestAPI `mapstructure:"restapi"`
	Vault   Vault   `mapstructure:"vault"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("readers_subprocesses", 1)
	v.SetDefault("queue_size", 4096)
	v.SetDefault("job_timeout", 1200)
	v.SetDefault("job_timeout_check_interval", 120)
	v.SetDefault("job_metrics_update_interval", 5)
	v.SetDefault("job_jids_cleanup_interval", 30)
	v.SetDefault("metrics_timeout", 120)
	v.SetDefault("bus.url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.subject", "salt.events.>")
	v.SetDefault("restapi.host", "0.0.0.0")
	v.SetDefault("restapi.port", 8216)
	v.SetDefault("restapi.backlog", 128)
	v.SetDefault("restapi.num_processes", 1)
}

// Load reads the configuration from path (DefaultPath when empty),
// applies environment overrides, the Vault overlay, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SALINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// No config file: environment and defaults only.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.applyVault(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyVault overlays secrets on top of the file configuration. The
// overlay is active only when a secret path is configured.
func (c *Config) applyVault() error {
	if c.Vault.SecretPath == "" {
		return nil
	}
	sm, err := NewSecretManager(c.Vault.Address, c.Vault.Token)
	if err != nil {
		return err
	}
	secrets, err := sm.GetKV2(c.Vault.SecretPath)
	if err != nil {
		return fmt.Errorf("load secrets from vault: %w", err)
	}
	if s, ok := secrets["BUS_URL"].(string); ok && s != "" {
		c.Bus.URL = s
	}
	if s, ok := secrets["SSL_CRT"].(string); ok && s != "" {
		c.RestAPI.SSLCrt = s
	}
	if s, ok := secrets["SSL_KEY"].(string); ok && s != "" {
		c.RestAPI.SSLKey = s
	}
	return nil
}

// Validate checks the configuration invariants that must fail startup.
func (c *Config) Validate() error {
	if c.EventsRegexFilter == "" {
		return fmt.Errorf("events_regex_filter is required")
	}
	if _, err := regexp.Compile(c.EventsRegexFilter); err != nil {
		return fmt.Errorf("events_regex_filter: %w", err)
	}
	for _, f := range c.EventsAdditional {
		if _, err := regexp.Compile(f); err != nil {
			return fmt.Errorf("events_additional %q: %w", f, err)
		}
	}
	if c.ReadersSubprocesses < 1 {
		return fmt.Errorf("readers_subprocesses must be at least 1")
	}

	api := c.RestAPI
	if api.NumProcesses > 1 && api.Debug {
		return fmt.Errorf("restapi debug is not compatible with num_processes > 1")
	}
	if !api.DisableSSL {
		if api.SSLCrt == "" {
			return fmt.Errorf("restapi.ssl_crt is required unless restapi.disable_ssl is set")
		}
		if _, err := os.Stat(api.SSLCrt); err != nil {
			return fmt.Errorf("could not find a certificate: %s", api.SSLCrt)
		}
		if api.SSLKey != "" {
			if _, err := os.Stat(api.SSLKey); err != nil {
				return fmt.Errorf("could not find a certificate key: %s", api.SSLKey)
			}
		}
	}
	return nil
}
