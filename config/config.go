// Package config loads daemon settings from an optional YAML file and
// BLOBRELOCATOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendAzure  = "azure"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// MaxTokenTTL caps the lifetime of delegated read tokens.
const MaxTokenTTL = 24 * time.Hour

type Config struct {
	HTTP struct {
		Addr       string
		Domain     string
		DebugAddr  string `mapstructure:"debug_addr"`
		WebhookKey string `mapstructure:"webhook_key"`
	}
	Storage struct {
		Backend string
		GCS     struct {
			ProjectID      string `mapstructure:"project_id"`
			ServiceAccount string `mapstructure:"service_account"`
		}
	}
	Event struct {
		Type string
	}
	Verdict struct {
		Malicious string
		Clean     string
	}
	Destinations struct {
		Quarantine string
		Clean      string
	}
	Relocator struct {
		TokenTTL                  time.Duration `mapstructure:"token_ttl"`
		CopyPollInterval          time.Duration `mapstructure:"copy_poll_interval"`
		RetainSourceOnCopyFailure bool          `mapstructure:"retain_source_on_copy_failure"`
	}
	Log struct {
		Level string
	}
	Rollbar struct {
		Token       string
		Environment string
	}
}

// Load reads configPath, if given, over the defaults and applies environment
// overrides such as BLOBRELOCATOR_DESTINATIONS_CLEAN.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("blobrelocator")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.domain", "")
	v.SetDefault("http.debug_addr", ":6060")
	v.SetDefault("http.webhook_key", "")
	v.SetDefault("storage.backend", BackendAzure)
	v.SetDefault("storage.gcs.project_id", "")
	v.SetDefault("storage.gcs.service_account", "")
	v.SetDefault("event.type", "Microsoft.Security.MalwareScanningResult")
	v.SetDefault("verdict.malicious", "Malicious")
	v.SetDefault("verdict.clean", "No threats found")
	v.SetDefault("destinations.quarantine", "https://quarantinestoragesc.blob.core.windows.net")
	v.SetDefault("destinations.clean", "https://securestoragesc.blob.core.windows.net")
	v.SetDefault("relocator.token_ttl", time.Hour)
	v.SetDefault("relocator.copy_poll_interval", 2*time.Second)
	v.SetDefault("relocator.retain_source_on_copy_failure", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("rollbar.token", "")
	v.SetDefault("rollbar.environment", "development")
}

// Validate rejects settings the daemon cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendAzure, BackendMemory:
	case BackendGCS:
		if c.Storage.GCS.ProjectID == "" || c.Storage.GCS.ServiceAccount == "" {
			errs = append(errs, errors.New("storage.gcs.project_id and storage.gcs.service_account are required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if c.Destinations.Quarantine == "" || c.Destinations.Clean == "" {
		errs = append(errs, errors.New("both destinations.quarantine and destinations.clean are required"))
	}
	if c.Destinations.Quarantine == c.Destinations.Clean {
		errs = append(errs, errors.New("quarantine and clean destinations must differ"))
	}
	if c.Verdict.Malicious == "" || c.Verdict.Clean == "" || c.Event.Type == "" {
		errs = append(errs, errors.New("event type and verdict labels must not be empty"))
	}
	if c.Relocator.TokenTTL <= 0 || c.Relocator.TokenTTL > MaxTokenTTL {
		errs = append(errs, fmt.Errorf("relocator.token_ttl must be in (0, %s], got %s", MaxTokenTTL, c.Relocator.TokenTTL))
	}
	if c.Relocator.CopyPollInterval <= 0 {
		errs = append(errs, errors.New("relocator.copy_poll_interval must be positive"))
	}

	return errors.Join(errs...)
}
