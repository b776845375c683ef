package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/secure-storage/blobrelocator/config"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, config.BackendAzure, c.Storage.Backend)
	assert.Equal(t, "Microsoft.Security.MalwareScanningResult", c.Event.Type)
	assert.Equal(t, "Malicious", c.Verdict.Malicious)
	assert.Equal(t, "No threats found", c.Verdict.Clean)
	assert.Equal(t, "https://quarantinestoragesc.blob.core.windows.net", c.Destinations.Quarantine)
	assert.Equal(t, "https://securestoragesc.blob.core.windows.net", c.Destinations.Clean)
	assert.Equal(t, time.Hour, c.Relocator.TokenTTL)
	assert.Equal(t, 2*time.Second, c.Relocator.CopyPollInterval)
	assert.False(t, c.Relocator.RetainSourceOnCopyFailure)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("BLOBRELOCATOR_DESTINATIONS_CLEAN", "https://cleanstorage.blob.core.windows.net")
	t.Setenv("BLOBRELOCATOR_RELOCATOR_TOKEN_TTL", "15m")
	t.Setenv("BLOBRELOCATOR_RELOCATOR_RETAIN_SOURCE_ON_COPY_FAILURE", "true")
	t.Setenv("BLOBRELOCATOR_STORAGE_BACKEND", "memory")

	c, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://cleanstorage.blob.core.windows.net", c.Destinations.Clean)
	assert.Equal(t, 15*time.Minute, c.Relocator.TokenTTL)
	assert.True(t, c.Relocator.RetainSourceOnCopyFailure)
	assert.Equal(t, config.BackendMemory, c.Storage.Backend)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobrelocator.yaml")
	content := `
http:
  addr: ":9090"
  webhook_key: s3cret
storage:
  backend: gcs
  gcs:
    project_id: secure-storage
    service_account: /etc/blobrelocator/key.json
destinations:
  quarantine: https://quarantine.example.com
  clean: https://clean.example.com
relocator:
  token_ttl: 30m
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.HTTP.Addr)
	assert.Equal(t, "s3cret", c.HTTP.WebhookKey)
	assert.Equal(t, config.BackendGCS, c.Storage.Backend)
	assert.Equal(t, "secure-storage", c.Storage.GCS.ProjectID)
	assert.Equal(t, "/etc/blobrelocator/key.json", c.Storage.GCS.ServiceAccount)
	assert.Equal(t, "https://quarantine.example.com", c.Destinations.Quarantine)
	assert.Equal(t, 30*time.Minute, c.Relocator.TokenTTL)
	assert.Equal(t, "debug", c.Log.Level)
	// Keys missing from the file keep their defaults.
	assert.Equal(t, 2*time.Second, c.Relocator.CopyPollInterval)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *config.Config {
		c, err := config.Load("")
		require.NoError(t, err)
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(c *config.Config) {},
		},
		{
			name:    "unknown backend",
			mutate:  func(c *config.Config) { c.Storage.Backend = "s3" },
			wantErr: `unknown storage backend "s3"`,
		},
		{
			name:    "gcs without project",
			mutate:  func(c *config.Config) { c.Storage.Backend = config.BackendGCS },
			wantErr: "storage.gcs.project_id",
		},
		{
			name:    "empty destination",
			mutate:  func(c *config.Config) { c.Destinations.Clean = "" },
			wantErr: "destinations.clean are required",
		},
		{
			name: "same destinations",
			mutate: func(c *config.Config) {
				c.Destinations.Clean = c.Destinations.Quarantine
			},
			wantErr: "must differ",
		},
		{
			name:    "empty verdict label",
			mutate:  func(c *config.Config) { c.Verdict.Malicious = "" },
			wantErr: "verdict labels",
		},
		{
			name:    "token ttl too long",
			mutate:  func(c *config.Config) { c.Relocator.TokenTTL = 25 * time.Hour },
			wantErr: "relocator.token_ttl",
		},
		{
			name:    "zero token ttl",
			mutate:  func(c *config.Config) { c.Relocator.TokenTTL = 0 },
			wantErr: "relocator.token_ttl",
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *config.Config) { c.Relocator.CopyPollInterval = 0 },
			wantErr: "copy_poll_interval",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)

			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
