package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "salined.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
events_regex_filter: "salt/.*"
restapi:
  disable_ssl: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "salt/.*", cfg.EventsRegexFilter)
	assert.Equal(t, 1, cfg.ReadersSubprocesses)
	assert.Equal(t, 1200, cfg.JobTimeout)
	assert.Equal(t, 120, cfg.JobTimeoutCheckInterval)
	assert.Equal(t, 5, cfg.JobMetricsUpdateInterval)
	assert.Equal(t, 30, cfg.JobJidsCleanupInterval)
	assert.Equal(t, 120, cfg.MetricsTimeout)
	assert.Equal(t, "0.0.0.0", cfg.RestAPI.Host)
	assert.Equal(t, 8216, cfg.RestAPI.Port)
	assert.Equal(t, 128, cfg.RestAPI.Backlog)
	assert.Equal(t, 1, cfg.RestAPI.NumProcesses)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Bus.URL)
	assert.Equal(t, "salt.events.>", cfg.Bus.Subject)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
events_regex_filter: "salt/job/.*"
events_additional:
  - "salt/batch/.*"
  - "minion/refresh/.*"
readers_subprocesses: 4
rename_rules:
  sls:
    - pattern: "common\\.(.*)"
      replacement: "shared.$1"
  mod:
    - pattern: "web(.*)"
      replacement: "www$1"
job_timeout: 600
restapi:
  disable_ssl: true
  port: 9216
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.ReadersSubprocesses)
	assert.Equal(t, 600, cfg.JobTimeout)
	assert.Equal(t, 9216, cfg.RestAPI.Port)
	assert.Len(t, cfg.EventsAdditional, 2)
	require.Len(t, cfg.RenameRules.SLS, 1)
	assert.Equal(t, "shared.$1", cfg.RenameRules.SLS[0].Replacement)
	require.Len(t, cfg.RenameRules.Mod, 1)
}

func TestValidateRequiresEventsFilter(t *testing.T) {
	path := writeConfig(t, `
restapi:
  disable_ssl: true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events_regex_filter")
}

func TestValidateRejectsBadRegex(t *testing.T) {
	path := writeConfig(t, `
events_regex_filter: "("
restapi:
  disable_ssl: true
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateTLS(t *testing.T) {
	// SSL enabled but no certificate configured
	path := writeConfig(t, `
events_regex_filter: "salt/.*"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssl_crt")

	// certificate configured but missing on disk
	path = writeConfig(t, `
events_regex_filter: "salt/.*"
restapi:
  ssl_crt: /nonexistent/server.crt
`)
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not find a certificate")

	// certificate present on disk passes
	crt := filepath.Join(t.TempDir(), "server.crt")
	require.NoError(t, os.WriteFile(crt, []byte("dummy"), 0o600))
	path = writeConfig(t, `
events_regex_filter: "salt/.*"
restapi:
  ssl_crt: `+crt+`
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, crt, cfg.RestAPI.SSLCrt)
}

func TestValidateDebugMultiprocess(t *testing.T) {
	path := writeConfig(t, `
events_regex_filter: "salt/.*"
restapi:
  disable_ssl: true
  debug: true
  num_processes: 4
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "num_processes")
}
