package cmd

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/modhub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDaemonConfig_Defaults(t *testing.T) {
	cfg, err := loadDaemonConfig("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:8085", cfg.Admin.Address)
	assert.Equal(t, 10000, cfg.Journal.MaxRecords)
	assert.Equal(t, "modhubd", cfg.Tracing.ServiceName)
	assert.Equal(t, 30*time.Second, cfg.Runtime.ShutdownTimeout)
	assert.Equal(t, "modhub", cfg.Runtime.EventSource)
}

func TestLoadDaemonConfig_FileThenEnv(t *testing.T) {
	path := writeConfig(t, "modhubd.yaml", `
runtime:
  defaultChannel: 3
  shutdownTimeout: 5s
log:
  level: warn
admin:
  enabled: true
  address: 127.0.0.1:9999
eventLog:
  events: [app.ping, app.pong]
schedules:
  - spec: "@hourly"
    event: app.ping
    payload: [tick]
`)
	t.Setenv("MODHUB_LOG_LEVEL", "debug")
	t.Setenv("MODHUB_ACTIVATE_ON_REGISTER", "true")

	cfg, err := loadDaemonConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Runtime.DefaultChannel)
	assert.Equal(t, 5*time.Second, cfg.Runtime.ShutdownTimeout)
	assert.True(t, cfg.Runtime.ActivateOnRegister)
	assert.Equal(t, "debug", cfg.Log.Level, "environment overrides the file")
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Admin.Address)
	assert.Equal(t, []string{"app.ping", "app.pong"}, cfg.EventLog.Events)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "app.ping", cfg.Schedules[0].Event)
	assert.Equal(t, []string{"tick"}, cfg.Schedules[0].Payload)
}

func TestLoadDaemonConfig_TOML(t *testing.T) {
	path := writeConfig(t, "modhubd.toml", `
[runtime]
defaultChannel = 2

[journal]
enabled = true
dsn = ":memory:"
`)
	cfg, err := loadDaemonConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Runtime.DefaultChannel)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, ":memory:", cfg.Journal.DSN)
}

func TestLoadDaemonConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
	}{
		{
			name:    "log level",
			content: "log:\n  level: loud\n",
			err:     ErrInvalidLogLevel,
		},
		{
			name:    "log format",
			content: "log:\n  format: xml\n",
			err:     ErrInvalidLogFormat,
		},
		{
			name:    "tracing without endpoint",
			content: "tracing:\n  enabled: true\n",
			err:     modhub.ErrConfigValidationFailed,
		},
		{
			name:    "schedule without event",
			content: "schedules:\n  - spec: \"@hourly\"\n",
			err:     ErrInvalidSchedule,
		},
		{
			name:    "negative channel",
			content: "runtime:\n  defaultChannel: -1\n",
			err:     modhub.ErrConfigValidationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadDaemonConfig(writeConfig(t, "modhubd.yaml", tt.content))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestLoadDaemonConfig_UnsupportedFile(t *testing.T) {
	_, err := loadDaemonConfig(writeConfig(t, "modhubd.ini", "a=b"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	level := new(slog.LevelVar)
	logger, err := newLogger(LogConfig{Level: "warn", Format: "json"}, &buf, level)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "module", "eventlog")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"module":"eventlog"`)

	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}
