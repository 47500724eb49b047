package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", c.Env)
	assert.Equal(t, "data/sqlpipe.db", c.DB.Path)
	assert.True(t, c.DB.WAL)
	assert.True(t, c.DB.ForeignKeys)
	assert.Equal(t, 5*time.Second, c.DB.BusyTimeout)
	assert.Equal(t, "NORMAL", c.DB.Synchronous)
	assert.Equal(t, 100, c.DB.QueueSize)
	assert.Equal(t, "default", c.DB.QoS)
	assert.Equal(t, 1, c.DB.Readers)
	assert.Equal(t, "PASSIVE", c.Maintenance.CheckpointMode)
	assert.Equal(t, 30*time.Second, c.Maintenance.ReaderRefresh)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Empty(t, c.HTTP.Tokens)
	assert.Zero(t, c.HTTP.RateLimit)
	assert.False(t, c.Log.Statements)
	assert.Equal(t, 200*time.Millisecond, c.Log.SlowQuery)
	assert.Equal(t, "text", c.Log.Format)
	assert.Equal(t, 5, c.Log.MaxSizeMB)
	assert.Equal(t, 3, c.Log.MaxBackups)
	assert.Equal(t, 28, c.Log.MaxAgeDays)
	assert.True(t, c.Metrics.Enabled)
	assert.False(t, c.Tracing.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SQLPIPE_ENV", "dev")
	t.Setenv("SQLPIPE_DB_PATH", "/tmp/x.db")
	t.Setenv("SQLPIPE_DB_BUSY_TIMEOUT", "250ms")
	t.Setenv("SQLPIPE_DB_SYNCHRONOUS", "full")
	t.Setenv("SQLPIPE_DB_QOS", "User-Initiated")
	t.Setenv("SQLPIPE_DB_READERS", "4")
	t.Setenv("SQLPIPE_CHECKPOINT_MODE", "truncate")
	t.Setenv("SQLPIPE_TRACING_ENABLED", "true")
	t.Setenv("SQLPIPE_HTTP_TOKENS", "alpha, beta,\n,gamma")
	t.Setenv("SQLPIPE_HTTP_RATE_LIMIT", "100ms")
	t.Setenv("SQLPIPE_LOG_FORMAT", "JSON")
	t.Setenv("SQLPIPE_LOG_MAX_SIZE_MB", "64")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", c.Env)
	assert.Equal(t, "/tmp/x.db", c.DB.Path)
	assert.Equal(t, 250*time.Millisecond, c.DB.BusyTimeout)
	assert.Equal(t, "FULL", c.DB.Synchronous)
	assert.Equal(t, "user-initiated", c.DB.QoS)
	assert.Equal(t, 4, c.DB.Readers)
	assert.Equal(t, "TRUNCATE", c.Maintenance.CheckpointMode)
	assert.True(t, c.Tracing.Enabled)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, c.HTTP.Tokens)
	assert.Equal(t, 100*time.Millisecond, c.HTTP.RateLimit)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, 64, c.Log.MaxSizeMB)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad env", map[string]string{"SQLPIPE_ENV": "staging"}},
		{"bad bool", map[string]string{"SQLPIPE_DB_WAL": "maybe"}},
		{"bad duration", map[string]string{"SQLPIPE_DB_BUSY_TIMEOUT": "soon"}},
		{"bad int", map[string]string{"SQLPIPE_DB_QUEUE_SIZE": "many"}},
		{"zero queue", map[string]string{"SQLPIPE_DB_QUEUE_SIZE": "0"}},
		{"bad qos", map[string]string{"SQLPIPE_DB_QOS": "urgent"}},
		{"bad checkpoint mode", map[string]string{"SQLPIPE_CHECKPOINT_MODE": "LAZY"}},
		{"readers without wal", map[string]string{"SQLPIPE_DB_WAL": "false"}},
		{"readers in memory", map[string]string{"SQLPIPE_DB_PATH": ":memory:"}},
		{"bad log format", map[string]string{"SQLPIPE_LOG_FORMAT": "xml"}},
		{"negative log size", map[string]string{"SQLPIPE_LOG_MAX_SIZE_MB": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate_AfterOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	c, err := Load()
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	c.DB.Path = ":memory:"
	assert.Error(t, c.Validate())

	c.DB.Readers = 0
	assert.NoError(t, c.Validate())

	c.DB.Path = "db.sqlite"
	c.DB.WAL = false
	c.DB.Readers = 2
	assert.Error(t, c.Validate())
}
