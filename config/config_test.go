package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/pondhub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pondhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4096, c.Hub.PublishCapacity)
	assert.Equal(t, pondhub.FullModeWait, c.Hub.FullMode)
	assert.Equal(t, "/", c.Hub.Separators)
	assert.True(t, c.Hub.Wildcards)
	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, 30*time.Second, c.Server.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, c.Server.PingInterval)
	assert.False(t, c.Redis.Enabled)
	assert.Equal(t, "msgpack", c.Redis.Codec)
	assert.Equal(t, "/metrics", c.Metrics.Path)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
hub:
  publish_capacity: 10
  full_mode: drop-oldest
  separators: "/."
  retain: true
server:
  addr: 127.0.0.1:9000
  shutdown_timeout: 5s
  allowed_origins: [https://app.example.com]
  publish_rate: 50
  publish_burst: 5
redis:
  enabled: true
  addr: redis:6379
  codec: json
log:
  level: debug
  format: json
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, pondhub.FullModeDropOldest, c.Hub.FullMode)
	assert.Equal(t, "127.0.0.1:9000", c.Server.Addr)
	assert.Equal(t, 5*time.Second, c.Server.ShutdownTimeout)
	assert.Equal(t, []string{"https://app.example.com"}, c.Server.AllowedOrigins)

	opts := c.Hub.Options()
	assert.Equal(t, 10, opts.PublishChannelCapacity)
	assert.Equal(t, []rune{'/', '.'}, opts.TopicLevelSeparators)
	assert.Equal(t, '+', opts.SingleLevelWildcard)
	assert.Equal(t, '#', opts.MultiLevelWildcard)
	assert.True(t, opts.Retain)

	push := c.Server.PushOptions()
	assert.True(t, push.CheckOrigin)
	assert.Equal(t, rate.Limit(50), push.PublishRate)
	assert.Equal(t, 5, push.PublishBurst)

	server := c.Server.ServerOptions()
	assert.Equal(t, "127.0.0.1:9000", server.ServerAddr)
	assert.Equal(t, 5*time.Second, server.ShutdownTimeout)

	assert.Equal(t, "redis:6379", c.Redis.ClientOptions().Addr)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PONDHUB_SERVER_ADDR", ":7000")
	t.Setenv("PONDHUB_HUB_FULL_MODE", "reject")
	t.Setenv("PONDHUB_SERVER_PING_INTERVAL", "15s")
	t.Setenv("PONDHUB_REDIS_ENABLED", "true")

	c, err := Load(writeConfig(t, "server:\n  addr: \":9000\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ":7000", c.Server.Addr)
	assert.Equal(t, pondhub.FullModeReject, c.Hub.FullMode)
	assert.Equal(t, 15*time.Second, c.Server.PingInterval)
	assert.True(t, c.Redis.Enabled)

	push := c.Server.PushOptions()
	assert.Equal(t, 30*time.Second, push.PongWait)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown full mode", "hub:\n  full_mode: sometimes\n", "unmarshal config"},
		{"bad duration", "server:\n  shutdown_timeout: soon\n", "unmarshal config"},
		{"long wildcard", "hub:\n  single_level_wildcard: \"++\"\n", "single_level_wildcard"},
		{"unknown codec", "redis:\n  codec: xml\n", "redis.codec"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"metrics path", "metrics:\n  path: metrics\n", "metrics.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestLogConfigLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "topic", "a/b")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"topic":"a/b"`)

	_, err = LogConfig{Level: "nope"}.Logger(&buf)
	assert.Error(t, err)
}
