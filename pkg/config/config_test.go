package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(NewServerViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
	assert.Equal(t, "pool", cfg.Mode)
	assert.Equal(t, DefaultStorageMaxBytes, cfg.StorageMaxBytes)
	assert.Equal(t, ExecutorConfig{
		Name:     DefaultExecutorName,
		MaxQueue: DefaultMaxQueue,
		Low:      DefaultLowWatermark,
		High:     DefaultHighWatermark,
		IdleWait: DefaultIdleWait,
	}, cfg.Executor)
	assert.Equal(t, ConnectionConfig{QueueHigh: 100, QueueLow: 90, MaxIOVec: 32, ReadBuffer: 4096}, cfg.Connection)
}

func TestServerEnvironmentOverrides(t *testing.T) {
	t.Setenv("MIRKV_PORT", "9999")
	t.Setenv("MIRKV_MODE", "coro")
	t.Setenv("MIRKV_EXECUTOR_HIGH", "64")
	t.Setenv("MIRKV_EXECUTOR_IDLE_WAIT", "250ms")

	cfg, err := LoadServerConfig(NewServerViper(), "")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "coro", cfg.Mode)
	assert.Equal(t, 64, cfg.Executor.High)
	assert.Equal(t, 250*time.Millisecond, cfg.Executor.IdleWait)
}

func TestServerConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirkv.yaml")
	content := "port: 7000\nlog_level: debug\nexecutor:\n  low: 1\n  high: 2\nconnection:\n  queue_high: 10\n  queue_low: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadServerConfig(NewServerViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 1, cfg.Executor.Low)
	assert.Equal(t, 2, cfg.Executor.High)
	assert.Equal(t, 10, cfg.Connection.QueueHigh)
	assert.Equal(t, 5, cfg.Connection.QueueLow)

	_, err = LoadServerConfig(NewServerViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestServerValidate(t *testing.T) {
	valid := func() *ServerConfig {
		cfg, err := LoadServerConfig(NewServerViper(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"port", func(c *ServerConfig) { c.Port = 0 }},
		{"mode", func(c *ServerConfig) { c.Mode = "threads" }},
		{"log level", func(c *ServerConfig) { c.LogLevel = "trace" }},
		{"log format", func(c *ServerConfig) { c.LogFormat = "xml" }},
		{"storage", func(c *ServerConfig) { c.StorageMaxBytes = 0 }},
		{"executor size", func(c *ServerConfig) { c.Executor.MaxQueue = 0 }},
		{"watermarks", func(c *ServerConfig) {
			c.Executor.Low = 8
			c.Executor.High = 4
		}},
		{"idle wait", func(c *ServerConfig) { c.Executor.IdleWait = 0 }},
		{"iovec", func(c *ServerConfig) { c.Connection.MaxIOVec = 0 }},
		{"queue thresholds", func(c *ServerConfig) { c.Connection.QueueLow = 200 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestClientConfig(t *testing.T) {
	t.Setenv("MIRKV_NODES", "a:1, b:2")
	t.Setenv("MIRKV_CONN_TIMEOUT", "2s")

	cfg, err := LoadClientConfig(NewClientViper(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Nodes)
	assert.Equal(t, 2*time.Second, cfg.ConnTimeout)
	assert.Equal(t, DefaultVirtualNodes, cfg.VirtualNodes)

	cfg.Nodes = []string{"no-port"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg.Nodes = nil
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("warn", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	_, err = NewLogger("loud", "text")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = NewLogger("info", "xml")
	assert.ErrorIs(t, err, ErrInvalid)
}
