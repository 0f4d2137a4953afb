// Package config provides configuration loading for mirkv servers and clients.
//
// Configuration is resolved through viper with the following precedence:
//  1. Command line flags bound to the viper instance
//  2. Environment variables with the MIRKV_ prefix
//  3. An optional config file (YAML, JSON or TOML)
//  4. Built-in defaults
//
// Nested keys map to environment variables by upper-casing them and replacing
// dots with underscores, so "executor.high" is read from MIRKV_EXECUTOR_HIGH.
//
// Example usage:
//
//	v := config.NewServerViper()
//	cfg, err := config.LoadServerConfig(v, "/etc/mirkv.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(cfg.Address())
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "MIRKV"

// Server defaults
const (
	DefaultServerPort      = 8080
	DefaultAdminAddr       = "127.0.0.1:9090"
	DefaultMode            = "pool"
	DefaultStorageMaxBytes = 64 << 20
	DefaultExecutorName    = "network"
	DefaultMaxQueue        = 1024
	DefaultLowWatermark    = 4
	DefaultHighWatermark   = 32
	DefaultIdleWait        = 5 * time.Second
	DefaultQueueHigh       = 100
	DefaultQueueLow        = 90
	DefaultMaxIOVec        = 32
	DefaultReadBuffer      = 4096
)

// Client defaults
const (
	DefaultMaxConnsPerNode = 10
	DefaultConnTimeout     = 5 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultRetryAttempts   = 3
	DefaultVirtualNodes    = 150
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ServerConfig holds the configuration parameters for a mirkv server.
type ServerConfig struct {
	Host            string           `mapstructure:"host"`              // Address to bind to (default: "0.0.0.0")
	Port            int              `mapstructure:"port"`              // TCP port (default: 8080)
	AdminAddr       string           `mapstructure:"admin_addr"`        // Admin HTTP address, empty to disable
	Mode            string           `mapstructure:"mode"`              // "pool" or "coro"
	LogLevel        string           `mapstructure:"log_level"`         // debug, info, warn, error
	LogFormat       string           `mapstructure:"log_format"`        // text or json
	StorageMaxBytes int              `mapstructure:"storage_max_bytes"` // LRU capacity in key+value bytes
	Executor        ExecutorConfig   `mapstructure:"executor"`
	Connection      ConnectionConfig `mapstructure:"connection"`
}

// ExecutorConfig sizes the worker pool used in pool mode.
type ExecutorConfig struct {
	Name     string        `mapstructure:"name"`
	MaxQueue int           `mapstructure:"max_queue"`
	Low      int           `mapstructure:"low"`
	High     int           `mapstructure:"high"`
	IdleWait time.Duration `mapstructure:"idle_wait"`
}

// ConnectionConfig holds per-connection limits.
type ConnectionConfig struct {
	QueueHigh  int `mapstructure:"queue_high"`  // Pending replies that stop reading
	QueueLow   int `mapstructure:"queue_low"`   // Pending replies below which reading resumes
	MaxIOVec   int `mapstructure:"max_iovec"`   // Buffers per vectored write
	ReadBuffer int `mapstructure:"read_buffer"` // Read buffer size in bytes
}

// ClientConfig holds the configuration parameters for a mirkv client.
type ClientConfig struct {
	Nodes           []string      `mapstructure:"nodes"`              // Server addresses (default: ["localhost:8080"])
	MaxConnsPerNode int           `mapstructure:"max_conns_per_node"` // Pooled connections per node
	ConnTimeout     time.Duration `mapstructure:"conn_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	VirtualNodes    int           `mapstructure:"virtual_nodes"` // Ring points per node
}

// NewServerViper returns a viper instance carrying the server defaults and
// reading MIRKV_ environment variables.
func NewServerViper() *viper.Viper {
	v := newViper()
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", DefaultServerPort)
	v.SetDefault("admin_addr", DefaultAdminAddr)
	v.SetDefault("mode", DefaultMode)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("storage_max_bytes", DefaultStorageMaxBytes)
	v.SetDefault("executor.name", DefaultExecutorName)
	v.SetDefault("executor.max_queue", DefaultMaxQueue)
	v.SetDefault("executor.low", DefaultLowWatermark)
	v.SetDefault("executor.high", DefaultHighWatermark)
	v.SetDefault("executor.idle_wait", DefaultIdleWait)
	v.SetDefault("connection.queue_high", DefaultQueueHigh)
	v.SetDefault("connection.queue_low", DefaultQueueLow)
	v.SetDefault("connection.max_iovec", DefaultMaxIOVec)
	v.SetDefault("connection.read_buffer", DefaultReadBuffer)
	return v
}

// NewClientViper returns a viper instance carrying the client defaults and
// reading MIRKV_ environment variables.
func NewClientViper() *viper.Viper {
	v := newViper()
	v.SetDefault("nodes", []string{"localhost:8080"})
	v.SetDefault("max_conns_per_node", DefaultMaxConnsPerNode)
	v.SetDefault("conn_timeout", DefaultConnTimeout)
	v.SetDefault("read_timeout", DefaultReadTimeout)
	v.SetDefault("write_timeout", DefaultWriteTimeout)
	v.SetDefault("retry_attempts", DefaultRetryAttempts)
	v.SetDefault("virtual_nodes", DefaultVirtualNodes)
	return v
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadServerConfig reads the optional config file into v, decodes the
// server configuration and validates it.
//
// Parameters:
//   - v: A viper instance from NewServerViper, possibly with flags bound
//   - file: Config file path, empty to rely on flags, environment and defaults
//
// Returns:
//   - The validated configuration
//   - An error if the file cannot be read or a value is invalid
func LoadServerConfig(v *viper.Viper, file string) (*ServerConfig, error) {
	if err := readFile(v, file); err != nil {
		return nil, err
	}
	cfg := &ServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig is the client counterpart of LoadServerConfig.
func LoadClientConfig(v *viper.Viper, file string) (*ClientConfig, error) {
	if err := readFile(v, file); err != nil {
		return nil, err
	}
	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode client config: %w", err)
	}
	for i, node := range cfg.Nodes {
		cfg.Nodes[i] = strings.TrimSpace(node)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(v *viper.Viper, file string) error {
	if file == "" {
		return nil
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", file, err)
	}
	return nil
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the server configuration for invalid values.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalid, c.Port)
	}
	if c.Mode != "pool" && c.Mode != "coro" {
		return fmt.Errorf("%w: mode must be pool or coro, got %q", ErrInvalid, c.Mode)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: log format must be text or json, got %q", ErrInvalid, c.LogFormat)
	}
	if c.StorageMaxBytes < 1 {
		return fmt.Errorf("%w: storage max bytes must be positive: %d", ErrInvalid, c.StorageMaxBytes)
	}

	e := c.Executor
	if e.MaxQueue < 1 || e.Low < 1 || e.High < 1 || e.IdleWait <= 0 {
		return fmt.Errorf("%w: executor sizes and idle wait must be positive", ErrInvalid)
	}
	if e.Low > e.High {
		return fmt.Errorf("%w: executor low watermark %d above high %d", ErrInvalid, e.Low, e.High)
	}

	n := c.Connection
	if n.QueueHigh < 1 || n.QueueLow < 1 || n.MaxIOVec < 1 || n.ReadBuffer < 1 {
		return fmt.Errorf("%w: connection limits must be positive", ErrInvalid)
	}
	if n.QueueLow > n.QueueHigh {
		return fmt.Errorf("%w: connection queue low %d above high %d", ErrInvalid, n.QueueLow, n.QueueHigh)
	}
	return nil
}

// Validate checks the client configuration for invalid values.
func (c *ClientConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("%w: at least one node must be specified", ErrInvalid)
	}
	for _, node := range c.Nodes {
		if _, _, err := net.SplitHostPort(node); err != nil {
			return fmt.Errorf("%w: node address %q: %v", ErrInvalid, node, err)
		}
	}
	if c.MaxConnsPerNode < 1 {
		return fmt.Errorf("%w: max connections per node must be positive: %d", ErrInvalid, c.MaxConnsPerNode)
	}
	if c.ConnTimeout <= 0 || c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalid)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("%w: retry attempts cannot be negative: %d", ErrInvalid, c.RetryAttempts)
	}
	if c.VirtualNodes < 1 {
		return fmt.Errorf("%w: virtual nodes must be positive: %d", ErrInvalid, c.VirtualNodes)
	}
	return nil
}
