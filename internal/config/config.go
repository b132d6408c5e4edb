// Package config loads the s3ftpd configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (S3FTPD_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// The backend section follows a type-specific pattern: backend.type selects
// the storage implementation and only the section of the same name is
// decoded, by the factory of that backend.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete server configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains the control connection settings
	Server ServerConfig `mapstructure:"server"`

	// Passive configures passive mode data connections
	Passive PassiveConfig `mapstructure:"passive"`

	// TLS enables AUTH TLS when a certificate is configured
	TLS TLSConfig `mapstructure:"tls"`

	// Auth selects where credentials come from
	Auth AuthConfig `mapstructure:"auth"`

	// Backend specifies the storage type and type-specific configuration
	Backend BackendConfig `mapstructure:"backend"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains the control connection settings.
type ServerConfig struct {
	// Listen is the TCP address of the control port
	Listen string `mapstructure:"listen" validate:"required"`

	// WelcomeMessage is the text of the 220 greeting
	WelcomeMessage string `mapstructure:"welcome_message"`

	// MaxIdleTime closes connections waiting longer for a command. Zero disables it.
	MaxIdleTime time.Duration `mapstructure:"max_idle_time" validate:"gte=0"`

	// WriteTimeout bounds writing one reply. Zero disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`

	// DataTimeout is how long a transfer waits for the passive connection
	DataTimeout time.Duration `mapstructure:"data_timeout" validate:"gt=0"`

	// MaxConnections limits simultaneous control connections (0 = unlimited)
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0"`

	// MaxConnectionsPerIP limits connections from one client IP (0 = unlimited)
	MaxConnectionsPerIP int `mapstructure:"max_connections_per_ip" validate:"gte=0"`

	// GlobalBandwidth caps all transfers together, in bytes per second
	GlobalBandwidth int64 `mapstructure:"global_bandwidth" validate:"gte=0"`

	// SessionBandwidth caps the transfers of one session, in bytes per second
	SessionBandwidth int64 `mapstructure:"session_bandwidth" validate:"gte=0"`

	// ReadOnly disables STOR, DELE, RMD, MKD, RNFR and RNTO
	ReadOnly bool `mapstructure:"read_only"`

	// DisableCommands lists further commands answered with 502
	DisableCommands []string `mapstructure:"disable_commands"`

	// RedactIPs masks client addresses in logs
	RedactIPs bool `mapstructure:"redact_ips"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// PassiveConfig configures passive mode.
type PassiveConfig struct {
	// PublicHost is the IP or host name advertised in 227 replies.
	// Empty means the address the client connected to.
	PublicHost string `mapstructure:"public_host"`

	// MinPort and MaxPort bound the passive listeners. Zero means any port.
	MinPort int `mapstructure:"min_port" validate:"gte=0,lte=65535"`
	MaxPort int `mapstructure:"max_port" validate:"gte=0,lte=65535"`
}

// TLSConfig holds the certificate used after AUTH TLS.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `mapstructure:"key_file" validate:"required_with=CertFile"`
}

// Enabled reports whether a certificate is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// AuthConfig selects where credentials come from.
type AuthConfig struct {
	// UsersFile is a passwd (name:password) or YAML (.yaml/.yml) users file
	UsersFile string `mapstructure:"users_file"`

	// Anonymous allows "ftp" and "anonymous" logins when no users file is
	// set. Only the filesystem and memory backends support it.
	Anonymous bool `mapstructure:"anonymous"`
}

// BackendConfig specifies the storage backend.
type BackendConfig struct {
	// Type specifies which backend implementation to use
	// Valid values: filesystem, memory, s3, badger
	Type string `mapstructure:"type" validate:"required,oneof=filesystem memory s3 badger"`

	// Owner and Group are shown in directory listings
	Owner string `mapstructure:"owner"`
	Group string `mapstructure:"group"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true"`
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath skips the file; the configuration then comes from the
// environment and defaults only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// envKeys are the settings that can be given by environment variable alone.
// viper only looks up the environment for keys it already knows about.
var envKeys = []string{
	"logging.level", "logging.format", "logging.output",
	"server.listen", "server.welcome_message", "server.max_idle_time",
	"server.write_timeout", "server.data_timeout", "server.max_connections",
	"server.max_connections_per_ip", "server.global_bandwidth",
	"server.session_bandwidth", "server.read_only", "server.disable_commands",
	"server.redact_ips", "server.shutdown_timeout",
	"passive.public_host", "passive.min_port", "passive.max_port",
	"tls.cert_file", "tls.key_file",
	"auth.users_file", "auth.anonymous",
	"backend.type", "backend.owner", "backend.group",
	"backend.filesystem.path",
	"backend.s3.region", "backend.s3.bucket", "backend.s3.key_prefix",
	"backend.s3.endpoint", "backend.s3.access_key_id",
	"backend.s3.secret_access_key", "backend.s3.max_retries",
	"backend.badger.dir", "backend.badger.in_memory",
	"metrics.enabled", "metrics.listen",
}

// setupViper configures viper with environment variables and the config file.
//
// Environment variables use the S3FTPD_ prefix and underscores, for
// example S3FTPD_SERVER_LISTEN=:2121 or S3FTPD_BACKEND_S3_BUCKET=files.
// Lists are comma separated: S3FTPD_SERVER_DISABLE_COMMANDS=DELE,RMD.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("S3FTPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}
