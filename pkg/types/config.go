package types

import (
	"errors"
	"time"
)

// Config holds backend selection and engine parameters for database.Open.
type Config struct {
	Backend        string        `json:"backend" yaml:"backend" mapstructure:"backend"`
	Driver         string        `json:"driver" yaml:"driver" mapstructure:"driver"`
	DataDir        string        `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	SessionTimeout time.Duration `json:"session_timeout" yaml:"session_timeout" mapstructure:"session_timeout"`
	SweepInterval  time.Duration `json:"sweep_interval" yaml:"sweep_interval" mapstructure:"sweep_interval"`
	LogLevel       string        `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogFormat      string        `json:"log_format" yaml:"log_format" mapstructure:"log_format"`
	Compression    string        `json:"compression" yaml:"compression" mapstructure:"compression"`
}

// Supported backend and driver names.
const (
	BackendSQLite = "sqlite"

	DriverModernC = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCGo     = "sqlite3" // github.com/mattn/go-sqlite3
)

// Backup stream compression codecs.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// Defaults applied by WithDefaults.
const (
	DefaultSessionTimeout = 24 * time.Hour
	DefaultSweepInterval  = 30 * time.Second
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
)

// Config validation errors.
var (
	ErrBackendEmpty       = errors.New("backend must not be empty")
	ErrBackendUnknown     = errors.New("unknown backend")
	ErrDriverUnknown      = errors.New("unknown sqlite driver")
	ErrCompressionUnknown = errors.New("unknown compression")
	ErrTimeoutInvalid     = errors.New("session timeout must be positive")
	ErrSweepInvalid       = errors.New("sweep interval must not be negative")
	ErrLogFormatUnknown   = errors.New("unknown log format")
)

var knownBackends = map[string]bool{
	BackendSQLite: true,
}

var knownDrivers = map[string]bool{
	"":            true,
	DriverModernC: true,
	DriverCGo:     true,
}

var knownCompressions = map[string]bool{
	"":              true,
	CompressionNone: true,
	CompressionZstd: true,
	CompressionLZ4:  true,
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendSQLite
	}
	if c.Driver == "" {
		c.Driver = DriverModernC
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	return c
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if !knownDrivers[c.Driver] {
		return ErrDriverUnknown
	}
	if !knownCompressions[c.Compression] {
		return ErrCompressionUnknown
	}
	if c.SessionTimeout < 0 {
		return ErrTimeoutInvalid
	}
	if c.SweepInterval < 0 {
		return ErrSweepInvalid
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return ErrLogFormatUnknown
	}
	return nil
}
