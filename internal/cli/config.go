package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/emen/internal/paths"
	"github.com/mesh-intelligence/emen/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"

	cfgKeyBackend        = "backend"
	cfgKeyDriver         = "driver"
	cfgKeyDataDir        = "data_dir"
	cfgKeySessionTimeout = "session_timeout"
	cfgKeySweepInterval  = "sweep_interval"
	cfgKeyLogLevel       = "log_level"
	cfgKeyLogFormat      = "log_format"
	cfgKeyCompression    = "compression"
)

const (
	dirPermission  = 0o755
	filePermission = 0o644
)

// configHeader precedes the rendered defaults in a new config.yaml.
const configHeader = "# emen configuration\n# data_dir is overridden by --data-dir and EMEN_DATA_DIR is used when unset.\n\n"

// loadConfig reads config.yaml from configDir with Viper, creating the
// directory and a default file on first run. A missing file is not an
// error. EMEN_LOG_LEVEL and EMEN_LOG_FORMAT override the file.
func loadConfig(configDir string) (types.Config, error) {
	if err := os.MkdirAll(configDir, dirPermission); err != nil {
		return types.Config{}, fmt.Errorf("create config dir: %w", err)
	}
	if err := writeConfigIfMissing(filepath.Join(configDir, paths.ConfigFileName)); err != nil {
		return types.Config{}, fmt.Errorf("write default config: %w", err)
	}

	def := types.Config{}.WithDefaults()
	v := viper.New()
	v.SetDefault(cfgKeyBackend, def.Backend)
	v.SetDefault(cfgKeyDriver, def.Driver)
	v.SetDefault(cfgKeyDataDir, "")
	v.SetDefault(cfgKeySessionTimeout, def.SessionTimeout)
	v.SetDefault(cfgKeySweepInterval, def.SweepInterval)
	v.SetDefault(cfgKeyLogLevel, def.LogLevel)
	v.SetDefault(cfgKeyLogFormat, def.LogFormat)
	v.SetDefault(cfgKeyCompression, def.Compression)
	v.SetEnvPrefix("EMEN")
	for _, key := range []string{cfgKeyLogLevel, cfgKeyLogFormat} {
		if err := v.BindEnv(key); err != nil {
			return types.Config{}, err
		}
	}
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, fmt.Errorf("%w: config: %w", types.ErrValidation, err)
	}
	return cfg, nil
}

// writeConfigIfMissing renders the default configuration to path unless
// the file already exists.
func writeConfigIfMissing(path string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	data, err := yaml.Marshal(types.Config{}.WithDefaults())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, append([]byte(configHeader), data...), filePermission)
}
