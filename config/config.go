package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/blockberries/finalberry/checkpoint"
	"github.com/blockberries/finalberry/engine"
	"github.com/blockberries/finalberry/evidence"
	"github.com/blockberries/finalberry/recovery"
	"github.com/blockberries/finalberry/statesync"
)

// EnvPrefix prefixes environment overrides, e.g. FINALBERRY_LOG_LEVEL
const EnvPrefix = "FINALBERRY"

// Default file layout under the home directory
const (
	DefaultConfigDir  = "config"
	DefaultDataDir    = "data"
	DefaultConfigFile = "config.yaml"
	DefaultGenesis    = "genesis.json"
	DefaultKeyFile    = "priv_validator_key.json"
	DefaultStateFile  = "priv_validator_state.json"
	DefaultDBDir      = "finalberry.db"
	DefaultWALDir     = "wal"
)

// ErrInvalidConfig is returned for configurations that fail validation
var ErrInvalidConfig = errors.New("invalid node config")

// LogConfig configures the logger
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format is json or console
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Namespace  string `mapstructure:"namespace"`
}

// Config is the complete node configuration
type Config struct {
	// Home is the root of the node's files. Relative paths below resolve
	// against it.
	Home string `mapstructure:"home"`

	Genesis   string `mapstructure:"genesis_file"`
	KeyFile   string `mapstructure:"priv_validator_key_file"`
	StateFile string `mapstructure:"priv_validator_state_file"`
	DBDir     string `mapstructure:"db_dir"`
	WALDir    string `mapstructure:"wal_dir"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	Finality   engine.Config           `mapstructure:"finality"`
	Evidence   evidence.Config         `mapstructure:"evidence"`
	Detector   evidence.DetectorConfig `mapstructure:"detector"`
	Recovery   recovery.Config         `mapstructure:"recovery"`
	Checkpoint checkpoint.Config       `mapstructure:"checkpoint"`
	StateSync  statesync.Config        `mapstructure:"statesync"`
}

// DefaultConfig returns the default configuration rooted at home
func DefaultConfig(home string) *Config {
	return &Config{
		Home:      home,
		Genesis:   filepath.Join(DefaultConfigDir, DefaultGenesis),
		KeyFile:   filepath.Join(DefaultConfigDir, DefaultKeyFile),
		StateFile: filepath.Join(DefaultDataDir, DefaultStateFile),
		DBDir:     filepath.Join(DefaultDataDir, DefaultDBDir),
		WALDir:    filepath.Join(DefaultDataDir, DefaultWALDir),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":26660",
			Namespace:  "finalberry",
		},
		Finality:   *engine.DefaultConfig(),
		Evidence:   evidence.DefaultConfig(),
		Detector:   evidence.DefaultDetectorConfig(),
		Recovery:   recovery.DefaultConfig(),
		Checkpoint: checkpoint.DefaultConfig(),
		StateSync:  statesync.DefaultConfig(),
	}
}

// ValidateBasic validates the node settings and every component config
func (c *Config) ValidateBasic() error {
	if c.Home == "" {
		return fmt.Errorf("%w: empty home directory", ErrInvalidConfig)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.Log.Format)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("%w: metrics enabled without a listen address", ErrInvalidConfig)
	}

	checks := []struct {
		name string
		err  error
	}{
		{"finality", c.Finality.ValidateBasic()},
		{"evidence", c.Evidence.ValidateBasic()},
		{"detector", c.Detector.ValidateBasic()},
		{"recovery", c.Recovery.ValidateBasic()},
		{"checkpoint", c.Checkpoint.ValidateBasic()},
		{"statesync", c.StateSync.ValidateBasic()},
	}
	for _, chk := range checks {
		if chk.err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, chk.name, chk.err)
		}
	}
	return nil
}

// Path resolves p against the home directory
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Home, p)
}

// ConfigFile returns the default config file path under home
func ConfigFile(home string) string {
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
}

// Load reads the configuration for home. Defaults are overlaid with file,
// or the default config file under home if file is empty and it exists,
// and then with FINALBERRY_* environment variables.
func Load(home, file string) (*Config, error) {
	v := newViper(home)

	explicit := file != ""
	if !explicit {
		file = ConfigFile(home)
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || isNotExist(err)) {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Home == "" {
		cfg.Home = home
	}
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write writes cfg to file in the format its extension names. Home is left
// out so the directory can be moved.
func Write(cfg *Config, file string) error {
	out := *cfg
	out.Home = ""
	v := viper.New()
	setDefaults(v, "", reflect.ValueOf(out))
	if err := v.WriteConfigAs(file); err != nil {
		return fmt.Errorf("failed to write config %s: %w", file, err)
	}
	return nil
}

func newViper(home string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, "", reflect.ValueOf(*DefaultConfig(home)))
	return v
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

var durationType = reflect.TypeOf(time.Duration(0))

// setDefaults registers every leaf of val under its mapstructure key, so
// that environment overrides apply to keys absent from the config file.
// Durations are registered as strings so written files stay readable.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" || !f.IsExported() {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := val.Field(i)
		switch {
		case fv.Type() == durationType:
			v.SetDefault(key, time.Duration(fv.Int()).String())
		case fv.Kind() == reflect.Struct:
			setDefaults(v, key, fv)
		default:
			v.SetDefault(key, fv.Interface())
		}
	}
}
