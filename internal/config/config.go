// Package config resolves CLI settings from flags, ORMNAV_* environment
// variables and an optional ormnav.yaml, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mickamy/ormnav/sqlstore"
)

const (
	ModelKey     = "model"
	DriverKey    = "driver"
	DSNKey       = "dsn"
	LogLevelKey  = "log-level"
	LogFormatKey = "log-format"
	LazyKey      = "lazy"
	TimeoutKey   = "timeout"
)

// ErrNoModel is returned when no model file is configured.
var ErrNoModel = errors.New("config: a model file is required")

// Config is the resolved CLI configuration.
type Config struct {
	Model     string
	Driver    string
	DSN       string
	LogLevel  string
	LogFormat string
	Lazy      bool
	Timeout   time.Duration
}

// Dialect returns the SQL dialect named by Driver.
func (c *Config) Dialect() (sqlstore.Dialect, error) {
	return sqlstore.ParseDialect(c.Driver)
}

// NewViper returns a viper instance with defaults, environment binding and
// the optional config file search path set up.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("ormnav")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.ormnav")

	v.SetEnvPrefix("ORMNAV")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(ModelKey, "")
	v.SetDefault(DriverKey, "sqlite")
	v.SetDefault(DSNKey, "file:ormnav.db?_pragma=foreign_keys(1)")
	v.SetDefault(LogLevelKey, "warn")
	v.SetDefault(LogFormatKey, "text")
	v.SetDefault(LazyKey, true)
	v.SetDefault(TimeoutKey, 30*time.Second)
	return v
}

// BindFlags binds every flag of fs that names a configuration key.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, key := range []string{ModelKey, DriverKey, DSNKey, LogLevelKey, LogFormatKey, LazyKey, TimeoutKey} {
		f := fs.Lookup(key)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", key, err)
		}
	}
	return nil
}

// Load reads the optional config file and resolves the configuration.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	c := &Config{
		Model:     v.GetString(ModelKey),
		Driver:    v.GetString(DriverKey),
		DSN:       v.GetString(DSNKey),
		LogLevel:  v.GetString(LogLevelKey),
		LogFormat: v.GetString(LogFormatKey),
		Lazy:      v.GetBool(LazyKey),
		Timeout:   v.GetDuration(TimeoutKey),
	}
	if c.Model == "" {
		return nil, ErrNoModel
	}
	if _, err := c.Dialect(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}
