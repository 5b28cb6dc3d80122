// Package config loads webgrid's shared settings (spec.md §6 "Environment /
// CLI"), layering flags over environment variables over an optional TOML
// file over defaults, the same precedence the teacher's am.initViper()
// establishes, simplified to a single config file rather than a
// system/user/project merge chain.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/webgrid-go/webgrid/errors"
)

// Config holds the settings every subcommand may need, mirroring the
// teacher's am.Config shape (nested sections with mapstructure tags).
type Config struct {
	Log   LogConfig   `mapstructure:"log"`
	Bus   BusConfig   `mapstructure:"bus"`
	Probe ProbeConfig `mapstructure:"probe"`
}

// LogConfig controls the shared logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BusConfig addresses the coordination bus (spec.md §6 "bus URL").
type BusConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProbeConfig addresses the status-probe HTTP endpoint every service
// exposes (spec.md §6 "status-probe port").
type ProbeConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a viper instance at the given precedence (flags bound by the
// caller win over env, env over configFile, configFile over defaults) and
// unmarshals it into a Config. configFile may be empty, in which case only
// env vars and defaults apply.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("WEBGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// SetDefaults installs webgrid's baseline settings, applied before env vars
// and the config file are merged in.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("bus.addr", "localhost:6379")
	v.SetDefault("bus.db", 0)
	v.SetDefault("probe.addr", ":8080")
}
