// Package config reads the replica settings from a YAML file, with
// SWARM_* environment overrides, e.g. SWARM_LOG_LEVEL=debug.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Store struct {
		Dir  string `mapstructure:"dir"`
		Sync bool   `mapstructure:"sync"`
	} `mapstructure:"store"`
	Net struct {
		Listen       []string      `mapstructure:"listen"`
		Connect      []string      `mapstructure:"connect"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"net"`
	Stream struct {
		SlowDownStep time.Duration `mapstructure:"slow_down_step"`
		MaxPause     time.Duration `mapstructure:"max_pause"`
		InlineLimit  int           `mapstructure:"inline_limit"`
		DedupWindow  int           `mapstructure:"dedup_window"`
	} `mapstructure:"stream"`
	Queue struct {
		Limit     int           `mapstructure:"limit"`
		TimeLimit time.Duration `mapstructure:"time_limit"`
		BatchSize int           `mapstructure:"batch_size"`
	} `mapstructure:"queue"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("store.dir", "swarm.db")
	v.SetDefault("store.sync", false)
	v.SetDefault("net.listen", []string{})
	v.SetDefault("net.connect", []string{})
	v.SetDefault("net.write_timeout", time.Minute)
	v.SetDefault("stream.slow_down_step", 10*time.Millisecond)
	v.SetDefault("stream.max_pause", time.Second)
	v.SetDefault("stream.inline_limit", 100)
	v.SetDefault("stream.dedup_window", 1<<16)
	v.SetDefault("queue.limit", 1<<20)
	v.SetDefault("queue.time_limit", 5*time.Second)
	v.SetDefault("queue.batch_size", 1<<14)
}

// Load reads the file at path; an empty path gives the defaults plus
// the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
