// Package config loads server configuration from a YAML file and EVM_*
// environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	// Path of the SQLite file; ":memory:" for a throwaway database.
	Path string `mapstructure:"path"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SchedulerConfig drives planned baseline capture.
type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Spec    string `mapstructure:"spec"` // cron spec with seconds, or @every
}

type EngineConfig struct {
	// Parallelism bounds concurrent WBE roll-ups per project.
	Parallelism int `mapstructure:"parallelism"`
	// Cache memoizes live metrics until the next record write.
	Cache bool `mapstructure:"cache"`
}

// Load reads path (YAML) and overlays EVM_* environment variables, e.g.
// EVM_SERVER_HTTP_ADDR. With an empty path only defaults and the
// environment are used.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EVM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.path", "./data/evm.db")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "@every 1h")
	v.SetDefault("engine.parallelism", 4)
	v.SetDefault("engine.cache", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
