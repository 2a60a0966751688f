package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the process configuration, loaded from an INI file per
// spec.md §6 plus the ambient keys a real deployment needs beyond the
// two the spec names.
type Config struct {
	MaxRoomSize      int    `mapstructure:"max_room_size"`
	EventLoopThreads int    `mapstructure:"event_loop_threads"`
	BindAddr         string `mapstructure:"bind_addr"`
	StaticPath       string `mapstructure:"static_path"`
	LogLevel         string `mapstructure:"log_level"`
	Secret           string `mapstructure:"secret"`
	BlockListPath    string `mapstructure:"block_list_path"`
}

// Load reads config/config.<env>.ini (CONFIG_ENV, default "dev"),
// falling back to defaults for anything the file omits. viper reads the
// ini format natively, so this stays on the teacher's established
// config dependency rather than introducing a second one.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("ini")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.ini", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("max_room_size", 0) // 0 == unlimited, per spec.md §6
	v.SetDefault("event_loop_threads", 0)
	v.SetDefault("bind_addr", ":8080")
	v.SetDefault("static_path", "./web")
	v.SetDefault("log_level", "info")
	v.SetDefault("block_list_path", "")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	// viper's ini decoder files keys written before any section header
	// under a "default" section; lift them to the top level the Config
	// fields are keyed on.
	for k, val := range v.GetStringMap("default") {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	log.Info().Str("module", "config").
		Int("max_room_size", cfg.MaxRoomSize).
		Int("event_loop_threads", cfg.EventLoopThreads).
		Str("bind_addr", cfg.BindAddr).
		Msg("config resolved")
	return &cfg, nil
}
