// Package config loads project analysis settings from an optional zen.yaml
// at the project root, with ZEN_* environment variables taking precedence.
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"

	"github.com/TryExceptElse/zen/internal/level"
)

// Config holds the per-project analysis settings.
type Config struct {
	// DefaultLevel applies to every file without a file- or block-level
	// marker. One of "disable", "shallow", "deep".
	DefaultLevel string `mapstructure:"default_level"`
	// IncludeDirs are additional roots searched when resolving angled
	// includes, relative to the project root.
	IncludeDirs []string `mapstructure:"include_dirs"`
	// ExcludeDirs are directory names skipped during discovery.
	ExcludeDirs []string `mapstructure:"exclude_dirs"`
	// SourceExts name translation-unit files; HeaderExts name headers.
	SourceExts []string `mapstructure:"source_exts"`
	HeaderExts []string `mapstructure:"header_exts"`
	// Workers bounds the parallel canonicalization pool.
	Workers int `mapstructure:"workers"`
	// StorePath locates the fingerprint database, relative to the root.
	StorePath string `mapstructure:"store_path"`
}

// Default returns the settings used when no zen.yaml exists.
func Default() Config {
	return Config{
		DefaultLevel: "shallow",
		ExcludeDirs:  []string{".git", "build", "out"},
		SourceExts:   []string{".cc", ".cpp", ".cxx", ".c"},
		HeaderExts:   []string{".h", ".hh", ".hpp", ".hxx", ".inl"},
		Workers:      runtime.NumCPU(),
		StorePath:    ".zen.db",
	}
}

// Load reads zen.yaml from root, falling back to defaults when the file is
// absent. A present-but-unreadable config is an error; silently ignoring a
// typo'd config would quietly change rebuild behavior.
func Load(root string) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigName("zen")
	v.SetConfigType("yaml")
	v.AddConfigPath(root)
	v.SetEnvPrefix("ZEN")
	v.AutomaticEnv()

	v.SetDefault("default_level", def.DefaultLevel)
	v.SetDefault("exclude_dirs", def.ExcludeDirs)
	v.SetDefault("source_exts", def.SourceExts)
	v.SetDefault("header_exts", def.HeaderExts)
	v.SetDefault("workers", def.Workers)
	v.SetDefault("store_path", def.StorePath)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if _, ok := level.Parse(cfg.DefaultLevel); !ok {
		return Config{}, fmt.Errorf("config: unknown default_level %q", cfg.DefaultLevel)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg, nil
}

// Level returns the parsed default level.
func (c Config) Level() level.Level {
	lv, ok := level.Parse(c.DefaultLevel)
	if !ok {
		return level.Shallow
	}
	return lv
}
