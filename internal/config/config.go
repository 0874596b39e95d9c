// Package config loads ahsync settings from ahsync.toml, .env files and
// AHSYNC_* environment variables.
//
// Precedence, highest first: environment, config file, defaults. Nested keys
// map to variables by upper-casing and replacing dots, so export.destination
// is AHSYNC_EXPORT_DESTINATION.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ahsync/ahsync/internal/logging"
	"github.com/ahsync/ahsync/internal/types"
)

// FileName is the config file name searched for without an explicit path.
const FileName = "ahsync.toml"

// EnvHome overrides the config home directory.
const EnvHome = "AHSYNC_HOME"

// Config is the full ahsync configuration.
type Config struct {
	// DataDir holds the snapshot database and remote mirrors.
	DataDir string `mapstructure:"data_dir"`

	Remote    RemoteConfig    `mapstructure:"remote"`
	Selection types.Selection `mapstructure:"selection"`
	Export    ExportConfig    `mapstructure:"export"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Update    UpdateConfig    `mapstructure:"update"`
	Log       logging.Config  `mapstructure:"log"`
	WoW       WoWConfig       `mapstructure:"wow"`
	Feed      FeedConfig      `mapstructure:"feed"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

// RemoteConfig configures remote sync.
type RemoteConfig struct {
	URL   string `mapstructure:"url"`
	Proxy string `mapstructure:"proxy"`
}

// ExportConfig configures export and auto-export.
type ExportConfig struct {
	// Destination is the AppData.lua to write. Empty derives it from
	// wow.base and game_version.
	Destination string        `mapstructure:"destination"`
	Debounce    time.Duration `mapstructure:"debounce"`
	GameVersion string        `mapstructure:"game_version"`
}

// ScanConfig configures the upstream ingest.
type ScanConfig struct {
	// Source is a directory of raw dumps or an http(s) base URL.
	Source      string  `mapstructure:"source"`
	Token       string  `mapstructure:"token"`
	Proxy       string  `mapstructure:"proxy"`
	Concurrency int     `mapstructure:"concurrency"`
	Rate        float64 `mapstructure:"rate"`
}

// UpdateConfig configures self-update.
type UpdateConfig struct {
	ManifestURL string `mapstructure:"manifest_url"`

	// InstallPath is the artifact to replace. Empty means the running
	// executable.
	InstallPath string `mapstructure:"install_path"`
	Proxy       string `mapstructure:"proxy"`
}

// WoWConfig locates the game installation.
type WoWConfig struct {
	Base string `mapstructure:"base"`
}

// FeedConfig configures the event feed served by watch.
type FeedConfig struct {
	// Listen is the feed address. Empty disables the feed.
	Listen string `mapstructure:"listen"`
}

// DatabasePath returns the snapshot database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "snapshots.db")
}

// GameVersion returns the parsed export game version.
func (c *Config) GameVersion() (types.GameVersion, error) {
	return types.ParseGameVersion(c.Export.GameVersion)
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. It must exist.
	File string

	// Home is searched for ahsync.toml and .env. Defaults to $AHSYNC_HOME,
	// then the user config directory.
	Home string
}

// Home returns the default config home.
func Home() string {
	if h := os.Getenv(EnvHome); h != "" {
		return h
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ahsync")
	}
	return ".ahsync"
}

func setDefaults(v *viper.Viper, home string) {
	log := logging.DefaultConfig()

	v.SetDefault("data_dir", filepath.Join(home, "data"))
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.proxy", "")
	v.SetDefault("selection.region", "")
	v.SetDefault("selection.realms", []string{})
	v.SetDefault("export.destination", "")
	v.SetDefault("export.debounce", 2*time.Second)
	v.SetDefault("export.game_version", string(types.GameRetail))
	v.SetDefault("scan.source", "")
	v.SetDefault("scan.token", "")
	v.SetDefault("scan.proxy", "")
	v.SetDefault("scan.concurrency", 4)
	v.SetDefault("scan.rate", 2.0)
	v.SetDefault("update.manifest_url", "")
	v.SetDefault("update.install_path", "")
	v.SetDefault("update.proxy", "")
	v.SetDefault("log.level", log.Level)
	v.SetDefault("log.format", log.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", log.MaxSizeMB)
	v.SetDefault("log.max_backups", log.MaxBackups)
	v.SetDefault("log.max_age_days", log.MaxAgeDays)
	v.SetDefault("wow.base", "")
	v.SetDefault("feed.listen", "")
}

// Load reads the configuration.
func Load(opts Options) (*Config, error) {
	home := opts.Home
	if home == "" {
		home = Home()
	}

	// Real environment variables win over .env entries.
	for _, p := range []string{".env", filepath.Join(home, ".env")} {
		_ = godotenv.Load(p)
	}

	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v, home)
	v.SetEnvPrefix("AHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(home)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.Selection.Region != "" {
		r, err := types.ParseRegion(string(c.Selection.Region))
		if err != nil {
			return fmt.Errorf("selection.region: %w", err)
		}
		c.Selection.Region = r
	}
	realms := c.Selection.Realms[:0]
	for _, r := range c.Selection.Realms {
		if r = strings.TrimSpace(r); r != "" {
			realms = append(realms, r)
		}
	}
	c.Selection.Realms = realms

	if _, err := c.GameVersion(); err != nil {
		return fmt.Errorf("export.game_version: %w", err)
	}
	if c.Export.Debounce < 0 {
		return fmt.Errorf("export.debounce must not be negative")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}
