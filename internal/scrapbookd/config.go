package scrapbookd

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AuthRecord is one row of the flat credential table consulted by the
// Permission Gate. Records are matched in declared order.
type AuthRecord struct {
	User       string `mapstructure:"user"`
	Pw         string `mapstructure:"pw"`
	PwSalt     string `mapstructure:"pw_salt"`
	PwType     string `mapstructure:"pw_type"`
	Permission string `mapstructure:"permission"`
}

// Config holds all runtime configuration for scrapbookd.
//
// Loaded in three layers of ascending precedence: built-in defaults, the
// user config file, and the repository config file, then overridden by
// SCRAPBOOKD_* environment variables.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	AppTheme string `mapstructure:"app_theme"`
	AppRoot  string `mapstructure:"app_root"`
	AppBase  string `mapstructure:"app_base"`

	AllowedXFor    int `mapstructure:"allowed_x_for"`
	AllowedXProto  int `mapstructure:"allowed_x_proto"`
	AllowedXHost   int `mapstructure:"allowed_x_host"`
	AllowedXPort   int `mapstructure:"allowed_x_port"`
	AllowedXPrefix int `mapstructure:"allowed_x_prefix"`

	BrowserCachePrefix string `mapstructure:"browser_cache_prefix"`
	BrowserCacheExpire int    `mapstructure:"browser_cache_expire"`
	BrowserUseJar      bool   `mapstructure:"browser_use_jar"`
	BrowserCommand     string `mapstructure:"browser_command"`

	Auth []AuthRecord `mapstructure:"auth"`

	ZipCacheMaxOpen        int           `mapstructure:"zip_cache_max_open"`
	ZipIntegrityFailTTL    time.Duration `mapstructure:"zip_integrity_fail_ttl"`
	EntryCacheMaxBytes     int64         `mapstructure:"entry_cache_max_bytes"`
	ZipCacheMaxConcurrency int           `mapstructure:"zip_cache_max_concurrency"`

	TokenExpiry      time.Duration `mapstructure:"token_expiry"`
	TokenPurgeInterval time.Duration `mapstructure:"token_purge_interval"`

	LockDefaultStaleSeconds   int `mapstructure:"lock_default_stale_seconds"`
	LockDefaultTimeoutSeconds int `mapstructure:"lock_default_timeout_seconds"`

	HTTPReadHeaderTimeout time.Duration `mapstructure:"http_read_header_timeout"`
	HTTPIdleTimeout       time.Duration `mapstructure:"http_idle_timeout"`
	HTTPMaxHeaderBytes    int           `mapstructure:"http_max_header_bytes"`
	HTTPWriteTimeout      time.Duration `mapstructure:"http_write_timeout"`
	HTTPReadTimeout       time.Duration `mapstructure:"http_read_timeout"`

	HTTPTrustedSources []netip.Prefix `mapstructure:"-"`
	trustedSourcesCSV  string         `mapstructure:"http_trusted_sources"`
}

// PhysicalRoot returns the absolute path of the virtual namespace root.
func (c Config) PhysicalRoot() string {
	return c.AppRoot
}

// TokenDir returns the directory holding token files.
func (c Config) TokenDir() string {
	return filepath.Join(c.AppRoot, ".wsb", "server", "tokens")
}

// LockDir returns the directory holding lock directories.
func (c Config) LockDir() string {
	return filepath.Join(c.AppRoot, ".wsb", "server", "locks")
}

// ThemeStaticDir returns the theme static-asset search path for the configured theme.
func (c Config) ThemeStaticDir() string {
	return filepath.Join(c.AppRoot, ".wsb", "themes", c.AppTheme, "static")
}

// ThemeTemplatesDir returns the theme template search path for the configured theme.
func (c Config) ThemeTemplatesDir() string {
	return filepath.Join(c.AppRoot, ".wsb", "themes", c.AppTheme, "templates")
}

// LoadConfig loads configuration from defaults, the user config file, the
// repository config file, and SCRAPBOOKD_* environment overrides, in that
// order of ascending precedence.
//
// appRoot is the physical root of the virtual namespace; its .wsb/config.toml,
// if present, is merged as the repository-layer config file.
func LoadConfig(appRoot string) (Config, error) {
	v := viper.New()
	setDefaults(v, appRoot)

	if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(filepath.Join(home, ".scrapbookd"))
		if err := v.MergeInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, fmt.Errorf("loading user config: %w", err)
			}
		}
	}

	repoConfig := filepath.Join(appRoot, ".wsb", "config.toml")
	if _, err := os.Stat(repoConfig); err == nil {
		v.SetConfigFile(repoConfig)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("loading repository config %s: %w", repoConfig, err)
		}
	}

	v.SetEnvPrefix("SCRAPBOOKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding configuration: %w", err)
	}

	cfg.AppRoot = appRoot

	csv := v.GetString("http_trusted_sources")
	prefixes, err := parseTrustedSourcesCSV(csv)
	if err != nil {
		return Config{}, fmt.Errorf("http_trusted_sources: %w", err)
	}
	cfg.HTTPTrustedSources = prefixes

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, appRoot string) {
	v.SetDefault("app_name", "scrapbook")
	v.SetDefault("app_theme", "default")
	v.SetDefault("app_root", appRoot)
	v.SetDefault("app_base", "")

	v.SetDefault("allowed_x_for", 0)
	v.SetDefault("allowed_x_proto", 0)
	v.SetDefault("allowed_x_host", 0)
	v.SetDefault("allowed_x_port", 0)
	v.SetDefault("allowed_x_prefix", 0)

	v.SetDefault("browser_cache_prefix", "")
	v.SetDefault("browser_cache_expire", 0)
	v.SetDefault("browser_use_jar", false)
	v.SetDefault("browser_command", "")

	v.SetDefault("zip_cache_max_open", 256)
	v.SetDefault("zip_integrity_fail_ttl", 5*time.Minute)
	v.SetDefault("entry_cache_max_bytes", int64(64*1024*1024))
	v.SetDefault("zip_cache_max_concurrency", 64)

	v.SetDefault("token_expiry", 1800*time.Second)
	v.SetDefault("token_purge_interval", 3600*time.Second)

	v.SetDefault("lock_default_stale_seconds", 300)
	v.SetDefault("lock_default_timeout_seconds", 5)

	v.SetDefault("http_read_header_timeout", 5*time.Second)
	v.SetDefault("http_idle_timeout", 60*time.Second)
	v.SetDefault("http_max_header_bytes", 8192)
	v.SetDefault("http_write_timeout", time.Duration(0))
	v.SetDefault("http_read_timeout", time.Duration(0))

	v.SetDefault("http_trusted_sources", "")
}

func (c Config) validate() error {
	if c.AppRoot == "" {
		return fmt.Errorf("app_root: must not be empty")
	}
	if c.ZipCacheMaxOpen <= 0 {
		return fmt.Errorf("zip_cache_max_open: must be > 0")
	}
	if c.ZipIntegrityFailTTL <= 0 {
		return fmt.Errorf("zip_integrity_fail_ttl: must be > 0")
	}
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("token_expiry: must be > 0")
	}
	if c.LockDefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("lock_default_timeout_seconds: must be > 0")
	}
	return nil
}

func parseTrustedSourcesCSV(csv string) ([]netip.Prefix, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}

	parts := strings.Split(csv, ",")
	out := make([]netip.Prefix, 0, len(parts))
	for _, raw := range parts {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}

		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
			}
			out = append(out, p)
			continue
		}

		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid IP %q: %w", s, err)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}

	return out, nil
}
