package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the CLI configuration stored in ~/.livesync/config.toml.
type Config struct {
	Backend ConfigBackend `toml:"backend"`
	Auth    ConfigAuth    `toml:"auth"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigBackend selects and addresses the remote store.
type ConfigBackend struct {
	Kind          string `toml:"kind"`
	URL           string `toml:"url"`
	APIKey        string `toml:"api_key"`
	DSN           string `toml:"dsn"`
	WebhookSecret string `toml:"webhook_secret"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	AccessToken string `toml:"access_token"`
	UserID      string `toml:"user_id"`
	Name        string `toml:"name"`
	Avatar      string `toml:"avatar"`
}

// ConfigCache selects the local storage driver.
type ConfigCache struct {
	Driver        string `toml:"driver"`
	Dir           string `toml:"dir"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

const (
	backendREST     = "rest"
	backendPostgres = "postgres"

	cacheFile   = "file"
	cacheMemory = "memory"
	cacheRedis  = "redis"
)

// ============================================================================
// Config helpers
// ============================================================================

var configPathFlag string

// configDir returns the path to ~/.livesync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".livesync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if configPathFlag != "" {
		return configPathFlag, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadFileConfig reads the config file only. A missing file yields a
// zero-value Config.
func loadFileConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file, overlays LIVESYNC_* environment
// variables and fills defaults.
func loadConfig() (*Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	setDefaults(cfg)
	return cfg, nil
}

// applyEnv overlays LIVESYNC_SECTION_FIELD variables, e.g. LIVESYNC_BACKEND_URL.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("LIVESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, field := range stringFields(cfg) {
		if s := v.GetString(key); s != "" {
			*field = s
		}
	}
	if v.IsSet("cache.redis_db") {
		cfg.Cache.RedisDB = v.GetInt("cache.redis_db")
	}
}

func stringFields(cfg *Config) map[string]*string {
	return map[string]*string{
		"backend.kind":           &cfg.Backend.Kind,
		"backend.url":            &cfg.Backend.URL,
		"backend.api_key":        &cfg.Backend.APIKey,
		"backend.dsn":            &cfg.Backend.DSN,
		"backend.webhook_secret": &cfg.Backend.WebhookSecret,
		"auth.access_token":      &cfg.Auth.AccessToken,
		"auth.user_id":           &cfg.Auth.UserID,
		"auth.name":              &cfg.Auth.Name,
		"auth.avatar":            &cfg.Auth.Avatar,
		"cache.driver":           &cfg.Cache.Driver,
		"cache.dir":              &cfg.Cache.Dir,
		"cache.redis_addr":       &cfg.Cache.RedisAddr,
		"cache.redis_password":   &cfg.Cache.RedisPassword,
		"cache.redis_prefix":     &cfg.Cache.RedisPrefix,
	}
}

func setDefaults(cfg *Config) {
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = backendREST
	}
	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = cacheFile
	}
	if cfg.Cache.Dir == "" {
		if dir, err := configDir(); err == nil {
			cfg.Cache.Dir = filepath.Join(dir, "cache")
		}
	}
	if cfg.Cache.RedisAddr == "" {
		cfg.Cache.RedisAddr = "localhost:6379"
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose     bool
	metricsAddr string
	logger      = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "livesync",
	Short: "Live attendance sync client",
	Long:  "Command-line client for the live attendance data layer.\nBrowse and create lives, join them, and keep a local cache in sync.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env file is fine.
		_ = godotenv.Load()

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "Config file (default ~/.livesync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
