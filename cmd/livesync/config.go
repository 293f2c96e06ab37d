package main

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)

	configShowCmd.Flags().BoolVar(&configEffective, "effective", false, "Show the merged file, environment and defaults with secrets masked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage livesync configuration",
	Long: `View or modify ~/.livesync/config.toml.

The file has three sections:
  [backend]  where lives are stored (REST endpoint or Postgres DSN)
  [auth]     the signed-in identity
  [cache]    the local storage driver

Every key can also be set through the environment as LIVESYNC_<SECTION>_<FIELD>,
for example LIVESYNC_CACHE_DRIVER=redis.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configEffective {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := toml.Marshal(maskedConfig(cfg))
			if err != nil {
				return fmt.Errorf("cannot marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'livesync init <url> <api-key>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\n" + configKeyHelp() + "\nExample: livesync config set cache.driver redis",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editConfig(args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <section.key>",
	Short: "Clear a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editConfig(args[0], "")
	},
}

func editConfig(key, value string) error {
	cfg, err := loadFileConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if value == "" {
		fmt.Printf("Cleared %s\n", key)
		return nil
	}
	if secretKeys[key] {
		value = maskKey(value)
	}
	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}

// ============================================================================
// Keys
// ============================================================================

var configSections = []string{"backend", "auth", "cache"}

// secretKeys are masked when printed.
var secretKeys = map[string]bool{
	"backend.api_key":        true,
	"backend.dsn":            true,
	"backend.webhook_secret": true,
	"auth.access_token":      true,
	"cache.redis_password":   true,
}

// allowedValues restricts keys that select an implementation.
var allowedValues = map[string][]string{
	"backend.kind": {backendREST, backendPostgres},
	"cache.driver": {cacheFile, cacheMemory, cacheRedis},
}

// configKeys lists every settable key grouped by section.
func configKeys() map[string][]string {
	out := make(map[string][]string, len(configSections))
	for key := range stringFields(&Config{}) {
		section, _, _ := strings.Cut(key, ".")
		out[section] = append(out[section], key)
	}
	out["cache"] = append(out["cache"], "cache.redis_db")
	for _, keys := range out {
		sort.Strings(keys)
	}
	return out
}

func configKeyHelp() string {
	keys := configKeys()
	var b strings.Builder
	for _, section := range configSections {
		fmt.Fprintf(&b, "[%s]\n", section)
		for _, key := range keys[section] {
			fmt.Fprintf(&b, "  %s", key)
			if allowed, ok := allowedValues[key]; ok {
				fmt.Fprintf(&b, " (%s)", strings.Join(allowed, "|"))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// setConfigValue sets a field by its section.key name. An empty value clears
// it.
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" {
		return fmt.Errorf("key must be section.field (e.g. backend.url)")
	}
	if !slices.Contains(configSections, section) {
		return fmt.Errorf("unknown config section [%s] (valid: %s)", section, strings.Join(configSections, ", "))
	}
	if err := validateConfigValue(key, value); err != nil {
		return err
	}

	if key == "cache.redis_db" {
		if value == "" {
			cfg.Cache.RedisDB = 0
			return nil
		}
		n, _ := strconv.Atoi(value)
		cfg.Cache.RedisDB = n
		return nil
	}
	ptr, ok := stringFields(cfg)[key]
	if !ok {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	*ptr = value
	return nil
}

func validateConfigValue(key, value string) error {
	if value == "" {
		return nil
	}
	if allowed, ok := allowedValues[key]; ok && !slices.Contains(allowed, value) {
		return fmt.Errorf("%s must be one of %s", key, strings.Join(allowed, ", "))
	}
	switch key {
	case "backend.url":
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("backend.url must be an http(s) URL, got %q", value)
		}
	case "cache.redis_db":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("cache.redis_db must be a non-negative number, got %q", value)
		}
	}
	return nil
}

// maskedConfig returns a copy of cfg safe to print.
func maskedConfig(cfg *Config) *Config {
	out := *cfg
	for key, ptr := range stringFields(&out) {
		if secretKeys[key] && *ptr != "" {
			*ptr = maskKey(*ptr)
		}
	}
	return &out
}
