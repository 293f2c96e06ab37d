package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initKind string

func init() {
	initCmd.Flags().StringVar(&initKind, "kind", backendREST, "Backend kind: rest or postgres (postgres takes a DSN as <url>)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <url> [api-key]",
	Short: "Store the backend address in ~/.livesync/config.toml",
	Long:  "Initialize livesync by storing the backend URL and anon key (or a Postgres DSN with --kind postgres).",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		switch initKind {
		case backendREST:
			if len(args) < 2 {
				return fmt.Errorf("the rest backend needs an api key")
			}
			cfg.Backend.URL = args[0]
			cfg.Backend.APIKey = args[1]
		case backendPostgres:
			cfg.Backend.DSN = args[0]
		default:
			return fmt.Errorf("unknown backend kind %q (valid: rest, postgres)", initKind)
		}
		cfg.Backend.Kind = initKind

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Backend saved to %s\n", path)
		return nil
	},
}
