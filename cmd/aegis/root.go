package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/database"
	"github.com/aegisops/aegis/pkg/version"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:           "aegis",
	Short:         "Autonomous cloud-incident orchestrator",
	Long:          "aegis detects, diagnoses, and remediates cloud incidents through consensus-gated autonomous agents.",
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to the configuration directory")

	rootCmd.AddCommand(runCmd, verifyCmd, replayCmd, escalateCmd, watchCmd)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// loadConfig loads .env from the config directory, then the full
// configuration with defaults merged and validation applied.
func loadConfig(ctx context.Context) (*config.Config, error) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}
	return config.Initialize(ctx, configDir)
}

// openDatabase connects to PostgreSQL. Every subcommand needs the durable
// stores; in-memory mode exists for tests only.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.Client, error) {
	if !cfg.Database.Enabled {
		return nil, fmt.Errorf("database is disabled in configuration; aegis requires PostgreSQL")
	}
	return database.NewClient(ctx, cfg.Database)
}
