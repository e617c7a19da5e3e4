/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lewtec/plantid/identifier"
	"github.com/lewtec/plantid/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "plantid",
	Short: "Identify plants from a photo",
	Long: strings.TrimSpace(`
Take or upload a photo of a plant and get its name, how confident the model is, and how to take care of it.
    `),
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		stop()
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringP("database", "d", "", "Database file path, overrides the config")
	rootCmd.PersistentFlags().String("log-level", "", "Log level, overrides the config")
}

// loadConfig reads the --config file, falling back to the defaults when it
// does not exist, and applies the flag overrides
func loadConfig(cmd *cobra.Command) (*identifier.Config, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	config, err := identifier.LoadConfig(configFile)
	if errors.Is(err, fs.ErrNotExist) {
		config, err = identifier.ParseConfig(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if database, _ := cmd.Flags().GetString("database"); database != "" {
		config.Database = database
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		config.Log.Level = level
	}
	config.Log.Output = cmd.ErrOrStderr()
	return config, nil
}

func newLogger(config *identifier.Config) *zap.Logger {
	return logging.New(config.Log)
}
