package main

import (
	"fmt"
	"strings"

	"github.com/lewtec/plantid/identifier"
	"github.com/lewtec/plantid/internal/domain"
	"github.com/lewtec/plantid/internal/repository"
	"github.com/spf13/cobra"
)

// keyCmd groups the API key commands
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the saved Gemini API key",
}

var keySetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Save the Gemini API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.TrimSpace(args[0])
		if key == "" {
			return fmt.Errorf("API key is required")
		}
		return withSettings(cmd, func(settings *repository.SettingsRepository) error {
			if _, err := settings.Put(cmd.Context(), domain.CredentialKey, key); err != nil {
				return fmt.Errorf("failed to save key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ API key saved: %s\n", identifier.MaskKey(key))
			return nil
		})
	},
}

var keyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the saved Gemini API key, masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(cmd, func(settings *repository.SettingsRepository) error {
			rec, err := settings.Get(cmd.Context(), domain.CredentialKey)
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No API key saved")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t(updated %s)\n", identifier.MaskKey(rec.Value), rec.UpdatedAt.Format("2006-01-02 15:04:05"))
			return nil
		})
	},
}

var keyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the saved Gemini API key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(cmd, func(settings *repository.SettingsRepository) error {
			if err := settings.Delete(cmd.Context(), domain.CredentialKey); err != nil {
				return fmt.Errorf("failed to remove key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ API key removed")
			return nil
		})
	},
}

func withSettings(cmd *cobra.Command, fn func(*repository.SettingsRepository) error) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := identifier.GetDatabase(config.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return fn(repository.NewSettingsRepository(db))
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keySetCmd, keyShowCmd, keyClearCmd)
}
