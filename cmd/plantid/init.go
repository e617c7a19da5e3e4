package main

import (
	"fmt"
	"os"

	"github.com/lewtec/plantid/identifier"
	"github.com/spf13/cobra"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new plantid setup",
	Long: `Initialize a new plantid setup by creating:
- A sample configuration file (config.yaml)
- The SQLite database that keeps the API key (plantid.db)

Example:
  plantid init
  plantid init --config custom-config.yaml --database plants.db`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		out := cmd.OutOrStdout()

		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			fmt.Fprintf(out, "Creating sample configuration file: %s\n", configFile)
			if err := createSampleConfig(configFile); err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}
		} else {
			fmt.Fprintf(out, "Configuration file already exists: %s\n", configFile)
		}

		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "Creating database: %s\n", config.Database)
		db, err := identifier.GetDatabase(config.Database)
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		defer db.Close()

		fmt.Fprintln(out, "✓ Initialization complete!")
		fmt.Fprintln(out, "\nNext steps:")
		fmt.Fprintln(out, "  1. Save your Gemini API key:")
		fmt.Fprintf(out, "     plantid key set <key> -c %s\n", configFile)
		fmt.Fprintln(out, "  2. Start the server:")
		fmt.Fprintf(out, "     plantid serve -c %s\n", configFile)
		fmt.Fprintf(out, "\nThen open http://localhost%s in your browser\n", config.Server.Addr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func createSampleConfig(filename string) error {
	return os.WriteFile(filename, []byte(identifier.SampleConfig), 0644)
}
