package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/lewtec/plantid/identifier"
	"github.com/lewtec/plantid/internal/domain"
	"github.com/lewtec/plantid/internal/identify"
	"github.com/lewtec/plantid/internal/repository"
	"github.com/lewtec/plantid/internal/selector"
	"github.com/spf13/cobra"
)

// staticKey is a credential given on the command line
type staticKey string

func (k staticKey) Credential(ctx context.Context) (string, error) {
	return string(k), nil
}

// identifyCmd represents the identify command
var identifyCmd = &cobra.Command{
	Use:   "identify <image>",
	Short: "Identify the plant in an image file",
	Long: `Identify the plant in an image file through a running relay.

The image goes through the same checks as an upload: it must be an image
smaller than the upload ceiling, and an API key must be available.

Examples:
  plantid identify monstera.jpg
  plantid identify --endpoint http://plants.local/api/identify --api-key $GEMINI_API_KEY leaf.png
  plantid identify --json leaf.png
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if endpoint, _ := cmd.Flags().GetString("endpoint"); endpoint != "" {
			config.Identify.Endpoint = endpoint
		}
		logger := newLogger(config)
		defer logger.Sync()

		var credentials selector.CredentialSource
		if key, _ := cmd.Flags().GetString("api-key"); strings.TrimSpace(key) != "" {
			credentials = staticKey(strings.TrimSpace(key))
		} else {
			db, err := identifier.GetDatabase(config.Database)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()
			credentials = repository.NewSettingsRepository(db)
		}

		sel := selector.New(credentials, nil, logger.Named("selector"))
		sel.MaxBytes = config.Upload.MaxBytes
		img, err := identifier.SelectImageFile(cmd.Context(), sel, args[0])
		if err != nil {
			return fmt.Errorf("failed to load image: %w", err)
		}
		defer sel.Reset()

		key, err := credentials.Credential(cmd.Context())
		if err != nil {
			return err
		}
		client := identify.New(identify.Config{
			Endpoint:   config.IdentifyEndpoint(),
			Credential: key,
			Mode:       config.Identify.Mode,
			Timeout:    config.Identify.Timeout,
			Log:        logger.Named("identify"),
		})
		record, err := client.Identify(cmd.Context(), *img)
		if err != nil {
			return fmt.Errorf("%s: %w", identify.UserMessage(err), err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(record)
		}
		printRecord(cmd.OutOrStdout(), record)
		return nil
	},
}

func printRecord(w io.Writer, record *domain.PlantRecord) {
	fmt.Fprintf(w, "%s (%s)\n", record.Name, record.ScientificName)
	fmt.Fprintf(w, "%s%% Match\n", identifier.FormatPercent(float64(record.Confidence)))
	if description := strings.TrimSpace(record.Description); description != "" {
		fmt.Fprintf(w, "\n%s\n", description)
	}
	if len(record.KeyFeatures) > 0 {
		fmt.Fprintln(w, "\nKey Features:")
		for _, feature := range record.KeyFeatures {
			fmt.Fprintf(w, "  - %s\n", feature)
		}
	}
	fmt.Fprintln(w, "\nCare Instructions:")
	for _, entry := range record.Care {
		if strings.TrimSpace(entry.Text) == "" {
			continue
		}
		fmt.Fprintf(w, "  %s:\t%s\n", identifier.CareLabel(entry.Key), entry.Text)
	}
	if len(record.CommonProblems) > 0 {
		fmt.Fprintln(w, "\nCommon Problems:")
		for _, problem := range record.CommonProblems {
			fmt.Fprintf(w, "  - %s\n", problem)
		}
	}
	if steps := identifier.PropagationSteps(record.Propagation); len(steps) > 0 {
		fmt.Fprintln(w, "\nPropagation:")
		for i, step := range steps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, step)
		}
	}
	if growth := strings.TrimSpace(record.GrowthRate); growth != "" {
		fmt.Fprintf(w, "\nGrowth Rate: %s\n", growth)
	}
}

func init() {
	rootCmd.AddCommand(identifyCmd)

	identifyCmd.Flags().String("endpoint", "", "Relay URL, overrides the config")
	identifyCmd.Flags().String("api-key", "", "API key, instead of the saved one")
	identifyCmd.Flags().Bool("json", false, "Print the plant record as JSON")
}
