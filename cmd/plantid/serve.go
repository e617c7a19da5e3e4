package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lewtec/plantid/identifier"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the plant identification web server",
	Long: `Start the plant identification web server.

The same server answers the pages, the camera websocket and the
/api/identify relay that forwards images to Gemini.

Examples:
  plantid serve
  plantid serve -c config.yaml --addr :9000
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			config.Server.Addr = addr
		}
		logger := newLogger(config)
		defer logger.Sync()

		db, err := identifier.GetDatabase(config.Database)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		g, ctx := errgroup.WithContext(cmd.Context())
		app := &identifier.PlantApp{
			Config:      config,
			Database:    db,
			Log:         logger,
			BaseContext: ctx,
		}
		server := &http.Server{
			Addr:              config.Server.Addr,
			Handler:           app.GetHTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		logger.Info("starting server",
			zap.String("addr", config.Server.Addr),
			zap.String("database", config.Database),
			zap.String("model", config.Relay.Model),
			zap.String("relay", config.IdentifyEndpoint()))

		g.Go(func() error {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			return app.RunReaper(ctx)
		})

		err = g.Wait()
		app.Wait()
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("addr", "a", "", "Address to bind the webserver, overrides the config")
}
