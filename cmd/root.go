package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmeta/internal/config"
	"github.com/JakeFAU/bookmeta/internal/cover"
	"github.com/JakeFAU/bookmeta/internal/dispatcher"
	"github.com/JakeFAU/bookmeta/internal/lookup"
	"github.com/JakeFAU/bookmeta/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	Identify(ctx context.Context, query lookup.Query, timeout time.Duration) ([]lookup.Record, dispatcher.Report)
	Cover(ctx context.Context, query lookup.Query, timeout time.Duration) (cover.Image, error)
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookmeta",
		Short: "Book metadata lookup against online bookstores.",
		Long: `bookmeta looks up book metadata (title, authors, rating, publisher,
language, publication date, description and cover) on a bookstore website,
Saxo.dk by default. It can run one-off lookups or serve them over HTTP.`,
		SilenceUsage: true,

		// Builds the application once flags are parsed and before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyFlagOverrides(cmd, &cfg); err != nil {
				return err
			}

			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = appInstance.Close(ctx)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the BOOKMETA_ prefix")

	cmd.AddCommand(newIdentifyCmd())
	cmd.AddCommand(newCoverCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// applyFlagOverrides copies command flags that shadow config keys.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("discover") {
		enabled, err := cmd.Flags().GetBool("discover")
		if err != nil {
			return fmt.Errorf("read --discover: %w", err)
		}
		cfg.Discovery.Enabled = enabled
	}
	if cmd.Flags().Changed("site") {
		site, err := cmd.Flags().GetString("site")
		if err != nil {
			return fmt.Errorf("read --site: %w", err)
		}
		cfg.Site = site
		if _, err := cfg.Profile(); err != nil {
			return fmt.Errorf("--site: %w", err)
		}
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
