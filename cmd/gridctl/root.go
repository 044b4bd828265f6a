package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/app"
	"github.com/JakeFAU/crawlgrid/internal/config"
	"github.com/JakeFAU/crawlgrid/internal/logging"
	"github.com/JakeFAU/crawlgrid/internal/metrics"
)

// appKeyType keys the config path in the command context.
type appKeyType string

const appKey appKeyType = "app"

const closeTimeout = 15 * time.Second

// session is the grid opened for one command.
type session struct {
	cfg    config.Config
	app    *app.App
	logger *zap.Logger
}

// newSession builds the grid. It is a variable so tests can swap in
// alternative wiring.
var newSession = func(ctx context.Context, cfgFile string) (*session, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	metrics.Init()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &session{cfg: cfg, app: a, logger: logger}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "gridctl",
		Short: "Operate a crawl grid: its stores, jobs and pipelines.",
		Long: `gridctl opens the grid described by the configuration and inspects or
manipulates its durable stores and the jobs and pipelines coordinated
through them. "gridctl serve" runs the HTTP inspection API.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, cfgFile))
			return nil
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); GRID_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newStoresCmd(),
		newJobCmd(),
		newPipelineCmd(),
		newAttrCmd(),
		newResetSessionCmd(),
		newClearCmd(),
		newDestroyCmd(),
	)
	return cmd
}

func configFile(ctx context.Context) (string, error) {
	path, ok := ctx.Value(appKey).(string)
	if !ok {
		return "", errors.New("configuration not initialized")
	}
	return path, nil
}

// withSession adapts fn to a RunE that opens the grid first and closes it
// afterwards, whether or not fn succeeds.
func withSession(fn func(cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		path, err := configFile(cmd.Context())
		if err != nil {
			return err
		}
		s, err := newSession(cmd.Context(), path)
		if err != nil {
			return fmt.Errorf("open grid: %w", err)
		}
		defer func() {
			if cerr := s.close(); cerr != nil && err == nil {
				err = fmt.Errorf("close grid: %w", cerr)
			}
		}()
		return fn(cmd, s, args)
	}
}

func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := s.app.Close(ctx)
	_ = s.logger.Sync()
	return err
}
