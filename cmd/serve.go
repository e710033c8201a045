package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/assetdiffbot/internal/api"
	"github.com/assetdiffbot/internal/checks"
	"github.com/assetdiffbot/internal/config"
	"github.com/assetdiffbot/internal/logging"
	"github.com/assetdiffbot/internal/queue"
	"github.com/assetdiffbot/internal/rendertool"
	"github.com/assetdiffbot/internal/worker"
)

// ServeCommand returns the CLI command for running the service: webhook
// intake, job worker and maintenance scheduler in one process.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Start the webhook server and job worker",
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)

	keyPEM, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading app private key: %w", err)
	}
	auth, err := checks.NewAppAuth(cfg.GitHub.AppID, keyPEM)
	if err != nil {
		return err
	}
	client := checks.NewClient(auth)

	if err := os.MkdirAll(cfg.OutputDir(), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	q, err := queue.Open(cfg.QueueDir())
	if err != nil {
		return err
	}

	tool := rendertool.New(cfg.Render.ToolPath)
	w := worker.New(cfg, q, client, tool, tool, tool, tool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := w.Run(ctx); err != nil {
			log.Error().Err(err).Msg("worker stopped")
		}
	}()
	go worker.RunCleanupScheduler(ctx, q)

	log.Info().Str("listen", cfg.Server.Listen).Int64("app", cfg.GitHub.AppID).Msg("starting assetdiffbot")
	return api.NewServer(cfg, q, client).Start()
}
