package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd runs the execution manager with its HTTP surface.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the execution manager and its HTTP API",
	Long: `Starts the scheduler, the model cache, the signal feed and the HTTP API.
The config file is watched; safe mode, policy rules and the pinned thermal
level are applied live when it changes.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger, os.Stderr)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("Serving",
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("simulate", cfg.Engines.Simulate),
		zap.Bool("safe_mode", cfg.SafeMode),
	)
	return a.run(cmd.Context(), true, v.GetString("config"))
}
