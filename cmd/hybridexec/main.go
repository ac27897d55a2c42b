package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hybridexec/internal/config"
)

var (
	// Bound to flags and HYBRIDEXEC_* environment variables.
	v = viper.New()

	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hybridexec",
	Short: "Hybrid local/remote inference execution manager",
	Long: `hybridexec schedules prompts onto a single on-device accelerator or a remote
inference service. Work is prioritized by tier (systemCritical, userInitiated,
background), admitted against live thermal and memory signals, and routed by
a cheap complexity pass before any runtime is loaded.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if v.GetBool("verbose") {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "hybridexec.yaml", "config file path")
	pf.BoolP("verbose", "v", false, "debug level process logging")
	pf.Bool("simulate", false, "use simulated engines instead of Ollama and GenAI")
	pf.Bool("safe-mode", false, "start in safe mode (every request remote)")
	pf.String("addr", "", "HTTP listen/status address (overrides config)")
	if err := v.BindPFlags(pf); err != nil {
		panic(err)
	}
	v.SetEnvPrefix("HYBRIDEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, runCmd, statusCmd, auditCmd)
}

// loadConfig reads the config file and layers flag and environment values on
// top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v.GetBool("simulate") {
		cfg.Engines.Simulate = true
	}
	if v.GetBool("safe-mode") {
		cfg.SafeMode = true
	}
	if addr := v.GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if v.GetBool("verbose") {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
