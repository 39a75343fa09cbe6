package main

import (
	"fmt"

	"tinvest-trade-bot/internal/config"
	"tinvest-trade-bot/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Decision-admission engine for MOEX equities through the T-Invest API",
	Long: `Trader runs the decision loop against T-Invest and inspects the
append-only decision log it writes.

Commands:
  run     - run the decision loop and the control API
  tail    - print the newest events of the log
  ledger  - print positions and realized P&L replayed from the log
  risk    - print the persisted daily risk state
  report  - print the day report derived from the log`,
	SilenceUsage: true,
}

var (
	configDir string
	envFile   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", "./configs", "directory holding config.yml")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file loaded before the config")
}

// loadConfig reads the .env file, if any, then the viper config.
func loadConfig() (*config.Config, error) {
	// A missing .env is fine; the real environment still applies.
	_ = godotenv.Load(envFile)
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	return &cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}
