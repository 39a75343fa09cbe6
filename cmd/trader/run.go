package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tinvest-trade-bot/internal/broker"
	"tinvest-trade-bot/internal/config"
	"tinvest-trade-bot/internal/database"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/symbols"
	"tinvest-trade-bot/internal/tracing"
	"tinvest-trade-bot/internal/trader"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the decision loop and the control API",
	Args:  cobra.NoArgs,
	RunE:  runTrader,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireBroker(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.Bool("dry_run", cfg.Trading.DryRun), zap.Strings("symbols", cfg.Trading.Symbols))

	if err := tracing.Init(cfg.Tracing); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Error("Failed to connect to database", zap.Error(err))
		return err
	}
	log.Info("Database connection successful and schema migrated.")

	auditLog := events.New(cfg.EventLog.Path,
		events.WithFsync(cfg.EventLog.Fsync),
		events.WithErrorHandler(func(err error) {
			log.Error("Event log append failed", zap.Error(err))
		}),
	)
	defer auditLog.Close()

	b, err := newBroker(cfg, log)
	if err != nil {
		return err
	}

	engine, err := trader.Build(cfg, b, auditLog, db, log)
	if err != nil {
		log.Error("Failed to build trading engine", zap.Error(err))
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	api := trader.NewAPIServer(engine, cfg.Server.Port, log)
	api.Start()

	runErr := engine.Run(ctx)
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown failed", zap.Error(err))
	}
	log.Info("Bot has been shut down.")
	return runErr
}

// newBroker returns the T-Invest client, or a paper broker fed by its market
// data when dry_run is set.
func newBroker(cfg *config.Config, log *zap.Logger) (broker.Broker, error) {
	resolver := symbols.NewResolver()
	if cfg.Trading.SymbolsFile != "" {
		if err := resolver.LoadFile(cfg.Trading.SymbolsFile); err != nil {
			return nil, err
		}
	}
	client := broker.NewClient(&cfg.Broker, resolver, log)

	var b broker.Broker = client
	if cfg.Trading.DryRun {
		log.Warn("Dry run: orders are filled by the paper broker", zap.Float64("cash", cfg.Trading.PaperCash))
		b = broker.NewPaper(client, cfg.Trading.PaperCash, cfg.Trading.BarInterval, log)
	}
	return broker.Traced(broker.WithTimeout(b, cfg.Broker.CallTimeout)), nil
}
