package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"tinvest-trade-bot/internal/config"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/ledger"
	"tinvest-trade-bot/internal/risk"
	"tinvest-trade-bot/internal/symbols"
	"tinvest-trade-bot/internal/trader"

	"github.com/spf13/cobra"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the newest events of the decision log",
	Long: `Print the newest events of the decision log, oldest first.

Examples:
  trader tail -n 50
  trader tail --kind trade --symbol SBER`,
	Args: cobra.NoArgs,
	RunE: runTail,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Print positions and realized P&L replayed from the log",
	Args:  cobra.NoArgs,
	RunE:  runLedger,
}

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Print the persisted daily risk state",
	Args:  cobra.NoArgs,
	RunE:  runRisk,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print today's report derived from the log",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

var (
	tailLimit  int
	tailKind   string
	tailSymbol string
)

func init() {
	rootCmd.AddCommand(tailCmd, ledgerCmd, riskCmd, reportCmd)

	tailCmd.Flags().IntVarP(&tailLimit, "lines", "n", 20, "number of events to print")
	tailCmd.Flags().StringVar(&tailKind, "kind", "", "only events of this kind (trade, skip, cycle, risk_update)")
	tailCmd.Flags().StringVar(&tailSymbol, "symbol", "", "only events of this symbol")
}

// openLog opens the configured log for reading, with the resolver that
// canonicalizes its symbols.
func openLog(cfg *config.Config) (*events.Log, *symbols.Resolver, error) {
	resolver := symbols.NewResolver()
	if cfg.Trading.SymbolsFile != "" {
		if err := resolver.LoadFile(cfg.Trading.SymbolsFile); err != nil {
			return nil, nil, err
		}
	}
	return events.New(cfg.EventLog.Path), resolver, nil
}

func runTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, resolver, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	symbol := resolver.Canonical(tailSymbol)
	match := func(e events.Event) bool {
		if tailKind != "" && string(e.Kind) != tailKind {
			return false
		}
		return symbol == "" || resolver.Canonical(e.Symbol) == symbol
	}
	evts, err := log.TailRead(tailLimit, match, cfg.EventLog.TailMaxBytes)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for i := len(evts) - 1; i >= 0; i-- {
		if err := enc.Encode(evts[i]); err != nil {
			return err
		}
	}
	return nil
}

func runLedger(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, resolver, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	book, err := ledger.ReplayLog(log, ledger.WithCanonicalizer(resolver.Canonical))
	if err != nil {
		return fmt.Errorf("replay log: %w", err)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tSHARES\tAVG\tCOST\tREALIZED")
	seen := make(map[string]bool)
	for _, p := range book.Positions() {
		seen[p.Symbol] = true
		fmt.Fprintf(w, "%s\t%.0f\t%.4f\t%.2f\t%.2f\n", p.Symbol, p.Shares, p.AvgPrice(), p.Cost, book.Realized(p.Symbol))
	}
	for _, f := range book.Fills() {
		if seen[f.Symbol] {
			continue
		}
		seen[f.Symbol] = true
		fmt.Fprintf(w, "%s\t0\t-\t0.00\t%.2f\n", f.Symbol, book.Realized(f.Symbol))
	}
	fmt.Fprintf(w, "TOTAL\t\t\t\t%.2f\n", book.TotalRealized())
	return w.Flush()
}

func runRisk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := risk.LoadState(cfg.Risk.StatePath)
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "no risk state at %s\n", cfg.Risk.StatePath)
		return nil
	}
	return printJSON(cmd, st)
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loc, err := cfg.Trading.Location()
	if err != nil {
		return err
	}
	log, resolver, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	cal := risk.Calendar{Location: loc, ResetHour: cfg.Risk.DayResetHour}
	now := time.Now()
	dayStart := cal.DayStart(now)

	book, err := ledger.ReplayLog(log, ledger.WithCanonicalizer(resolver.Canonical))
	if err != nil {
		return fmt.Errorf("replay log: %w", err)
	}
	today, err := log.Since(dayStart, cfg.EventLog.TailMaxBytes)
	if err != nil {
		return fmt.Errorf("read today's events: %w", err)
	}
	status := risk.Status{State: risk.State{Date: cal.TradingDay(now)}}
	if st, err := risk.LoadState(cfg.Risk.StatePath); err == nil && st != nil && st.Date == status.Date {
		status.State = *st
		status.EntriesBlocked = st.LossLimitTripped || st.PeakDrawdownTripped
		if status.EntriesBlocked {
			status.BlockReason = blockReason(*st)
		}
	}
	return printJSON(cmd, trader.BuildReport(book, today, status, dayStart))
}

func blockReason(st risk.State) string {
	if st.LossLimitTripped {
		return risk.RuleDailyLossLimit
	}
	return risk.RulePeakDrawdownLimit
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
