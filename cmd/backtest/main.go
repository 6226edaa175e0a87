// cmd/backtest replays a recorded session from SQLite through the trading
// engine and prints the run's P&L. Signals and simulated trades are written
// back to the same database under a fresh replay id.
//
// Usage:
//
//	go run ./cmd/backtest -from=2026-03-02 -to=2026-03-03 -mode=tick -scale=0
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"optiontrader/config"
	"optiontrader/internal/engine"
	"optiontrader/internal/execution"
	"optiontrader/internal/instruments"
	"optiontrader/internal/logger"
	"optiontrader/internal/marketdata/replay"
	"optiontrader/internal/markethours"
	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
	"optiontrader/internal/notification"
	kafkastore "optiontrader/internal/store/kafka"
	sqlitestore "optiontrader/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	cfg := config.Load()

	dbPath := flag.String("db", cfg.SQLitePath, "Path to SQLite database")
	settingsPath := flag.String("settings", cfg.SettingsPath, "Trading settings YAML")
	instrumentsPath := flag.String("instruments", cfg.InstrumentsCSV, "Instrument master CSV")
	fromStr := flag.String("from", "", "Replay start, YYYY-MM-DD (IST) or RFC3339 (required)")
	toStr := flag.String("to", "", "Replay end, exclusive (default: from + 1 day)")
	tokensStr := flag.String("tokens", "", "Comma-separated tokens (default: every token in range)")
	modeStr := flag.String("mode", "tick", "Replay mode: tick or candle")
	scale := flag.Float64("scale", 0, "Time compression (0 = as fast as possible, 1 = real time, 10 = 10x)")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger.Init("backtest", logger.ParseLevel(*logLevel))

	if *fromStr == "" {
		log.Fatal("[backtest] -from is required")
	}
	from, err := parseWhen(*fromStr)
	if err != nil {
		log.Fatalf("[backtest] -from: %v", err)
	}
	to := from.AddDate(0, 0, 1)
	if *toStr != "" {
		if to, err = parseWhen(*toStr); err != nil {
			log.Fatalf("[backtest] -to: %v", err)
		}
	}
	mode, err := replay.ParseMode(*modeStr)
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		log.Fatalf("[backtest] settings: %v", err)
	}
	trading := settings.Trading

	store, err := sqlitestore.Open(*dbPath)
	if err != nil {
		log.Fatalf("[backtest] sqlite open failed: %v", err)
	}
	defer store.Close()

	mapper, err := instruments.Load(*instrumentsPath)
	if err != nil {
		slog.Warn("instrument master unavailable, entries will be suppressed", "path", *instrumentsPath, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[backtest] interrupted, finishing run...")
		cancel()
	}()

	rcfg := replay.Config{
		Start:     from,
		End:       to,
		Tokens:    config.ParseTokenList(*tokensStr),
		Mode:      mode,
		TimeScale: *scale,
		NoPacing:  *scale <= 0,
	}
	replayer, err := replay.New(rcfg, store)
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}

	m := metrics.Discard()
	var sinks []model.EventSink
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		producer, err := kafkastore.NewProducer(m,
			kafkastore.WithBrokers(brokers...),
			kafkastore.WithTopic(cfg.KafkaTopic),
		)
		if err != nil {
			log.Fatalf("[backtest] kafka: %v", err)
		}
		defer producer.Close()
		sinks = append(sinks, producer)
	}

	eng, err := engine.New(engine.Deps{
		Settings:    trading,
		ReplayID:    replayer.ReplayID(),
		HistoryBars: settings.Pipeline.HistoryBars,
		Instruments: mapper,
		Simulator:   execution.NewSimulator(store, store, store, trading.FillWait(), trading.TimeframeMinutes, m),
		Candles:     store,
		Signals:     store,
		Sinks:       sinks,
		Notifier:    notification.NewLogNotifier(),
		Metrics:     m,
	})
	if err != nil {
		log.Fatalf("[backtest] engine: %v", err)
	}

	seed, err := engine.LoadSeed(ctx, store, trading.UnderlyingToken, trading.SeedBars, trading.TimeframeMinutes, from)
	if err != nil {
		slog.Warn("seed load failed, starting cold", "error", err)
	}
	eng.Seed(trading.UnderlyingToken, seed)

	slog.Info("backtest starting",
		"replay_id", replayer.ReplayID(),
		"from", from.Format(time.RFC3339),
		"to", to.Format(time.RFC3339),
		"mode", mode,
		"seed_bars", len(seed),
	)

	res, err := replayer.Run(ctx, eng)
	if err != nil {
		log.Printf("[backtest] replay ended with error: %v", err)
	}

	trades, err := store.SimTrades(context.Background(), res.ReplayID)
	if err != nil {
		log.Fatalf("[backtest] read trades: %v", err)
	}
	printSummary(res, eng.PnL().RealizedPnL, trades)
}

func printSummary(res replay.Result, realized float64, trades []model.SimTrade) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║                  BACKTEST COMPLETE                   ║")
	fmt.Println("╠══════════════════════════════════════════════════════╣")
	fmt.Printf("║  Replay id:  %-39s ║\n", res.ReplayID)
	fmt.Printf("║  Ticks:      %-39d ║\n", res.Ticks)
	fmt.Printf("║  Candles:    %-39d ║\n", res.Candles)
	fmt.Printf("║  EOD exits:  %-39d ║\n", res.EODExits)
	fmt.Printf("║  Elapsed:    %-39s ║\n", res.Elapsed.Round(time.Millisecond))
	fmt.Println("╠══════════════════════════════════════════════════════╣")

	var wins, losses, unfilled int
	reasons := map[string]int{}
	for _, t := range trades {
		switch {
		case t.Reason == model.ReasonUnfilled:
			unfilled++
		case t.PnL > 0:
			wins++
		default:
			losses++
		}
		if t.Reason != "" {
			reasons[t.Reason]++
		}
	}
	fmt.Printf("║  Trades:     %-39d ║\n", len(trades))
	fmt.Printf("║  Wins/Loss:  %-39s ║\n", fmt.Sprintf("%d / %d (unfilled %d)", wins, losses, unfilled))
	fmt.Printf("║  Realized:   %-39s ║\n", fmt.Sprintf("%.2f", realized))

	names := make([]string, 0, len(reasons))
	for r := range reasons {
		names = append(names, r)
	}
	sort.Strings(names)
	for _, r := range names {
		fmt.Printf("║    %-12s %-37d ║\n", r, reasons[r])
	}
	fmt.Println("╚══════════════════════════════════════════════════════╝")

	for _, t := range trades {
		fmt.Printf("  %-4s %-22s entry %8.2f @ %s  exit %8.2f @ %s  pnl %8.2f  %s\n",
			t.Side, t.InstrumentName, t.EntryPrice, fmtTime(t.EntryTime),
			t.ExitPrice, fmtTime(t.ExitTime), t.PnL, t.Reason)
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(markethours.IST).Format("01-02 15:04:05")
}

func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(markethours.IST), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, markethours.IST)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD or RFC3339, got %q", s)
	}
	return t, nil
}
