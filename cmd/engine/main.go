// cmd/engine runs the live session: websocket ticks flow through the
// ingestion pipeline into the trading engine, which simulates option
// entries and exits. Sealed candles, signals and trades are persisted to
// SQLite and published to the in-process bus, Redis and Kafka. The read
// API and the browser gateway serve the same state.
//
// The process exits on SIGINT/SIGTERM or once the post-close detector sees
// the session is over.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"optiontrader/config"
	"optiontrader/internal/api"
	"optiontrader/internal/engine"
	"optiontrader/internal/execution"
	"optiontrader/internal/gateway"
	"optiontrader/internal/instruments"
	"optiontrader/internal/logger"
	"optiontrader/internal/marketdata/bus"
	"optiontrader/internal/marketdata/closedetector"
	"optiontrader/internal/marketdata/wssim"
	"optiontrader/internal/markethours"
	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
	"optiontrader/internal/notification"
	"optiontrader/internal/pipeline"
	kafkastore "optiontrader/internal/store/kafka"
	redisstore "optiontrader/internal/store/redis"
	sqlitestore "optiontrader/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	processStart := time.Now()

	cfg := config.Load()
	logger.Init("engine", logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	log.Println("[engine] starting...")

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		log.Fatalf("[engine] settings: %v", err)
	}
	trading := settings.Trading

	if markethours.IsHoliday(processStart) {
		slog.Warn("today is an exchange holiday", "holiday", markethours.HolidayName(processStart))
	}
	log.Printf("[engine] %s", markethours.StatusString(processStart))

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	store, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[engine] sqlite init failed: %v", err)
	}
	defer store.Close()
	health.CheckSQLite(ctx, store.DB())
	log.Println("[engine] sqlite ready")

	mapper, err := instruments.Load(cfg.InstrumentsCSV)
	if err != nil {
		log.Fatalf("[engine] instrument master: %v", err)
	}
	log.Printf("[engine] %d instruments loaded", mapper.Len())

	// ---- Outbound sinks ----
	fanout := bus.New(1024)
	fanout.OnDrop = func(subscriber string) {
		prom.FanoutDropsTotal.WithLabelValues(subscriber).Inc()
	}
	sinks := []model.EventSink{fanout}
	snapshots := []model.SnapshotStore{store}

	var (
		redisPub *redisstore.Publisher
		buffered *redisstore.BufferedPublisher
	)
	if cfg.RedisAddr != "" {
		redisPub, err = redisstore.New(redisstore.PublisherConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[engine] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			buffered = redisstore.NewBufferedPublisher(redisPub, redisstore.BufferConfig{Timeout: cfg.PublishTimeout}, prom)
			buffered.OnFlush = func(n int) { log.Printf("[engine] replayed %d buffered redis events", n) }
			sinks = append(sinks, buffered)
			snapshots = append(snapshots, redisPub)
			log.Println("[engine] redis publisher ready")
		}
	}
	health.SetRedisOptional(redisPub == nil)

	var producer *kafkastore.Producer
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		producer, err = kafkastore.NewProducer(prom,
			kafkastore.WithBrokers(brokers...),
			kafkastore.WithTopic(cfg.KafkaTopic),
			kafkastore.WithAsync(true),
		)
		if err != nil {
			log.Fatalf("[engine] kafka: %v", err)
		}
		sinks = append(sinks, producer)
		log.Printf("[engine] kafka producer ready (topic %s)", cfg.KafkaTopic)
	}

	var redisClient *goredis.Client
	if redisPub != nil {
		redisClient = redisPub.Client()
	}
	health.StartLivenessChecker(ctx, redisClient, store.DB(), 10*time.Second)

	alerts := notification.NewAsync(newNotifier(cfg), 256, 10*time.Second)
	defer alerts.Close()

	// ---- Engine ----
	eng, err := engine.New(engine.Deps{
		Settings:    trading,
		ReplayID:    uuid.Nil,
		HistoryBars: settings.Pipeline.HistoryBars,
		Instruments: mapper,
		Simulator:   execution.NewSimulator(store, store, store, trading.FillWait(), trading.TimeframeMinutes, prom),
		Candles:     store,
		Signals:     store,
		Sinks:       sinks,
		Notifier:    alerts,
		Metrics:     prom,
	})
	if err != nil {
		log.Fatalf("[engine] engine init failed: %v", err)
	}

	if restored, err := eng.RestoreSnapshot(ctx, snapshots...); err != nil {
		slog.Warn("snapshot restore failed, starting flat", "error", err)
	} else if restored {
		slog.Info("engine state restored", "open_positions", len(eng.OpenPositions()))
	}

	seed, err := engine.LoadSeed(ctx, store, trading.UnderlyingToken, trading.SeedBars, trading.TimeframeMinutes, processStart)
	if err != nil {
		slog.Warn("seed load failed, warming up from live bars", "error", err)
	}
	eng.Seed(trading.UnderlyingToken, seed)
	slog.Info("engine ready",
		"underlying", trading.UnderlyingSymbol,
		"token", trading.UnderlyingToken,
		"timeframe", trading.Timeframe(),
		"seed_bars", len(seed),
	)

	// ---- Pipeline ----
	detector := closedetector.ForDay(processStart)
	sessionOver := make(chan struct{})
	var overOnce sync.Once
	endSession := func() { overOnce.Do(func() { close(sessionOver) }) }

	pipe := pipeline.New(pipeline.Config{
		IntakeCapacity: settings.Pipeline.IntakeCapacity,
		LaneCapacity:   settings.Pipeline.LaneCapacity,
		Staleness:      settings.Pipeline.StalenessThreshold(),
		BatchSize:      settings.Pipeline.BatchSize,
		FlushInterval:  settings.Pipeline.FlushEvery(),
		Resolve:        mapper.Resolve,
	}, func(ctx context.Context, t model.Tick) bool {
		record := eng.ProcessTick(ctx, t, true)
		if t.Token == trading.UnderlyingToken {
			health.SetLastTickTime(t.TickTime)
			if detector.Observe(t.LastPrice, time.Now()) {
				endSession()
			}
		}
		return record
	}, store, prom)
	pipe.Start(ctx)

	// ---- Feed ----
	tokens := cfg.ParseTokens()
	ingest, err := wssim.New(wssim.Config{URL: cfg.FeedURL, Tokens: tokens})
	if err != nil {
		log.Fatalf("[engine] feed init failed: %v", err)
	}
	ingest.OnConnect = func() {
		health.SetFeedConnected(true)
	}
	ingest.OnReconnect = func() {
		health.SetFeedConnected(false)
		prom.WSReconnects.Inc()
		prom.SessionTransitions.WithLabelValues("ws_disconnect").Inc()
	}
	ingest.OnReject = func(error) {
		prom.Rejects.WithLabelValues("decode").Inc()
	}

	feedCtx, feedCancel := context.WithCancel(ctx)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if err := ingest.Start(feedCtx, pipe.Enqueue); err != nil {
			log.Printf("[engine] feed error: %v", err)
		}
		health.SetFeedConnected(false)
	}()

	// ---- Gateway ----
	hub := gateway.NewHub()
	hub.OnEvict = func() { log.Println("[engine] gateway evicted a slow client") }
	var events <-chan model.Event
	if redisPub != nil {
		events = redisPub.Subscribe(ctx, 1024)
	} else {
		events = fanout.Subscribe("gateway")
	}
	go hub.Run(ctx, events)

	gwMux := http.NewServeMux()
	gateway.RegisterRoutes(gwMux, hub, processStart)
	gwSrv := &http.Server{Addr: cfg.GatewayAddr, Handler: gwMux}
	go func() {
		log.Printf("[engine] gateway listening on %s", cfg.GatewayAddr)
		if err := gwSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[engine] gateway server error: %v", err)
		}
	}()

	// ---- Read API ----
	apiSrv := api.NewServer(api.NewHandler(eng, store, health), api.WithAddr(cfg.APIAddr))
	apiSrv.Start()

	// ---- Periodic work ----
	snapCtx, snapCancel := context.WithCancel(context.Background())
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		eng.SnapshotLoop(snapCtx, time.Minute, snapshots...)
	}()
	go watchSession(ctx, eng, prom, health, detector, endSession)

	fanout.Status(ctx, "engine started")
	log.Println("[engine] ╔═══════════════════════════════════════════════════════════════╗")
	log.Println("[engine] ║  Option Trader: live session                                 ║")
	log.Println("[engine] ║                                                              ║")
	log.Println("[engine] ║  [WS feed] → [Pipeline] → [Engine] → [SQLite/Bus/Redis/Kafka] ║")
	log.Printf("[engine] ║  Feed:    %-51s ║", cfg.FeedURL)
	log.Printf("[engine] ║  API:     %-51s ║", cfg.APIAddr)
	log.Printf("[engine] ║  Gateway: %-51s ║", cfg.GatewayAddr)
	log.Println("[engine] ╚═══════════════════════════════════════════════════════════════╝")

	// ---- Wait for shutdown ----
	postClose := false
	select {
	case s := <-sigCh:
		log.Printf("[engine] %v received, cleaning up...", s)
	case <-sessionOver:
		postClose = true
		log.Printf("[engine] session over (%s), closing price %.2f", detector.Fired(), detector.ClosingPrice())
	}

	// Feed first, then the pipeline drains and flushes what it holds.
	feedCancel()
	<-feedDone
	pipe.Stop()

	if postClose {
		exits := eng.Finish(ctx, time.Now())
		log.Printf("[engine] closed %d positions at session end", len(exits))
		prom.SessionTransitions.WithLabelValues("close").Inc()
	}
	fanout.Status(ctx, "engine stopping")

	snapCancel()
	<-snapDone
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Stop(shutdownCtx); err != nil {
		log.Printf("[engine] %v", err)
	}
	gwSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	if buffered != nil {
		if n := buffered.PendingCount(); n > 0 {
			log.Printf("[engine] %d redis events still buffered at exit", n)
		}
		buffered.Close()
	}
	if redisPub != nil {
		redisPub.Close()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Printf("[engine] kafka close: %v", err)
		}
	}
	fanout.Close()

	log.Println("[engine] shutdown complete.")
}

// newNotifier fans alerts out to the log and whichever remote backends are
// configured.
func newNotifier(cfg *config.Config) notification.Notifier {
	n := notification.Multi{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		n = append(n, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	return n
}

// watchSession tracks the market state gauge and open positions, and
// enforces the post-close hard deadline when the feed goes quiet.
func watchSession(ctx context.Context, eng *engine.Engine, prom *metrics.Metrics, health *metrics.HealthStatus,
	detector *closedetector.Detector, endSession func()) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	wasOpen := markethours.IsMarketOpen(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			open := markethours.IsMarketOpen(now)
			if open {
				prom.MarketState.Set(1)
			} else {
				prom.MarketState.Set(0)
			}
			if open && !wasOpen {
				prom.SessionTransitions.WithLabelValues("open").Inc()
				log.Printf("[engine] market open: %s", markethours.StatusString(now))
			}
			wasOpen = open

			health.SetOpenPositions(len(eng.OpenPositions()))
			if detector.Tick(now) {
				endSession()
			}
		}
	}
}
