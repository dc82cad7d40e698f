package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"klineflow/archive"
	"klineflow/cache"
	"klineflow/config"
	"klineflow/history"
	"klineflow/indicator"
	"klineflow/logger"
	"klineflow/notify"
	"klineflow/signal"
	"klineflow/store"
	"klineflow/stream"
)

// bootstrapConsumer owns the subscriptions opened for the configured pairs.
const bootstrapConsumer int64 = 1

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	logger.InitCloudWatch(cfg.Archive.Region, cfg.Logging.Namespace)

	log.WithFields(logger.Fields{
		"service": cfg.Klineflow.Name,
		"version": cfg.Klineflow.Version,
	}).Info("starting klineflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Klineflow.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	var db *store.Store
	if cfg.Postgres.Enabled {
		db, err = store.Open(cfg.Postgres)
		if err != nil {
			log.WithError(err).Error("failed to connect to postgres")
			os.Exit(1)
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			log.WithError(err).Error("failed to ensure database schema")
			os.Exit(1)
		}
		for _, pair := range cfg.Binance.Pairs {
			if err := db.UpsertPair(ctx, pair); err != nil {
				log.WithError(err).WithField("pair", pair).Warn("failed to register pair")
			}
		}
	} else {
		log.WithComponent("main").Info("postgres disabled; candles will not be persisted")
	}

	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.New(cfg.Redis)
		if err != nil {
			log.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
		defer redisCache.Close()
	} else {
		log.WithComponent("main").Info("redis disabled; indicators recompute from postgres")
	}

	var calc *indicator.Calculator
	if source := candleSource(redisCache, db); source != nil {
		var indCache indicator.Cache
		if redisCache != nil {
			indCache = redisCache
		}
		calc = indicator.NewCalculator(source, indCache)
	}

	var queue *notify.Queue
	var notifier signal.Notifier
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" && db != nil {
		sender := notify.NewTelegramSender(cfg.Telegram)
		queue = notify.NewQueue(cfg.Telegram, sender)
		if err := queue.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start notification queue")
			os.Exit(1)
		}
		notifier = notify.NewDispatcher(queue, db)
	} else {
		log.WithComponent("main").Info("telegram notifications disabled")
	}

	var archiver *archive.Writer
	if cfg.Archive.Enabled {
		archiver, err = archive.NewWriter(cfg.Archive)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	}

	var candleStore signal.CandleStore
	var signalHistory signal.History
	if db != nil {
		candleStore = db
		signalHistory = db
	}
	var candleCache signal.CandleCache
	if redisCache != nil {
		candleCache = redisCache
	}
	var candleArchiver signal.Archiver
	if archiver != nil {
		candleArchiver = archiver
	}

	aggregator := signal.NewAggregator(cfg.Signals, calc, candleStore, candleCache, candleArchiver, signalHistory, notifier)

	pairs := validatedPairs(ctx, cfg, log)

	if cfg.History.Enabled && db != nil {
		fetcher := history.NewFetcher(*cfg, db)
		if err := fetcher.BackfillAll(ctx, pairs, cfg.Binance.Timeframes); err != nil {
			log.WithError(err).Warn("history backfill incomplete")
		}
	}

	manager := stream.NewManager(cfg.Binance, aggregator)
	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start stream manager")
		os.Exit(1)
	}

	for _, pair := range pairs {
		results := manager.SubscribeConsumerToPair(ctx, bootstrapConsumer, pair, cfg.Binance.Timeframes)
		for tf, ok := range results {
			if !ok {
				log.WithFields(logger.Fields{
					"pair":      pair,
					"timeframe": tf,
				}).Warn("subscription failed")
			}
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping stream manager")
	manager.Stop()

	if archiver != nil {
		log.Info("stopping archive writer")
		archiver.Stop()
	}
	if queue != nil {
		log.Info("stopping notification queue")
		queue.Stop()
	}

	log.Info("klineflow stopped")
}

// candleSource prefers the redis rolling window and falls back to postgres.
func candleSource(redisCache *cache.RedisCache, db *store.Store) indicator.CandleSource {
	switch {
	case redisCache != nil && db != nil:
		return &layeredSource{primary: redisCache, fallback: db}
	case redisCache != nil:
		return redisCache
	case db != nil:
		return db
	default:
		return nil
	}
}

// layeredSource reads closes from the cache and falls back to the store when
// the cache window is too short.
type layeredSource struct {
	primary  indicator.CandleSource
	fallback indicator.CandleSource
}

func (l *layeredSource) RecentCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	closes, err := l.primary.RecentCloses(ctx, symbol, timeframe, limit)
	if err == nil && len(closes) >= limit {
		return closes, nil
	}
	return l.fallback.RecentCloses(ctx, symbol, timeframe, limit)
}

// validatedPairs drops configured pairs the exchange does not list. Validation
// failures keep the configured set so a REST outage cannot empty it.
func validatedPairs(ctx context.Context, cfg *config.Config, log *logger.Log) []string {
	if !cfg.History.Enabled {
		return cfg.Binance.Pairs
	}

	validator := history.NewPairValidator(cfg.Binance)
	pairs := make([]string, 0, len(cfg.Binance.Pairs))
	for _, pair := range cfg.Binance.Pairs {
		ok, err := validator.IsValid(ctx, pair)
		if err != nil {
			log.WithError(err).Warn("pair validation unavailable, keeping configured pairs")
			return cfg.Binance.Pairs
		}
		if !ok {
			log.WithField("pair", pair).Warn("pair not listed on exchange, skipping")
			continue
		}
		pairs = append(pairs, pair)
	}
	return pairs
}
