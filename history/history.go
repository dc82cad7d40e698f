package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"klineflow/config"
	"klineflow/logger"
	"klineflow/models"

	binance "github.com/adshao/go-binance/v2"
)

const (
	defaultBackfillLimit = 500
	maxBackfillLimit     = 1000
	symbolCacheTTL       = time.Hour
)

// CandleSink receives backfilled candles.
type CandleSink interface {
	UpsertCandle(ctx context.Context, c models.Candle) error
}

// PairValidator checks symbols against the exchange's trading pairs. The
// symbol set is fetched once and cached for an hour.
type PairValidator struct {
	client *binance.Client

	mu        sync.Mutex
	symbols   map[string]struct{}
	fetchedAt time.Time

	log *logger.Entry
}

func NewPairValidator(cfg config.BinanceConfig) *PairValidator {
	client := binance.NewClient("", "")
	if cfg.RestURL != "" {
		client.BaseURL = cfg.RestURL
	}
	return &PairValidator{
		client: client,
		log:    logger.GetLogger().WithComponent("pair_validator"),
	}
}

// IsValid reports whether the symbol is currently trading on the exchange.
func (v *PairValidator) IsValid(ctx context.Context, symbol string) (bool, error) {
	symbols, err := v.tradingSymbols(ctx)
	if err != nil {
		return false, err
	}
	_, ok := symbols[strings.ToUpper(symbol)]
	return ok, nil
}

func (v *PairValidator) tradingSymbols(ctx context.Context) (map[string]struct{}, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.symbols != nil && time.Since(v.fetchedAt) < symbolCacheTTL {
		return v.symbols, nil
	}

	info, err := v.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		if v.symbols != nil {
			v.log.WithError(err).Warn("exchange info refresh failed, using cached symbols")
			return v.symbols, nil
		}
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}

	symbols := make(map[string]struct{}, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			symbols[s.Symbol] = struct{}{}
		}
	}
	v.symbols = symbols
	v.fetchedAt = time.Now()
	v.log.WithField("symbols", len(symbols)).Info("exchange symbol set refreshed")
	return symbols, nil
}

// Fetcher pulls historical klines over REST and persists them, seeding the
// indicator pipeline before live data accumulates.
type Fetcher struct {
	client *binance.Client
	sink   CandleSink
	limit  int
	log    *logger.Entry
}

func NewFetcher(cfg config.Config, sink CandleSink) *Fetcher {
	client := binance.NewClient("", "")
	if cfg.Binance.RestURL != "" {
		client.BaseURL = cfg.Binance.RestURL
	}

	limit := cfg.History.BackfillLimit
	if limit <= 0 {
		limit = defaultBackfillLimit
	}
	if limit > maxBackfillLimit {
		limit = maxBackfillLimit
	}

	return &Fetcher{
		client: client,
		sink:   sink,
		limit:  limit,
		log:    logger.GetLogger().WithComponent("history_fetcher"),
	}
}

// Backfill fetches the latest klines for one pair and timeframe and upserts
// them. The newest kline may still be open and is stored as such.
func (f *Fetcher) Backfill(ctx context.Context, symbol, timeframe string) (int, error) {
	klines, err := f.client.NewKlinesService().
		Symbol(strings.ToUpper(symbol)).
		Interval(timeframe).
		Limit(f.limit).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch klines %s %s: %w", symbol, timeframe, err)
	}

	now := time.Now().UnixMilli()
	stored := 0
	for _, k := range klines {
		candle, err := candleFromREST(symbol, timeframe, k, now)
		if err != nil {
			f.log.WithError(err).WithFields(logger.Fields{
				"symbol":    symbol,
				"timeframe": timeframe,
			}).Warn("skipping invalid historical kline")
			continue
		}
		if err := f.sink.UpsertCandle(ctx, candle); err != nil {
			return stored, err
		}
		stored++
	}

	f.log.WithFields(logger.Fields{
		"symbol":    symbol,
		"timeframe": timeframe,
		"candles":   stored,
	}).Info("backfill complete")
	return stored, nil
}

// BackfillAll runs the backfill for every pair and timeframe combination.
func (f *Fetcher) BackfillAll(ctx context.Context, pairs, timeframes []string) error {
	for _, pair := range pairs {
		for _, tf := range timeframes {
			if _, err := f.Backfill(ctx, pair, tf); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// candleFromREST converts one REST kline to a candle. REST responses carry no
// closed flag, so a kline whose close time has passed is considered closed.
func candleFromREST(symbol, timeframe string, k *binance.Kline, nowMillis int64) (models.Candle, error) {
	payload := models.KlinePayload{
		OpenTime:    k.OpenTime,
		CloseTime:   k.CloseTime,
		Symbol:      strings.ToUpper(symbol),
		Interval:    timeframe,
		Open:        k.Open,
		High:        k.High,
		Low:         k.Low,
		Close:       k.Close,
		Volume:      k.Volume,
		QuoteVolume: k.QuoteAssetVolume,
		TradeCount:  k.TradeNum,
		Closed:      k.CloseTime < nowMillis,
	}
	return models.CandleFromKline(payload)
}
