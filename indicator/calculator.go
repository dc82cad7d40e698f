package indicator

import (
	"context"
	"fmt"

	"klineflow/logger"
)

// CandleSource supplies recent closing prices, newest last.
type CandleSource interface {
	RecentCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error)
}

// Cache stores computed indicator values keyed by (symbol, timeframe,
// period).
type Cache interface {
	GetRSI(ctx context.Context, symbol, timeframe string, period int) (float64, bool, error)
	SetRSI(ctx context.Context, symbol, timeframe string, period int, value float64) error
	GetEMA(ctx context.Context, symbol, timeframe string, period int) (float64, bool, error)
	SetEMA(ctx context.Context, symbol, timeframe string, period int, value float64) error
}

// Snapshot is one recomputation result for a (symbol, timeframe) pair.
type Snapshot struct {
	RSI       float64
	RSIPeriod int
	EMA       map[int]float64
}

// Calculator answers indicator queries cache-first and recomputes from the
// candle source on a miss, writing the result back to the cache.
type Calculator struct {
	source CandleSource
	cache  Cache
	log    *logger.Entry
}

func NewCalculator(source CandleSource, cache Cache) *Calculator {
	return &Calculator{
		source: source,
		cache:  cache,
		log:    logger.GetLogger().WithComponent("indicator_calculator"),
	}
}

// FreshRSI returns the cached RSI when present, otherwise recomputes it from
// recent closes and caches the result.
func (c *Calculator) FreshRSI(ctx context.Context, symbol, timeframe string, period int) (float64, error) {
	if c.cache != nil {
		if v, ok, err := c.cache.GetRSI(ctx, symbol, timeframe, period); err == nil && ok {
			return v, nil
		} else if err != nil {
			c.log.WithError(err).WithField("symbol", symbol).Warn("rsi cache read failed")
		}
	}

	closes, err := c.recentCloses(ctx, symbol, timeframe, period*3)
	if err != nil {
		return 0, err
	}
	value, err := RSI(closes, period)
	if err != nil {
		return 0, err
	}

	if c.cache != nil {
		if err := c.cache.SetRSI(ctx, symbol, timeframe, period, value); err != nil {
			c.log.WithError(err).WithField("symbol", symbol).Warn("rsi cache write failed")
		}
	}
	return value, nil
}

// FreshEMA mirrors FreshRSI for one EMA period.
func (c *Calculator) FreshEMA(ctx context.Context, symbol, timeframe string, period int) (float64, error) {
	if c.cache != nil {
		if v, ok, err := c.cache.GetEMA(ctx, symbol, timeframe, period); err == nil && ok {
			return v, nil
		} else if err != nil {
			c.log.WithError(err).WithField("symbol", symbol).Warn("ema cache read failed")
		}
	}

	closes, err := c.recentCloses(ctx, symbol, timeframe, period+1)
	if err != nil {
		return 0, err
	}
	value, err := LastEMA(closes, period)
	if err != nil {
		return 0, err
	}

	if c.cache != nil {
		if err := c.cache.SetEMA(ctx, symbol, timeframe, period, value); err != nil {
			c.log.WithError(err).WithField("symbol", symbol).Warn("ema cache write failed")
		}
	}
	return value, nil
}

// Recompute rebuilds the full snapshot for a pair from the candle source,
// bypassing and refreshing the cache. Called once per closed candle.
func (c *Calculator) Recompute(ctx context.Context, symbol, timeframe string, rsiPeriod int, emaPeriods []int) (Snapshot, error) {
	limit := rsiPeriod * 3
	for _, p := range emaPeriods {
		if p+1 > limit {
			limit = p + 1
		}
	}

	closes, err := c.recentCloses(ctx, symbol, timeframe, limit)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{RSIPeriod: rsiPeriod, EMA: make(map[int]float64, len(emaPeriods))}

	snap.RSI, err = RSI(closes, rsiPeriod)
	if err != nil {
		return Snapshot{}, err
	}
	if c.cache != nil {
		if err := c.cache.SetRSI(ctx, symbol, timeframe, rsiPeriod, snap.RSI); err != nil {
			c.log.WithError(err).Warn("rsi cache write failed")
		}
	}

	for _, p := range emaPeriods {
		if len(closes) < p {
			continue
		}
		v, err := LastEMA(closes, p)
		if err != nil {
			continue
		}
		snap.EMA[p] = v
		if c.cache != nil {
			if err := c.cache.SetEMA(ctx, symbol, timeframe, p, v); err != nil {
				c.log.WithError(err).Warn("ema cache write failed")
			}
		}
	}

	return snap, nil
}

func (c *Calculator) recentCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	if c.source == nil {
		return nil, fmt.Errorf("no candle source configured")
	}
	closes, err := c.source.RecentCloses(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch closes for %s %s: %w", symbol, timeframe, err)
	}
	return closes, nil
}
