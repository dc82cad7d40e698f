package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"klineflow/config"
	"klineflow/logger"
	"klineflow/models"

	"github.com/go-redis/redis/v8"
)

const (
	defaultCandleWindow = 500
	defaultCandleTTL    = 24 * time.Hour
	defaultIndicatorTTL = 5 * time.Minute
)

// RedisCache keeps a rolling window of closed candles per (symbol, timeframe)
// and short-lived indicator values.
type RedisCache struct {
	client       *redis.Client
	candleWindow int
	candleTTL    time.Duration
	indicatorTTL time.Duration
	log          *logger.Entry
}

// New connects to redis and verifies the connection with a ping.
func New(cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	window := cfg.CandleWindow
	if window <= 0 {
		window = defaultCandleWindow
	}
	candleTTL := cfg.CandleTTL
	if candleTTL <= 0 {
		candleTTL = defaultCandleTTL
	}
	indicatorTTL := cfg.IndicatorTTL
	if indicatorTTL <= 0 {
		indicatorTTL = defaultIndicatorTTL
	}

	c := &RedisCache{
		client:       client,
		candleWindow: window,
		candleTTL:    candleTTL,
		indicatorTTL: indicatorTTL,
		log:          logger.GetLogger().WithComponent("redis_cache"),
	}

	c.log.WithFields(logger.Fields{
		"addr":          cfg.Addr,
		"db":            cfg.DB,
		"candle_window": window,
	}).Info("redis cache connected")
	return c, nil
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func candleKey(symbol, timeframe string) string {
	return fmt.Sprintf("candles:%s:%s", symbol, timeframe)
}

func rsiKey(symbol, timeframe string, period int) string {
	return fmt.Sprintf("rsi:%s:%s:%d", symbol, timeframe, period)
}

func emaKey(symbol, timeframe string, period int) string {
	return fmt.Sprintf("ema:%s:%s:%d", symbol, timeframe, period)
}

// PushCandle prepends a closed candle to the pair's rolling window and trims
// it to the configured size.
func (c *RedisCache) PushCandle(ctx context.Context, candle models.Candle) error {
	data, err := json.Marshal(candle)
	if err != nil {
		return fmt.Errorf("marshal candle: %w", err)
	}

	key := candleKey(candle.Symbol, candle.Timeframe)
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(c.candleWindow-1))
	pipe.Expire(ctx, key, c.candleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push candle: %w", err)
	}
	return nil
}

// RecentCandles returns up to limit cached candles, oldest first.
func (c *RedisCache) RecentCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	if limit <= 0 || limit > c.candleWindow {
		limit = c.candleWindow
	}

	raw, err := c.client.LRange(ctx, candleKey(symbol, timeframe), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read candle window: %w", err)
	}

	// LPush stores newest first; reverse to chronological order.
	out := make([]models.Candle, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var candle models.Candle
		if err := json.Unmarshal([]byte(raw[i]), &candle); err != nil {
			c.log.WithError(err).Warn("dropping unreadable cached candle")
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}

// RecentCloses implements the candle source used by the indicator calculator.
func (c *RedisCache) RecentCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	candles, err := c.RecentCandles(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	closes := make([]float64, len(candles))
	for i, candle := range candles {
		closes[i] = candle.Close
	}
	return closes, nil
}

func (c *RedisCache) getFloat(ctx context.Context, key string) (float64, bool, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cached value at %s: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisCache) setFloat(ctx context.Context, key string, value float64) error {
	return c.client.Set(ctx, key, strconv.FormatFloat(value, 'f', -1, 64), c.indicatorTTL).Err()
}

// GetRSI implements indicator.Cache.
func (c *RedisCache) GetRSI(ctx context.Context, symbol, timeframe string, period int) (float64, bool, error) {
	return c.getFloat(ctx, rsiKey(symbol, timeframe, period))
}

// SetRSI implements indicator.Cache.
func (c *RedisCache) SetRSI(ctx context.Context, symbol, timeframe string, period int, value float64) error {
	return c.setFloat(ctx, rsiKey(symbol, timeframe, period), value)
}

// GetEMA implements indicator.Cache.
func (c *RedisCache) GetEMA(ctx context.Context, symbol, timeframe string, period int) (float64, bool, error) {
	return c.getFloat(ctx, emaKey(symbol, timeframe, period))
}

// SetEMA implements indicator.Cache.
func (c *RedisCache) SetEMA(ctx context.Context, symbol, timeframe string, period int, value float64) error {
	return c.setFloat(ctx, emaKey(symbol, timeframe, period), value)
}
