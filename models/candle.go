package models

import (
	"fmt"
	"strconv"
	"time"
)

// Candle is one validated candlestick ready for persistence and indicator
// computation, keyed by (Symbol, Timeframe, OpenTime).
type Candle struct {
	Symbol      string    `db:"symbol"`
	Timeframe   string    `db:"timeframe"`
	OpenTime    time.Time `db:"open_time"`
	CloseTime   time.Time `db:"close_time"`
	Open        float64   `db:"open"`
	High        float64   `db:"high"`
	Low         float64   `db:"low"`
	Close       float64   `db:"close"`
	Volume      float64   `db:"volume"`
	QuoteVolume float64   `db:"quote_volume"`
	TradeCount  int64     `db:"trade_count"`
	Closed      bool      `db:"closed"`
}

// CandleFromKline converts a wire kline payload into a Candle, validating the
// numeric fields and the OHLC relationships. A frame that fails validation is
// never handed to downstream collaborators.
func CandleFromKline(k KlinePayload) (Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("invalid open price %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("invalid high price %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("invalid low price %q: %w", k.Low, err)
	}
	closeP, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("invalid close price %q: %w", k.Close, err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("invalid volume %q: %w", k.Volume, err)
	}
	quoteVolume, err := strconv.ParseFloat(k.QuoteVolume, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("invalid quote volume %q: %w", k.QuoteVolume, err)
	}

	c := Candle{
		Symbol:      k.Symbol,
		Timeframe:   k.Interval,
		OpenTime:    time.UnixMilli(k.OpenTime).UTC(),
		CloseTime:   time.UnixMilli(k.CloseTime).UTC(),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closeP,
		Volume:      volume,
		QuoteVolume: quoteVolume,
		TradeCount:  k.TradeCount,
		Closed:      k.Closed,
	}

	if err := c.Validate(); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// Validate checks structural sanity of the candle.
func (c Candle) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candle missing symbol")
	}
	if c.Timeframe == "" {
		return fmt.Errorf("candle missing timeframe")
	}
	if !c.OpenTime.Before(c.CloseTime) {
		return fmt.Errorf("candle open time %v not before close time %v", c.OpenTime, c.CloseTime)
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle has non-positive price")
	}
	if c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle high %v below open/close", c.High)
	}
	if c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("candle low %v above open/close", c.Low)
	}
	if c.Volume < 0 || c.QuoteVolume < 0 {
		return fmt.Errorf("candle has negative volume")
	}
	return nil
}
