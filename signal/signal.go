package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"klineflow/indicator"
)

// Type names one alert condition.
type Type string

const (
	TypeRSIOversold         Type = "rsi_oversold"
	TypeRSIOversoldMedium   Type = "rsi_oversold_medium"
	TypeRSIOversoldStrong   Type = "rsi_oversold_strong"
	TypeRSIOverbought       Type = "rsi_overbought"
	TypeRSIOverboughtMedium Type = "rsi_overbought_medium"
	TypeRSIOverboughtStrong Type = "rsi_overbought_strong"
	TypeEMACrossUp          Type = "EMA_CROSS_UP"
	TypeEMACrossDown        Type = "EMA_CROSS_DOWN"
)

// Signal is one detected alert condition on a closed candle.
type Signal struct {
	Symbol    string
	Timeframe string
	Type      Type
	Value     float64
	Price     float64
	At        time.Time
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s %s value=%.2f price=%.4f", s.Symbol, s.Timeframe, s.Type, s.Value, s.Price)
}

// Notifier receives detected signals for delivery.
type Notifier interface {
	Notify(ctx context.Context, sig Signal)
}

// History persists detected signals.
type History interface {
	SaveSignal(ctx context.Context, sig Signal) error
}

var zoneTypes = map[indicator.Zone]Type{
	indicator.ZoneOversold:         TypeRSIOversold,
	indicator.ZoneOversoldMedium:   TypeRSIOversoldMedium,
	indicator.ZoneOversoldStrong:   TypeRSIOversoldStrong,
	indicator.ZoneOverbought:       TypeRSIOverbought,
	indicator.ZoneOverboughtMedium: TypeRSIOverboughtMedium,
	indicator.ZoneOverboughtStrong: TypeRSIOverboughtStrong,
}

// rsiDetector fires when the RSI enters an alert zone, suppressing repeats of
// the same (pair, timeframe, type) within the repeat interval.
type rsiDetector struct {
	repeatInterval time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func newRSIDetector(repeatInterval time.Duration) *rsiDetector {
	return &rsiDetector{
		repeatInterval: repeatInterval,
		lastSent:       make(map[string]time.Time),
	}
}

func (d *rsiDetector) check(symbol, timeframe string, rsi float64, at time.Time) (Type, bool) {
	zone := indicator.ClassifyRSI(rsi)
	sigType, ok := zoneTypes[zone]
	if !ok {
		return "", false
	}

	key := symbol + "|" + timeframe + "|" + string(sigType)

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, seen := d.lastSent[key]; seen && at.Sub(last) < d.repeatInterval {
		return "", false
	}
	d.lastSent[key] = at
	return sigType, true
}

// emaCrossDetector tracks the fast-minus-slow EMA difference per pair and
// fires on sign changes.
type emaCrossDetector struct {
	mu       sync.Mutex
	prevDiff map[string]float64
}

func newEMACrossDetector() *emaCrossDetector {
	return &emaCrossDetector{prevDiff: make(map[string]float64)}
}

func (d *emaCrossDetector) check(symbol, timeframe string, fast, slow float64) (Type, bool) {
	key := symbol + "|" + timeframe
	diff := fast - slow

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, seen := d.prevDiff[key]
	d.prevDiff[key] = diff
	if !seen {
		return "", false
	}

	if prev <= 0 && diff > 0 {
		return TypeEMACrossUp, true
	}
	if prev >= 0 && diff < 0 {
		return TypeEMACrossDown, true
	}
	return "", false
}
