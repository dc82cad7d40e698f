package indicator

import (
	"fmt"
	"math"
)

// Zone classifies an RSI value against the alerting thresholds.
type Zone string

const (
	ZoneNeutral          Zone = "neutral"
	ZoneOversold         Zone = "oversold"
	ZoneOversoldMedium   Zone = "oversold_medium"
	ZoneOversoldStrong   Zone = "oversold_strong"
	ZoneOverbought       Zone = "overbought"
	ZoneOverboughtMedium Zone = "overbought_medium"
	ZoneOverboughtStrong Zone = "overbought_strong"
)

const (
	rsiOversoldStrong   = 20
	rsiOversoldMedium   = 25
	rsiOversold         = 30
	rsiOverbought       = 70
	rsiOverboughtMedium = 75
	rsiOverboughtStrong = 80
)

// RSI computes the Wilder-smoothed relative strength index over the closing
// prices. Needs at least period+1 values; the seed averages use the first
// period price changes, later changes are smoothed with
// avg = (avg*(period-1) + change) / period.
func RSI(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("rsi period must be positive, got %d", period)
	}
	if len(closes) < period+1 {
		return 0, fmt.Errorf("rsi needs %d closes, got %d", period+1, len(closes))
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	rsi := 100 - 100/(1+rs)
	return math.Round(rsi*100) / 100, nil
}

// ClassifyRSI maps a value to its alert zone.
func ClassifyRSI(value float64) Zone {
	switch {
	case value <= rsiOversoldStrong:
		return ZoneOversoldStrong
	case value <= rsiOversoldMedium:
		return ZoneOversoldMedium
	case value <= rsiOversold:
		return ZoneOversold
	case value >= rsiOverboughtStrong:
		return ZoneOverboughtStrong
	case value >= rsiOverboughtMedium:
		return ZoneOverboughtMedium
	case value >= rsiOverbought:
		return ZoneOverbought
	default:
		return ZoneNeutral
	}
}
