package signal

import (
	"context"
	"sort"
	"time"

	"klineflow/config"
	"klineflow/indicator"
	"klineflow/logger"
	"klineflow/models"
)

const defaultRSIPeriod = 14
const defaultRepeatInterval = time.Hour

// CandleStore upserts candles keyed by (symbol, timeframe, open time).
type CandleStore interface {
	UpsertCandle(ctx context.Context, candle models.Candle) error
}

// CandleCache keeps the rolling window the indicator calculator reads from.
type CandleCache interface {
	PushCandle(ctx context.Context, candle models.Candle) error
}

// Archiver receives closed candles for long-term storage.
type Archiver interface {
	Add(candle models.Candle)
}

// Aggregator is the kline handler behind the stream manager: it persists each
// candle and, once per closed candle, recomputes indicators and runs the
// signal detectors.
type Aggregator struct {
	calc     *indicator.Calculator
	store    CandleStore
	cache    CandleCache
	archiver Archiver
	history  History
	notifier Notifier

	rsiPeriod     int
	emaPeriods    []int
	emaFast       int
	emaSlow       int
	rsiDetector   *rsiDetector
	crossDetector *emaCrossDetector

	log *logger.Entry
}

// NewAggregator wires the detection pipeline. Optional collaborators may be
// nil and are skipped.
func NewAggregator(cfg config.SignalsConfig, calc *indicator.Calculator, store CandleStore, cache CandleCache, archiver Archiver, history History, notifier Notifier) *Aggregator {
	rsiPeriod := cfg.RSIPeriod
	if rsiPeriod <= 0 {
		rsiPeriod = defaultRSIPeriod
	}
	repeat := cfg.RepeatInterval
	if repeat <= 0 {
		repeat = defaultRepeatInterval
	}
	emaPeriods := cfg.EMAPeriods
	if len(emaPeriods) == 0 {
		emaPeriods = indicator.DefaultEMAPeriods
	}
	sorted := append([]int(nil), emaPeriods...)
	sort.Ints(sorted)

	a := &Aggregator{
		calc:          calc,
		store:         store,
		cache:         cache,
		archiver:      archiver,
		history:       history,
		notifier:      notifier,
		rsiPeriod:     rsiPeriod,
		emaPeriods:    sorted,
		rsiDetector:   newRSIDetector(repeat),
		crossDetector: newEMACrossDetector(),
		log:           logger.GetLogger().WithComponent("signal_aggregator"),
	}
	if len(sorted) >= 2 {
		a.emaFast = sorted[0]
		a.emaSlow = sorted[1]
	}
	return a
}

// HandleKline consumes one validated candle from the stream subsystem.
func (a *Aggregator) HandleKline(ctx context.Context, candle models.Candle) {
	if a.store != nil {
		if err := a.store.UpsertCandle(ctx, candle); err != nil {
			a.log.WithError(err).WithFields(logger.Fields{
				"symbol":    candle.Symbol,
				"timeframe": candle.Timeframe,
			}).Warn("candle upsert failed")
		}
	}

	if !candle.Closed {
		return
	}

	if a.cache != nil {
		if err := a.cache.PushCandle(ctx, candle); err != nil {
			a.log.WithError(err).Warn("candle cache push failed")
		}
	}
	if a.archiver != nil {
		a.archiver.Add(candle)
	}

	if a.calc == nil {
		return
	}

	snap, err := a.calc.Recompute(ctx, candle.Symbol, candle.Timeframe, a.rsiPeriod, a.emaPeriods)
	if err != nil {
		a.log.WithError(err).WithFields(logger.Fields{
			"symbol":    candle.Symbol,
			"timeframe": candle.Timeframe,
		}).Debug("indicator recompute skipped")
		return
	}

	if sigType, ok := a.rsiDetector.check(candle.Symbol, candle.Timeframe, snap.RSI, candle.CloseTime); ok {
		a.emit(ctx, Signal{
			Symbol:    candle.Symbol,
			Timeframe: candle.Timeframe,
			Type:      sigType,
			Value:     snap.RSI,
			Price:     candle.Close,
			At:        candle.CloseTime,
		})
	}

	if a.emaFast > 0 && a.emaSlow > 0 {
		fast, okFast := snap.EMA[a.emaFast]
		slow, okSlow := snap.EMA[a.emaSlow]
		if okFast && okSlow {
			if sigType, ok := a.crossDetector.check(candle.Symbol, candle.Timeframe, fast, slow); ok {
				a.emit(ctx, Signal{
					Symbol:    candle.Symbol,
					Timeframe: candle.Timeframe,
					Type:      sigType,
					Value:     fast - slow,
					Price:     candle.Close,
					At:        candle.CloseTime,
				})
			}
		}
	}
}

func (a *Aggregator) emit(ctx context.Context, sig Signal) {
	logger.IncrementSignalEmitted()
	a.log.WithFields(logger.Fields{
		"symbol":    sig.Symbol,
		"timeframe": sig.Timeframe,
		"type":      string(sig.Type),
		"value":     sig.Value,
	}).Info("signal detected")

	if a.history != nil {
		if err := a.history.SaveSignal(ctx, sig); err != nil {
			a.log.WithError(err).Warn("signal history write failed")
		}
	}
	if a.notifier != nil {
		a.notifier.Notify(ctx, sig)
	}
}
