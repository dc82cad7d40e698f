package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"klineflow/config"
	"klineflow/indicator"
	"klineflow/models"
)

func TestRSIDetectorZonesAndSuppression(t *testing.T) {
	d := newRSIDetector(time.Hour)
	now := time.Now()

	sigType, ok := d.check("BTCUSDT", "1m", 18, now)
	if !ok || sigType != TypeRSIOversoldStrong {
		t.Fatalf("expected strong oversold signal, got %v %v", sigType, ok)
	}

	// Same zone within the repeat interval is suppressed.
	if _, ok := d.check("BTCUSDT", "1m", 19, now.Add(time.Minute)); ok {
		t.Errorf("repeat within interval must be suppressed")
	}

	// A different zone fires independently.
	if sigType, ok := d.check("BTCUSDT", "1m", 85, now.Add(time.Minute)); !ok || sigType != TypeRSIOverboughtStrong {
		t.Errorf("different zone should fire, got %v %v", sigType, ok)
	}

	// After the interval elapses the same zone fires again.
	if _, ok := d.check("BTCUSDT", "1m", 18, now.Add(2*time.Hour)); !ok {
		t.Errorf("signal should fire again after the repeat interval")
	}

	// Neutral values never fire.
	if _, ok := d.check("BTCUSDT", "1m", 50, now.Add(3*time.Hour)); ok {
		t.Errorf("neutral RSI must not fire")
	}
}

func TestEMACrossDetector(t *testing.T) {
	d := newEMACrossDetector()

	// First observation only seeds the state.
	if _, ok := d.check("BTCUSDT", "1h", 99, 100); ok {
		t.Errorf("first observation must not fire")
	}

	sigType, ok := d.check("BTCUSDT", "1h", 101, 100)
	if !ok || sigType != TypeEMACrossUp {
		t.Fatalf("expected cross up, got %v %v", sigType, ok)
	}

	// Staying above is not a new cross.
	if _, ok := d.check("BTCUSDT", "1h", 102, 100); ok {
		t.Errorf("no cross while staying above")
	}

	sigType, ok = d.check("BTCUSDT", "1h", 98, 100)
	if !ok || sigType != TypeEMACrossDown {
		t.Errorf("expected cross down, got %v %v", sigType, ok)
	}
}

type fakeCloses struct {
	closes []float64
}

func (f *fakeCloses) RecentCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	return f.closes, nil
}

type recordedSignals struct {
	mu   sync.Mutex
	sigs []Signal
}

func (r *recordedSignals) SaveSignal(ctx context.Context, sig Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
	return nil
}

func (r *recordedSignals) Notify(ctx context.Context, sig Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
}

func (r *recordedSignals) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sigs)
}

type upsertCounter struct {
	mu    sync.Mutex
	count int
}

func (u *upsertCounter) UpsertCandle(ctx context.Context, candle models.Candle) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.count++
	return nil
}

func closedCandle(closePrice float64) models.Candle {
	return models.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		OpenTime:  time.UnixMilli(1700000000000).UTC(),
		CloseTime: time.UnixMilli(1700000059999).UTC(),
		Open:      closePrice,
		High:      closePrice + 1,
		Low:       closePrice - 1,
		Close:     closePrice,
		Volume:    1,
		Closed:    true,
	}
}

func TestAggregatorEmitsRSISignal(t *testing.T) {
	// Monotonically falling closes drive RSI to 0, deep in the strong
	// oversold zone.
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 1000 - float64(i)
	}
	calc := indicator.NewCalculator(&fakeCloses{closes: closes}, nil)

	history := &recordedSignals{}
	store := &upsertCounter{}
	agg := NewAggregator(config.SignalsConfig{RSIPeriod: 14}, calc, store, nil, nil, history, nil)

	agg.HandleKline(context.Background(), closedCandle(950))

	if history.count() != 1 {
		t.Fatalf("expected 1 persisted signal, got %d", history.count())
	}
	if store.count != 1 {
		t.Errorf("candle should be upserted once, got %d", store.count)
	}
}

func TestAggregatorSkipsOpenCandles(t *testing.T) {
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 1000 - float64(i)
	}
	calc := indicator.NewCalculator(&fakeCloses{closes: closes}, nil)

	history := &recordedSignals{}
	store := &upsertCounter{}
	agg := NewAggregator(config.SignalsConfig{}, calc, store, nil, nil, history, nil)

	candle := closedCandle(950)
	candle.Closed = false
	agg.HandleKline(context.Background(), candle)

	if store.count != 1 {
		t.Errorf("open candle must still be upserted, got %d", store.count)
	}
	if history.count() != 0 {
		t.Errorf("open candle must not run the detectors, got %d signals", history.count())
	}
}
