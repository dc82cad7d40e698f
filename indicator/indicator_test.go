package indicator

import (
	"context"
	"testing"
)

func TestRSIAllGains(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	rsi, err := RSI(closes, 5)
	if err != nil {
		t.Fatalf("RSI failed: %v", err)
	}
	if rsi != 100 {
		t.Errorf("monotonic gains should give RSI 100, got %v", rsi)
	}
}

func TestRSIAllLosses(t *testing.T) {
	closes := []float64{8, 7, 6, 5, 4, 3, 2, 1}
	rsi, err := RSI(closes, 5)
	if err != nil {
		t.Fatalf("RSI failed: %v", err)
	}
	if rsi != 0 {
		t.Errorf("monotonic losses should give RSI 0, got %v", rsi)
	}
}

func TestRSIWilderSmoothing(t *testing.T) {
	// period=2, closes 1,2,3,2: seed avgGain=1 avgLoss=0, then the -1 change
	// smooths to avgGain=0.5 avgLoss=0.5, RS=1, RSI=50.
	rsi, err := RSI([]float64{1, 2, 3, 2}, 2)
	if err != nil {
		t.Fatalf("RSI failed: %v", err)
	}
	if rsi != 50 {
		t.Errorf("expected RSI 50, got %v", rsi)
	}
}

func TestRSIInsufficientData(t *testing.T) {
	if _, err := RSI([]float64{1, 2, 3}, 14); err == nil {
		t.Errorf("expected error for insufficient closes")
	}
	if _, err := RSI([]float64{1, 2, 3}, 0); err == nil {
		t.Errorf("expected error for non-positive period")
	}
}

func TestClassifyRSI(t *testing.T) {
	cases := []struct {
		value float64
		want  Zone
	}{
		{15, ZoneOversoldStrong},
		{20, ZoneOversoldStrong},
		{22, ZoneOversoldMedium},
		{28, ZoneOversold},
		{50, ZoneNeutral},
		{71, ZoneOverbought},
		{76, ZoneOverboughtMedium},
		{85, ZoneOverboughtStrong},
	}
	for _, c := range cases {
		if got := ClassifyRSI(c.value); got != c.want {
			t.Errorf("ClassifyRSI(%v) = %s, want %s", c.value, got, c.want)
		}
	}
}

func TestEMA(t *testing.T) {
	// period=3: seed SMA=2, mult=0.5, series 2,3,4.
	series, err := EMA([]float64{1, 2, 3, 4, 5}, 3)
	if err != nil {
		t.Fatalf("EMA failed: %v", err)
	}
	want := []float64{2, 3, 4}
	if len(series) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(series))
	}
	for i := range want {
		if series[i] != want[i] {
			t.Errorf("series[%d] = %v, want %v", i, series[i], want[i])
		}
	}

	last, err := LastEMA([]float64{1, 2, 3, 4, 5}, 3)
	if err != nil {
		t.Fatalf("LastEMA failed: %v", err)
	}
	if last != 4 {
		t.Errorf("LastEMA = %v, want 4", last)
	}
}

func TestEMAInsufficientData(t *testing.T) {
	if _, err := EMA([]float64{1, 2}, 3); err == nil {
		t.Errorf("expected error for insufficient values")
	}
}

type fakeSource struct {
	closes []float64
	calls  int
}

func (f *fakeSource) RecentCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	f.calls++
	return f.closes, nil
}

type memCache struct {
	rsi map[string]float64
	ema map[string]float64
}

func newMemCache() *memCache {
	return &memCache{rsi: map[string]float64{}, ema: map[string]float64{}}
}

func key(symbol, timeframe string, period int) string {
	return symbol + timeframe + string(rune('0'+period%10))
}

func (m *memCache) GetRSI(ctx context.Context, symbol, timeframe string, period int) (float64, bool, error) {
	v, ok := m.rsi[key(symbol, timeframe, period)]
	return v, ok, nil
}

func (m *memCache) SetRSI(ctx context.Context, symbol, timeframe string, period int, value float64) error {
	m.rsi[key(symbol, timeframe, period)] = value
	return nil
}

func (m *memCache) GetEMA(ctx context.Context, symbol, timeframe string, period int) (float64, bool, error) {
	v, ok := m.ema[key(symbol, timeframe, period)]
	return v, ok, nil
}

func (m *memCache) SetEMA(ctx context.Context, symbol, timeframe string, period int, value float64) error {
	m.ema[key(symbol, timeframe, period)] = value
	return nil
}

func TestCalculatorCacheFirst(t *testing.T) {
	source := &fakeSource{closes: []float64{1, 2, 3, 4, 5, 6, 7, 8}}
	cache := newMemCache()
	calc := NewCalculator(source, cache)
	ctx := context.Background()

	first, err := calc.FreshRSI(ctx, "BTCUSDT", "1m", 5)
	if err != nil {
		t.Fatalf("FreshRSI failed: %v", err)
	}
	if source.calls != 1 {
		t.Errorf("cache miss should hit the source once, got %d calls", source.calls)
	}

	second, err := calc.FreshRSI(ctx, "BTCUSDT", "1m", 5)
	if err != nil {
		t.Fatalf("FreshRSI failed: %v", err)
	}
	if source.calls != 1 {
		t.Errorf("cache hit must not touch the source, got %d calls", source.calls)
	}
	if first != second {
		t.Errorf("cached value diverged: %v vs %v", first, second)
	}
}

func TestCalculatorRecompute(t *testing.T) {
	source := &fakeSource{closes: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}}
	cache := newMemCache()
	calc := NewCalculator(source, cache)

	snap, err := calc.Recompute(context.Background(), "BTCUSDT", "1m", 3, []int{3, 5})
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if snap.RSI != 100 {
		t.Errorf("expected RSI 100 for monotonic closes, got %v", snap.RSI)
	}
	if len(snap.EMA) != 2 {
		t.Errorf("expected 2 EMA periods, got %v", snap.EMA)
	}

	// Recompute refreshes the cache so later reads are hits.
	if _, ok, _ := cache.GetRSI(context.Background(), "BTCUSDT", "1m", 3); !ok {
		t.Errorf("recompute must write the RSI cache")
	}
}
