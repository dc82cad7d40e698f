package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"klineflow/config"
	"klineflow/models"
)

func archivedCandle(symbol, timeframe string, openTime time.Time) models.Candle {
	return models.Candle{
		Symbol:      symbol,
		Timeframe:   timeframe,
		OpenTime:    openTime,
		CloseTime:   openTime.Add(time.Minute),
		Open:        42000,
		High:        42100,
		Low:         41900,
		Close:       42050,
		Volume:      12.5,
		QuoteVolume: 525000,
		TradeCount:  350,
		Closed:      true,
	}
}

func TestGenerateS3Key(t *testing.T) {
	openTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	b := makeBatch("BTCUSDT|1m", []models.Candle{archivedCandle("BTCUSDT", "1m", openTime)}, "interval")

	key := generateS3Key(b)
	for _, part := range []string{"candles/", "symbol=BTCUSDT", "timeframe=1m", "date=2024-06-01", ".parquet"} {
		if !strings.Contains(key, part) {
			t.Errorf("key %q missing %q", key, part)
		}
	}
}

func TestMakeBatch(t *testing.T) {
	openTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	candles := []models.Candle{
		archivedCandle("BTCUSDT", "1m", openTime),
		archivedCandle("BTCUSDT", "1m", openTime.Add(time.Minute)),
	}

	b := makeBatch("BTCUSDT|1m", candles, "batch_size")
	if b.Symbol != "BTCUSDT" || b.Timeframe != "1m" {
		t.Errorf("unexpected partition: %s %s", b.Symbol, b.Timeframe)
	}
	if b.RecordCount != 2 {
		t.Errorf("record count = %d, want 2", b.RecordCount)
	}
	if !b.Timestamp.Equal(candles[1].CloseTime) {
		t.Errorf("batch timestamp should come from the last candle")
	}
}

func TestCreateParquetRoundsTrip(t *testing.T) {
	openTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	data, err := createParquet([]models.Candle{archivedCandle("BTCUSDT", "1m", openTime)})
	if err != nil {
		t.Fatalf("createParquet failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("parquet output is empty")
	}
	// Parquet files end with the PAR1 magic bytes.
	if !strings.HasSuffix(string(data), "PAR1") {
		t.Errorf("output does not look like a parquet file")
	}
}

func TestStopFlushesPendingUploads(t *testing.T) {
	var mu sync.Mutex
	puts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			mu.Lock()
			puts++
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wr, err := NewWriter(config.ArchiveConfig{
		Enabled:         true,
		Bucket:          "test-bucket",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		PathStyle:       true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		BatchSize:       512,
		FlushInterval:   time.Hour,
	})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := wr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	openTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	wr.Add(archivedCandle("BTCUSDT", "1m", openTime))

	// The buffered candle is below the batch size and the interval flush is
	// far away; only the shutdown flush can get it out.
	wr.Stop()

	mu.Lock()
	got := puts
	mu.Unlock()
	if got != 1 {
		t.Fatalf("shutdown flush should upload the pending batch, got %d uploads", got)
	}
}

func TestBufferKey(t *testing.T) {
	if got := bufferKey("btcusdt", "1m"); got != "BTCUSDT|1m" {
		t.Errorf("bufferKey = %q", got)
	}
}
