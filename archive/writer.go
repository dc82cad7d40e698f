package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "klineflow/config"
	"klineflow/logger"
	"klineflow/models"
)

type candleRecord struct {
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timeframe   string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenTime    int64   `parquet:"name=open_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	CloseTime   int64   `parquet:"name=close_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open        float64 `parquet:"name=open, type=DOUBLE"`
	High        float64 `parquet:"name=high, type=DOUBLE"`
	Low         float64 `parquet:"name=low, type=DOUBLE"`
	Close       float64 `parquet:"name=close, type=DOUBLE"`
	Volume      float64 `parquet:"name=volume, type=DOUBLE"`
	QuoteVolume float64 `parquet:"name=quote_volume, type=DOUBLE"`
	TradeCount  int64   `parquet:"name=trade_count, type=INT64"`
}

type batch struct {
	Symbol      string
	Timeframe   string
	Candles     []models.Candle
	Timestamp   time.Time
	Reason      string
	RecordCount int
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

const (
	defaultBatchSize     = 512
	defaultFlushInterval = 5 * time.Minute
	uploadWorkers        = 2
)

// Writer persists closed candles to S3 as partitioned Parquet files.
type Writer struct {
	cfg      appconfig.ArchiveConfig
	s3Client *s3.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logger.Entry

	mu          sync.Mutex
	buffer      map[string][]models.Candle
	flushTicker *time.Ticker
	batchSize   int
	running     bool

	jobCh chan batch
}

// NewWriter configures a Writer backed by the archive configuration.
func NewWriter(cfg appconfig.ArchiveConfig) (*Writer, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("archive disabled")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	jobCapacity := batchSize * 2
	if jobCapacity < 128 {
		jobCapacity = 128
	}

	return &Writer{
		cfg:       cfg,
		s3Client:  s3Client,
		log:       logger.GetLogger().WithComponent("archive_writer"),
		buffer:    make(map[string][]models.Candle),
		batchSize: batchSize,
		jobCh:     make(chan batch, jobCapacity),
	}, nil
}

// Start launches the flush and upload workers.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.buffer = make(map[string][]models.Candle)

	flushInterval := w.cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	w.flushTicker = time.NewTicker(flushInterval)
	w.mu.Unlock()

	w.log.WithFields(logger.Fields{
		"bucket":         w.cfg.Bucket,
		"flush_interval": flushInterval,
		"batch_size":     w.batchSize,
	}).Info("starting archive writer")

	w.wg.Add(1)
	go w.flushLoop()

	for i := 0; i < uploadWorkers; i++ {
		w.wg.Add(1)
		go w.uploadWorker()
	}

	return nil
}

// Stop flushes pending buffers and waits for all workers to finish.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	ticker := w.flushTicker
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ticker != nil {
		ticker.Stop()
	}

	w.flushBuffers("shutdown")
	close(w.jobCh)
	w.wg.Wait()
	w.log.Info("archive writer stopped")
}

// Add buffers one closed candle for upload. In-progress candles are ignored.
func (w *Writer) Add(candle models.Candle) {
	if !candle.Closed {
		return
	}
	key := bufferKey(candle.Symbol, candle.Timeframe)

	var flushCandles []models.Candle
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.buffer[key] = append(w.buffer[key], candle)
	if len(w.buffer[key]) >= w.batchSize {
		flushCandles = w.buffer[key]
		delete(w.buffer, key)
	}
	w.mu.Unlock()

	if len(flushCandles) > 0 {
		w.enqueueBatch(key, flushCandles, "batch_size")
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *Writer) uploadWorker() {
	defer w.wg.Done()
	for b := range w.jobCh {
		w.processBatch(b)
	}
}

func (w *Writer) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.Candle)
	w.mu.Unlock()

	for key, candles := range buffers {
		if len(candles) == 0 {
			continue
		}
		w.enqueueBatch(key, candles, reason)
	}
}

func (w *Writer) enqueueBatch(key string, candles []models.Candle, reason string) {
	b := makeBatch(key, candles, reason)
	select {
	case w.jobCh <- b:
	default:
		w.log.WithFields(logger.Fields{
			"symbol":    b.Symbol,
			"timeframe": b.Timeframe,
		}).Warn("archive upload queue full, dropping batch")
	}
}

func makeBatch(key string, candles []models.Candle, reason string) batch {
	parts := strings.SplitN(key, "|", 2)
	symbol, timeframe := parts[0], ""
	if len(parts) > 1 {
		timeframe = parts[1]
	}
	ts := time.Now().UTC()
	if len(candles) > 0 {
		ts = candles[len(candles)-1].CloseTime
	}
	return batch{
		Symbol:      symbol,
		Timeframe:   timeframe,
		Candles:     candles,
		Timestamp:   ts,
		Reason:      reason,
		RecordCount: len(candles),
	}
}

func bufferKey(symbol, timeframe string) string {
	return strings.ToUpper(symbol) + "|" + timeframe
}

func (w *Writer) processBatch(b batch) {
	entryLog := w.log.WithFields(logger.Fields{
		"symbol":       b.Symbol,
		"timeframe":    b.Timeframe,
		"record_count": b.RecordCount,
		"reason":       b.Reason,
	})

	if b.RecordCount == 0 {
		return
	}

	key := generateS3Key(b)
	data, err := createParquet(b.Candles)
	if err != nil {
		entryLog.WithError(err).Error("failed to create candle parquet")
		return
	}

	if err := w.uploadToS3(key, data); err != nil {
		entryLog.WithError(err).WithField("key", key).Error("failed to upload candle parquet")
		return
	}

	logger.IncrementArchiveWrite(int64(len(data)))
	entryLog.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("candle batch uploaded")
}

func createParquet(candles []models.Candle) ([]byte, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(candleRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, c := range candles {
		rec := candleRecord{
			Symbol:      c.Symbol,
			Timeframe:   c.Timeframe,
			OpenTime:    c.OpenTime.UnixMilli(),
			CloseTime:   c.CloseTime.UnixMilli(),
			Open:        c.Open,
			High:        c.High,
			Low:         c.Low,
			Close:       c.Close,
			Volume:      c.Volume,
			QuoteVolume: c.QuoteVolume,
			TradeCount:  c.TradeCount,
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	return mem.Bytes(), nil
}

func generateS3Key(b batch) string {
	datePart := b.Timestamp.UTC().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s_%s.parquet",
		strings.ToUpper(b.Symbol),
		b.Timeframe,
		time.Now().UTC().Format("20060102150405")+uuid.NewString(),
	)
	return path.Join(
		"candles",
		fmt.Sprintf("symbol=%s", strings.ToUpper(b.Symbol)),
		fmt.Sprintf("timeframe=%s", b.Timeframe),
		fmt.Sprintf("date=%s", datePart),
		filename,
	)
}

func (w *Writer) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  "snappy",
		},
	}

	// Uploads run on their own deadline: the shutdown flush happens after the
	// run context is cancelled and still has to drain.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload candle parquet: %w", err)
	}
	return nil
}
