package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream   int64
	errorsNotify   int64
	warnsStream    int64
	warnsNotify    int64
	framesRead     int64
	signalsEmitted int64
	archiveWrites  int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "notify") {
		atomic.AddInt64(&warnsNotify, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "notify") {
		atomic.AddInt64(&errorsNotify, 1)
	}
}

func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel("stream_ws", size)
}

func IncrementSignalEmitted() {
	atomic.AddInt64(&signalsEmitted, 1)
}

func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("s3_archive_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_stream":   atomic.LoadInt64(&errorsStream),
		"errors_notify":   atomic.LoadInt64(&errorsNotify),
		"warns_stream":    atomic.LoadInt64(&warnsStream),
		"warns_notify":    atomic.LoadInt64(&warnsNotify),
		"frames_read":     atomic.LoadInt64(&framesRead),
		"signals_emitted": atomic.LoadInt64(&signalsEmitted),
		"archive_writes":  atomic.LoadInt64(&archiveWrites),
		"goroutines":      runtime.NumGoroutine(),
		"heap_mb":         int64(memStats.HeapAlloc) / 1024 / 1024,
		"channels":        channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.HeapAlloc) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsNotify"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_notify"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsNotify"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_notify"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FramesRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["frames_read"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SignalsEmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["signals_emitted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_writes"].(int64)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
