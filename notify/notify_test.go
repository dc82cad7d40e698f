package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"klineflow/config"
	"klineflow/signal"
)

type flakySender struct {
	mu       sync.Mutex
	failures int
	sent     []Message
}

func (f *flakySender) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return context.DeadlineExceeded
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *flakySender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestQueueRetriesAndDelivers(t *testing.T) {
	sender := &flakySender{failures: 2}
	q := NewQueue(config.TelegramConfig{MaxRetries: 3, RetryDelay: time.Millisecond, QueueSize: 10}, sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Stop()

	q.Enqueue(Message{ChatID: 42, Text: "hello"})

	deadline := time.Now().Add(time.Second)
	for sender.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("message should be delivered after retries, sent %d", sender.sentCount())
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(config.TelegramConfig{QueueSize: 1}, &flakySender{})

	q.Enqueue(Message{ChatID: 1})
	q.Enqueue(Message{ChatID: 2})

	if q.Dropped() != 1 {
		t.Errorf("expected 1 dropped message, got %d", q.Dropped())
	}
}

func TestTelegramSenderSend(t *testing.T) {
	var gotPath string
	var gotBody sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	sender := NewTelegramSender(config.TelegramConfig{Token: "secret", MessagesPerSecond: 100, PerChatInterval: time.Millisecond})
	sender.baseURL = srv.URL

	err := sender.Send(context.Background(), Message{ChatID: 42, Text: "alert"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !strings.Contains(gotPath, "botsecret/sendMessage") {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotBody.ChatID != 42 || gotBody.Text != "alert" {
		t.Errorf("unexpected request body: %+v", gotBody)
	}
}

func TestTelegramSenderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	sender := NewTelegramSender(config.TelegramConfig{Token: "secret", MessagesPerSecond: 100, PerChatInterval: time.Millisecond})
	sender.baseURL = srv.URL

	if err := sender.Send(context.Background(), Message{ChatID: 42, Text: "alert"}); err == nil {
		t.Fatalf("expected error for rejected message")
	}
}

type staticSubs struct {
	chats []int64
}

func (s *staticSubs) SubscribersFor(ctx context.Context, symbol, timeframe string) ([]int64, error) {
	return s.chats, nil
}

func TestDispatcherFanOut(t *testing.T) {
	sender := &flakySender{}
	q := NewQueue(config.TelegramConfig{QueueSize: 10, RetryDelay: time.Millisecond}, sender)
	d := NewDispatcher(q, &staticSubs{chats: []int64{1, 2, 3}})

	d.Notify(context.Background(), signal.Signal{
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		Type:      signal.TypeRSIOversoldStrong,
		Value:     18.5,
		Price:     42000,
	})

	if len(q.ch) != 3 {
		t.Errorf("expected 3 queued messages, got %d", len(q.ch))
	}
}

func TestFormatAlert(t *testing.T) {
	text := FormatAlert(signal.Signal{Symbol: "BTCUSDT", Timeframe: "1h", Type: signal.TypeRSIOversoldStrong, Value: 18.5, Price: 42000})
	if !strings.Contains(text, "BTCUSDT") || !strings.Contains(text, "18.50") {
		t.Errorf("unexpected alert text: %s", text)
	}

	text = FormatAlert(signal.Signal{Symbol: "ETHUSDT", Timeframe: "4h", Type: signal.TypeEMACrossUp, Price: 2500})
	if !strings.Contains(text, "EMA cross up") {
		t.Errorf("unexpected alert text: %s", text)
	}
}
