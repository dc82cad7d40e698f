package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"klineflow/config"
	"klineflow/logger"

	"golang.org/x/time/rate"
)

const telegramAPIBase = "https://api.telegram.org"

// Message is one outbound alert.
type Message struct {
	ChatID int64
	Text   string
}

// Sender delivers a message to its chat.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// TelegramSender posts messages to the Telegram Bot API with a global and a
// per-chat rate limit.
type TelegramSender struct {
	token   string
	baseURL string
	client  *http.Client
	global  *rate.Limiter

	mu           sync.Mutex
	perChat      map[int64]*rate.Limiter
	perChatEvery time.Duration

	log *logger.Entry
}

// NewTelegramSender builds a sender from the bot configuration.
func NewTelegramSender(cfg config.TelegramConfig) *TelegramSender {
	perSecond := cfg.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = 25
	}
	perChat := cfg.PerChatInterval
	if perChat <= 0 {
		perChat = time.Second
	}

	return &TelegramSender{
		token:        cfg.Token,
		baseURL:      telegramAPIBase,
		client:       &http.Client{Timeout: 30 * time.Second},
		global:       rate.NewLimiter(rate.Limit(perSecond), 1),
		perChat:      make(map[int64]*rate.Limiter),
		perChatEvery: perChat,
		log:          logger.GetLogger().WithComponent("telegram_sender"),
	}
}

func (t *TelegramSender) chatLimiter(chatID int64) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.perChat[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.perChatEvery), 1)
		t.perChat[chatID] = lim
	}
	return lim
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts one message, waiting on both rate limiters first.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	if err := t.global.Wait(ctx); err != nil {
		return err
	}
	if err := t.chatLimiter(msg.ChatID).Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: msg.ChatID, Text: msg.Text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	var decoded sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !decoded.OK {
		return fmt.Errorf("telegram rejected message (status %d): %s", resp.StatusCode, decoded.Description)
	}
	return nil
}
