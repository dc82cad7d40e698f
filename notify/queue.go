package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"klineflow/config"
	"klineflow/logger"
)

const (
	defaultQueueSize  = 1000
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
)

// Queue buffers outbound messages and delivers them through the sender,
// retrying failed deliveries with a growing delay. A full queue drops the
// message rather than blocking the signal pipeline.
type Queue struct {
	sender     Sender
	ch         chan Message
	maxRetries int
	retryDelay time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	dropped int64

	log *logger.Entry
}

func NewQueue(cfg config.TelegramConfig, sender Sender) *Queue {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	return &Queue{
		sender:     sender,
		ch:         make(chan Message, size),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		log:        logger.GetLogger().WithComponent("notify_queue"),
	}
}

// Start launches the delivery worker.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("notification queue already running")
	}
	q.running = true
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.wg.Add(1)
	go q.worker()

	q.log.WithFields(logger.Fields{
		"queue_size":  cap(q.ch),
		"max_retries": q.maxRetries,
	}).Info("notification queue started")
	return nil
}

// Stop cancels the worker and waits for it.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	q.log.Info("notification queue stopped")
}

// Enqueue adds a message without blocking; it is dropped when the buffer is
// full.
func (q *Queue) Enqueue(msg Message) {
	select {
	case q.ch <- msg:
	default:
		atomic.AddInt64(&q.dropped, 1)
		q.log.WithField("chat_id", msg.ChatID).Warn("notification queue full, dropping message")
	}
}

// Dropped returns how many messages were discarded on a full queue.
func (q *Queue) Dropped() int64 {
	return atomic.LoadInt64(&q.dropped)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case msg := <-q.ch:
			q.deliver(msg)
		}
	}
}

func (q *Queue) deliver(msg Message) {
	var err error
	for attempt := 1; attempt <= q.maxRetries; attempt++ {
		if err = q.sender.Send(q.ctx, msg); err == nil {
			return
		}
		if q.ctx.Err() != nil {
			return
		}
		q.log.WithError(err).WithFields(logger.Fields{
			"chat_id": msg.ChatID,
			"attempt": attempt,
		}).Warn("notification delivery failed")

		if attempt < q.maxRetries && !q.sleep(q.retryDelay*time.Duration(attempt)) {
			return
		}
	}
	q.log.WithError(err).WithField("chat_id", msg.ChatID).Error("notification abandoned after retries")
}

func (q *Queue) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-q.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
