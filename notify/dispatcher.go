package notify

import (
	"context"
	"fmt"

	"klineflow/logger"
	"klineflow/signal"
)

// SubscriberSource resolves which chats want alerts for a pair.
type SubscriberSource interface {
	SubscribersFor(ctx context.Context, symbol, timeframe string) ([]int64, error)
}

// Dispatcher fans one detected signal out to every subscribed chat through
// the queue. Implements the signal pipeline's notifier.
type Dispatcher struct {
	queue *Queue
	subs  SubscriberSource
	log   *logger.Entry
}

func NewDispatcher(queue *Queue, subs SubscriberSource) *Dispatcher {
	return &Dispatcher{
		queue: queue,
		subs:  subs,
		log:   logger.GetLogger().WithComponent("notify_dispatcher"),
	}
}

// Notify resolves subscribers and enqueues one message per chat.
func (d *Dispatcher) Notify(ctx context.Context, sig signal.Signal) {
	chats, err := d.subs.SubscribersFor(ctx, sig.Symbol, sig.Timeframe)
	if err != nil {
		d.log.WithError(err).WithFields(logger.Fields{
			"symbol":    sig.Symbol,
			"timeframe": sig.Timeframe,
		}).Warn("subscriber lookup failed")
		return
	}
	if len(chats) == 0 {
		return
	}

	text := FormatAlert(sig)
	for _, chat := range chats {
		d.queue.Enqueue(Message{ChatID: chat, Text: text})
	}
}

// FormatAlert renders the plain-text alert for a signal.
func FormatAlert(sig signal.Signal) string {
	switch sig.Type {
	case signal.TypeEMACrossUp:
		return fmt.Sprintf("%s %s: EMA cross up at %.4f", sig.Symbol, sig.Timeframe, sig.Price)
	case signal.TypeEMACrossDown:
		return fmt.Sprintf("%s %s: EMA cross down at %.4f", sig.Symbol, sig.Timeframe, sig.Price)
	default:
		return fmt.Sprintf("%s %s: RSI %.2f (%s) at %.4f", sig.Symbol, sig.Timeframe, sig.Value, sig.Type, sig.Price)
	}
}
