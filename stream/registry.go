package stream

import (
	"sync"
	"time"

	"klineflow/logger"
	"klineflow/models"
)

// subscription is one live upstream stream and the consumers interested in it.
// Owned exclusively by the Registry; callers hold identifiers, never pointers.
type subscription struct {
	identifier    models.StreamIdentifier
	consumers     map[int64]struct{}
	createdAt     time.Time
	lastMessageAt time.Time
	messageCount  int64
}

// Registry is the single source of truth for who wants what. It deduplicates
// upstream subscriptions: the caller issues SUBSCRIBE only on a 0→1 consumer
// transition and UNSUBSCRIBE only on 1→0. All mutations run under one mutex.
type Registry struct {
	mu        sync.Mutex
	subs      map[string]*subscription
	consumers map[int64]map[string]struct{}
	log       *logger.Entry
}

func NewRegistry() *Registry {
	return &Registry{
		subs:      make(map[string]*subscription),
		consumers: make(map[int64]map[string]struct{}),
		log:       logger.GetLogger().WithComponent("stream_registry"),
	}
}

// AddConsumer registers interest of consumerID in the stream. It returns true
// when the subscription was newly created and the caller must issue an
// upstream SUBSCRIBE. Adding the same consumer twice is a no-op.
func (r *Registry) AddConsumer(consumerID int64, id models.StreamIdentifier) bool {
	key := id.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	created := false
	if !ok {
		sub = &subscription{
			identifier: id,
			consumers:  make(map[int64]struct{}),
			createdAt:  time.Now(),
		}
		r.subs[key] = sub
		created = true
	}
	sub.consumers[consumerID] = struct{}{}

	idx, ok := r.consumers[consumerID]
	if !ok {
		idx = make(map[string]struct{})
		r.consumers[consumerID] = idx
	}
	idx[key] = struct{}{}

	r.verifyPairLocked(consumerID, key)
	return created
}

// RemoveConsumer drops consumerID's interest in the stream. It returns true
// when the consumer set became empty and the subscription was destroyed, in
// which case the caller must issue an upstream UNSUBSCRIBE. Removing a
// non-member is a no-op returning false.
func (r *Registry) RemoveConsumer(consumerID int64, id models.StreamIdentifier) bool {
	key := id.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeConsumerLocked(consumerID, key)
}

func (r *Registry) removeConsumerLocked(consumerID int64, key string) bool {
	sub, ok := r.subs[key]
	if !ok {
		return false
	}
	if _, member := sub.consumers[consumerID]; !member {
		return false
	}
	delete(sub.consumers, consumerID)

	if idx, ok := r.consumers[consumerID]; ok {
		delete(idx, key)
		if len(idx) == 0 {
			delete(r.consumers, consumerID)
		}
	}

	if len(sub.consumers) == 0 {
		delete(r.subs, key)
		return true
	}
	return false
}

// RemoveConsumerFromAll drops the consumer from every stream it holds and
// returns the identifiers whose subscriptions became empty, for one batched
// upstream UNSUBSCRIBE.
func (r *Registry) RemoveConsumerFromAll(consumerID int64) []models.StreamIdentifier {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.consumers[consumerID]
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(idx))
	for key := range idx {
		keys = append(keys, key)
	}

	var emptied []models.StreamIdentifier
	for _, key := range keys {
		sub := r.subs[key]
		if sub == nil {
			continue
		}
		id := sub.identifier
		if r.removeConsumerLocked(consumerID, key) {
			emptied = append(emptied, id)
		}
	}
	return emptied
}

// RecordMessage bumps the stream's counter and last-seen timestamp. A miss is
// logged at debug level: a frame can legitimately arrive for a stream that was
// just unsubscribed, during the race with the upstream ack.
func (r *Registry) RecordMessage(key string) {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if ok {
		sub.messageCount++
		sub.lastMessageAt = time.Now()
	}
	r.mu.Unlock()

	if !ok {
		r.log.WithField("stream", key).Debug("message for untracked stream")
	}
}

// Snapshot returns all currently-alive identifiers, used by the supervisor to
// resubscribe after a reconnect.
func (r *Registry) Snapshot() []models.StreamIdentifier {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.StreamIdentifier, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub.identifier)
	}
	return out
}

// Stale returns the identifiers of streams with no message since the
// threshold. Streams that never received a message age from their creation
// time.
func (r *Registry) Stale(threshold time.Duration) []models.StreamIdentifier {
	cutoff := time.Now().Add(-threshold)

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.StreamIdentifier
	for _, sub := range r.subs {
		last := sub.lastMessageAt
		if last.IsZero() {
			last = sub.createdAt
		}
		if last.Before(cutoff) {
			out = append(out, sub.identifier)
		}
	}
	return out
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// TotalMessages sums the message counters across all live streams.
func (r *Registry) TotalMessages() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, sub := range r.subs {
		total += sub.messageCount
	}
	return total
}

// ConsumersBySymbol returns the number of distinct consumers per symbol.
func (r *Registry) ConsumersBySymbol() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	perSymbol := make(map[string]map[int64]struct{})
	for _, sub := range r.subs {
		set, ok := perSymbol[sub.identifier.Symbol]
		if !ok {
			set = make(map[int64]struct{})
			perSymbol[sub.identifier.Symbol] = set
		}
		for c := range sub.consumers {
			set[c] = struct{}{}
		}
	}

	out := make(map[string]int, len(perSymbol))
	for sym, set := range perSymbol {
		out[sym] = len(set)
	}
	return out
}

// Clear drops every subscription and index entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]*subscription)
	r.consumers = make(map[int64]map[string]struct{})
}

// verifyPairLocked asserts the index agreement for one (consumer, stream)
// pair after a mutation. Disagreement triggers a full index rebuild instead
// of a crash.
func (r *Registry) verifyPairLocked(consumerID int64, key string) {
	inSub := false
	if sub, ok := r.subs[key]; ok {
		_, inSub = sub.consumers[consumerID]
	}
	inIdx := false
	if idx, ok := r.consumers[consumerID]; ok {
		_, inIdx = idx[key]
	}
	if inSub != inIdx {
		r.log.WithFields(logger.Fields{
			"consumer": consumerID,
			"stream":   key,
		}).Error("registry index disagreement; rebuilding index")
		r.rebuildIndexLocked()
	}
}

// CheckIntegrity runs the full agreement check between the subscription map
// and the consumer index, rebuilding the index when they diverge. Returns
// true when the structures agreed.
func (r *Registry) CheckIntegrity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, sub := range r.subs {
		for c := range sub.consumers {
			idx, ok := r.consumers[c]
			if !ok {
				r.rebuildIndexLocked()
				return false
			}
			if _, ok := idx[key]; !ok {
				r.rebuildIndexLocked()
				return false
			}
		}
	}
	for c, idx := range r.consumers {
		for key := range idx {
			sub, ok := r.subs[key]
			if !ok {
				r.rebuildIndexLocked()
				return false
			}
			if _, ok := sub.consumers[c]; !ok {
				r.rebuildIndexLocked()
				return false
			}
		}
	}
	return true
}

func (r *Registry) rebuildIndexLocked() {
	rebuilt := make(map[int64]map[string]struct{})
	for key, sub := range r.subs {
		for c := range sub.consumers {
			idx, ok := rebuilt[c]
			if !ok {
				idx = make(map[string]struct{})
				rebuilt[c] = idx
			}
			idx[key] = struct{}{}
		}
	}
	r.consumers = rebuilt
}
