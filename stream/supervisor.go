package stream

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"klineflow/config"
	"klineflow/logger"
	"klineflow/models"
)

var commandSeq int64

// nextCommandID returns a process-unique id for control commands.
func nextCommandID() int64 {
	return atomic.AddInt64(&commandSeq, 1)
}

// commandSender issues control commands upstream.
type commandSender interface {
	Send(ctx context.Context, cmd models.ControlCommand) error
}

// sessionControl is the supervisor's view of a session.
type sessionControl interface {
	commandSender
	Connect(ctx context.Context) error
	Listen(ctx context.Context)
	Disconnect()
	State() State
	markReconnecting()
}

// Supervisor keeps a session alive across transient failures. It sits between
// the session and the manager's sink: messages and errors pass through,
// unrequested closures trigger the backoff reconnect loop.
type Supervisor struct {
	session  sessionControl
	policy   config.ReconnectConfig
	registry *Registry
	inner    EventSink
	// onExhausted fires once the attempt ceiling is hit.
	onExhausted func(error)

	mu      sync.Mutex
	ctx     context.Context
	running bool

	wg  sync.WaitGroup
	log *logger.Entry
}

// NewSupervisor wires the reconnect policy around the inner sink. Attach the
// session before Start.
func NewSupervisor(policy config.ReconnectConfig, registry *Registry, inner EventSink, onExhausted func(error)) *Supervisor {
	return &Supervisor{
		policy:      policy,
		registry:    registry,
		inner:       inner,
		onExhausted: onExhausted,
		log:         logger.GetLogger().WithComponent("stream_supervisor"),
	}
}

// Attach binds the supervised session.
func (sv *Supervisor) Attach(session sessionControl) {
	sv.session = session
}

// Start performs the first connect and launches the listen loop. The first
// connect failing is fatal to the caller; retries only cover later drops.
func (sv *Supervisor) Start(ctx context.Context) error {
	sv.mu.Lock()
	sv.ctx = ctx
	sv.running = true
	sv.mu.Unlock()

	if err := sv.session.Connect(ctx); err != nil {
		return err
	}
	sv.startListen()
	return nil
}

// Stop requests closure and waits for the listen and reconnect loops to end.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	sv.running = false
	sv.mu.Unlock()

	sv.session.Disconnect()
	sv.wg.Wait()
}

func (sv *Supervisor) startListen() {
	sv.mu.Lock()
	ctx := sv.ctx
	sv.mu.Unlock()

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		sv.session.Listen(ctx)
	}()
}

// OnMessage passes frames through to the manager.
func (sv *Supervisor) OnMessage(frame *models.StreamFrame) {
	sv.inner.OnMessage(frame)
}

// OnError passes session errors through to the manager.
func (sv *Supervisor) OnError(err error) {
	sv.inner.OnError(err)
}

// OnClosed forwards the closure and, when it was not requested, kicks off the
// reconnect loop.
func (sv *Supervisor) OnClosed(requested bool) {
	sv.inner.OnClosed(requested)

	sv.mu.Lock()
	running := sv.running
	ctx := sv.ctx
	sv.mu.Unlock()

	if requested || !running || ctx == nil || ctx.Err() != nil {
		return
	}

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		sv.reconnectLoop(ctx)
	}()
}

func (sv *Supervisor) reconnectLoop(ctx context.Context) {
	sv.session.markReconnecting()

	for attempt := 0; attempt < sv.policy.MaxAttempts; attempt++ {
		delay := backoffDelay(sv.policy, attempt)
		sv.log.WithFields(logger.Fields{
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warn("connection lost; scheduling reconnect")

		if !sv.wait(ctx, delay) {
			return
		}

		if err := sv.session.Connect(ctx); err != nil {
			sv.log.WithError(err).WithField("attempt", attempt+1).Warn("reconnect attempt failed")
			continue
		}

		if err := sv.resubscribe(ctx); err != nil {
			sv.log.WithError(err).WithField("attempt", attempt+1).Warn("resubscribe after reconnect failed")
			sv.session.Disconnect()
			continue
		}

		sv.startListen()
		sv.log.WithField("attempts_used", attempt+1).Info("reconnected and resubscribed")
		return
	}

	sv.log.WithField("max_attempts", sv.policy.MaxAttempts).Error("reconnect attempts exhausted")
	if sv.onExhausted != nil {
		sv.onExhausted(ErrReconnectExhausted)
	}
}

// resubscribe replays the registry's live snapshot as one batched SUBSCRIBE.
func (sv *Supervisor) resubscribe(ctx context.Context) error {
	snapshot := sv.registry.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	params := make([]string, len(snapshot))
	for i, id := range snapshot {
		params[i] = id.String()
	}
	cmd := models.ControlCommand{Method: models.MethodSubscribe, Params: params, ID: nextCommandID()}
	return sv.session.Send(ctx, cmd)
}

// wait sleeps for delay, interruptibly. Returns false when the context was
// cancelled.
func (sv *Supervisor) wait(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay computes min(initial * multiplier^attempt, max).
func backoffDelay(p config.ReconnectConfig, attempt int) time.Duration {
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
