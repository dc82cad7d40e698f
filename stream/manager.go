package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"klineflow/config"
	"klineflow/logger"
	"klineflow/models"
)

// ManagerState is the lifecycle state of the whole stream subsystem.
type ManagerState string

const (
	ManagerStopped  ManagerState = "stopped"
	ManagerStarting ManagerState = "starting"
	ManagerRunning  ManagerState = "running"
	ManagerStopping ManagerState = "stopping"
	// ManagerDegraded is entered when the supervisor exhausts its reconnect
	// attempts. Subscribe calls fail fast until a stop/start cycle.
	ManagerDegraded ManagerState = "degraded"
)

// supportedTimeframes are the kline intervals the upstream feed accepts.
var supportedTimeframes = []string{
	"1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h",
	"12h", "1d", "3d", "1w", "1M",
}

// KlineHandler consumes validated candles. Implemented by the indicator and
// signal pipeline.
type KlineHandler interface {
	HandleKline(ctx context.Context, candle models.Candle)
}

// Stats is a read-only view over the subsystem, computed without mutation.
type Stats struct {
	State             ManagerState
	ConnectionState   State
	Subscriptions     int
	TotalMessages     int64
	MalformedFrames   int64
	ConsumersBySymbol map[string]int
	Uptime            time.Duration
}

// Manager is the public façade of the stream subsystem. It owns one
// session/supervisor pair and one registry, translates consumer intent into
// registry mutations plus batched upstream control commands, and routes
// inbound frames to the per-kind handlers.
type Manager struct {
	cfg      config.BinanceConfig
	registry *Registry
	session  *Session
	sup      *Supervisor
	upstream commandSender
	klines   KlineHandler

	timeframes map[string]struct{}

	mu        sync.RWMutex
	state     ManagerState
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	malformed int64

	retryMu sync.Mutex
	lastCmd *models.ControlCommand

	wg  sync.WaitGroup
	log *logger.Entry
}

// NewManager wires the registry, supervisor and session together. The kline
// handler may be nil when no downstream pipeline is attached.
func NewManager(cfg config.BinanceConfig, klines KlineHandler) *Manager {
	tfs := cfg.Timeframes
	if len(tfs) == 0 {
		tfs = supportedTimeframes
	}
	tfSet := make(map[string]struct{}, len(tfs))
	for _, tf := range tfs {
		tfSet[tf] = struct{}{}
	}

	m := &Manager{
		cfg:        cfg,
		registry:   NewRegistry(),
		klines:     klines,
		timeframes: tfSet,
		state:      ManagerStopped,
		log:        logger.GetLogger().WithComponent("stream_manager"),
	}
	m.sup = NewSupervisor(cfg.Reconnect, m.registry, m, m.onExhausted)
	m.session = NewSession(cfg, m.sup)
	m.sup.Attach(m.session)
	m.upstream = m.session
	return m
}

// Start connects upstream and launches the janitor tasks. A first connection
// failure is fatal and propagated. Restarting from degraded reaps the previous
// run's goroutines before relaunching.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != ManagerStopped && m.state != ManagerDegraded {
		m.mu.Unlock()
		return fmt.Errorf("stream manager already running (state %s)", m.state)
	}
	m.state = ManagerStarting
	prevCancel := m.cancel
	m.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		m.sup.Stop()
		m.wg.Wait()
	}

	m.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	m.ctx = runCtx
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.sup.Start(runCtx); err != nil {
		cancel()
		m.setState(ManagerStopped)
		return fmt.Errorf("initial connect failed: %w", err)
	}

	m.mu.Lock()
	m.state = ManagerRunning
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.wg.Add(2)
	go m.staleSweepLoop(runCtx)
	go m.statsLoop(runCtx)

	m.log.WithField("url", m.cfg.WsURL).Info("stream manager started")
	return nil
}

// Stop tears the subsystem down. Safe to call even when Start partially
// failed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == ManagerStopped {
		m.mu.Unlock()
		return
	}
	m.state = ManagerStopping
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.sup.Stop()
	m.wg.Wait()
	m.registry.Clear()
	m.setState(ManagerStopped)
	m.log.Info("stream manager stopped")
}

// SubscribeConsumerToPair subscribes the consumer to one kline stream per
// timeframe. Invalid timeframes fail their own entry without aborting the
// batch; newly created streams are sent upstream as one batched SUBSCRIBE,
// rolled back on send failure. In degraded state every entry fails fast.
func (m *Manager) SubscribeConsumerToPair(ctx context.Context, consumerID int64, symbol string, timeframes []string) map[string]bool {
	result := make(map[string]bool, len(timeframes))

	if m.State() != ManagerRunning {
		for _, tf := range timeframes {
			result[tf] = false
		}
		return result
	}

	var created []models.StreamIdentifier
	createdByTF := make(map[string]models.StreamIdentifier)
	for _, tf := range timeframes {
		if _, ok := m.timeframes[tf]; !ok {
			m.log.WithFields(logger.Fields{"symbol": symbol, "timeframe": tf}).Warn("unsupported timeframe")
			result[tf] = false
			continue
		}
		id := models.KlineStream(symbol, tf)
		if m.registry.AddConsumer(consumerID, id) {
			created = append(created, id)
			createdByTF[tf] = id
		}
		result[tf] = true
	}

	if len(created) > 0 {
		if err := m.sendCommand(ctx, models.MethodSubscribe, created); err != nil {
			m.log.WithError(err).WithField("symbol", symbol).Warn("upstream subscribe failed; rolling back")
			for tf, id := range createdByTF {
				m.registry.RemoveConsumer(consumerID, id)
				result[tf] = false
			}
		}
	}
	return result
}

// UnsubscribeConsumerFromPair removes the consumer from the given kline
// streams, batching one upstream UNSUBSCRIBE for the streams that became
// empty.
func (m *Manager) UnsubscribeConsumerFromPair(ctx context.Context, consumerID int64, symbol string, timeframes []string) map[string]bool {
	result := make(map[string]bool, len(timeframes))

	var emptied []models.StreamIdentifier
	for _, tf := range timeframes {
		if _, ok := m.timeframes[tf]; !ok {
			result[tf] = false
			continue
		}
		id := models.KlineStream(symbol, tf)
		if m.registry.RemoveConsumer(consumerID, id) {
			emptied = append(emptied, id)
		}
		result[tf] = true
	}

	if len(emptied) > 0 {
		if err := m.sendCommand(ctx, models.MethodUnsubscribe, emptied); err != nil {
			// The registry is already clean; the streams simply will not be
			// replayed on the next reconnect.
			m.log.WithError(err).WithField("symbol", symbol).Warn("upstream unsubscribe failed")
		}
	}
	return result
}

// UnsubscribeConsumerFromEverything drops the consumer from every stream it
// holds with a single batched upstream UNSUBSCRIBE.
func (m *Manager) UnsubscribeConsumerFromEverything(ctx context.Context, consumerID int64) error {
	emptied := m.registry.RemoveConsumerFromAll(consumerID)
	if len(emptied) == 0 {
		return nil
	}
	return m.sendCommand(ctx, models.MethodUnsubscribe, emptied)
}

func (m *Manager) sendCommand(ctx context.Context, method string, ids []models.StreamIdentifier) error {
	params := make([]string, len(ids))
	for i, id := range ids {
		params[i] = id.String()
	}
	cmd := models.ControlCommand{Method: method, Params: params, ID: nextCommandID()}

	if err := m.upstream.Send(ctx, cmd); err != nil {
		return err
	}

	m.retryMu.Lock()
	m.lastCmd = &cmd
	m.retryMu.Unlock()
	return nil
}

// OnMessage implements EventSink: resolve the stream, bump its counters and
// dispatch by kind.
func (m *Manager) OnMessage(frame *models.StreamFrame) {
	id, err := models.ParseStreamName(frame.Stream)
	if err != nil {
		m.dropFrame("unknown stream", err)
		return
	}

	m.registry.RecordMessage(frame.Stream)

	switch id.Kind {
	case models.StreamKindKline:
		m.handleKlineFrame(frame)
	case models.StreamKindTicker:
		m.handleTickerFrame(frame)
	case models.StreamKindDepth:
		m.handleDepthFrame(frame)
	}
}

func (m *Manager) handleKlineFrame(frame *models.StreamFrame) {
	var ev models.KlineEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		m.dropFrame("kline decode", err)
		return
	}

	candle, err := models.CandleFromKline(ev.Kline)
	if err != nil {
		m.dropFrame("kline validation", err)
		return
	}

	if m.klines != nil {
		m.klines.HandleKline(m.runCtx(), candle)
	}
}

func (m *Manager) handleTickerFrame(frame *models.StreamFrame) {
	var ev models.TickerEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		m.dropFrame("ticker decode", err)
		return
	}
	logger.RecordChannelMessage("ticker", len(frame.Data))
}

func (m *Manager) handleDepthFrame(frame *models.StreamFrame) {
	var ev models.DepthEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		m.dropFrame("depth decode", err)
		return
	}
	logger.RecordChannelMessage("depth", len(frame.Data))
}

// OnError implements EventSink.
func (m *Manager) OnError(err error) {
	var mf *MalformedFrameError
	if errors.As(err, &mf) {
		m.dropFrame(mf.Reason, mf.Err)
		return
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		m.retryThrottled(rl)
		return
	}

	m.log.WithError(err).Warn("stream error")
}

// OnClosed implements EventSink. Reconnection is the supervisor's concern.
func (m *Manager) OnClosed(requested bool) {
	m.log.WithField("requested", requested).Info("connection closed")
}

func (m *Manager) dropFrame(reason string, err error) {
	atomic.AddInt64(&m.malformed, 1)
	m.log.WithError(err).WithField("reason", reason).Warn("dropped malformed frame")
}

// retryThrottled waits the server-indicated interval and replays the last
// control command once. It never tears down the connection.
func (m *Manager) retryThrottled(rl *RateLimitError) {
	m.retryMu.Lock()
	cmd := m.lastCmd
	m.lastCmd = nil
	m.retryMu.Unlock()

	if cmd == nil {
		m.log.WithField("code", rl.Code).Warn("throttled with no pending command")
		return
	}

	m.log.WithFields(logger.Fields{
		"code":        rl.Code,
		"retry_after": rl.RetryAfter.String(),
	}).Warn("throttled by upstream; retrying command once")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx := m.runCtx()
		timer := time.NewTimer(rl.RetryAfter)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := m.upstream.Send(ctx, *cmd); err != nil {
			m.log.WithError(err).Warn("throttled command retry failed")
		}
	}()
}

func (m *Manager) onExhausted(err error) {
	m.setState(ManagerDegraded)
	m.log.WithError(err).Error("stream subsystem degraded")
}

func (m *Manager) staleSweepLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.Janitor.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	threshold := m.cfg.Janitor.StaleThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range m.registry.Stale(threshold) {
				m.log.WithField("stream", id.String()).Warn("no recent data on stream")
			}
			m.registry.CheckIntegrity()
		}
	}
}

func (m *Manager) statsLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.Janitor.StatsInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := m.Stats()
			m.log.WithFields(logger.Fields{
				"state":            string(st.State),
				"connection_state": string(st.ConnectionState),
				"subscriptions":    st.Subscriptions,
				"total_messages":   st.TotalMessages,
				"malformed_frames": st.MalformedFrames,
				"uptime":           st.Uptime.String(),
			}).Info("stream statistics")
			m.log.LogMetric("stream_manager", "active_subscriptions", st.Subscriptions, "gauge", nil)
			m.log.LogMetric("stream_manager", "total_messages", st.TotalMessages, "counter", nil)
		}
	}
}

// Stats computes the read-only subsystem view.
func (m *Manager) Stats() Stats {
	st := Stats{
		State:             m.State(),
		ConnectionState:   StateDisconnected,
		Subscriptions:     m.registry.Count(),
		TotalMessages:     m.registry.TotalMessages(),
		MalformedFrames:   atomic.LoadInt64(&m.malformed),
		ConsumersBySymbol: m.registry.ConsumersBySymbol(),
	}
	if m.session != nil {
		st.ConnectionState = m.session.State()
		st.Uptime = m.session.Uptime()
	}
	return st
}

// State returns the manager lifecycle state.
func (m *Manager) State() ManagerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(state ManagerState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Registry exposes the subscription registry to collaborators that only read
// from it.
func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) runCtx() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}
