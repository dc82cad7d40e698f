package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"klineflow/config"
	"klineflow/logger"
	"klineflow/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a session's transport connection. Mutated
// only by the session itself; read by the supervisor and manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultPingTimeout  = 10 * time.Second
	writeTimeout        = 5 * time.Second
	throttleRetryAfter  = 2 * time.Second
)

// Session owns exactly one live websocket connection to the combined-stream
// endpoint and translates transport events into typed sink callbacks. It
// never reconnects on its own; that is the supervisor's job.
type Session struct {
	url          string
	dialTimeout  time.Duration
	pingInterval time.Duration
	pingTimeout  time.Duration

	sink    EventSink
	limiter *rate.Limiter

	mu          sync.RWMutex
	conn        *websocket.Conn
	state       State
	requested   bool
	connectedAt time.Time
	connID      string
	pingCancel  context.CancelFunc

	writeMu sync.Mutex

	log *logger.Entry
}

// NewSession builds a session from the feed configuration. The sink receives
// every inbound frame and lifecycle event.
func NewSession(cfg config.BinanceConfig, sink EventSink) *Session {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	return &Session{
		url:          cfg.WsURL,
		dialTimeout:  dialTimeout,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		sink:         sink,
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
		state:        StateDisconnected,
		log:          logger.GetLogger().WithComponent("stream_session"),
	}
}

// Connect opens the transport with the configured handshake timeout. It never
// retries internally.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: s.dialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, s.url, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return &ConnectionError{Op: "dial", Err: err}
	}

	deadline := s.pingInterval + s.pingTimeout
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.requested = false
	s.connectedAt = time.Now()
	s.connID = uuid.NewString()
	s.pingCancel = pingCancel
	s.mu.Unlock()

	go s.pingLoop(pingCtx, conn)

	s.log.WithFields(logger.Fields{
		"url":           s.url,
		"connection_id": s.connID,
	}).Info("websocket connected")
	return nil
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.pingTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.log.WithError(err).Warn("failed to send websocket ping")
				// Force the read loop down its normal closure path.
				conn.Close()
				return
			}
		}
	}
}

// Listen reads frames until the transport closes, delivering each one to the
// sink in arrival order. When the loop ends it finalizes the connection state
// and fires OnClosed.
func (s *Session) Listen(ctx context.Context) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		if ctx.Err() != nil {
			break
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.WithError(err).WithField("connection_id", s.ConnID()).Warn("websocket read loop ended")
			}
			break
		}
		logger.IncrementFrameRead(len(msg))
		s.dispatch(msg)
	}

	s.finishClose()
}

func (s *Session) dispatch(msg []byte) {
	var frame models.StreamFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		s.sink.OnError(&MalformedFrameError{Reason: "invalid json", Err: err})
		return
	}
	if frame.Stream != "" {
		s.sink.OnMessage(&frame)
		return
	}

	var ef models.ErrorFrame
	if err := json.Unmarshal(msg, &ef); err == nil && ef.Error != nil {
		if isThrottleCode(ef.Error.Code) {
			s.sink.OnError(&RateLimitError{Code: ef.Error.Code, Msg: ef.Error.Msg, RetryAfter: throttleRetryAfter})
		} else {
			s.sink.OnError(&UpstreamError{Code: ef.Error.Code, Msg: ef.Error.Msg})
		}
		return
	}

	var ack models.ControlAck
	if err := json.Unmarshal(msg, &ack); err == nil && ack.ID != 0 {
		if len(ack.Result) > 0 && string(ack.Result) != "null" {
			s.log.WithFields(logger.Fields{"id": ack.ID, "result": string(ack.Result)}).Warn("control command rejected")
		} else {
			s.log.WithField("id", ack.ID).Debug("control command acknowledged")
		}
		return
	}

	s.sink.OnError(&MalformedFrameError{Reason: "unrecognized frame", Err: fmt.Errorf("no stream or control fields")})
}

func isThrottleCode(code int) bool {
	return code == 418 || code == 429 || code == -1003
}

func (s *Session) finishClose() {
	s.mu.Lock()
	requested := s.requested
	if s.pingCancel != nil {
		s.pingCancel()
		s.pingCancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if requested {
		s.state = StateClosed
	} else {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	s.sink.OnClosed(requested)
}

// Send serializes a control command onto the wire, throttled by the rate
// limiter. Fails when the session holds no live connection.
func (s *Session) Send(ctx context.Context, cmd models.ControlCommand) error {
	s.mu.RLock()
	conn := s.conn
	state := s.state
	s.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return &ConnectionError{Op: "send", Err: ErrNotConnected}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(cmd); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// Disconnect requests closure. Safe to call from any state; the supervisor
// will not reconnect after a requested close. The session takes ownership of
// the connection here so that a later Connect dials fresh even when no Listen
// loop was running to observe the closure.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.requested = true
	conn := s.conn
	s.conn = nil
	pingCancel := s.pingCancel
	s.pingCancel = nil
	s.state = StateClosed
	s.mu.Unlock()

	if pingCancel != nil {
		pingCancel()
	}
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) markReconnecting() {
	s.setState(StateReconnecting)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ConnID returns the identifier of the current connection.
func (s *Session) ConnID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connID
}

// Uptime returns how long the current connection has been up, zero when not
// connected.
func (s *Session) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected || s.connectedAt.IsZero() {
		return 0
	}
	return time.Since(s.connectedAt)
}
