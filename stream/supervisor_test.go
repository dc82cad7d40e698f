package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"klineflow/config"
	"klineflow/models"
)

type fakeSession struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	sent        []models.ControlCommand
	state       State
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	var err error
	if len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	}
	if err == nil {
		f.state = StateConnected
	} else {
		f.state = StateDisconnected
	}
	return err
}

func (f *fakeSession) Listen(ctx context.Context) {}

func (f *fakeSession) Send(ctx context.Context, cmd models.ControlCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateClosed
}

func (f *fakeSession) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) markReconnecting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateReconnecting
}

func (f *fakeSession) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeSession) sentCommands() []models.ControlCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ControlCommand, len(f.sent))
	copy(out, f.sent)
	return out
}

type nopSink struct{}

func (nopSink) OnMessage(*models.StreamFrame) {}
func (nopSink) OnError(error)                 {}
func (nopSink) OnClosed(bool)                 {}

func fastPolicy(maxAttempts int) config.ReconnectConfig {
	return config.ReconnectConfig{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func TestBackoffDelays(t *testing.T) {
	policy := config.ReconnectConfig{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2.0,
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}
	for attempt, expected := range want {
		if got := backoffDelay(policy, attempt); got != expected {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, got, expected)
		}
	}

	if got := backoffDelay(policy, 10); got != 300*time.Second {
		t.Errorf("delay should cap at max, got %v", got)
	}
}

func TestReconnectStorm(t *testing.T) {
	// Three consecutive transport failures under maxAttempts=5 must yield
	// three failed reconnect attempts and a successful fourth connect.
	registry := NewRegistry()
	registry.AddConsumer(1001, models.KlineStream("BTCUSDT", "1m"))
	registry.AddConsumer(1001, models.KlineStream("BTCUSDT", "5m"))

	dead := errors.New("connection refused")
	session := &fakeSession{connectErrs: []error{nil, dead, dead, dead, nil}}

	exhausted := false
	sv := NewSupervisor(fastPolicy(5), registry, nopSink{}, func(error) { exhausted = true })
	sv.Attach(session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sv.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sv.OnClosed(false)

	if !waitUntil(t, time.Second, func() bool { return session.connectCount() == 5 }) {
		t.Fatalf("expected 5 total connects (1 initial + 4 reconnect attempts), got %d", session.connectCount())
	}
	if exhausted {
		t.Errorf("supervisor must not report exhaustion after a successful reconnect")
	}

	// The successful reconnect replays the registry snapshot as one batched
	// SUBSCRIBE.
	cmds := session.sentCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 resubscribe command, got %d", len(cmds))
	}
	if cmds[0].Method != models.MethodSubscribe || len(cmds[0].Params) != 2 {
		t.Errorf("unexpected resubscribe command: %+v", cmds[0])
	}
}

func TestReconnectExhaustion(t *testing.T) {
	dead := errors.New("connection refused")
	session := &fakeSession{connectErrs: []error{nil, dead, dead, dead, dead, dead, dead}}

	var mu sync.Mutex
	var got error
	sv := NewSupervisor(fastPolicy(5), NewRegistry(), nopSink{}, func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	})
	sv.Attach(session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sv.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sv.OnClosed(false)

	if !waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}) {
		t.Fatalf("supervisor never reported exhaustion")
	}

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(got, ErrReconnectExhausted) {
		t.Errorf("expected ErrReconnectExhausted, got %v", got)
	}
	// 1 initial connect + exactly maxAttempts retries, never a sixth.
	if session.connectCount() != 6 {
		t.Errorf("expected 6 total connects, got %d", session.connectCount())
	}
}

func TestRequestedCloseSuppressesReconnect(t *testing.T) {
	session := &fakeSession{}
	sv := NewSupervisor(fastPolicy(5), NewRegistry(), nopSink{}, nil)
	sv.Attach(session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sv.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sv.OnClosed(true)
	time.Sleep(20 * time.Millisecond)

	if session.connectCount() != 1 {
		t.Errorf("requested close must not trigger reconnects, got %d connects", session.connectCount())
	}
}

func TestFirstConnectFailureIsFatal(t *testing.T) {
	dead := errors.New("dns failure")
	session := &fakeSession{connectErrs: []error{dead}}
	sv := NewSupervisor(fastPolicy(5), NewRegistry(), nopSink{}, nil)
	sv.Attach(session)

	if err := sv.Start(context.Background()); err == nil {
		t.Fatalf("expected the initial connect failure to propagate")
	}
}

func TestReconnectCancelledMidBackoff(t *testing.T) {
	dead := errors.New("connection refused")
	session := &fakeSession{connectErrs: []error{nil, dead, dead, dead, dead, dead}}
	policy := config.ReconnectConfig{
		MaxAttempts:  5,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}
	sv := NewSupervisor(policy, NewRegistry(), nopSink{}, nil)
	sv.Attach(session)

	ctx, cancel := context.WithCancel(context.Background())
	if err := sv.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sv.OnClosed(false)
	cancel()

	done := make(chan struct{})
	go func() {
		sv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("backoff sleep ignored cancellation")
	}
	if session.connectCount() != 1 {
		t.Errorf("no reconnect attempt should run after cancellation, got %d connects", session.connectCount())
	}
}
