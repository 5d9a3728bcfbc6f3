package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hearthside-ai/hearthside/internal/controller"
	"github.com/hearthside-ai/hearthside/pkg/s2s"
	"github.com/hearthside-ai/hearthside/pkg/s2s/mock"
)

// flakyProvider fails the first failures Connect calls, then hands out mock
// sessions.
type flakyProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (p *flakyProvider) Connect(ctx context.Context, cfg s2s.Config) (s2s.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("dial refused")
	}
	return &mock.Session{EventsCh: make(chan s2s.Event, 1), CloseEvents: true}, nil
}

func (p *flakyProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newReconnectManager(p s2s.Provider) *Manager {
	return NewManager(Config{
		Provider: p,
		Factories: Factories{
			NewSource: func() (controller.FrameSource, error) { return newStubSource(), nil },
			NewPlayer: func() (Player, error) { return newStubPlayer(), nil },
		},
	})
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestReconnector_ReestablishesSession(t *testing.T) {
	t.Parallel()

	provider := &flakyProvider{failures: 2}
	m := newReconnectManager(provider)

	var mu sync.Mutex
	reconnects := 0

	r := NewReconnector(ReconnectorConfig{
		Manager:    m,
		Backoff:    5 * time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
		OnReconnect: func() {
			mu.Lock()
			reconnects++
			mu.Unlock()
		},
	})
	defer r.Stop()
	defer m.Disconnect()

	r.Monitor(context.Background())
	r.NotifyDisconnect()

	if !waitUntil(t, 2*time.Second, m.IsConnected) {
		t.Fatal("session was not re-established")
	}
	if got := provider.callCount(); got != 3 {
		t.Errorf("provider dialled %d times, want 3", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if reconnects != 1 {
		t.Errorf("OnReconnect fired %d times, want 1", reconnects)
	}
}

func TestReconnector_SkipsWhenAlreadyConnected(t *testing.T) {
	t.Parallel()

	provider := &flakyProvider{}
	m := newReconnectManager(provider)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	r := NewReconnector(ReconnectorConfig{Manager: m, Backoff: time.Millisecond})
	defer r.Stop()

	r.Monitor(context.Background())
	r.NotifyDisconnect()

	// The live session must be left alone.
	time.Sleep(50 * time.Millisecond)
	if got := provider.callCount(); got != 1 {
		t.Errorf("provider dialled %d times, want 1", got)
	}
	if !m.IsConnected() {
		t.Error("session dropped by a spurious reconnect")
	}
}

func TestReconnector_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	provider := &flakyProvider{failures: 100}
	m := newReconnectManager(provider)

	r := NewReconnector(ReconnectorConfig{
		Manager:    m,
		MaxRetries: 2,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	})
	defer r.Stop()

	r.Monitor(context.Background())
	r.NotifyDisconnect()

	if !waitUntil(t, 2*time.Second, func() bool { return provider.callCount() >= 2 }) {
		t.Fatal("reconnector never attempted")
	}
	time.Sleep(50 * time.Millisecond)
	if got := provider.callCount(); got != 2 {
		t.Errorf("provider dialled %d times, want exactly 2", got)
	}
	if m.IsConnected() {
		t.Error("manager reports connected after permanent failure")
	}
}

func TestReconnector_StopHaltsMonitor(t *testing.T) {
	t.Parallel()

	provider := &flakyProvider{failures: 100}
	m := newReconnectManager(provider)

	r := NewReconnector(ReconnectorConfig{Manager: m, Backoff: time.Millisecond})
	r.Monitor(context.Background())
	r.Stop()
	r.Stop() // idempotent

	r.NotifyDisconnect()
	time.Sleep(30 * time.Millisecond)
	if got := provider.callCount(); got != 0 {
		t.Errorf("provider dialled %d times after Stop, want 0", got)
	}
}

func TestReconnector_ContextCancelHaltsRetries(t *testing.T) {
	t.Parallel()

	provider := &flakyProvider{failures: 100}
	m := newReconnectManager(provider)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewReconnector(ReconnectorConfig{
		Manager:    m,
		MaxRetries: 1000,
		Backoff:    time.Millisecond,
		MaxBackoff: time.Millisecond,
	})
	defer r.Stop()

	r.Monitor(ctx)
	r.NotifyDisconnect()

	if !waitUntil(t, 2*time.Second, func() bool { return provider.callCount() >= 1 }) {
		t.Fatal("reconnector never attempted")
	}
	cancel()

	settled := provider.callCount()
	time.Sleep(50 * time.Millisecond)
	// A retry already in flight when cancel lands may still complete.
	if got := provider.callCount(); got > settled+1 {
		t.Errorf("provider dialled %d more times after cancel", got-settled)
	}
}
