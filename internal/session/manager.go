// Package session manages the lifecycle of the single live voice session:
// construction of the capture and playback stacks, hand-off to the
// conversation controller, and teardown in reverse order.
//
// Only one session can be active at a time. Connect and Disconnect are both
// idempotent: connecting while a session is live is a no-op, as is
// disconnecting with nothing running, so UI-driven double-taps never stack
// sessions or error out.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthside-ai/hearthside/internal/controller"
	"github.com/hearthside-ai/hearthside/internal/observe"
	"github.com/hearthside-ai/hearthside/pkg/audio"
	"github.com/hearthside-ai/hearthside/pkg/s2s"
)

// Player is the playback stack the manager owns for a session's lifetime.
// Satisfied by *playback.Scheduler.
type Player interface {
	Enqueue(b64 string) error
	Interrupt()
	Meter() *audio.Meter
	Close() error
}

// Factories build the per-session audio stacks. Injected so tests can run
// without real devices.
type Factories struct {
	// NewSource builds the microphone capture pipeline.
	NewSource func() (controller.FrameSource, error)

	// NewPlayer builds the playback scheduler.
	NewPlayer func() (Player, error)
}

// Info holds metadata about the active session.
type Info struct {
	// StartedAt is when the session went live.
	StartedAt time.Time

	// Voice is the prebuilt voice the session was opened with.
	Voice string
}

// Config holds all dependencies for a [Manager].
type Config struct {
	Provider     s2s.Provider
	Factories    Factories
	Conversation controller.Config
	Callbacks    controller.Callbacks
	Logger       *slog.Logger
	Metrics      *observe.Metrics
}

// Manager owns the active voice session. All exported methods are safe for
// concurrent use.
type Manager struct {
	provider s2s.Provider
	fact     Factories
	convCfg  controller.Config
	cb       controller.Callbacks
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu     sync.Mutex
	active bool
	ctrl   *controller.Controller
	source controller.FrameSource
	player Player
	info   Info

	// closers are called in reverse order during Disconnect.
	closers []func() error
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider: cfg.Provider,
		fact:     cfg.Factories,
		convCfg:  cfg.Conversation,
		cb:       cfg.Callbacks,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
}

// Connect brings up a voice session: playback stack, capture stack, then the
// conversation controller. On any failure everything already built is torn
// down again in reverse order. Calling Connect while a session is live (or
// still connecting) returns nil without side effects. If the previous session
// died in place, Connect releases its remains and builds a fresh one.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.active {
		// A nil controller means another Connect is still mid-build.
		live := m.ctrl == nil
		if m.ctrl != nil {
			st := m.ctrl.State()
			live = st == controller.StateConnecting || st == controller.StateConnected
		}
		if live {
			m.mu.Unlock()
			m.logger.Debug("connect ignored, session already active")
			return nil
		}
		m.mu.Unlock()

		// A fatal in-session error tore the controller down in place. A
		// retry rebuilds the stack instead of silently no-opping.
		m.logger.Info("releasing dead session before reconnect")
		if err := m.Disconnect(); err != nil {
			return err
		}
		m.mu.Lock()
		if m.active {
			m.mu.Unlock()
			return nil
		}
	}
	m.active = true
	m.mu.Unlock()

	ok := false
	var closers []func() error
	defer func() {
		if ok {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		m.mu.Lock()
		m.active = false
		m.ctrl = nil
		m.source = nil
		m.player = nil
		m.closers = nil
		m.mu.Unlock()
	}()

	player, err := m.fact.NewPlayer()
	if err != nil {
		return fmt.Errorf("session: build playback: %w", err)
	}
	closers = append(closers, player.Close)

	source, err := m.fact.NewSource()
	if err != nil {
		return fmt.Errorf("session: build capture: %w", err)
	}
	// The controller owns the source's lifetime; no separate closer needed.

	ctrl := controller.New(m.provider, source, player, m.convCfg, m.cb, m.logger, m.metrics)

	m.mu.Lock()
	m.ctrl = ctrl
	m.source = source
	m.player = player
	m.closers = closers
	m.mu.Unlock()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}

	m.mu.Lock()
	m.info = Info{StartedAt: time.Now(), Voice: m.convCfg.Session.Voice}
	m.mu.Unlock()

	ok = true
	return nil
}

// Disconnect ends the active session and releases the audio stacks in
// reverse order of construction. Calling Disconnect with no session is a
// no-op returning nil.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	ctrl := m.ctrl
	closers := m.closers
	m.active = false
	m.ctrl = nil
	m.source = nil
	m.player = nil
	m.closers = nil
	m.info = Info{}
	m.mu.Unlock()

	if ctrl != nil {
		ctrl.Stop()
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			m.logger.Warn("session closer error", "index", i, "error", err)
		}
	}
	m.logger.Info("session disconnected")
	return nil
}

// IsConnected reports whether a session is live.
func (m *Manager) IsConnected() bool {
	return m.state() == controller.StateConnected
}

// IsConnecting reports whether session establishment is in flight.
func (m *Manager) IsConnecting() bool {
	return m.state() == controller.StateConnecting
}

// LastError returns the error that ended the most recent session attempt,
// or nil. Cleared by Disconnect.
func (m *Manager) LastError() error {
	m.mu.Lock()
	ctrl := m.ctrl
	m.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	return ctrl.LastErr()
}

// Info returns metadata about the active session, or the zero value when
// nothing is running.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// InputLevel returns the current microphone level in [0, 1] for UI display.
func (m *Manager) InputLevel() float64 {
	m.mu.Lock()
	source := m.source
	m.mu.Unlock()
	if source == nil {
		return 0
	}
	return source.Meter().Level()
}

// OutputLevel returns the current model speech level in [0, 1].
func (m *Manager) OutputLevel() float64 {
	m.mu.Lock()
	player := m.player
	m.mu.Unlock()
	if player == nil {
		return 0
	}
	return player.Meter().Level()
}

func (m *Manager) state() controller.State {
	m.mu.Lock()
	ctrl := m.ctrl
	m.mu.Unlock()
	if ctrl == nil {
		return controller.StateIdle
	}
	return ctrl.State()
}
