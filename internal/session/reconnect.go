package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector watches for session drops and automatically re-establishes the
// live session through a [Manager].
//
// Callers start the watch loop with [Reconnector.Monitor] and report drops via
// [Reconnector.NotifyDisconnect], typically from the controller's state
// callback when the session returns to idle with an error. Reconnection uses
// exponential backoff and invokes the configured OnReconnect callback on
// success.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	manager     *Manager
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func()

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a drop is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Manager owns the session stack being re-established. Must not be nil.
	Manager *Manager

	// MaxRetries is the maximum number of reconnection attempts before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection. May be nil.
	OnReconnect func()
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		manager:      cfg.Manager,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts watching for disconnect notifications in a background
// goroutine. The loop exits when ctx is cancelled or Stop is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the session has been lost and
// reconnection should be attempted. Safe to call multiple times; only the
// first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring. The manager and any active session are left alone;
// shutting those down is the caller's responsibility. Safe to call multiple
// times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect tries to re-establish the session with exponential backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	// The drop may have raced a manual reconnect.
	if r.manager.IsConnected() {
		return
	}

	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		slog.Info("attempting session reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		// Release whatever is left of the dropped stack before rebuilding.
		if err := r.manager.Disconnect(); err != nil {
			slog.Warn("reconnection cleanup failed", "attempt", attempt, "error", err)
		}

		err := r.manager.Connect(ctx)
		if err == nil {
			slog.Info("session reconnection successful", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}

		slog.Warn("session reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("session reconnection failed after max retries",
		"max_retries", r.maxRetries,
	)
}
