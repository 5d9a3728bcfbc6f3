// Package controller drives one live voice conversation: microphone frames
// flow up to the speech-to-speech provider, synthesised speech flows down
// into the playback scheduler, and transcript fragments are buffered per
// speaker until the provider marks a turn boundary.
//
// A Controller is single-use. Start moves it Idle → Connecting → Connected;
// any failure or a Stop lands it back on Idle through one idempotent
// teardown path, no matter how many things go wrong at once.
package controller

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hearthside-ai/hearthside/internal/observe"
	"github.com/hearthside-ai/hearthside/pkg/audio"
	"github.com/hearthside-ai/hearthside/pkg/s2s"
)

// State is the controller's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the state's display name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Speaker identifies which side of the conversation a transcript belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Transcript is one finalised utterance, emitted at a turn boundary.
type Transcript struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// FrameSource produces microphone frames. Satisfied by *capture.Pipeline.
type FrameSource interface {
	Start() error
	Frames() <-chan audio.Frame
	Meter() *audio.Meter
	Close() error
}

// Player consumes model speech. Satisfied by *playback.Scheduler.
type Player interface {
	Enqueue(b64 string) error
	Interrupt()
	Meter() *audio.Meter
}

// Callbacks are optional hooks into the conversation. All callbacks are
// invoked from controller goroutines without internal locks held; they must
// not block for long.
type Callbacks struct {
	// OnState fires on every lifecycle transition.
	OnState func(State)

	// OnTranscript fires once per finalised utterance.
	OnTranscript func(Transcript)

	// OnTurnComplete fires at every turn boundary, whether or not any
	// transcript text accumulated during the turn.
	OnTurnComplete func()

	// OnAudioLevel fires with the current microphone and playback levels,
	// both in [0, 1], as capture frames and model chunks move through the
	// session.
	OnAudioLevel func(input, output float64)

	// OnError fires for failures and server-reported errors.
	OnError func(error)
}

// Config carries the conversation parameters.
type Config struct {
	// Session is passed through to the provider on Connect.
	Session s2s.Config

	// Greeting, when non-empty, is sent as a user text turn once the
	// session opens so the companion speaks first.
	Greeting string
}

// Controller wires one session together. Create with New, run with Start,
// end with Stop. All exported methods are safe for concurrent use.
type Controller struct {
	provider s2s.Provider
	source   FrameSource
	player   Player
	cfg      Config
	cb       Callbacks
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu        sync.Mutex
	state     State
	sess      s2s.Session
	open      bool
	ended     bool
	lastErr   error
	startedAt time.Time
	userBuf   strings.Builder
	modelBuf  strings.Builder

	teardownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates an idle controller. metrics may be nil in tests.
func New(provider s2s.Provider, source FrameSource, player Player, cfg Config, cb Callbacks, logger *slog.Logger, metrics *observe.Metrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		provider: provider,
		source:   source,
		player:   player,
		cfg:      cfg,
		cb:       cb,
		logger:   logger,
		metrics:  metrics,
		state:    StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastErr returns the error that moved the controller through StateError,
// or nil.
func (c *Controller) LastErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Start opens the microphone, connects the session, and begins streaming.
// It returns once the session is live (or failed); the conversation itself
// runs on controller goroutines until Stop or a fatal session error.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("controller: cannot start from state %q", st)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	// Microphone first: acquisition errors must surface before any network
	// traffic, and frames captured before the session opens are dropped by
	// the pump loop rather than queued.
	if err := c.source.Start(); err != nil {
		c.fail(err, "capture")
		return err
	}
	c.wg.Add(1)
	go c.pumpLoop()

	connectStart := time.Now()
	sess, err := c.provider.Connect(ctx, c.cfg.Session)
	if err != nil {
		c.fail(err, "connect")
		return err
	}

	c.mu.Lock()
	// Stop may have won the race while Connect was in flight. Teardown
	// already ran, so the fresh session must not be installed.
	if c.ended {
		c.mu.Unlock()
		if cerr := sess.Close(); cerr != nil {
			c.logger.Warn("session close", "error", cerr)
		}
		return fmt.Errorf("controller: stopped while connecting")
	}
	c.sess = sess
	c.open = true
	c.startedAt = time.Now()
	c.state = StateConnected
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ConnectDuration.Record(ctx, time.Since(connectStart).Seconds())
		c.metrics.ActiveSessions.Add(ctx, 1)
	}
	c.notifyState(StateConnected)
	c.logger.Info("voice session connected",
		"voice", c.cfg.Session.Voice,
		"connectDuration", time.Since(connectStart),
	)

	if c.cfg.Greeting != "" {
		if err := sess.SendText(c.cfg.Greeting); err != nil {
			c.logger.Warn("greeting not delivered", "error", err)
		}
	}

	c.wg.Add(1)
	go c.eventLoop(sess)
	return nil
}

// Stop ends the conversation, waits for the streaming goroutines to drain,
// and returns the controller to idle. Safe to call from any state, any
// number of times, including concurrently with an in-flight failure.
func (c *Controller) Stop() {
	c.teardown(nil, "stop")
	c.wg.Wait()
}

// pumpLoop forwards captured frames to the session. It exits when the frame
// channel closes, which teardown guarantees by closing the source.
func (c *Controller) pumpLoop() {
	defer c.wg.Done()
	ctx := context.Background()

	for frame := range c.source.Frames() {
		c.mu.Lock()
		sess := c.sess
		open := c.open
		c.mu.Unlock()

		if !open {
			if c.metrics != nil {
				c.metrics.RecordFrameDropped(ctx, "not_connected")
			}
			continue
		}
		if err := sess.SendAudio(frame.Data); err != nil {
			if c.metrics != nil {
				c.metrics.RecordFrameDropped(ctx, "send_failed")
			}
			c.logger.Debug("frame not delivered", "error", err)
			continue
		}
		if c.metrics != nil {
			c.metrics.FramesSent.Add(ctx, 1)
		}
		c.notifyLevels()
	}
}

// notifyLevels reports both meters to the host. Called per capture frame and
// per scheduled chunk, so the host sees fresh levels without polling.
func (c *Controller) notifyLevels() {
	if c.cb.OnAudioLevel == nil {
		return
	}
	c.cb.OnAudioLevel(c.source.Meter().Level(), c.player.Meter().Level())
}

// eventLoop consumes the session's ordered downstream until it closes.
func (c *Controller) eventLoop(sess s2s.Session) {
	defer c.wg.Done()
	ctx := context.Background()

	for ev := range sess.Events() {
		switch ev.Type {
		case s2s.EventAudio:
			if err := c.player.Enqueue(ev.Audio); err != nil {
				c.logger.Warn("chunk not scheduled", "error", err)
				continue
			}
			if c.metrics != nil {
				c.metrics.ChunksScheduled.Add(ctx, 1)
				// Chunk length from the encoded size; the padding error is
				// under one sample.
				pcmBytes := base64.StdEncoding.DecodedLen(len(ev.Audio))
				c.metrics.ChunkSeconds.Record(ctx, float64(pcmBytes/2)/float64(audio.PlaybackRate))
			}
			c.notifyLevels()

		case s2s.EventInterrupted:
			// Stop model speech synchronously so the user never talks over
			// stale audio, and drop transcript text from the cancelled turn.
			c.player.Interrupt()
			c.mu.Lock()
			c.userBuf.Reset()
			c.modelBuf.Reset()
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.Interruptions.Add(ctx, 1)
			}
			c.logger.Debug("model speech interrupted")

		case s2s.EventInputTranscript:
			c.mu.Lock()
			c.userBuf.WriteString(ev.Text)
			c.mu.Unlock()

		case s2s.EventOutputTranscript:
			c.mu.Lock()
			c.modelBuf.WriteString(ev.Text)
			c.mu.Unlock()

		case s2s.EventTurnComplete:
			c.flushTranscripts(ctx)
			if c.cb.OnTurnComplete != nil {
				c.cb.OnTurnComplete()
			}

		case s2s.EventError:
			// Server-reported errors are fatal to the session.
			c.fail(ev.Err, "server")
			return
		}
	}

	// Stream closed. A transport error means failure; otherwise the session
	// ended cleanly (local Stop or remote close).
	if err := sess.Err(); err != nil {
		c.fail(err, "session")
		return
	}
	c.teardown(nil, "remote_close")
}

// flushTranscripts finalises both speaker buffers, user first so the
// transcript reads in conversational order.
func (c *Controller) flushTranscripts(ctx context.Context) {
	c.mu.Lock()
	user := c.userBuf.String()
	model := c.modelBuf.String()
	c.userBuf.Reset()
	c.modelBuf.Reset()
	c.mu.Unlock()

	now := time.Now()
	if user != "" {
		if c.metrics != nil {
			c.metrics.RecordTranscript(ctx, string(SpeakerUser))
		}
		if c.cb.OnTranscript != nil {
			c.cb.OnTranscript(Transcript{Speaker: SpeakerUser, Text: user, At: now})
		}
	}
	if model != "" {
		if c.metrics != nil {
			c.metrics.RecordTranscript(ctx, string(SpeakerModel))
		}
		if c.cb.OnTranscript != nil {
			c.cb.OnTranscript(Transcript{Speaker: SpeakerModel, Text: model, At: now})
		}
	}
}

// fail records the error, surfaces it, and tears the session down.
func (c *Controller) fail(err error, stage string) {
	if c.metrics != nil {
		c.metrics.RecordSessionError(context.Background(), stage)
	}
	c.logger.Error("voice session failed", "stage", stage, "error", err)
	c.teardown(err, stage)
}

// teardown is the single exit path. Every resource is released exactly once
// regardless of which goroutine gets here first or why.
func (c *Controller) teardown(cause error, stage string) {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		sess := c.sess
		c.sess = nil
		c.open = false
		c.ended = true
		c.lastErr = cause
		startedAt := c.startedAt
		wasConnected := c.state == StateConnected
		c.mu.Unlock()

		if cause != nil {
			c.setState(StateError)
			if c.cb.OnError != nil {
				c.cb.OnError(cause)
			}
		}

		if sess != nil {
			if err := sess.Close(); err != nil {
				c.logger.Warn("session close", "error", err)
			}
		}
		if err := c.source.Close(); err != nil {
			c.logger.Warn("capture close", "error", err)
		}
		c.player.Interrupt()

		if c.metrics != nil && wasConnected {
			ctx := context.Background()
			c.metrics.ActiveSessions.Add(ctx, -1)
			c.metrics.SessionDuration.Record(ctx, time.Since(startedAt).Seconds())
		}

		c.setState(StateIdle)
		c.logger.Info("voice session ended", "cause", causeString(cause), "stage", stage)
	})
}

func causeString(err error) string {
	if err == nil {
		return "stopped"
	}
	return err.Error()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Controller) notifyState(s State) {
	if c.cb.OnState != nil {
		c.cb.OnState(s)
	}
}
