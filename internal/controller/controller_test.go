package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hearthside-ai/hearthside/pkg/audio"
	"github.com/hearthside-ai/hearthside/pkg/s2s"
	"github.com/hearthside-ai/hearthside/pkg/s2s/mock"
)

// fakeSource is an in-memory FrameSource the tests feed by hand.
type fakeSource struct {
	mu       sync.Mutex
	frames   chan audio.Frame
	meter    *audio.Meter
	startErr error
	started  bool
	closes   int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames: make(chan audio.Frame, 16),
		meter:  audio.NewMeter(),
	}
}

func (f *fakeSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeSource) Frames() <-chan audio.Frame { return f.frames }
func (f *fakeSource) Meter() *audio.Meter        { return f.meter }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closes == 1 {
		close(f.frames)
	}
	return nil
}

func (f *fakeSource) feed(data []byte) {
	f.frames <- audio.Frame{Data: data, SampleRate: audio.CaptureRate, Channels: 1}
}

// fakePlayer records scheduling and interruption.
type fakePlayer struct {
	mu         sync.Mutex
	meter      *audio.Meter
	enqueued   []string
	interrupts int
	enqueueErr error
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{meter: audio.NewMeter()}
}

func (f *fakePlayer) Enqueue(b64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, b64)
	return nil
}

func (f *fakePlayer) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
}

func (f *fakePlayer) Meter() *audio.Meter { return f.meter }

func (f *fakePlayer) chunks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.enqueued))
	copy(out, f.enqueued)
	return out
}

func (f *fakePlayer) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

// stateRecorder collects lifecycle transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func newTestController(sess *mock.Session, src *fakeSource, pl *fakePlayer, cfg Config, cb Callbacks) *Controller {
	provider := &mock.Provider{Session: sess}
	return New(provider, src, pl, cfg, cb, nil, nil)
}

func TestStart_StreamsFramesToSession(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}
	src := newFakeSource()
	pl := newFakePlayer()
	rec := &stateRecorder{}

	c := newTestController(sess, src, pl, Config{}, Callbacks{OnState: rec.record})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	src.feed([]byte{1, 2, 3, 4})
	src.feed([]byte{5, 6})

	waitFor(t, "frames to reach the session", func() bool {
		return len(sess.AudioCalls()) == 2
	})
	calls := sess.AudioCalls()
	if string(calls[0].Chunk) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("first chunk = %v", calls[0].Chunk)
	}

	states := rec.all()
	if len(states) < 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("states = %v, want [connecting connected ...]", states)
	}
}

func TestStart_RejectsReuse(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}
	c := newTestController(sess, newFakeSource(), newFakePlayer(), Config{}, Callbacks{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start succeeded, want error")
	}
	c.Stop()
}

func TestStart_CaptureFailureIsSynchronous(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.startErr = errors.New("mic busy")
	provider := &mock.Provider{}
	var errCbMu sync.Mutex
	var errCb error

	c := New(provider, src, newFakePlayer(), Config{}, Callbacks{
		OnError: func(err error) {
			errCbMu.Lock()
			errCb = err
			errCbMu.Unlock()
		},
	}, nil, nil)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a broken microphone")
	}
	if len(provider.Calls()) != 0 {
		t.Error("provider was dialed despite capture failure")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	errCbMu.Lock()
	defer errCbMu.Unlock()
	if errCb == nil {
		t.Error("OnError not invoked")
	}
}

func TestStart_ConnectFailureClosesCapture(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	provider := &mock.Provider{ConnectErr: errors.New("auth rejected")}
	c := New(provider, src, newFakePlayer(), Config{}, Callbacks{}, nil, nil)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite connect failure")
	}
	if src.closes == 0 {
		t.Error("capture source not closed after connect failure")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	if c.LastErr() == nil {
		t.Error("LastErr = nil after failure")
	}
}

func TestFramesDroppedBeforeSessionOpens(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}

	release := make(chan struct{})
	provider := &gatedProvider{sess: sess, release: release}
	c := New(provider, src, newFakePlayer(), Config{}, Callbacks{}, nil, nil)

	startDone := make(chan error, 1)
	go func() { startDone <- c.Start(context.Background()) }()

	// Frames arriving while the session is still connecting are discarded,
	// not queued for later delivery.
	waitFor(t, "capture to start", func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.started
	})
	src.feed([]byte{9, 9})
	src.feed([]byte{8, 8})

	// Let the drops happen before the session opens.
	time.Sleep(50 * time.Millisecond)
	close(release)
	if err := <-startDone; err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	src.feed([]byte{1, 1})
	waitFor(t, "post-open frame", func() bool {
		return len(sess.AudioCalls()) >= 1
	})
	calls := sess.AudioCalls()
	if len(calls) != 1 || string(calls[0].Chunk) != string([]byte{1, 1}) {
		t.Errorf("session received %v, want only the post-open frame", calls)
	}
}

// gatedProvider blocks Connect until release is closed.
type gatedProvider struct {
	sess    *mock.Session
	release chan struct{}
}

func (p *gatedProvider) Connect(ctx context.Context, _ s2s.Config) (s2s.Session, error) {
	select {
	case <-p.release:
		return p.sess, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestStop_DuringConnectDiscardsLateSession(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}
	src := newFakeSource()
	release := make(chan struct{})
	provider := &gatedProvider{sess: sess, release: release}
	rec := &stateRecorder{}
	c := New(provider, src, newFakePlayer(), Config{}, Callbacks{OnState: rec.record}, nil, nil)

	startDone := make(chan error, 1)
	go func() { startDone <- c.Start(context.Background()) }()

	waitFor(t, "connecting state", func() bool {
		return c.State() == StateConnecting
	})
	c.Stop()

	// The dial completes after teardown: the late session must be closed,
	// never installed.
	close(release)
	if err := <-startDone; err == nil {
		t.Fatal("Start succeeded after Stop")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v after Stop during connect, want idle", c.State())
	}
	if sess.Closes() == 0 {
		t.Error("late session not closed")
	}
	if len(sess.TextCalls()) != 0 {
		t.Errorf("greeting sent on a discarded session: %v", sess.TextCalls())
	}
	for _, s := range rec.all() {
		if s == StateConnected {
			t.Errorf("states = %v, connected observed after Stop", rec.all())
			break
		}
	}
}

func TestGreeting_SentOnceAfterOpen(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}
	c := newTestController(sess, newFakeSource(), newFakePlayer(),
		Config{Greeting: "Say hello to the listener."}, Callbacks{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	texts := sess.TextCalls()
	if len(texts) != 1 || texts[0] != "Say hello to the listener." {
		t.Errorf("SendText calls = %v, want exactly the greeting", texts)
	}
}

func TestAudioEvents_ReachThePlayer(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}
	pl := newFakePlayer()
	c := newTestController(sess, newFakeSource(), pl, Config{}, Callbacks{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	sess.EventsCh <- s2s.Event{Type: s2s.EventAudio, Audio: "AAAA"}
	sess.EventsCh <- s2s.Event{Type: s2s.EventAudio, Audio: "BBBB"}

	waitFor(t, "chunks to be scheduled", func() bool {
		return len(pl.chunks()) == 2
	})
	if got := pl.chunks(); got[0] != "AAAA" || got[1] != "BBBB" {
		t.Errorf("scheduled chunks = %v", got)
	}
}

func TestAudioLevels_ReportedToHost(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}
	src := newFakeSource()
	pl := newFakePlayer()

	type levels struct{ in, out float64 }
	var mu sync.Mutex
	var seen []levels
	c := newTestController(sess, src, pl, Config{}, Callbacks{
		OnAudioLevel: func(in, out float64) {
			mu.Lock()
			seen = append(seen, levels{in, out})
			mu.Unlock()
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	src.meter.Observe(0.4)
	src.feed([]byte{1, 2})
	waitFor(t, "capture level report", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1
	})
	mu.Lock()
	first := seen[0]
	mu.Unlock()
	if first.in != 0.4 || first.out != 0 {
		t.Errorf("capture-side levels = %+v, want {0.4 0}", first)
	}

	pl.meter.Observe(0.8)
	sess.EventsCh <- s2s.Event{Type: s2s.EventAudio, Audio: "AAAA"}
	waitFor(t, "playback level report", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[len(seen)-1].out == 0.8
	})
}

func TestInterrupted_InterruptsPlayback(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}
	pl := newFakePlayer()
	c := newTestController(sess, newFakeSource(), pl, Config{}, Callbacks{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	sess.EventsCh <- s2s.Event{Type: s2s.EventInterrupted}
	waitFor(t, "playback interrupt", func() bool {
		return pl.interruptCount() >= 1
	})
}

func TestInterrupted_DropsBufferedTranscripts(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}
	var mu sync.Mutex
	var got []Transcript
	turns := 0
	c := newTestController(sess, newFakeSource(), newFakePlayer(), Config{}, Callbacks{
		OnTranscript: func(tr Transcript) {
			mu.Lock()
			got = append(got, tr)
			mu.Unlock()
		},
		OnTurnComplete: func() {
			mu.Lock()
			turns++
			mu.Unlock()
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	// Text accumulated before an interruption belongs to the cancelled
	// turn and must never surface at the next boundary.
	sess.EventsCh <- s2s.Event{Type: s2s.EventOutputTranscript, Text: "stale reply text"}
	sess.EventsCh <- s2s.Event{Type: s2s.EventInterrupted}
	sess.EventsCh <- s2s.Event{Type: s2s.EventTurnComplete}

	waitFor(t, "turn boundary", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return turns == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Errorf("transcripts flushed after interrupt: %+v", got)
	}
}

func TestTranscripts_BufferedUntilTurnComplete(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 16), CloseEvents: true}
	var mu sync.Mutex
	var got []Transcript
	c := newTestController(sess, newFakeSource(), newFakePlayer(), Config{}, Callbacks{
		OnTranscript: func(tr Transcript) {
			mu.Lock()
			got = append(got, tr)
			mu.Unlock()
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	sess.EventsCh <- s2s.Event{Type: s2s.EventInputTranscript, Text: "how are "}
	sess.EventsCh <- s2s.Event{Type: s2s.EventOutputTranscript, Text: "I'm doing "}
	sess.EventsCh <- s2s.Event{Type: s2s.EventInputTranscript, Text: "you?"}
	sess.EventsCh <- s2s.Event{Type: s2s.EventOutputTranscript, Text: "well!"}

	// No flush before the turn boundary.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	early := len(got)
	mu.Unlock()
	if early != 0 {
		t.Fatalf("transcripts flushed before turnComplete: %d", early)
	}

	sess.EventsCh <- s2s.Event{Type: s2s.EventTurnComplete}
	waitFor(t, "transcript flush", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Speaker != SpeakerUser || got[0].Text != "how are you?" {
		t.Errorf("first entry = %+v, want the full user utterance", got[0])
	}
	if got[1].Speaker != SpeakerModel || got[1].Text != "I'm doing well!" {
		t.Errorf("second entry = %+v, want the full model utterance", got[1])
	}
}

func TestTurnComplete_WithEmptyBuffersEmitsNothing(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}
	var count, turns int
	var mu sync.Mutex
	c := newTestController(sess, newFakeSource(), newFakePlayer(), Config{}, Callbacks{
		OnTranscript: func(Transcript) {
			mu.Lock()
			count++
			mu.Unlock()
		},
		OnTurnComplete: func() {
			mu.Lock()
			turns++
			mu.Unlock()
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess.EventsCh <- s2s.Event{Type: s2s.EventTurnComplete}
	sess.EventsCh <- s2s.Event{Type: s2s.EventTurnComplete}
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("OnTranscript fired %d times for empty turns", count)
	}
	// The boundary itself is still reported even when nothing was said.
	if turns != 2 {
		t.Errorf("OnTurnComplete fired %d times, want 2", turns)
	}
}

func TestServerError_TearsDown(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}
	src := newFakeSource()
	var mu sync.Mutex
	var seen []error
	c := newTestController(sess, src, newFakePlayer(), Config{}, Callbacks{
		OnError: func(err error) {
			mu.Lock()
			seen = append(seen, err)
			mu.Unlock()
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	sess.EventsCh <- s2s.Event{Type: s2s.EventError, Err: errors.New("quota exceeded")}
	waitFor(t, "teardown to idle", func() bool {
		return c.State() == StateIdle
	})

	mu.Lock()
	errCount := len(seen)
	mu.Unlock()
	if errCount != 1 {
		t.Errorf("OnError fired %d times, want 1", errCount)
	}
	if c.LastErr() == nil {
		t.Error("LastErr = nil after server error")
	}
	if sess.Closes() == 0 {
		t.Error("session not closed after server error")
	}
	if src.closes == 0 {
		t.Error("capture not closed after server error")
	}
}

func TestFatalSessionError_TearsDown(t *testing.T) {
	t.Parallel()

	fatal := errors.New("connection reset")
	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), ErrVal: fatal}
	src := newFakeSource()
	rec := &stateRecorder{}
	c := newTestController(sess, src, newFakePlayer(), Config{}, Callbacks{OnState: rec.record})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Transport death: the event stream closes with a pending error.
	close(sess.EventsCh)

	waitFor(t, "teardown to idle", func() bool {
		return c.State() == StateIdle
	})
	if !errors.Is(c.LastErr(), fatal) {
		t.Errorf("LastErr = %v, want %v", c.LastErr(), fatal)
	}
	if sess.Closes() == 0 {
		t.Error("session not closed on fatal error")
	}
	if src.closes == 0 {
		t.Error("capture not closed on fatal error")
	}

	states := rec.all()
	sawError := false
	for _, s := range states {
		if s == StateError {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("states = %v, StateError never observed", states)
	}
	if states[len(states)-1] != StateIdle {
		t.Errorf("final state = %v, want idle", states[len(states)-1])
	}
}

func TestStop_IsIdempotent(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{EventsCh: make(chan s2s.Event, 8), CloseEvents: true}
	src := newFakeSource()
	pl := newFakePlayer()
	c := newTestController(sess, src, pl, Config{}, Callbacks{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.Stop()
	c.Stop()
	c.Stop()

	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	if c.LastErr() != nil {
		t.Errorf("LastErr = %v after clean stop, want nil", c.LastErr())
	}
	if src.closes != 1 {
		t.Errorf("capture closed %d times, want 1", src.closes)
	}
	if pl.interruptCount() != 1 {
		t.Errorf("playback interrupted %d times, want 1", pl.interruptCount())
	}
}

func TestStop_BeforeStart(t *testing.T) {
	t.Parallel()

	c := newTestController(&mock.Session{EventsCh: make(chan s2s.Event)}, newFakeSource(), newFakePlayer(), Config{}, Callbacks{})
	c.Stop()
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}
