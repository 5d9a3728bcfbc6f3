package playback

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/hearthside-ai/hearthside/pkg/audio"
)

// NewClock returns the production timeline clock, anchored at the moment of
// the call.
func NewClock() Clock {
	return &wallClock{start: time.Now()}
}

type wallClock struct {
	start time.Time
}

func (c *wallClock) Now() time.Duration { return time.Since(c.start) }

var _ Sink = (*OtoSink)(nil)

// OtoSink plays scheduled chunks through the default output device. Each
// chunk gets its own player; oto mixes them, and the scheduler guarantees
// their windows never overlap.
type OtoSink struct {
	ctx   *oto.Context
	clock Clock

	mu      sync.Mutex
	closed  bool
	players map[*otoSource]struct{}
}

// NewOtoSink initialises the output device at audio.PlaybackRate mono.
// The ready channel from oto is awaited so the first chunk is not swallowed
// during device warm-up.
func NewOtoSink(clock Clock) (*OtoSink, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   audio.PlaybackRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("playback: init output device: %w", err)
	}
	<-ready
	return &OtoSink{
		ctx:     ctx,
		clock:   clock,
		players: make(map[*otoSource]struct{}),
	}, nil
}

func (s *OtoSink) Play(pcm []byte, startAt time.Duration, onEnded func()) (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("playback: sink is closed")
	}

	src := &otoSource{sink: s, onEnded: onEnded}
	src.player = s.ctx.NewPlayer(bytes.NewReader(pcm))

	duration := time.Duration(len(pcm)/2) * time.Second / audio.PlaybackRate
	delay := startAt - s.clock.Now()
	if delay < 0 {
		delay = 0
	}
	src.startTimer = time.AfterFunc(delay, src.begin)
	src.endTimer = time.AfterFunc(delay+duration, src.finish)

	s.players[src] = struct{}{}
	return src, nil
}

// Close stops every live player and suspends the device context. oto offers
// no context teardown, so Suspend is the terminal state.
func (s *OtoSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	players := make([]*otoSource, 0, len(s.players))
	for src := range s.players {
		players = append(players, src)
	}
	clear(s.players)
	s.mu.Unlock()

	for _, src := range players {
		src.Stop()
	}
	if err := s.ctx.Suspend(); err != nil {
		return fmt.Errorf("playback: suspend output device: %w", err)
	}
	return nil
}

func (s *OtoSink) forget(src *otoSource) {
	s.mu.Lock()
	delete(s.players, src)
	s.mu.Unlock()
}

type otoSource struct {
	sink    *OtoSink
	onEnded func()

	mu         sync.Mutex
	player     *oto.Player
	startTimer *time.Timer
	endTimer   *time.Timer
	stopped    bool
}

func (src *otoSource) begin() {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.stopped {
		return
	}
	src.player.Play()
}

// finish fires one chunk-duration after the scheduled start and reports
// natural completion.
func (src *otoSource) finish() {
	src.mu.Lock()
	if src.stopped {
		src.mu.Unlock()
		return
	}
	src.stopped = true
	player := src.player
	src.mu.Unlock()

	player.Close()
	src.sink.forget(src)
	if src.onEnded != nil {
		src.onEnded()
	}
}

func (src *otoSource) Stop() {
	src.mu.Lock()
	if src.stopped {
		src.mu.Unlock()
		return
	}
	src.stopped = true
	src.startTimer.Stop()
	src.endTimer.Stop()
	player := src.player
	src.mu.Unlock()

	player.Pause()
	player.Close()
	src.sink.forget(src)
}
