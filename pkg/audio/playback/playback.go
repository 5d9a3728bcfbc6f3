// Package playback schedules model speech chunks for gapless output at the
// protocol playback rate.
//
// Chunks arrive as base64 PCM in network bursts; the scheduler lines them up
// on a monotonic timeline so each one starts exactly where the previous one
// ends. Interrupt stops everything that is queued or sounding and resets the
// timeline so the next reply starts immediately.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthside-ai/hearthside/pkg/audio"
)

// levelStride samples every 4th frame when metering output chunks, which are
// an order of magnitude larger than capture frames.
const levelStride = 4

// Clock reports the current position on the playback timeline. Injected so
// tests can control time; the production clock is in oto.go.
type Clock interface {
	Now() time.Duration
}

// Source is a handle to one scheduled chunk.
type Source interface {
	// Stop halts the chunk whether it is still pending or already sounding.
	// Stopping more than once is harmless.
	Stop()
}

// Sink turns scheduled PCM into audible output.
type Sink interface {
	// Play schedules pcm (16-bit LE mono at audio.PlaybackRate) to begin at
	// startAt on the timeline. onEnded fires once the chunk finishes
	// naturally; it does not fire for stopped chunks.
	Play(pcm []byte, startAt time.Duration, onEnded func()) (Source, error)

	// Close releases the output device. All sources become invalid.
	Close() error
}

// Scheduler maintains the gapless timeline. All methods are safe for
// concurrent use.
type Scheduler struct {
	clock  Clock
	sink   Sink
	meter  *audio.Meter
	logger *slog.Logger

	mu         sync.Mutex
	nextStart  time.Duration
	sources    map[*chunkEntry]struct{}
	generation uint64
	closed     bool
}

// chunkEntry is the map key for one scheduled chunk. The indirection lets the
// onEnded closure identify its chunk before the sink has even returned the
// Source handle.
type chunkEntry struct {
	src Source
}

// New creates a scheduler over the given clock and sink.
func New(clock Clock, sink Sink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:   clock,
		sink:    sink,
		meter:   audio.NewMeter(),
		logger:  logger,
		sources: make(map[*chunkEntry]struct{}),
	}
}

// Meter returns the live output level meter.
func (s *Scheduler) Meter() *audio.Meter { return s.meter }

// Enqueue decodes one base64 PCM chunk and schedules it immediately after
// whatever is already queued, or right now if the queue has drained. Chunks
// whose decode straddles an Interrupt are discarded rather than played.
func (s *Scheduler) Enqueue(b64 string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("playback: scheduler is closed")
	}
	gen := s.generation
	s.mu.Unlock()

	pcm, err := audio.DecodeBase64(b64)
	if err != nil {
		return fmt.Errorf("playback: decode chunk: %w", err)
	}
	if len(pcm) < 2 {
		return nil
	}

	samples := audio.PCM16ToFloat(pcm, 1)[0]
	s.meter.Observe(audio.OutputLevel(audio.StridedRMSEnergy(samples, levelStride)))

	duration := time.Duration(len(samples)) * time.Second / audio.PlaybackRate

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generation != gen {
		// An interrupt or shutdown happened while this chunk was in flight.
		return nil
	}

	startAt := s.nextStart
	if now := s.clock.Now(); now > startAt {
		startAt = now
	}
	s.nextStart = startAt + duration

	e := &chunkEntry{}
	src, err := s.sink.Play(pcm, startAt, func() { s.remove(e) })
	if err != nil {
		return fmt.Errorf("playback: schedule chunk: %w", err)
	}
	e.src = src
	s.sources[e] = struct{}{}
	return nil
}

// remove drops a finished chunk. An end that races the tail of Enqueue blocks
// on the lock until the entry is registered, so it never misses.
func (s *Scheduler) remove(e *chunkEntry) {
	s.mu.Lock()
	delete(s.sources, e)
	s.mu.Unlock()
}

// Interrupt synchronously stops every queued and sounding chunk and resets
// the timeline cursor. In-flight Enqueue calls that began before the
// interrupt will see the generation bump and drop their chunk.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptLocked()
}

func (s *Scheduler) interruptLocked() {
	s.generation++
	for e := range s.sources {
		e.src.Stop()
	}
	clear(s.sources)
	s.nextStart = 0
	s.meter.Observe(0)
}

// Pending reports how many chunks are scheduled or sounding.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// Close interrupts playback and releases the sink. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.interruptLocked()
	s.mu.Unlock()

	if err := s.sink.Close(); err != nil {
		return fmt.Errorf("playback: close sink: %w", err)
	}
	return nil
}
