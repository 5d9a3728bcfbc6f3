// Package capture turns a live microphone into a stream of fixed-size PCM
// frames at the protocol capture rate.
//
// The pipeline mirrors the input side of the voice graph: device → gain →
// software amplification → level meter → frame chunker. Device access is
// abstracted behind the [Device] interface so the pipeline is testable
// without hardware; the malgo adapter in this package is the production
// implementation.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthside-ai/hearthside/pkg/audio"
)

// Capture failure taxonomy. Device adapters map backend errors onto these
// sentinels so callers can distinguish the cases without string matching.
var (
	// ErrPermissionDenied indicates microphone access was refused.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceNotFound indicates no usable microphone device exists.
	ErrDeviceNotFound = errors.New("capture: no microphone device found")

	// ErrUnsupportedPlatform indicates the audio backend cannot run here.
	ErrUnsupportedPlatform = errors.New("capture: audio backend unsupported on this platform")
)

// Device abstracts an OS microphone backend. Start begins delivering raw
// device-format PCM to the callback from the backend's audio thread; Close
// releases the device and must be safe to call more than once, including
// when Start never succeeded.
type Device interface {
	// Start opens the device and begins capture. The callback receives
	// 16-bit little-endian PCM in the device's native format and must not
	// block: it runs on the backend's realtime audio thread.
	Start(onPCM func(pcm []byte)) error

	// Format reports the device's native sample rate and channel count.
	// Only valid after Start has returned nil.
	Format() audio.Format

	// Close stops capture and releases the device handle.
	Close() error
}

// Config tunes the capture pipeline's gain staging and framing.
type Config struct {
	// DeviceGain is the gain-stage multiplier applied to raw samples.
	// Default: 10 (compensates for quiet input hardware with AGC off).
	DeviceGain float32

	// SoftwareGain is an additional multiplier applied before encoding.
	// Default: 3.
	SoftwareGain float32

	// FrameSamples is the number of samples per emitted frame.
	// Default: audio.FrameSamples.
	FrameSamples int
}

func (c *Config) applyDefaults() {
	if c.DeviceGain == 0 {
		c.DeviceGain = 10
	}
	if c.SoftwareGain == 0 {
		c.SoftwareGain = 3
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = audio.FrameSamples
	}
}

// Pipeline acquires a microphone device and emits fixed-size frames at
// audio.CaptureRate on the Frames channel. Exactly one pipeline owns the
// device for the lifetime of a session.
type Pipeline struct {
	cfg    Config
	dev    Device
	meter  *audio.Meter
	logger *slog.Logger

	frames chan audio.Frame

	mu        sync.Mutex
	started   bool
	closed    bool
	pending   []float32
	elapsed   time.Duration
	dropped   int
	devFormat audio.Format
}

// New creates a capture pipeline around dev. The device is not opened until
// Start is called.
func New(dev Device, cfg Config, logger *slog.Logger) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		dev:    dev,
		meter:  audio.NewMeter(),
		logger: logger,
		frames: make(chan audio.Frame, 16),
	}
}

// Start opens the microphone and begins emitting frames. All acquisition
// failures are reported synchronously from this call, never later.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("capture: pipeline is closed")
	}
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("capture: already started")
	}
	p.mu.Unlock()

	if err := p.dev.Start(p.onPCM); err != nil {
		return err
	}

	p.mu.Lock()
	p.started = true
	p.devFormat = p.dev.Format()
	p.mu.Unlock()

	p.logger.Info("microphone capture started",
		"deviceRate", p.devFormat.SampleRate,
		"deviceChannels", p.devFormat.Channels,
		"frameSamples", p.cfg.FrameSamples,
	)
	return nil
}

// Frames returns the channel on which captured frames are delivered. The
// channel is closed by Close. Slow consumers lose frames rather than stalling
// the audio thread.
func (p *Pipeline) Frames() <-chan audio.Frame { return p.frames }

// Meter returns the live input level meter for UI visualisation.
func (p *Pipeline) Meter() *audio.Meter { return p.meter }

// onPCM runs on the device's audio thread for every backend period.
func (p *Pipeline) onPCM(pcm []byte) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	format := p.devFormat
	if format.SampleRate == 0 {
		// Device callbacks can fire before Start records the format.
		format = p.dev.Format()
		p.devFormat = format
	}

	converted := audio.ToCaptureFormat(pcm, format)
	samples := audio.PCM16ToFloat(converted, 1)[0]
	audio.Amplify(samples, p.cfg.DeviceGain*p.cfg.SoftwareGain)

	p.meter.Observe(audio.InputLevel(audio.RMSEnergy(samples)))

	p.pending = append(p.pending, samples...)
	for len(p.pending) >= p.cfg.FrameSamples {
		chunk := p.pending[:p.cfg.FrameSamples]
		p.pending = p.pending[p.cfg.FrameSamples:]

		frame := audio.Frame{
			Data:       audio.FloatToPCM16(chunk),
			SampleRate: audio.CaptureRate,
			Channels:   1,
			Timestamp:  p.elapsed,
		}
		p.elapsed += frame.Duration()

		select {
		case p.frames <- frame:
		default:
			p.dropped++
			if p.dropped%50 == 1 {
				p.logger.Warn("capture frame dropped, consumer too slow", "dropped", p.dropped)
			}
		}
	}
	p.mu.Unlock()
}

// Close stops the device, closes the frame channel, and releases references.
// Safe to call multiple times and safe to call when Start never completed.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.pending = nil
	p.mu.Unlock()

	err := p.dev.Close()
	close(p.frames)
	if err != nil {
		return fmt.Errorf("capture: close device: %w", err)
	}
	return nil
}
