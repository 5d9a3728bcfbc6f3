package audio

import (
	"math"
	"sync"
	"time"
)

// levelIdleTimeout is how long a Meter reports its last level before decaying
// to zero when no new audio is observed.
const levelIdleTimeout = 500 * time.Millisecond

// RMSEnergy computes the root-mean-square energy of float samples.
// Returns a value in [0, 1] for samples within [-1, 1].
func RMSEnergy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// StridedRMSEnergy computes RMS over every stride-th sample. The playback path
// uses this on decoded model chunks where a full pass per chunk is wasteful.
func StridedRMSEnergy(samples []float32, stride int) float64 {
	if stride < 1 {
		stride = 1
	}
	var sum float64
	n := 0
	for i := 0; i < len(samples); i += stride {
		sum += float64(samples[i]) * float64(samples[i])
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// PCM16RMSEnergy computes the RMS energy of 16-bit little-endian PCM,
// normalised to [0, 1].
func PCM16RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i])|int16(pcm[i+1])<<8) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}

// FrequencyBinLevel averages unsigned magnitude bins (0–255, as produced by a
// frequency-domain analyser) and normalises by the maximum bin value. The
// result is in [0, 1].
func FrequencyBinLevel(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins)) / 255.0
}

// InputLevel derives the visual input level from an RMS value: scaled by 5 and
// capped at 0.5 so microphone clipping never pegs the UI, gated below an
// activity floor so idle hiss reports zero.
func InputLevel(rms float64) float64 {
	if rms <= 0.05 {
		return 0
	}
	return math.Min(rms*5, 0.5)
}

// OutputLevel derives the visual output level from an RMS value over decoded
// model audio. The result is clamped to [0, 1].
func OutputLevel(rms float64) float64 {
	return math.Min(rms*5, 1)
}

// Meter tracks the most recent loudness observation and decays it to zero
// after levelIdleTimeout of silence. It is the single source of truth for the
// host's level callback, so every caller gets the same decay contract.
// Safe for concurrent use.
type Meter struct {
	mu      sync.Mutex
	level   float64
	updated time.Time
	now     func() time.Time
}

// NewMeter creates a Meter. The zero value is not usable.
func NewMeter() *Meter {
	return &Meter{now: time.Now}
}

// Observe records a new level in [0, 1]. Out-of-range values are clamped.
func (m *Meter) Observe(level float64) {
	if level < 0 {
		level = 0
	} else if level > 1 {
		level = 1
	}
	m.mu.Lock()
	m.level = level
	m.updated = m.now()
	m.mu.Unlock()
}

// Level returns the current level, forced to 0 when nothing has been observed
// for levelIdleTimeout.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updated.IsZero() || m.now().Sub(m.updated) >= levelIdleTimeout {
		return 0
	}
	return m.level
}
