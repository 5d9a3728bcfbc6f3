package audio

import "time"

// Protocol audio rates. These are fixed constants of the remote model's wire
// contract, not configuration: microphone audio is sent at 16 kHz and the
// model's synthesised speech arrives at 24 kHz. Both legs are PCM16LE mono.
const (
	// CaptureRate is the sample rate in Hz of outbound microphone audio.
	CaptureRate = 16000

	// PlaybackRate is the sample rate in Hz of inbound model audio.
	PlaybackRate = 24000

	// CaptureMIMEType is the mime type attached to every outbound media chunk.
	CaptureMIMEType = "audio/pcm;rate=16000"

	// FrameSamples is the number of samples in one capture frame
	// (~256 ms at 16 kHz).
	FrameSamples = 4096
)

// Frame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from the microphone,
// encoded by the codec, and handed to the session as one outbound media chunk.
type Frame struct {
	// PCM audio data, 16-bit little-endian signed samples.
	Data []byte

	// SampleRate in Hz (CaptureRate for outbound frames).
	SampleRate int

	// Channels: 1 for mono. The wire protocol is mono on both legs.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
