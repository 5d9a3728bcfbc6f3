// Package audio provides the PCM codec, level metering, and format conversion
// primitives shared by the capture and playback pipelines.
//
// Everything in this package is pure computation over sample buffers. Device
// access lives in the capture and playback subpackages; wire transport lives
// in pkg/s2s.
package audio

import (
	"encoding/base64"
	"math"
)

// FloatToPCM16 converts floating-point samples in [-1, 1] to 16-bit
// little-endian signed PCM. Samples scale by 32768 with round-to-nearest and
// clamp to the int16 range — never wrap — so a decode with PCM16ToFloat lands
// within one quantisation step of the input.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		scaled := math.Round(float64(s) * 32768)
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		v := int16(scaled)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat converts interleaved 16-bit little-endian PCM into per-channel
// float slices normalised by 32768. A trailing odd byte is ignored. channels
// values below 1 are treated as mono.
func PCM16ToFloat(pcm []byte, channels int) [][]float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / 2 / channels
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			idx := (i*channels + ch) * 2
			s := int16(pcm[idx]) | int16(pcm[idx+1])<<8
			out[ch][i] = float32(s) / 32768.0
		}
	}
	return out
}

// EncodeBase64 encodes PCM bytes for the JSON wire transport.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 decodes a base64 wire payload back into PCM bytes.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
