package audio

import (
	"testing"
)

func pcmFromSamples(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

func samplesFromPCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

func TestResampleMono16_IdentityAtEqualRates(t *testing.T) {
	t.Parallel()

	in := pcmFromSamples([]int16{1, 2, 3, 4})
	out := ResampleMono16(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Error("equal rates should return the input unchanged")
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()

	// 48 kHz -> 16 kHz should produce one third the samples.
	in := pcmFromSamples(make([]int16, 48))
	out := ResampleMono16(in, 48000, 16000)
	if len(out) != 16*2 {
		t.Errorf("expected 16 samples, got %d", len(out)/2)
	}
}

func TestResampleMono16_UpsampleInterpolates(t *testing.T) {
	t.Parallel()

	// Doubling the rate of [0, 1000] yields an interpolated midpoint.
	in := pcmFromSamples([]int16{0, 1000})
	out := samplesFromPCM(ResampleMono16(in, 8000, 16000))
	if len(out) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(out))
	}
	if out[0] != 0 {
		t.Errorf("out[0] = %d, want 0", out[0])
	}
	if out[1] != 500 {
		t.Errorf("out[1] = %d, want interpolated 500", out[1])
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stereo []int16 // interleaved L, R
		mono   []int16
	}{
		{name: "average", stereo: []int16{100, 200}, mono: []int16{150}},
		{name: "cancellation", stereo: []int16{1000, -1000}, mono: []int16{0}},
		{name: "two frames", stereo: []int16{10, 20, 30, 50}, mono: []int16{15, 40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := samplesFromPCM(StereoToMono(pcmFromSamples(tt.stereo)))
			if len(got) != len(tt.mono) {
				t.Fatalf("expected %d samples, got %d", len(tt.mono), len(got))
			}
			for i := range tt.mono {
				if got[i] != tt.mono[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tt.mono[i])
				}
			}
		})
	}
}

func TestToCaptureFormat(t *testing.T) {
	t.Parallel()

	// Stereo 32 kHz input: channel conversion first, then 2:1 resample.
	stereo := pcmFromSamples(make([]int16, 64)) // 32 stereo frames
	out := ToCaptureFormat(stereo, Format{SampleRate: 32000, Channels: 2})
	if len(out) != 16*2 {
		t.Errorf("expected 16 mono samples at 16 kHz, got %d", len(out)/2)
	}

	// Native format passes through untouched.
	mono := pcmFromSamples([]int16{1, 2, 3})
	out = ToCaptureFormat(mono, Format{SampleRate: CaptureRate, Channels: 1})
	if &out[0] != &mono[0] {
		t.Error("native capture format should pass through unchanged")
	}
}

func TestAmplify(t *testing.T) {
	t.Parallel()

	samples := []float32{0.1, -0.2, 0.5}
	Amplify(samples, 3)
	want := []float32{0.3, -0.6, 1.5}
	for i := range want {
		if diff := samples[i] - want[i]; diff > 0.0001 || diff < -0.0001 {
			t.Errorf("sample %d = %f, want %f", i, samples[i], want[i])
		}
	}
}

func TestFrameDuration(t *testing.T) {
	t.Parallel()

	f := Frame{Data: make([]byte, FrameSamples*2), SampleRate: CaptureRate, Channels: 1}
	got := f.Duration().Milliseconds()
	if got != 256 {
		t.Errorf("4096 samples at 16 kHz = %dms, want 256ms", got)
	}
}
