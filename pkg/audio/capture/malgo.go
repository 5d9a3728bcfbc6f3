package capture

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/hearthside-ai/hearthside/pkg/audio"
)

var _ Device = (*MalgoDevice)(nil)

// MalgoDevice captures from the default system microphone via miniaudio.
// It requests mono S16 at the protocol capture rate so the pipeline's
// conversion step is usually a no-op; backends that cannot honour the
// request report their real format through Format.
type MalgoDevice struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	dev    *malgo.Device
	format audio.Format
	closed bool
}

// NewMalgoDevice initialises the miniaudio backend context.
func NewMalgoDevice() (*MalgoDevice, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	}
	return &MalgoDevice{ctx: ctx}, nil
}

// Start opens the default capture device with echo cancellation and noise
// suppression left to the OS layer and automatic gain control off.
func (d *MalgoDevice) Start(onPCM func(pcm []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("capture: device is closed")
	}
	if d.dev != nil {
		return fmt.Errorf("capture: device already started")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = audio.CaptureRate
	cfg.PeriodSizeInMilliseconds = 20
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onPCM(input)
		},
	}

	dev, err := malgo.InitDevice(d.ctx.Context, cfg, callbacks)
	if err != nil {
		return mapMalgoError(err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return mapMalgoError(err)
	}

	d.dev = dev
	d.format = audio.Format{
		SampleRate: int(dev.SampleRate()),
		Channels:   int(dev.CaptureChannels()),
	}
	return nil
}

// Format reports the rate and channel count the device actually opened with.
func (d *MalgoDevice) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// Close stops the device and tears down the backend context.
func (d *MalgoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.dev != nil {
		d.dev.Uninit()
		d.dev = nil
	}
	if d.ctx != nil {
		err := d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
		if err != nil {
			return fmt.Errorf("capture: uninit context: %w", err)
		}
	}
	return nil
}

// mapMalgoError translates miniaudio failures onto the package sentinels.
// miniaudio surfaces these as result-code strings, so matching on the
// message is the only handle available.
func mapMalgoError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "device not found"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	case strings.Contains(msg, "backend not enabled"), strings.Contains(msg, "no backend"):
		return fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	default:
		return fmt.Errorf("capture: open device: %w", err)
	}
}
