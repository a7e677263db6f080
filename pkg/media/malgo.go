package media

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gen2brain/malgo"
)

// playbackQueueDepth bounds how many PCM buffers can wait in a playback
// device before WritePCM blocks. At 4096-byte chunks and 16 kHz mono this is
// roughly eight seconds of queued speech.
const playbackQueueDepth = 64

// Compile-time interface assertions.
var (
	_ Context        = (*MalgoContext)(nil)
	_ CaptureDevice  = (*malgoCapture)(nil)
	_ PlaybackDevice = (*malgoPlayback)(nil)
)

// MalgoContext implements [Context] backed by the miniaudio library.
type MalgoContext struct {
	ctx *malgo.AllocatedContext
}

// NewMalgoContext initialises the audio backend for the current platform.
func NewMalgoContext() (*MalgoContext, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("media: init audio context: %w", err)
	}
	return &MalgoContext{ctx: ctx}, nil
}

// CaptureDevices implements [Context].
func (m *MalgoContext) CaptureDevices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("media: list capture devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID.Pointer()[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

// NewCapture implements [Context].
func (m *MalgoContext) NewCapture(cfg CaptureConfig, cb DataCallback) (CaptureDevice, error) {
	if cb == nil {
		return nil, errors.New("media: capture callback must not be nil")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)

	if cfg.DeviceID != "" {
		devID, err := decodeDeviceID(cfg.DeviceID)
		if err != nil {
			return nil, err
		}
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			cb(data, frameCount)
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("media: init capture device: %w", err)
	}
	return &malgoCapture{device: dev}, nil
}

// NewPlayback implements [Context].
func (m *MalgoContext) NewPlayback(cfg PlaybackConfig) (PlaybackDevice, error) {
	p := &malgoPlayback{
		queue:  make(chan []byte, playbackQueueDepth),
		closed: make(chan struct{}),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)

	if cfg.DeviceID != "" {
		devID, err := decodeDeviceID(cfg.DeviceID)
		if err != nil {
			return nil, err
		}
		deviceConfig.Playback.DeviceID = devID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			p.fill(out)
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("media: init playback device: %w", err)
	}
	p.device = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("media: start playback device: %w", err)
	}
	return p, nil
}

// Close implements [Context].
func (m *MalgoContext) Close() error {
	err := m.ctx.Uninit()
	m.ctx.Free()
	if err != nil {
		return fmt.Errorf("media: uninit audio context: %w", err)
	}
	return nil
}

// decodeDeviceID converts the hex form used in [DeviceInfo.ID] back into a
// backend device identifier.
func decodeDeviceID(id string) (malgo.DeviceID, error) {
	var devID malgo.DeviceID
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return devID, fmt.Errorf("media: invalid device ID %q: %w", id, err)
	}
	copy(devID[:], idBytes)
	return devID, nil
}

// ---- capture ----------------------------------------------------------------

type malgoCapture struct {
	device *malgo.Device
}

func (c *malgoCapture) Start() error {
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("media: start capture: %w", err)
	}
	return nil
}

func (c *malgoCapture) Stop() error {
	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("media: stop capture: %w", err)
	}
	return nil
}

func (c *malgoCapture) Close() error {
	c.device.Uninit()
	return nil
}

// ---- playback ---------------------------------------------------------------

// malgoPlayback queues written PCM and feeds it to the device callback.
// leftover is touched only from the callback thread.
type malgoPlayback struct {
	device   *malgo.Device
	queue    chan []byte
	leftover []byte
	closed   chan struct{}
}

// fill copies queued PCM into out and zero-fills the remainder on underrun.
// Runs on the backend's real-time thread, so it never blocks on the queue.
func (p *malgoPlayback) fill(out []byte) {
	n := copy(out, p.leftover)
	p.leftover = p.leftover[n:]
	for n < len(out) {
		select {
		case buf := <-p.queue:
			m := copy(out[n:], buf)
			if m < len(buf) {
				p.leftover = buf[m:]
			}
			n += m
		default:
			clear(out[n:])
			return
		}
	}
}

// WritePCM implements [PlaybackDevice]. The pcm slice is copied, so the
// caller may reuse it immediately.
func (p *malgoPlayback) WritePCM(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)

	select {
	case p.queue <- cp:
		return nil
	case <-p.closed:
		return errors.New("media: playback device is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements [PlaybackDevice]. Queued audio that has not reached the
// device yet is discarded.
func (p *malgoPlayback) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
	}
	close(p.closed)
	p.device.Uninit()
	return nil
}
