// Package mock provides in-memory mock implementations of the media.Context,
// media.CaptureDevice, and media.PlaybackDevice interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	audioCtx := mock.NewContext()
//	stream, _ := media.OpenStream(audioCtx, media.CaptureConfig{SampleRate: 16000, Channels: 1})
//	audioCtx.Capture.EmitFrame(pcm)
//	frame := <-stream.Frames()
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/evrhire/cadenza/pkg/media"
)

// Compile-time interface assertions.
var (
	_ media.Context        = (*Context)(nil)
	_ media.CaptureDevice  = (*CaptureDevice)(nil)
	_ media.PlaybackDevice = (*PlaybackDevice)(nil)
)

// ---- Context ----------------------------------------------------------------

// Context is a mock implementation of media.Context. The same Capture and
// Playback doubles are handed out for every NewCapture/NewPlayback call, so
// tests can drive them directly.
type Context struct {
	mu sync.Mutex

	// Capture is handed out by NewCapture. Never nil after NewContext.
	Capture *CaptureDevice

	// Playback is handed out by NewPlayback. Never nil after NewContext.
	Playback *PlaybackDevice

	// Devices is returned by CaptureDevices.
	Devices []media.DeviceInfo

	// CaptureDevicesErr, NewCaptureErr, NewPlaybackErr inject failures.
	CaptureDevicesErr error
	NewCaptureErr     error
	NewPlaybackErr    error

	// NewCaptureCalls records the configs passed to NewCapture.
	NewCaptureCalls []media.CaptureConfig

	// NewPlaybackCalls records the configs passed to NewPlayback.
	NewPlaybackCalls []media.PlaybackConfig

	// CloseCallCount records how many times Close was called.
	CloseCallCount int
}

// NewContext returns a Context with fresh capture and playback doubles.
func NewContext() *Context {
	return &Context{
		Capture:  NewCaptureDevice(),
		Playback: NewPlaybackDevice(),
	}
}

// CaptureDevices implements media.Context.
func (c *Context) CaptureDevices() ([]media.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CaptureDevicesErr != nil {
		return nil, c.CaptureDevicesErr
	}
	return append([]media.DeviceInfo(nil), c.Devices...), nil
}

// NewCapture implements media.Context. The callback is installed on the
// shared Capture double.
func (c *Context) NewCapture(cfg media.CaptureConfig, cb media.DataCallback) (media.CaptureDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NewCaptureCalls = append(c.NewCaptureCalls, cfg)
	if c.NewCaptureErr != nil {
		return nil, c.NewCaptureErr
	}
	c.Capture.setCallback(cb)
	return c.Capture, nil
}

// NewPlayback implements media.Context.
func (c *Context) NewPlayback(cfg media.PlaybackConfig) (media.PlaybackDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NewPlaybackCalls = append(c.NewPlaybackCalls, cfg)
	if c.NewPlaybackErr != nil {
		return nil, c.NewPlaybackErr
	}
	return c.Playback, nil
}

// Close implements media.Context.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return nil
}

// ---- CaptureDevice ----------------------------------------------------------

// CaptureDevice is a mock implementation of media.CaptureDevice. Drive it
// with EmitFrame to simulate microphone input.
//
// Stop blocks until any in-flight EmitFrame callback has returned, matching
// the join semantics of a real audio backend.
type CaptureDevice struct {
	mu sync.Mutex

	cb      media.DataCallback
	started bool
	closed  bool

	// StartErr, StopErr inject failures.
	StartErr error
	StopErr  error

	// StartCallCount, StopCallCount, CloseCallCount record lifecycle calls.
	StartCallCount int
	StopCallCount  int
	CloseCallCount int
}

// NewCaptureDevice returns a stopped capture double.
func NewCaptureDevice() *CaptureDevice {
	return &CaptureDevice{}
}

func (d *CaptureDevice) setCallback(cb media.DataCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
}

// EmitFrame delivers pcm to the installed callback as if the microphone
// produced it. No-op unless the device is started.
func (d *CaptureDevice) EmitFrame(pcm []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.closed || d.cb == nil {
		return
	}
	frameCount := uint32(len(pcm) / 2)
	d.cb(pcm, frameCount)
}

// Start implements media.CaptureDevice.
func (d *CaptureDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCallCount++
	if d.StartErr != nil {
		return d.StartErr
	}
	if d.closed {
		return errors.New("mock: capture device is closed")
	}
	d.started = true
	return nil
}

// Stop implements media.CaptureDevice.
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StopCallCount++
	if d.StopErr != nil {
		return d.StopErr
	}
	d.started = false
	return nil
}

// Close implements media.CaptureDevice.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCallCount++
	d.started = false
	d.closed = true
	return nil
}

// Started reports whether the device is currently delivering frames.
func (d *CaptureDevice) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// ---- PlaybackDevice ---------------------------------------------------------

// PlaybackDevice is a mock implementation of media.PlaybackDevice that
// records everything written to it.
type PlaybackDevice struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by WritePCM.
	WriteErr error

	// Written accumulates all PCM written via WritePCM.
	Written []byte

	// WriteCallCount records how many times WritePCM was called.
	WriteCallCount int

	// CloseCallCount records how many times Close was called.
	CloseCallCount int

	closed bool
}

// NewPlaybackDevice returns an open playback double.
func NewPlaybackDevice() *PlaybackDevice {
	return &PlaybackDevice{}
}

// WritePCM implements media.PlaybackDevice.
func (p *PlaybackDevice) WritePCM(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WriteCallCount++
	if p.WriteErr != nil {
		return p.WriteErr
	}
	if p.closed {
		return errors.New("mock: playback device is closed")
	}
	p.Written = append(p.Written, pcm...)
	return nil
}

// Close implements media.PlaybackDevice.
func (p *PlaybackDevice) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	p.closed = true
	return nil
}

// WrittenBytes returns a copy of everything written so far.
func (p *PlaybackDevice) WrittenBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.Written...)
}

// Reset clears recorded writes and call counts.
func (p *PlaybackDevice) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Written = nil
	p.WriteCallCount = 0
	p.CloseCallCount = 0
	p.closed = false
}
