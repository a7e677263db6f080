// Package media defines the interfaces and types for local audio device
// access and stream management within cadenza.
//
// The three primary abstractions are:
//
//   - [Context] — enumerates audio devices and opens capture or playback
//     handles on them.
//   - [CaptureDevice] / [PlaybackDevice] — an open microphone or speaker
//     path. Playback devices double as a [tts] sink.
//   - [Stream] — a running microphone capture that fans PCM into a frame
//     channel and is released exactly once, regardless of how the interview
//     ends.
//
// The malgo-backed implementation talks to the real hardware; the mock
// subpackage provides scripted doubles for tests. The interfaces are
// intentionally narrow to keep the session orchestrator decoupled from the
// audio backend.
package media

import (
	"context"
	"strings"
)

// DeviceInfo identifies one audio device known to a [Context].
type DeviceInfo struct {
	// ID is an opaque platform-specific identifier. Pass it back in
	// CaptureConfig.DeviceID to select this device.
	ID string

	// Name is the human-readable device name as reported by the OS.
	Name string
}

// DataCallback receives raw PCM from a capture device. It is invoked on the
// audio backend's real-time thread and must not block.
type DataCallback func(pcm []byte, frameCount uint32)

// CaptureConfig describes the desired microphone format.
type CaptureConfig struct {
	// SampleRate in Hz (e.g., 16000 for recognition-ready capture).
	SampleRate int

	// Channels is the channel count. 1 captures mono.
	Channels int

	// DeviceID selects a specific device by [DeviceInfo.ID]. Empty selects
	// the system default.
	DeviceID string
}

// PlaybackConfig describes the desired speaker format.
type PlaybackConfig struct {
	// SampleRate in Hz (e.g., 16000 to match synthesised speech).
	SampleRate int

	// Channels is the channel count. 1 plays mono.
	Channels int

	// DeviceID selects a specific device by [DeviceInfo.ID]. Empty selects
	// the system default.
	DeviceID string
}

// Context is the entry point to an audio backend.
//
// Implementations must be safe for concurrent use.
type Context interface {
	// CaptureDevices lists the available microphones.
	CaptureDevices() ([]DeviceInfo, error)

	// NewCapture opens a capture device delivering PCM to cb. The device is
	// created stopped; call [CaptureDevice.Start] to begin delivery.
	NewCapture(cfg CaptureConfig, cb DataCallback) (CaptureDevice, error)

	// NewPlayback opens a playback device. Audio written via WritePCM is
	// queued and played in order.
	NewPlayback(cfg PlaybackConfig) (PlaybackDevice, error)

	// Close releases the backend. All devices must be closed first.
	Close() error
}

// CaptureDevice is an open microphone path.
type CaptureDevice interface {
	// Start begins PCM delivery to the callback.
	Start() error

	// Stop pauses PCM delivery. The device can be started again.
	Stop() error

	// Close releases the device. The device cannot be reused afterwards.
	Close() error
}

// PlaybackDevice is an open speaker path. It satisfies the speech output
// sink contract: synthesised PCM written here is played in order.
type PlaybackDevice interface {
	// WritePCM queues pcm for playback. It blocks when the playback buffer
	// is full, which paces speech synthesis to real time, and returns early
	// with ctx.Err() when ctx is cancelled.
	WritePCM(ctx context.Context, pcm []byte) error

	// Close stops playback and releases the device.
	Close() error
}

// bluetoothKeywords marks device names that identify wireless headsets.
// Bluetooth mics add 100-300 ms of codec latency, enough to distort the
// silence timing the interview flow depends on.
var bluetoothKeywords = []string{
	"airpods", "bluetooth", "jabra", "galaxy buds", "pixel buds",
	"bose", "wh-1000", "wf-1000", " bt ", " bt)",
}

// IsBluetooth reports whether the device name looks like a Bluetooth headset.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range bluetoothKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// PickCaptureDevice chooses a microphone from devices. A wired device is
// preferred over a Bluetooth one; within each class the first listed wins.
// Returns nil when devices is empty, which selects the system default.
func PickCaptureDevice(devices []DeviceInfo) *DeviceInfo {
	var bt *DeviceInfo
	for i := range devices {
		if IsBluetooth(devices[i].Name) {
			if bt == nil {
				bt = &devices[i]
			}
			continue
		}
		return &devices[i]
	}
	return bt
}
