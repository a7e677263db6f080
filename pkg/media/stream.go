package media

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evrhire/cadenza/pkg/types"
)

// frameChanBuf is the capture frame buffer depth. At 10 ms callback periods
// this absorbs well over a second of scheduling jitter before frames drop.
const frameChanBuf = 256

// Stream is a running microphone capture. Captured PCM arrives on [Frames]
// as timestamped [types.AudioFrame] values.
//
// A Stream must be released when the interview ends. Release is idempotent:
// however many teardown paths race to call it, the underlying device is
// stopped and closed exactly once.
type Stream struct {
	cfg    CaptureConfig
	device CaptureDevice
	frames chan types.AudioFrame
	start  time.Time

	dropped atomic.Uint64

	releaseOnce sync.Once
	released    atomic.Bool
	releaseErr  error
}

// OpenStream opens a capture device on audioCtx and starts it. The returned
// Stream delivers frames until [Stream.Release] is called.
func OpenStream(audioCtx Context, cfg CaptureConfig) (*Stream, error) {
	s := &Stream{
		cfg:    cfg,
		frames: make(chan types.AudioFrame, frameChanBuf),
		start:  time.Now(),
	}

	device, err := audioCtx.NewCapture(cfg, s.onCapture)
	if err != nil {
		return nil, fmt.Errorf("media: open capture: %w", err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Close()
		return nil, fmt.Errorf("media: start capture: %w", err)
	}
	return s, nil
}

// onCapture runs on the backend's real-time thread. It must not block, so a
// full frame buffer drops the frame and counts it.
func (s *Stream) onCapture(pcm []byte, _ uint32) {
	if s.released.Load() {
		return
	}
	data := make([]byte, len(pcm))
	copy(data, pcm)

	frame := types.AudioFrame{
		Data:       data,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Timestamp:  time.Since(s.start),
	}

	select {
	case s.frames <- frame:
	default:
		s.dropped.Add(1)
	}
}

// Frames returns the capture output channel. It is closed by [Release].
func (s *Stream) Frames() <-chan types.AudioFrame {
	return s.frames
}

// Released reports whether Release has been called.
func (s *Stream) Released() bool {
	return s.released.Load()
}

// Release stops and closes the capture device and closes the frame channel.
// Safe to call from any teardown path; only the first call does the work and
// every call returns the same result.
func (s *Stream) Release() error {
	s.releaseOnce.Do(func() {
		s.released.Store(true)

		if err := s.device.Stop(); err != nil {
			s.releaseErr = err
		}
		if err := s.device.Close(); err != nil && s.releaseErr == nil {
			s.releaseErr = err
		}
		close(s.frames)

		if n := s.dropped.Load(); n > 0 {
			slog.Warn("media: capture frames dropped during session",
				"dropped", n,
				"sampleRate", s.cfg.SampleRate,
			)
		}
	})
	return s.releaseErr
}
