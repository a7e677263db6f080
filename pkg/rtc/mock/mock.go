// Package mock provides in-memory mock implementations of the rtc.Platform
// and rtc.Call interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields and helper methods that the test can use to script
// fabric-side behavior (captions events, remote hangups).
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/evrhire/cadenza/pkg/rtc"
	"github.com/evrhire/cadenza/pkg/types"
)

// Compile-time interface assertions.
var (
	_ rtc.Platform = (*Platform)(nil)
	_ rtc.Call     = (*Call)(nil)
)

// ---- Platform ---------------------------------------------------------------

// Platform is a mock implementation of rtc.Platform. The same Call double
// is handed out for every Connect, so tests can drive it directly.
type Platform struct {
	mu sync.Mutex

	// Call is handed out by Connect. Never nil after NewPlatform.
	Call *Call

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ConnectCalls records the rooms passed to Connect.
	ConnectCalls []string
}

// NewPlatform returns a Platform with a fresh Call double.
func NewPlatform() *Platform {
	return &Platform{Call: NewCall()}
}

// Connect implements rtc.Platform.
func (p *Platform) Connect(_ context.Context, room string) (rtc.Call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, room)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	return p.Call, nil
}

// Reset clears recorded calls and hands out a fresh Call double.
func (p *Platform) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.ConnectErr = nil
	p.Call = NewCall()
}

// ---- Call -------------------------------------------------------------------

// Call is a mock implementation of rtc.Call. Script fabric-side behavior
// with SetCaptions and EndCall.
type Call struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// SendAudioCalls records every frame passed to SendAudio.
	SendAudioCalls []types.AudioFrame

	// DisconnectCallCount records how many times Disconnect was called.
	DisconnectCallCount int

	captions rtc.CaptionsState
	done     chan struct{}
	endOnce  sync.Once
}

// NewCall returns a live call double with captions off.
func NewCall() *Call {
	return &Call{
		captions: rtc.CaptionsOff,
		done:     make(chan struct{}),
	}
}

// SendAudio implements rtc.Call.
func (c *Call) SendAudio(frame types.AudioFrame) error {
	select {
	case <-c.done:
		return errors.New("mock: call has ended")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendAudioErr != nil {
		return c.SendAudioErr
	}
	c.SendAudioCalls = append(c.SendAudioCalls, frame)
	return nil
}

// Captions implements rtc.Call.
func (c *Call) Captions() rtc.CaptionsState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captions
}

// Done implements rtc.Call.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Disconnect implements rtc.Call.
func (c *Call) Disconnect() error {
	c.mu.Lock()
	c.DisconnectCallCount++
	c.mu.Unlock()
	c.end()
	return nil
}

// SetCaptions scripts a captions state change, as if the fabric reported it.
func (c *Call) SetCaptions(state rtc.CaptionsState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captions = state
}

// EndCall scripts a fabric-side hangup: captions clear and Done closes.
func (c *Call) EndCall() {
	c.end()
}

func (c *Call) end() {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.captions = rtc.CaptionsOff
		c.mu.Unlock()
		close(c.done)
	})
}

// SentFrames returns a copy of the frames recorded by SendAudio.
func (c *Call) SentFrames() []types.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.AudioFrame(nil), c.SendAudioCalls...)
}
