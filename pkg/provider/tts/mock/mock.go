// Package mock provides test doubles for the tts.Provider and tts.Session
// interfaces.
//
// The Session double honours last-call-wins: a second Speak while the first
// utterance is held in flight resolves the first done channel with
// tts.ErrInterrupted. By default utterances complete immediately; set Hold to
// keep them in flight until Resolve, Stop, a newer Speak, or Close.
//
// Example:
//
//	s := mock.NewSession()
//	s.Hold = true
//	p := &mock.Provider{Session: s}
//	sess, _ := p.OpenSession(ctx, voice, sink)
//	done, _ := sess.Speak(ctx, "first")
//	_, _ = sess.Speak(ctx, "second")
//	<-done // tts.ErrInterrupted
package mock

import (
	"context"
	"sync"

	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/types"
)

// OpenSessionCall records a single invocation of OpenSession.
type OpenSessionCall struct {
	// Voice is the VoiceProfile passed to OpenSession.
	Voice types.VoiceProfile
	// Sink is the Sink passed to OpenSession.
	Sink tts.Sink
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Session is returned by OpenSession. If nil, a fresh Session is created
	// per call (retrievable from OpenSessionCalls is not possible then, so
	// tests that inspect the session should set this field).
	Session *Session

	// OpenSessionErr, if non-nil, is returned from OpenSession.
	OpenSessionErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// OpenSessionCalls records every call to OpenSession in order.
	OpenSessionCalls []OpenSessionCall

	// ListVoicesCallCount counts calls to ListVoices.
	ListVoicesCallCount int
}

// OpenSession records the call and returns the configured Session.
func (p *Provider) OpenSession(_ context.Context, voice types.VoiceProfile, sink tts.Sink) (tts.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenSessionCalls = append(p.OpenSessionCalls, OpenSessionCall{Voice: voice, Sink: sink})
	if p.OpenSessionErr != nil {
		return nil, p.OpenSessionErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCallCount++
	return p.ListVoicesResult, p.ListVoicesErr
}

// OpenSessionCallCount returns the number of OpenSession calls. Thread-safe.
func (p *Provider) OpenSessionCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenSessionCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenSessionCalls = nil
	p.ListVoicesCallCount = 0
}

// SpeakCall records a single invocation of Speak.
type SpeakCall struct {
	// Text is the text passed to Speak.
	Text string
}

// Session is a mock implementation of tts.Session.
type Session struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// SpeakErr, if non-nil, is returned from Speak (no done channel is created).
	SpeakErr error

	// StopErr, if non-nil, is returned from Stop.
	StopErr error

	// CloseErr, if non-nil, is returned from Close.
	CloseErr error

	// Hold keeps utterances in flight until Resolve, Stop, a newer Speak, or
	// Close. When false (default), each Speak resolves immediately with nil.
	Hold bool

	// --- Call records ---

	// SpeakCalls records every call to Speak in order.
	SpeakCalls []SpeakCall

	// StopCallCount counts calls to Stop.
	StopCallCount int

	// CloseCallCount counts calls to Close.
	CloseCallCount int

	current chan error
	closed  bool
}

// NewSession creates a Session whose utterances complete immediately.
func NewSession() *Session {
	return &Session{}
}

// Speak records the call and returns a one-shot done channel per the
// tts.Session contract. Any held utterance resolves with tts.ErrInterrupted.
func (s *Session) Speak(_ context.Context, text string) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeakCalls = append(s.SpeakCalls, SpeakCall{Text: text})
	if s.SpeakErr != nil {
		return nil, s.SpeakErr
	}
	s.resolveLocked(tts.ErrInterrupted)

	ch := make(chan error, 1)
	if s.Hold {
		s.current = ch
	} else {
		ch <- nil
		close(ch)
	}
	return ch, nil
}

// Stop records the call and resolves any held utterance with tts.ErrInterrupted.
func (s *Session) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCallCount++
	if s.StopErr != nil {
		return s.StopErr
	}
	s.resolveLocked(tts.ErrInterrupted)
	return nil
}

// Close records the call, resolves any held utterance with tts.ErrInterrupted,
// and marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.resolveLocked(tts.ErrInterrupted)
	s.closed = true
	return s.CloseErr
}

// Resolve completes the held utterance with err (nil for normal completion).
// It is a no-op when nothing is in flight.
func (s *Session) Resolve(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveLocked(err)
}

// Speaking reports whether an utterance is currently held in flight.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SpeakCallCount returns the number of Speak calls. Thread-safe.
func (s *Session) SpeakCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SpeakCalls)
}

// ResetCalls clears all recorded calls without touching in-flight state.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeakCalls = nil
	s.StopCallCount = 0
	s.CloseCallCount = 0
}

func (s *Session) resolveLocked(err error) {
	if s.current == nil {
		return
	}
	s.current <- err
	close(s.current)
	s.current = nil
}

// Compile-time interface assertions.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Session  = (*Session)(nil)
)
