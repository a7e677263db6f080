// Package mock provides a test double for the gateway.Store interface.
//
// Use Store in session and writer tests to verify persistence calls without a
// backend. Set Err fields to inject failures; set Gate to make writes block
// until the test releases them (for exercising async queue behaviour).
package mock

import (
	"context"
	"sync"

	"github.com/evrhire/cadenza/internal/gateway"
	"github.com/evrhire/cadenza/pkg/types"
)

// Compile-time interface assertion.
var _ gateway.Store = (*Store)(nil)

// AppendCall records a single invocation of AppendTranscript.
type AppendCall struct {
	InterviewID string
	Segment     gateway.Segment
}

// SignalsCall records a single invocation of UpdateSignals.
type SignalsCall struct {
	InterviewID string
	Signals     []types.Signal
}

// FinalizeCall records a single invocation of Finalize.
type FinalizeCall struct {
	InterviewID string
	Request     gateway.FinalizeRequest
}

// UploadCall records a single invocation of RecordingUploadURL.
type UploadCall struct {
	FileName    string
	ContentType string
}

// Store is a mock implementation of gateway.Store.
type Store struct {
	mu sync.Mutex

	// Interview is returned by CreateOrResume. May be nil with a nil error,
	// though real stores never do that.
	Interview *gateway.Interview

	// UploadTarget is returned by RecordingUploadURL.
	UploadTarget *gateway.UploadTarget

	// Errors injected per method.
	CreateOrResumeErr error
	AppendErr         error
	SignalsErr        error
	FinalizeErr       error
	UploadErr         error

	// Gate, when non-nil, blocks AppendTranscript and UpdateSignals until a
	// value is received (or the call's context ends).
	Gate chan struct{}

	// Call records, in order.
	CreateOrResumeCalls []string
	AppendCalls         []AppendCall
	SignalsCalls        []SignalsCall
	FinalizeCalls       []FinalizeCall
	UploadCalls         []UploadCall
}

// NewStore returns a mock that resumes the given interview.
func NewStore(interview *gateway.Interview) *Store {
	return &Store{Interview: interview}
}

func (s *Store) wait(ctx context.Context) error {
	s.mu.Lock()
	gate := s.Gate
	s.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateOrResume implements gateway.Store.
func (s *Store) CreateOrResume(ctx context.Context, applicationID string) (*gateway.Interview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateOrResumeCalls = append(s.CreateOrResumeCalls, applicationID)
	if s.CreateOrResumeErr != nil {
		return nil, s.CreateOrResumeErr
	}
	return s.Interview, nil
}

// AppendTranscript implements gateway.Store. The call is recorded before any
// Gate wait so tests can observe a blocked write in flight.
func (s *Store) AppendTranscript(ctx context.Context, interviewID string, seg gateway.Segment) error {
	s.mu.Lock()
	s.AppendCalls = append(s.AppendCalls, AppendCall{InterviewID: interviewID, Segment: seg})
	err := s.AppendErr
	s.mu.Unlock()
	if werr := s.wait(ctx); werr != nil {
		return werr
	}
	return err
}

// UpdateSignals implements gateway.Store. Recorded before any Gate wait.
func (s *Store) UpdateSignals(ctx context.Context, interviewID string, signals []types.Signal) error {
	s.mu.Lock()
	copied := make([]types.Signal, len(signals))
	copy(copied, signals)
	s.SignalsCalls = append(s.SignalsCalls, SignalsCall{InterviewID: interviewID, Signals: copied})
	err := s.SignalsErr
	s.mu.Unlock()
	if werr := s.wait(ctx); werr != nil {
		return werr
	}
	return err
}

// Finalize implements gateway.Store.
func (s *Store) Finalize(ctx context.Context, interviewID string, req gateway.FinalizeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinalizeCalls = append(s.FinalizeCalls, FinalizeCall{InterviewID: interviewID, Request: req})
	return s.FinalizeErr
}

// RecordingUploadURL implements gateway.Store.
func (s *Store) RecordingUploadURL(ctx context.Context, fileName, contentType string) (*gateway.UploadTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UploadCalls = append(s.UploadCalls, UploadCall{FileName: fileName, ContentType: contentType})
	if s.UploadErr != nil {
		return nil, s.UploadErr
	}
	return s.UploadTarget, nil
}

// Appended returns a copy of the recorded transcript appends.
func (s *Store) Appended() []AppendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AppendCall, len(s.AppendCalls))
	copy(out, s.AppendCalls)
	return out
}

// SignalFlushes returns a copy of the recorded signal flushes.
func (s *Store) SignalFlushes() []SignalsCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SignalsCall, len(s.SignalsCalls))
	copy(out, s.SignalsCalls)
	return out
}

// Finalized returns a copy of the recorded finalize calls.
func (s *Store) Finalized() []FinalizeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FinalizeCall, len(s.FinalizeCalls))
	copy(out, s.FinalizeCalls)
	return out
}

// Uploads returns a copy of the recorded upload URL requests.
func (s *Store) Uploads() []UploadCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UploadCall, len(s.UploadCalls))
	copy(out, s.UploadCalls)
	return out
}

// Reset clears all recorded calls.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateOrResumeCalls = nil
	s.AppendCalls = nil
	s.SignalsCalls = nil
	s.FinalizeCalls = nil
	s.UploadCalls = nil
}
