// Package stt defines the Provider interface for speech input backends.
//
// An input provider wraps a live transcription service — the cloud-neural
// recognizer or the on-device whisper engine — and exposes a uniform
// streaming interface. The central abstraction is [SessionHandle]: once
// opened, a session accepts raw PCM audio frames and emits two streams of
// [types.Transcript] values — low-latency partials for responsiveness and
// authoritative finals that become candidate answer content. Runtime
// failures surface on a third channel so the orchestrator can downgrade to
// the next input tier without tearing down the interview.
//
// Implementations must be safe for concurrent use. Audio input and
// transcript output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/evrhire/cadenza/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new
// input session. All fields must be compatible with what the underlying
// provider supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (recognition-optimised mono), 48000 (raw capture).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// recognizers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// PhraseHints lists vocabulary the recognizer should prefer — company
	// names, product names, and role-specific jargon from the job posting.
	PhraseHints []string
}

// SessionHandle represents an open recognition session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These are
	// suitable for driving UI indicators but must not be committed to the
	// conversation. The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// accumulate into the candidate's pending answer and reset the silence
	// clock. The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Errs returns a read-only channel that emits runtime failures: a dropped
	// socket, a server-side error frame, repeated send failures. Receiving a
	// value here means the session is no longer usable and the caller should
	// fall back to the next input tier. The channel is closed when the
	// session ends.
	Errs() <-chan error

	// SetPhraseHints replaces the active vocabulary hint list without
	// restarting the session. Providers that do not support mid-session hint
	// updates return an error; callers should treat this as best-effort.
	SetPhraseHints(phrases []string) error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials, Finals and
	// Errs channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any speech input backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per live interview).
type Provider interface {
	// StartStream opens a new streaming recognition session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
