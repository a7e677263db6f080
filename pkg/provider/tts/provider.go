// Package tts defines the Provider interface for speech output backends.
//
// A speech output provider wraps a synthesis service — a streaming avatar, a
// cloud neural synthesizer, or a local speech daemon — behind a uniform
// session interface. Output tiers are selected once at interview start and
// never change mid-session: if a tier cannot open a session the orchestrator
// falls through to the next one, but an open session stays on its tier for
// the whole interview.
//
// Within a session, utterances follow last-call-wins semantics: calling
// Speak while a previous utterance is still playing interrupts it. The
// superseded utterance's done channel resolves with ErrInterrupted, the new
// one proceeds. This mirrors how a human interviewer abandons a sentence
// when they start a new one.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/evrhire/cadenza/pkg/types"
)

// ErrInterrupted resolves the done channel of an utterance that was cut
// short by a newer Speak call, a Stop, or the session closing. It is not a
// failure: the turn it belonged to has simply been superseded.
var ErrInterrupted = errors.New("tts: utterance interrupted")

// Sink consumes synthesised PCM audio. The playback device and the calling
// uplink both implement it. Implementations may block to pace writes at the
// playback rate; WritePCM must return promptly once ctx is cancelled.
//
// Tiers that render speech remotely (the avatar service plays its own audio
// inside the media stream) ignore the sink entirely.
type Sink interface {
	WritePCM(ctx context.Context, pcm []byte) error
}

// Provider opens speech output sessions for interviews.
type Provider interface {
	// OpenSession establishes a speech output channel using the given voice.
	// Audio is delivered to sink unless the tier renders remotely. A non-nil
	// error means this tier is unavailable and the caller should try the
	// next one.
	OpenSession(ctx context.Context, voice types.VoiceProfile, sink Sink) (Session, error)

	// ListVoices returns the voice profiles available from this provider.
	// The catalogue may change between calls if the underlying service adds
	// or removes voices.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}

// StreamInfo describes a remotely rendered media stream that the interview
// client attaches to directly.
type StreamInfo struct {
	// URL is the media stream address.
	URL string

	// AccessToken authorizes the client to attach.
	AccessToken string

	// Relay, when set, carries TURN credentials the client can use to
	// reach the stream through restrictive NATs.
	Relay *types.RelayCredential
}

// RemoteRenderer is implemented by sessions whose speech plays inside a
// vendor-hosted media stream instead of the local sink. The orchestrator
// forwards the stream info to the client when present.
type RemoteRenderer interface {
	StreamInfo() StreamInfo
}

// Session is a live speech output channel for one interview.
type Session interface {
	// Speak synthesises and plays text. If an utterance is already playing
	// it is interrupted first. The returned channel receives exactly one
	// value — nil when playback completed, ErrInterrupted when superseded or
	// stopped, or the failure that ended the utterance — and is then closed.
	//
	// The error return is non-nil only when the utterance cannot be started
	// at all; in that case no done channel is returned.
	Speak(ctx context.Context, text string) (<-chan error, error)

	// Stop interrupts the in-flight utterance, if any. Idle sessions treat
	// it as a no-op.
	Stop(ctx context.Context) error

	// Close releases the session and its backend connection. An in-flight
	// utterance resolves with ErrInterrupted. Close is idempotent.
	Close() error
}
