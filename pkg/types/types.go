// Package types defines the shared types used across all cadenza packages.
//
// These types form the lingua franca between speech providers, the turn
// engine, the persistence gateway, and the session orchestrator. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from the microphone,
// resampled for recognition, encoded for the calling uplink, and played through
// the output sink.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the pipeline config.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for capture, 16000 for recognition).
	SampleRate int

	// Channels: 1 for mono (recognition input), 2 for stereo playback.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an input provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Role identifies the speaker of a transcript message.
type Role string

const (
	// RoleAI marks a message spoken by the interviewer.
	RoleAI Role = "ai"

	// RoleCandidate marks a message spoken by the candidate.
	RoleCandidate Role = "candidate"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleAI || r == RoleCandidate
}

// TranscriptMessage is one turn entry in the interview conversation.
// Messages form an append-only sequence whose insertion order is the literal
// conversation replayed to the turn engine; a message is never mutated after
// creation.
type TranscriptMessage struct {
	// ID uniquely identifies the message within the session.
	ID string

	// Role is who spoke: interviewer or candidate.
	Role Role

	// Content is the spoken text.
	Content string

	// Timestamp is when the message was committed to the conversation.
	Timestamp time.Time
}

// SignalType enumerates the anti-cheat signal kinds.
type SignalType string

const (
	// SignalSilence records an unusually long silent stretch before a
	// submission.
	SignalSilence SignalType = "silence"

	// SignalLatency records a turn round-trip that exceeded the configured
	// latency threshold.
	SignalLatency SignalType = "latency"

	// SignalTabSwitch records the candidate leaving the interview tab.
	SignalTabSwitch SignalType = "tab_switch"
)

// IsValid reports whether t is a known signal type.
func (t SignalType) IsValid() bool {
	switch t {
	case SignalSilence, SignalLatency, SignalTabSwitch:
		return true
	}
	return false
}

// Signal is a recorded event suggesting possible candidate distraction or
// dishonesty. Signals accumulate for the session lifetime and are flushed to
// the persistence gateway on each addition and once more at completion.
type Signal struct {
	// Type classifies the signal.
	Type SignalType `json:"type"`

	// Timestamp is when the signal was observed.
	Timestamp time.Time `json:"timestamp"`

	// DurationMs carries the measured duration for silence and latency
	// signals. Zero for tab switches.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// SpeechCredential is a short-lived token for the cloud speech service,
// scoped to a region. Both the recognizer and the synthesizer tiers
// authenticate with it.
type SpeechCredential struct {
	// Token is the bearer token issued by the token endpoint.
	Token string

	// Region is the cloud region hosting the speech service (e.g. "westeurope").
	Region string
}

// CallCredential authorizes joining the calling fabric for the
// video/calling tier.
type CallCredential struct {
	// Token is the bearer token scoped to the calling service.
	Token string

	// ExpiresOn is when the token stops being accepted.
	ExpiresOn time.Time

	// UserID is the calling-fabric identity the token was minted for.
	UserID string
}

// RelayCredential is a TURN/STUN relay grant. The interview client needs it
// to attach to a remotely rendered avatar stream through restrictive NATs.
type RelayCredential struct {
	// URLs are the relay server addresses (turn:/stun: URIs).
	URLs []string

	// Username authenticates against the relay.
	Username string

	// Credential is the relay password paired with Username.
	Credential string
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// VoiceProfile describes the interviewer voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g. a neural voice name).
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which output provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (avatar character,
	// style, locale, etc.).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
