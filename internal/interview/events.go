package interview

import (
	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/rtc"
	"github.com/evrhire/cadenza/pkg/types"
)

// EventType discriminates session events.
type EventType string

const (
	// EventStatus reports a state transition. Status carries the new state.
	EventStatus EventType = "status"

	// EventTranscript reports a message committed to the conversation.
	EventTranscript EventType = "transcript"

	// EventPartial reports the candidate's in-progress answer: accumulated
	// finals plus the latest interim guess.
	EventPartial EventType = "partial"

	// EventCapabilities reports which tier serves each channel, the captions
	// state, and remote stream attach info. Emitted whenever any of those
	// change.
	EventCapabilities EventType = "capabilities"

	// EventCoverage reports focus-area progress after the turn engine marks
	// a competency covered.
	EventCoverage EventType = "coverage"

	// EventWarning reports a recoverable condition the candidate should see,
	// such as a rate-limited turn engine.
	EventWarning EventType = "warning"

	// EventError reports the failure that ended the session. Always preceded
	// by a status event carrying [StatusError].
	EventError EventType = "error"

	// EventCompleted is the last event of a successful session, emitted
	// after the closing record is written.
	EventCompleted EventType = "completed"
)

// Capabilities is a snapshot of the session's provider channels.
type Capabilities struct {
	// InputTier and OutputTier name the tiers serving speech recognition and
	// synthesis.
	InputTier  string
	OutputTier string

	// VideoTier names the joined calling fabric, empty when no call is up.
	VideoTier string

	// Captions is the call's live-captions state.
	Captions rtc.CaptionsState

	// Stream is set when the output tier renders speech remotely and the
	// client must attach to its media stream.
	Stream *tts.StreamInfo
}

// Event is one item on the session's outbound event stream. Type selects
// which payload fields are meaningful.
type Event struct {
	Type EventType

	Status       Status
	Message      *types.TranscriptMessage
	Partial      string
	Capabilities *Capabilities
	Covered      []string
	Remaining    []string
	Warning      string
	Reason       string
}
