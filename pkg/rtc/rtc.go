// Package rtc defines the video/calling tier of an interview session.
//
// The calling tier is opportunistic: the orchestrator attempts to join the
// interview's call room after the session connects, and when it succeeds the
// candidate's audio is mirrored into the call and the UI shows a live
// captions badge. When the join fails, or the call drops mid-session, the
// badge clears and nothing else happens — the interview itself runs
// entirely on the speech input/output tiers and never waits on the call.
//
// The cloud subpackage implements the tier against the hosted calling
// fabric; the mock subpackage provides a scriptable double.
package rtc

import (
	"context"

	"github.com/evrhire/cadenza/pkg/types"
)

// CaptionsState describes the live-captions feature of a call, surfaced to
// the candidate as a badge.
type CaptionsState string

const (
	// CaptionsOff means captions are not running (also the state of a
	// disconnected call).
	CaptionsOff CaptionsState = "off"

	// CaptionsStarting means the call is up and captions were requested but
	// the fabric has not confirmed them yet.
	CaptionsStarting CaptionsState = "starting"

	// CaptionsActive means the fabric confirmed captions are running.
	CaptionsActive CaptionsState = "active"
)

// Platform joins interview call rooms.
type Platform interface {
	// Connect joins the call room identified by room (the interview ID).
	// ctx governs the join phase only; the returned Call lives until
	// [Call.Disconnect] or the fabric ends it.
	Connect(ctx context.Context, room string) (Call, error)
}

// Call is a live connection to an interview call room.
//
// Implementations must be safe for concurrent use.
type Call interface {
	// SendAudio mirrors one frame of captured candidate audio into the
	// call. It never blocks: when the uplink cannot keep up the frame is
	// dropped. Returns an error once the call has ended.
	SendAudio(frame types.AudioFrame) error

	// Captions reports the current live-captions state.
	Captions() CaptionsState

	// Done is closed when the call ends for any reason: Disconnect, a
	// fabric-side hangup, or a transport failure.
	Done() <-chan struct{}

	// Disconnect leaves the call. Safe to call more than once.
	Disconnect() error
}
