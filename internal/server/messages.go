package server

import (
	"time"

	"github.com/evrhire/cadenza/internal/interview"
)

// Client → server message types.
const (
	msgStart      = "start"
	msgSubmit     = "submit"
	msgHangup     = "hangup"
	msgMute       = "mute"
	msgVisibility = "visibility"
)

// Server → client frame types.
const (
	frameStatus     = "status"
	frameTranscript = "transcript"
	framePartial    = "partial"
	frameBadge      = "badge"
	frameCoverage   = "coverage"
	frameWarning    = "warning"
	frameError      = "error"
	frameCompleted  = "completed"
)

// envelope is the first-pass decode of an inbound message, enough to pick
// the concrete type.
type envelope struct {
	Type string `json:"type"`
}

// startMessage opens the interview for an application.
type startMessage struct {
	Type          string `json:"type"`
	ApplicationID string `json:"application_id"`
}

// muteMessage gates the candidate's microphone.
type muteMessage struct {
	Type  string `json:"type"`
	Muted bool   `json:"muted"`
}

// visibilityMessage reports the interview tab being hidden or shown.
type visibilityMessage struct {
	Type   string `json:"type"`
	Hidden bool   `json:"hidden"`
}

// statusFrame reports a session state transition.
type statusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// transcriptFrame carries a message committed to the conversation.
type transcriptFrame struct {
	Type    string         `json:"type"`
	Message transcriptBody `json:"message"`
}

type transcriptBody struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// partialFrame carries the candidate's in-progress answer.
type partialFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// badgeFrame drives the capability badge: which tier serves each channel,
// the live-captions state, and (when speech renders remotely) the media
// stream the page must attach.
type badgeFrame struct {
	Type       string      `json:"type"`
	InputTier  string      `json:"input_tier"`
	OutputTier string      `json:"output_tier"`
	VideoTier  string      `json:"video_tier,omitempty"`
	Captions   string      `json:"captions"`
	Stream     *streamBody `json:"stream,omitempty"`
}

type streamBody struct {
	URL         string     `json:"url"`
	AccessToken string     `json:"access_token"`
	Relay       *relayBody `json:"relay,omitempty"`
}

// relayBody is an RTCIceServer entry: TURN credentials for attaching to the
// remote stream through restrictive NATs.
type relayBody struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

// coverageFrame reports focus-area progress.
type coverageFrame struct {
	Type      string   `json:"type"`
	Covered   []string `json:"covered"`
	Remaining []string `json:"remaining"`
}

// warningFrame carries a recoverable condition the candidate should see.
type warningFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// errorFrame reports the failure that ended the session, or a refused start.
type errorFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// completedFrame is the last frame of a successful interview.
type completedFrame struct {
	Type string `json:"type"`
}

// eventFrame translates a session event into its wire frame. The second
// return is false for events with no client representation.
func eventFrame(ev interview.Event) (any, bool) {
	switch ev.Type {
	case interview.EventStatus:
		return statusFrame{Type: frameStatus, Status: string(ev.Status)}, true

	case interview.EventTranscript:
		if ev.Message == nil {
			return nil, false
		}
		return transcriptFrame{
			Type: frameTranscript,
			Message: transcriptBody{
				ID:        ev.Message.ID,
				Role:      string(ev.Message.Role),
				Content:   ev.Message.Content,
				Timestamp: ev.Message.Timestamp,
			},
		}, true

	case interview.EventPartial:
		return partialFrame{Type: framePartial, Text: ev.Partial}, true

	case interview.EventCapabilities:
		if ev.Capabilities == nil {
			return nil, false
		}
		f := badgeFrame{
			Type:       frameBadge,
			InputTier:  ev.Capabilities.InputTier,
			OutputTier: ev.Capabilities.OutputTier,
			VideoTier:  ev.Capabilities.VideoTier,
			Captions:   string(ev.Capabilities.Captions),
		}
		if st := ev.Capabilities.Stream; st != nil {
			f.Stream = &streamBody{URL: st.URL, AccessToken: st.AccessToken}
			if st.Relay != nil {
				f.Stream.Relay = &relayBody{
					URLs:       st.Relay.URLs,
					Username:   st.Relay.Username,
					Credential: st.Relay.Credential,
				}
			}
		}
		return f, true

	case interview.EventCoverage:
		return coverageFrame{
			Type:      frameCoverage,
			Covered:   orEmpty(ev.Covered),
			Remaining: orEmpty(ev.Remaining),
		}, true

	case interview.EventWarning:
		return warningFrame{Type: frameWarning, Message: ev.Warning}, true

	case interview.EventError:
		return errorFrame{Type: frameError, Reason: ev.Reason}, true

	case interview.EventCompleted:
		return completedFrame{Type: frameCompleted}, true
	}
	return nil, false
}

// orEmpty keeps coverage arrays as [] on the wire, never null.
func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
