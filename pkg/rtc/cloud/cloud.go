// Package cloud implements the calling tier against the hosted calling
// fabric. A joined call mirrors the candidate's captured audio into the
// call room as an Opus uplink over the fabric's WebSocket media transport,
// and tracks the fabric's live-captions events for the UI badge.
//
// Authentication uses short-lived calling tokens issued by the recruitment
// backend's calling token endpoint. A TokenSource supplies
// `{token, expires_on, user_id}` triples; the user id is the calling-fabric
// identity the candidate joins under.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/evrhire/cadenza/pkg/media"
	"github.com/evrhire/cadenza/pkg/rtc"
	"github.com/evrhire/cadenza/pkg/types"
)

const (
	defaultCaptionsLanguage = "en-US"
	joinAckTimeout          = 10 * time.Second
	frameQueueDepth         = 64
)

// TokenSource supplies calling tokens. Implementations should cache and
// refresh ahead of expiry; Connect calls it once per join.
type TokenSource interface {
	CallToken(ctx context.Context) (types.CallCredential, error)
}

// Option is a functional option for configuring the Platform.
type Option func(*Platform)

// WithCaptionsLanguage sets the BCP-47 language captions are requested in.
// Defaults to "en-US".
func WithCaptionsLanguage(language string) Option {
	return func(p *Platform) {
		p.captionsLanguage = language
	}
}

// WithoutCaptions joins calls without requesting live captions.
func WithoutCaptions() Option {
	return func(p *Platform) {
		p.captionsLanguage = ""
	}
}

// Platform implements rtc.Platform against the calling fabric's media
// gateway.
type Platform struct {
	endpoint         string
	tokens           TokenSource
	captionsLanguage string
}

// Compile-time interface assertions.
var (
	_ rtc.Platform = (*Platform)(nil)
	_ rtc.Call     = (*call)(nil)
)

// New creates a Platform talking to the media gateway at endpoint
// (e.g., "wss://calling.example.com"). tokens must not be nil.
func New(endpoint string, tokens TokenSource, opts ...Option) (*Platform, error) {
	if endpoint == "" {
		return nil, errors.New("rtc: media gateway endpoint must not be empty")
	}
	if tokens == nil {
		return nil, errors.New("rtc: token source must not be nil")
	}
	p := &Platform{
		endpoint:         strings.TrimRight(endpoint, "/"),
		tokens:           tokens,
		captionsLanguage: defaultCaptionsLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect joins the call room. It fetches a calling token, dials the room's
// media transport, and completes the join handshake before returning.
func (p *Platform) Connect(ctx context.Context, room string) (rtc.Call, error) {
	if room == "" {
		return nil, errors.New("rtc: room must not be empty")
	}

	tok, err := p.tokens.CallToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("rtc: fetch calling token: %w", err)
	}
	if !tok.ExpiresOn.IsZero() && time.Now().After(tok.ExpiresOn) {
		return nil, errors.New("rtc: calling token is already expired")
	}

	wsURL := p.endpoint + "/rooms/" + url.PathEscape(room) + "/media"
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+tok.Token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("rtc: dial media gateway: %w", err)
	}

	join := joinMessage{
		Type:             "join",
		Room:             room,
		UserID:           tok.UserID,
		Codec:            "opus",
		SampleRate:       opusSampleRate,
		Channels:         opusChannels,
		CaptionsLanguage: p.captionsLanguage,
	}
	if err := writeJSON(ctx, conn, join); err != nil {
		conn.Close(websocket.StatusInternalError, "join send failed")
		return nil, fmt.Errorf("rtc: send join: %w", err)
	}

	if err := awaitJoinAck(ctx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "join rejected")
		return nil, err
	}

	callCtx, cancel := context.WithCancel(context.Background())
	c := &call{
		conn:   conn,
		frames: make(chan types.AudioFrame, frameQueueDepth),
		ctx:    callCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if p.captionsLanguage != "" {
		c.captions = rtc.CaptionsStarting
	} else {
		c.captions = rtc.CaptionsOff
	}

	go c.readLoop()
	go c.sendLoop()
	return c, nil
}

// awaitJoinAck reads the fabric's response to the join message.
func awaitJoinAck(ctx context.Context, conn *websocket.Conn) error {
	ackCtx, cancel := context.WithTimeout(ctx, joinAckTimeout)
	defer cancel()

	typ, data, err := conn.Read(ackCtx)
	if err != nil {
		return fmt.Errorf("rtc: await join ack: %w", err)
	}
	if typ != websocket.MessageText {
		return errors.New("rtc: unexpected binary frame before join ack")
	}

	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("rtc: parse join ack: %w", err)
	}
	switch msg.Type {
	case "joined":
		return nil
	case "error":
		return fmt.Errorf("rtc: join rejected: %s", msg.Message)
	default:
		return fmt.Errorf("rtc: unexpected ack type %q", msg.Type)
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ---- wire messages ----

// joinMessage is the JSON handshake sent right after the dial, describing
// the uplink format.
type joinMessage struct {
	Type             string `json:"type"`
	Room             string `json:"room"`
	UserID           string `json:"user_id"`
	Codec            string `json:"codec"`
	SampleRate       int    `json:"sample_rate"`
	Channels         int    `json:"channels"`
	CaptionsLanguage string `json:"captions_language,omitempty"`
}

// controlMessage is a JSON text frame from the fabric. Types:
// "joined" and "error" answer the join handshake; "captions.started" and
// "captions.stopped" track the captions feature; "call.ended" means the
// fabric hung up.
type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// ---- call ----

// call is a live connection to a room. It implements rtc.Call.
type call struct {
	conn   *websocket.Conn
	frames chan types.AudioFrame

	ctx    context.Context
	cancel context.CancelFunc

	done    chan struct{}
	endOnce sync.Once
	dropped atomic.Uint64

	mu       sync.Mutex
	captions rtc.CaptionsState
}

// SendAudio queues one frame of captured audio for the uplink. A full queue
// drops the frame; the uplink never pushes back on capture.
func (c *call) SendAudio(frame types.AudioFrame) error {
	select {
	case <-c.done:
		return errors.New("rtc: call has ended")
	default:
	}
	select {
	case c.frames <- frame:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// Captions implements rtc.Call.
func (c *call) Captions() rtc.CaptionsState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captions
}

func (c *call) setCaptions(state rtc.CaptionsState) {
	c.mu.Lock()
	c.captions = state
	c.mu.Unlock()
}

// Done implements rtc.Call.
func (c *call) Done() <-chan struct{} {
	return c.done
}

// Disconnect implements rtc.Call.
func (c *call) Disconnect() error {
	c.end(websocket.StatusNormalClosure, "leaving")
	return nil
}

// end tears the call down: captions clear, loops stop, transport closes,
// Done closes. Only the first caller does the work.
func (c *call) end(code websocket.StatusCode, reason string) {
	c.endOnce.Do(func() {
		c.setCaptions(rtc.CaptionsOff)
		c.cancel()
		_ = c.conn.Close(code, reason)
		close(c.done)

		if n := c.dropped.Load(); n > 0 {
			slog.Warn("rtc: uplink frames dropped during call", "dropped", n)
		}
	})
}

// readLoop consumes control messages from the fabric until the call ends.
func (c *call) readLoop() {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.end(websocket.StatusGoingAway, "transport closed")
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("rtc: unparseable control message", "error", err)
			continue
		}

		switch msg.Type {
		case "captions.started":
			c.setCaptions(rtc.CaptionsActive)
		case "captions.stopped":
			c.setCaptions(rtc.CaptionsOff)
		case "call.ended":
			slog.Info("rtc: call ended by fabric", "reason", msg.Reason)
			c.end(websocket.StatusNormalClosure, "call ended")
			return
		}
	}
}

// sendLoop converts queued frames to the uplink format, cuts them into
// exact Opus frames, and writes the encoded packets to the transport.
func (c *call) sendLoop() {
	enc, err := newUplinkEncoder()
	if err != nil {
		slog.Error("rtc: uplink disabled", "error", err)
		return
	}

	conv := media.FormatConverter{Target: media.Format{SampleRate: opusSampleRate, Channels: opusChannels}}
	var buf []byte

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.frames:
			frame = conv.Convert(frame)
			buf = append(buf, frame.Data...)

			for len(buf) >= opusFrameBytes {
				packet, encErr := enc.encode(buf[:opusFrameBytes])
				buf = buf[opusFrameBytes:]
				if encErr != nil {
					slog.Warn("rtc: opus encode failed", "error", encErr)
					continue
				}
				if err := c.conn.Write(c.ctx, websocket.MessageBinary, packet); err != nil {
					c.end(websocket.StatusGoingAway, "uplink write failed")
					return
				}
			}
		}
	}
}
