package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/evrhire/cadenza/pkg/rtc"
	"github.com/evrhire/cadenza/pkg/types"
)

// staticTokens is a TokenSource returning a fixed credential for tests.
type staticTokens struct {
	tok types.CallCredential
	err error
}

func (s staticTokens) CallToken(_ context.Context) (types.CallCredential, error) {
	return s.tok, s.err
}

func validTokens() staticTokens {
	return staticTokens{tok: types.CallCredential{
		Token:     "call-token",
		ExpiresOn: time.Now().Add(time.Hour),
		UserID:    "8:fabric:candidate-1",
	}}
}

// fakeGateway is an in-process media gateway. It accepts one WebSocket
// connection, answers the join handshake, records uplink frames, and
// relays scripted control events.
type fakeGateway struct {
	rejectJoin bool

	mu         sync.Mutex
	authHeader string
	path       string
	join       joinMessage
	uplink     [][]byte

	events    chan controlMessage
	gotUplink chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		events:    make(chan controlMessage, 8),
		gotUplink: make(chan struct{}, 1),
	}
}

func (g *fakeGateway) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.authHeader = r.Header.Get("Authorization")
		g.path = r.URL.Path
		g.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var join joinMessage
		if err := json.Unmarshal(data, &join); err != nil {
			return
		}
		g.mu.Lock()
		g.join = join
		g.mu.Unlock()

		if g.rejectJoin {
			_ = writeJSON(ctx, conn, controlMessage{Type: "error", Message: "room is closed"})
			return
		}
		if err := writeJSON(ctx, conn, controlMessage{Type: "joined"}); err != nil {
			return
		}

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-g.events:
					if err := writeJSON(ctx, conn, ev); err != nil {
						return
					}
				}
			}
		}()

		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			g.mu.Lock()
			g.uplink = append(g.uplink, data)
			g.mu.Unlock()
			select {
			case g.gotUplink <- struct{}{}:
			default:
			}
		}
	})
}

func (g *fakeGateway) joinedAs() joinMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.join
}

func (g *fakeGateway) uplinkFrames() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.uplink...)
}

// startGateway serves the fake gateway and returns a ws:// endpoint for it.
func startGateway(t *testing.T, g *fakeGateway) string {
	t.Helper()
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)
	return strings.Replace(srv.URL, "http", "ws", 1)
}

func connectCall(t *testing.T, g *fakeGateway, opts ...Option) rtc.Call {
	t.Helper()
	p, err := New(startGateway(t, g), validTokens(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	call, err := p.Connect(context.Background(), "intv-42")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = call.Disconnect() })
	return call
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// captureFrame returns a 20 ms microphone-style frame: 16 kHz mono silence.
func captureFrame() types.AudioFrame {
	return types.AudioFrame{
		Data:       make([]byte, 640),
		SampleRate: 16000,
		Channels:   1,
	}
}

// ---- constructor tests ----

func TestNew_EmptyEndpoint(t *testing.T) {
	if _, err := New("", validTokens()); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestNew_NilTokenSource(t *testing.T) {
	if _, err := New("wss://calling.example.com", nil); err == nil {
		t.Fatal("expected error for nil token source")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("wss://calling.example.com/", validTokens())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.endpoint != "wss://calling.example.com" {
		t.Errorf("endpoint = %q, want trailing slash trimmed", p.endpoint)
	}
	if p.captionsLanguage != "en-US" {
		t.Errorf("captionsLanguage = %q, want %q", p.captionsLanguage, "en-US")
	}
}

func TestNew_Options(t *testing.T) {
	p, err := New("wss://calling.example.com", validTokens(),
		WithCaptionsLanguage("de-DE"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.captionsLanguage != "de-DE" {
		t.Errorf("captionsLanguage = %q, want %q", p.captionsLanguage, "de-DE")
	}

	p, err = New("wss://calling.example.com", validTokens(), WithoutCaptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.captionsLanguage != "" {
		t.Errorf("captionsLanguage = %q, want empty after WithoutCaptions", p.captionsLanguage)
	}
}

// ---- connect tests ----

func TestConnect_EmptyRoom(t *testing.T) {
	p, err := New("wss://calling.example.com", validTokens())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Connect(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty room")
	}
}

func TestConnect_TokenError(t *testing.T) {
	p, err := New("wss://calling.example.com", staticTokens{err: errors.New("endpoint down")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Connect(context.Background(), "intv-42"); err == nil {
		t.Fatal("expected error when token fetch fails")
	}
}

func TestConnect_ExpiredToken(t *testing.T) {
	p, err := New("wss://calling.example.com", staticTokens{tok: types.CallCredential{
		Token:     "stale",
		ExpiresOn: time.Now().Add(-time.Minute),
		UserID:    "8:fabric:candidate-1",
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Connect(context.Background(), "intv-42"); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestConnect_JoinRejected(t *testing.T) {
	g := newFakeGateway()
	g.rejectJoin = true
	p, err := New(startGateway(t, g), validTokens())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Connect(context.Background(), "intv-42")
	if err == nil {
		t.Fatal("expected error when the gateway rejects the join")
	}
	if !strings.Contains(err.Error(), "room is closed") {
		t.Errorf("error %q should carry the gateway message", err)
	}
}

func TestConnect_JoinHandshake(t *testing.T) {
	g := newFakeGateway()
	connectCall(t, g)

	g.mu.Lock()
	auth, path := g.authHeader, g.path
	g.mu.Unlock()
	if auth != "Bearer call-token" {
		t.Errorf("Authorization = %q, want bearer calling token", auth)
	}
	if path != "/rooms/intv-42/media" {
		t.Errorf("path = %q, want room media path", path)
	}

	join := g.joinedAs()
	if join.Type != "join" {
		t.Errorf("type = %q, want %q", join.Type, "join")
	}
	if join.Room != "intv-42" {
		t.Errorf("room = %q, want %q", join.Room, "intv-42")
	}
	if join.UserID != "8:fabric:candidate-1" {
		t.Errorf("user_id = %q, want the token identity", join.UserID)
	}
	if join.Codec != "opus" {
		t.Errorf("codec = %q, want %q", join.Codec, "opus")
	}
	if join.SampleRate != 48000 || join.Channels != 1 {
		t.Errorf("uplink format = %dHz/%dch, want 48000Hz/1ch", join.SampleRate, join.Channels)
	}
	if join.CaptionsLanguage != "en-US" {
		t.Errorf("captions_language = %q, want %q", join.CaptionsLanguage, "en-US")
	}
}

// ---- call behavior tests ----

func TestCall_CaptionsLifecycle(t *testing.T) {
	g := newFakeGateway()
	call := connectCall(t, g)

	if got := call.Captions(); got != rtc.CaptionsStarting {
		t.Errorf("captions after join = %q, want %q", got, rtc.CaptionsStarting)
	}

	g.events <- controlMessage{Type: "captions.started"}
	waitFor(t, "captions never became active", func() bool {
		return call.Captions() == rtc.CaptionsActive
	})

	g.events <- controlMessage{Type: "captions.stopped"}
	waitFor(t, "captions never turned off", func() bool {
		return call.Captions() == rtc.CaptionsOff
	})
}

func TestCall_CaptionsOffWhenNotRequested(t *testing.T) {
	g := newFakeGateway()
	call := connectCall(t, g, WithoutCaptions())

	if got := call.Captions(); got != rtc.CaptionsOff {
		t.Errorf("captions = %q, want %q when not requested", got, rtc.CaptionsOff)
	}
	if g.joinedAs().CaptionsLanguage != "" {
		t.Error("join message should omit captions_language when captions are off")
	}
}

func TestCall_UplinkEncodesAudio(t *testing.T) {
	g := newFakeGateway()
	call := connectCall(t, g)

	// One 20 ms capture frame resamples to exactly one Opus frame.
	if err := call.SendAudio(captureFrame()); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case <-g.gotUplink:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never received an uplink frame")
	}

	frames := g.uplinkFrames()
	if len(frames) == 0 {
		t.Fatal("no uplink frames recorded")
	}
	if len(frames[0]) == 0 {
		t.Error("uplink frame is empty")
	}
	if len(frames[0]) >= opusFrameBytes {
		t.Errorf("uplink frame is %d bytes, want compressed below %d", len(frames[0]), opusFrameBytes)
	}
}

func TestCall_RemoteHangup(t *testing.T) {
	g := newFakeGateway()
	call := connectCall(t, g)

	g.events <- controlMessage{Type: "call.ended", Reason: "recruiter ended the call"}

	select {
	case <-call.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done was not closed after the fabric ended the call")
	}
	if got := call.Captions(); got != rtc.CaptionsOff {
		t.Errorf("captions = %q after hangup, want %q", got, rtc.CaptionsOff)
	}
	if err := call.SendAudio(captureFrame()); err == nil {
		t.Error("SendAudio should fail after the call has ended")
	}
}

func TestCall_DisconnectIdempotent(t *testing.T) {
	g := newFakeGateway()
	call := connectCall(t, g)

	if err := call.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := call.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed after Disconnect")
	}
}

// ---- encoder tests ----

func TestUplinkEncoder_EncodesFrame(t *testing.T) {
	enc, err := newUplinkEncoder()
	if err != nil {
		t.Fatalf("newUplinkEncoder: %v", err)
	}

	packet, err := enc.encode(make([]byte, opusFrameBytes))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(packet) == 0 {
		t.Error("encoded packet is empty")
	}
	if len(packet) >= opusFrameBytes {
		t.Errorf("packet is %d bytes, want compressed below %d", len(packet), opusFrameBytes)
	}
}
