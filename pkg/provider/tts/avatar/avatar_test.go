package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/types"
)

// ---- test vendor ----

// fakeVendor is an httptest-backed avatar service that records every request
// and serves configurable responses.
type fakeVendor struct {
	mu         sync.Mutex
	newCalls   []newSessionRequest
	taskCalls  []taskRequest
	interrupts int
	stops      int

	durationMs float64
	failTask   bool
}

func (v *fakeVendor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(newSessionEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var req newSessionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		v.mu.Lock()
		v.newCalls = append(v.newCalls, req)
		v.mu.Unlock()
		writeEnvelope(w, newSessionResponse{
			SessionID:   "sess-1",
			URL:         "wss://media.example.com/sess-1",
			AccessToken: "attach-token",
		})
	})
	mux.HandleFunc(taskEndpoint, func(w http.ResponseWriter, r *http.Request) {
		if v.failTask {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		var req taskRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		v.mu.Lock()
		v.taskCalls = append(v.taskCalls, req)
		dur := v.durationMs
		v.mu.Unlock()
		writeEnvelope(w, taskResponse{TaskID: req.TaskID, DurationMs: dur})
	})
	mux.HandleFunc(interruptEndpoint, func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		v.interrupts++
		v.mu.Unlock()
		writeEnvelope(w, nil)
	})
	mux.HandleFunc(stopEndpoint, func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		v.stops++
		v.mu.Unlock()
		writeEnvelope(w, nil)
	})
	return mux
}

func (v *fakeVendor) interruptCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.interrupts
}

func (v *fakeVendor) stopCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stops
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{"code": 100}
	if data != nil {
		payload["data"] = data
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// newTestProvider spins up a fake vendor and a Provider pointed at it.
func newTestProvider(t *testing.T, vendor *fakeVendor) *Provider {
	t.Helper()
	srv := httptest.NewServer(vendor.handler())
	t.Cleanup(srv.Close)
	p, err := New("test-key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func testVoice() types.VoiceProfile {
	return types.VoiceProfile{
		ID:       "june",
		Name:     "June",
		Provider: "avatar",
		Metadata: map[string]string{"avatar": "june_hr_public"},
	}
}

// ---- Provider creation ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("", "https://api.example.com")
	if err == nil {
		t.Fatal("expected error for empty apiKey, got nil")
	}
}

func TestNew_EmptyBaseURL(t *testing.T) {
	_, err := New("key", "")
	if err == nil {
		t.Fatal("expected error for empty baseURL, got nil")
	}
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	p, err := New("key", "https://api.example.com/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.baseURL != "https://api.example.com" {
		t.Errorf("baseURL = %q, want trailing slash stripped", p.baseURL)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", "https://api.example.com",
		WithQuality("high"),
		WithTimeout(3*time.Second),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.quality != "high" {
		t.Errorf("quality = %q, want %q", p.quality, "high")
	}
	if p.httpClient.Timeout != 3*time.Second {
		t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, 3*time.Second)
	}
}

// ---- OpenSession ----

func TestOpenSession_CreatesVendorSession(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	vendor.mu.Lock()
	defer vendor.mu.Unlock()
	if len(vendor.newCalls) != 1 {
		t.Fatalf("expected 1 streaming.new call, got %d", len(vendor.newCalls))
	}
	if vendor.newCalls[0].AvatarID != "june_hr_public" {
		t.Errorf("avatar_id = %q, want %q", vendor.newCalls[0].AvatarID, "june_hr_public")
	}
	if vendor.newCalls[0].Quality != defaultQuality {
		t.Errorf("quality = %q, want %q", vendor.newCalls[0].Quality, defaultQuality)
	}
}

func TestOpenSession_FallsBackToVoiceID(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	p := newTestProvider(t, vendor)

	voice := types.VoiceProfile{ID: "marcus_public"}
	sess, err := p.OpenSession(context.Background(), voice, nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	vendor.mu.Lock()
	defer vendor.mu.Unlock()
	if vendor.newCalls[0].AvatarID != "marcus_public" {
		t.Errorf("avatar_id = %q, want voice ID fallback", vendor.newCalls[0].AvatarID)
	}
}

func TestOpenSession_NoCharacter(t *testing.T) {
	vendor := &fakeVendor{}
	p := newTestProvider(t, vendor)

	_, err := p.OpenSession(context.Background(), types.VoiceProfile{}, nil)
	if err == nil {
		t.Fatal("expected error for voice without avatar character")
	}
}

func TestOpenSession_ExposesStreamInfo(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	rr, ok := sess.(tts.RemoteRenderer)
	if !ok {
		t.Fatal("avatar session should implement tts.RemoteRenderer")
	}
	info := rr.StreamInfo()
	if info.URL != "wss://media.example.com/sess-1" {
		t.Errorf("stream URL = %q", info.URL)
	}
	if info.AccessToken != "attach-token" {
		t.Errorf("access token = %q", info.AccessToken)
	}
}

// stubRelay is a RelaySource returning fixed credentials or a fixed error.
type stubRelay struct {
	cred types.RelayCredential
	err  error
}

func (s *stubRelay) RelayCredentials(ctx context.Context) (types.RelayCredential, error) {
	return s.cred, s.err
}

func TestOpenSession_AttachesRelayCredentials(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	srv := httptest.NewServer(vendor.handler())
	t.Cleanup(srv.Close)

	relay := &stubRelay{cred: types.RelayCredential{
		URLs:       []string{"turn:relay.evrhire.example:3478"},
		Username:   "1756000000:cadenza",
		Credential: "s3cret",
	}}
	p, err := New("key", srv.URL, WithRelaySource(relay))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	info := sess.(tts.RemoteRenderer).StreamInfo()
	if info.Relay == nil {
		t.Fatal("stream info should carry the relay grant")
	}
	if len(info.Relay.URLs) != 1 || info.Relay.URLs[0] != "turn:relay.evrhire.example:3478" {
		t.Errorf("relay URLs = %v", info.Relay.URLs)
	}
	if info.Relay.Username != "1756000000:cadenza" || info.Relay.Credential != "s3cret" {
		t.Errorf("relay auth = %q/%q", info.Relay.Username, info.Relay.Credential)
	}
}

func TestOpenSession_RelayFailureIsNotFatal(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	srv := httptest.NewServer(vendor.handler())
	t.Cleanup(srv.Close)

	p, err := New("key", srv.URL, WithRelaySource(&stubRelay{err: errors.New("mint failed")}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession should survive a relay failure: %v", err)
	}
	defer sess.Close()

	if info := sess.(tts.RemoteRenderer).StreamInfo(); info.Relay != nil {
		t.Errorf("relay = %+v, want nil when the source errors", info.Relay)
	}
}

func TestOpenSession_VendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 400143, "message": "concurrent limit reached"})
	}))
	defer srv.Close()

	p, err := New("key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.OpenSession(context.Background(), testVoice(), nil); err == nil {
		t.Fatal("expected error from vendor error envelope")
	}
}

// ---- Speak ----

func TestSpeak_ResolvesNilAfterDuration(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	done, err := sess.Speak(context.Background(), "Tell me about your last project.")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	select {
	case got, ok := <-done:
		if !ok {
			t.Fatal("done channel closed without a value")
		}
		if got != nil {
			t.Errorf("done = %v, want nil", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for utterance completion")
	}

	// Exactly one value then close.
	if _, ok := <-done; ok {
		t.Error("done channel should be closed after delivering its value")
	}
}

func TestSpeak_SendsTaskRequest(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	done, err := sess.Speak(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	<-done

	vendor.mu.Lock()
	defer vendor.mu.Unlock()
	if len(vendor.taskCalls) != 1 {
		t.Fatalf("expected 1 task call, got %d", len(vendor.taskCalls))
	}
	call := vendor.taskCalls[0]
	if call.SessionID != "sess-1" {
		t.Errorf("session_id = %q, want %q", call.SessionID, "sess-1")
	}
	if call.Text != "hello" {
		t.Errorf("text = %q, want %q", call.Text, "hello")
	}
	if call.TaskType != "repeat" {
		t.Errorf("task_type = %q, want %q", call.TaskType, "repeat")
	}
	if call.TaskID == "" {
		t.Error("task_id should be set")
	}
}

func TestSpeak_EmptyText(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	if _, err := sess.Speak(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestSpeak_LastCallWins(t *testing.T) {
	// A very long duration keeps the first utterance in flight until the
	// second Speak interrupts it.
	vendor := &fakeVendor{durationMs: 60_000}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	first, err := sess.Speak(context.Background(), "first question")
	if err != nil {
		t.Fatalf("Speak (first): %v", err)
	}

	second, err := sess.Speak(context.Background(), "second question")
	if err != nil {
		t.Fatalf("Speak (second): %v", err)
	}

	select {
	case got := <-first:
		if !errors.Is(got, tts.ErrInterrupted) {
			t.Errorf("first done = %v, want ErrInterrupted", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first utterance was not interrupted")
	}

	// The second utterance is still in flight.
	select {
	case got := <-second:
		t.Fatalf("second utterance resolved early with %v", got)
	case <-time.After(50 * time.Millisecond):
	}

	if n := vendor.interruptCount(); n != 1 {
		t.Errorf("interrupt calls = %d, want 1", n)
	}
}

func TestSpeak_TaskFailure(t *testing.T) {
	vendor := &fakeVendor{failTask: true}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	if _, err := sess.Speak(context.Background(), "hello"); err == nil {
		t.Fatal("expected error when vendor rejects the task")
	}
}

// ---- Stop ----

func TestStop_InterruptsCurrent(t *testing.T) {
	vendor := &fakeVendor{durationMs: 60_000}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	done, err := sess.Speak(context.Background(), "long question")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case got := <-done:
		if !errors.Is(got, tts.ErrInterrupted) {
			t.Errorf("done = %v, want ErrInterrupted", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("utterance was not interrupted by Stop")
	}

	if n := vendor.interruptCount(); n != 1 {
		t.Errorf("interrupt calls = %d, want 1", n)
	}
}

func TestStop_Idle_NoOp(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on idle session: %v", err)
	}
	if n := vendor.interruptCount(); n != 0 {
		t.Errorf("interrupt calls = %d, want 0 for idle Stop", n)
	}
}

// ---- Close ----

func TestClose_StopsVendorSession(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := vendor.stopCount(); n != 1 {
		t.Errorf("stop calls = %d, want 1", n)
	}
}

func TestClose_Idempotent(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := vendor.stopCount(); n != 1 {
		t.Errorf("stop calls = %d, want exactly 1", n)
	}
}

func TestClose_InterruptsInFlight(t *testing.T) {
	vendor := &fakeVendor{durationMs: 60_000}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	done, err := sess.Speak(context.Background(), "long question")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case got := <-done:
		if !errors.Is(got, tts.ErrInterrupted) {
			t.Errorf("done = %v, want ErrInterrupted", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("utterance was not interrupted by Close")
	}
}

func TestSpeak_AfterClose(t *testing.T) {
	vendor := &fakeVendor{durationMs: 30}
	p := newTestProvider(t, vendor)

	sess, err := p.OpenSession(context.Background(), testVoice(), nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	sess.Close()

	if _, err := sess.Speak(context.Background(), "hello"); err == nil {
		t.Fatal("expected error from Speak after Close")
	}
}

// ---- ListVoices ----

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != avatarsEndpoint {
			http.NotFound(w, r)
			return
		}
		writeEnvelope(w, avatarsResponse{Avatars: []avatarEntry{
			{AvatarID: "june_hr_public", AvatarName: "June", Gender: "female"},
			{AvatarID: "marcus_public", AvatarName: "Marcus"},
		}})
	}))
	defer srv.Close()

	p, err := New("key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("expected 2 voices, got %d", len(voices))
	}
	if voices[0].ID != "june_hr_public" || voices[0].Name != "June" {
		t.Errorf("voices[0] = %+v", voices[0])
	}
	if voices[0].Metadata["gender"] != "female" {
		t.Errorf("gender metadata = %q, want %q", voices[0].Metadata["gender"], "female")
	}
	if voices[0].Provider != "avatar" {
		t.Errorf("provider = %q, want %q", voices[0].Provider, "avatar")
	}
}

// ---- duration estimate ----

func TestEstimateSpeechDuration(t *testing.T) {
	tests := []struct {
		name string
		text string
		want time.Duration
	}{
		{"empty", "", time.Second},
		{"one word", "hello", time.Second},
		{"five words", "tell me about your experience", 2 * time.Second},
		{"ten words", "one two three four five six seven eight nine ten", 4 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateSpeechDuration(tt.text); got != tt.want {
				t.Errorf("estimateSpeechDuration(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
