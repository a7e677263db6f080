package native

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/types"
)

// ---- helpers ----------------------------------------------------------------

// buildTestWAV constructs a minimal valid RIFF/WAVE file with the given
// format and PCM payload.
func buildTestWAV(sampleRate, channels int, pcm []byte) []byte {
	dataSize := len(pcm)
	fmtSize := 16
	riffSize := 4 + (8 + fmtSize) + (8 + dataSize)

	buf := make([]byte, 0, 12+8+fmtSize+8+dataSize)
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(riffSize))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fmtSize))
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	byteRate := sampleRate * channels * 2
	buf = binary.LittleEndian.AppendUint32(buf, uint32(byteRate))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, 16)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataSize))
	buf = append(buf, pcm...)
	return buf
}

// fakeDaemon is a local speech daemon double recording synthesis requests.
type fakeDaemon struct {
	mu         sync.Mutex
	texts      []string
	speakerIDs []string
	sampleRate int
	pcmPerReq  []byte
	failText   string
	delay      time.Duration
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		sampleRate: 16000,
		pcmPerReq:  make([]byte, 320),
	}
}

func (d *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tts", func(w http.ResponseWriter, r *http.Request) {
		text := r.URL.Query().Get("text")
		d.mu.Lock()
		d.texts = append(d.texts, text)
		d.speakerIDs = append(d.speakerIDs, r.URL.Query().Get("speaker_id"))
		fail := d.failText != "" && strings.Contains(text, d.failText)
		delay := d.delay
		d.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if fail {
			http.Error(w, "synthesis failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(buildTestWAV(d.sampleRate, 1, d.pcmPerReq))
	})
	mux.HandleFunc("/details", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model_name": "tts_models/en/vctk/vits",
			"speakers":   []string{"p225", "p226"},
		})
	})
	return mux
}

func (d *fakeDaemon) requestTexts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.texts...)
}

// captureSink records written PCM. An optional gate blocks WritePCM until
// the gate closes or the write context is cancelled.
type captureSink struct {
	mu     sync.Mutex
	data   []byte
	writes int
	gate   chan struct{}
}

func (c *captureSink) WritePCM(ctx context.Context, pcm []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, pcm...)
	c.writes++
	return nil
}

func (c *captureSink) bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func openTestSession(t *testing.T, p *Provider, sink tts.Sink) tts.Session {
	t.Helper()
	sess, err := p.OpenSession(context.Background(), types.VoiceProfile{ID: "p225"}, sink)
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("utterance did not resolve within 5s")
		return nil
	}
}

func assertEqual[T comparable](t *testing.T, label string, want, got T) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", label, got, want)
	}
}

// ---- constructor ------------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") expected error, got nil")
	}
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	p := mustNew(t, "http://localhost:5002/")
	assertEqual(t, "serverURL", "http://localhost:5002", p.serverURL)
}

func TestNew_Defaults(t *testing.T) {
	p := mustNew(t, "http://localhost:5002")
	assertEqual(t, "language", defaultLanguage, p.language)
	assertEqual(t, "outputRate", defaultOutputRate, p.outputRate)
}

func TestNew_WithOptions(t *testing.T) {
	p := mustNew(t, "http://localhost:5002",
		WithLanguage("de"),
		WithOutputSampleRate(48000),
		WithTimeout(5*time.Second),
	)
	assertEqual(t, "language", "de", p.language)
	assertEqual(t, "outputRate", 48000, p.outputRate)
	assertEqual(t, "timeout", 5*time.Second, p.httpClient.Timeout)
}

func TestOpenSession_NilSink_ReturnsError(t *testing.T) {
	p := mustNew(t, "http://localhost:5002")
	if _, err := p.OpenSession(context.Background(), types.VoiceProfile{ID: "p225"}, nil); err == nil {
		t.Fatal("OpenSession with nil sink expected error, got nil")
	}
}

// ---- Speak ------------------------------------------------------------------

func TestSpeak_PlaysIntoSink(t *testing.T) {
	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()

	sink := &captureSink{}
	sess := openTestSession(t, mustNew(t, srv.URL), sink)

	done, err := sess.Speak(context.Background(), "Tell me about your experience.")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("utterance resolved with error: %v", err)
	}

	assertEqual(t, "sink bytes", len(daemon.pcmPerReq), sink.bytes())

	ids := daemon.speakerIDs
	if len(ids) != 1 || ids[0] != "p225" {
		t.Errorf("speaker ids = %v, want [p225]", ids)
	}
}

func TestSpeak_EmptyText_ReturnsError(t *testing.T) {
	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()

	sess := openTestSession(t, mustNew(t, srv.URL), &captureSink{})
	if _, err := sess.Speak(context.Background(), "   "); err == nil {
		t.Fatal("Speak with blank text expected error, got nil")
	}
}

func TestSpeak_SplitsIntoSentences(t *testing.T) {
	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()

	sink := &captureSink{}
	sess := openTestSession(t, mustNew(t, srv.URL), sink)

	done, err := sess.Speak(context.Background(), "Welcome to the interview. Let us begin! Are you ready?")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("utterance resolved with error: %v", err)
	}

	texts := daemon.requestTexts()
	if len(texts) != 3 {
		t.Fatalf("daemon received %d requests, want 3: %v", len(texts), texts)
	}
	want := map[string]bool{
		"Welcome to the interview.": true,
		"Let us begin!":             true,
		"Are you ready?":            true,
	}
	for _, text := range texts {
		if !want[text] {
			t.Errorf("unexpected sentence synthesised: %q", text)
		}
	}
	assertEqual(t, "sink bytes", 3*len(daemon.pcmPerReq), sink.bytes())
}

func TestSpeak_ResamplesToOutputRate(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.sampleRate = 22050
	daemon.pcmPerReq = make([]byte, 22050*2) // one second
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()

	sink := &captureSink{}
	sess := openTestSession(t, mustNew(t, srv.URL, WithOutputSampleRate(16000)), sink)

	done, err := sess.Speak(context.Background(), "One second of audio.")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("utterance resolved with error: %v", err)
	}

	// One second at 16 kHz mono 16-bit.
	assertEqual(t, "sink bytes", 16000*2, sink.bytes())
}

func TestSpeak_LastCallWins(t *testing.T) {
	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()

	sink := &captureSink{gate: make(chan struct{})}
	sess := openTestSession(t, mustNew(t, srv.URL), sink)

	first, err := sess.Speak(context.Background(), "This question gets cut off.")
	if err != nil {
		t.Fatalf("first Speak() error = %v", err)
	}

	second, err := sess.Speak(context.Background(), "Replacement question.")
	if err != nil {
		t.Fatalf("second Speak() error = %v", err)
	}

	if err := waitDone(t, first); !errors.Is(err, tts.ErrInterrupted) {
		t.Fatalf("first utterance error = %v, want ErrInterrupted", err)
	}

	close(sink.gate)
	if err := waitDone(t, second); err != nil {
		t.Fatalf("second utterance resolved with error: %v", err)
	}
}

func TestSpeak_DaemonError_ResolvesWithError(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.failText = "broken"
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()

	sess := openTestSession(t, mustNew(t, srv.URL), &captureSink{})

	done, err := sess.Speak(context.Background(), "This sentence is broken.")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	err = waitDone(t, done)
	if err == nil {
		t.Fatal("utterance expected error, got nil")
	}
	if errors.Is(err, tts.ErrInterrupted) {
		t.Fatal("daemon failure must not report as interruption")
	}
}

func TestSpeak_AfterClose_ReturnsError(t *testing.T) {
	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()

	sess := openTestSession(t, mustNew(t, srv.URL), &captureSink{})
	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := sess.Speak(context.Background(), "Too late."); err == nil {
		t.Fatal("Speak after Close expected error, got nil")
	}
}

// ---- Stop / Close -----------------------------------------------------------

func TestStop_InterruptsPlayback(t *testing.T) {
	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()

	sink := &captureSink{gate: make(chan struct{})}
	sess := openTestSession(t, mustNew(t, srv.URL), sink)

	done, err := sess.Speak(context.Background(), "A long stretch of speech.")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := waitDone(t, done); !errors.Is(err, tts.ErrInterrupted) {
		t.Fatalf("utterance error = %v, want ErrInterrupted", err)
	}
}

func TestStop_Idle_NoOp(t *testing.T) {
	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()

	sess := openTestSession(t, mustNew(t, srv.URL), &captureSink{})
	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() on idle session error = %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()

	sess := openTestSession(t, mustNew(t, srv.URL), &captureSink{})
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

// ---- ListVoices -------------------------------------------------------------

func TestListVoices_MultiSpeakerModel(t *testing.T) {
	daemon := newFakeDaemon()
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()

	voices, err := mustNew(t, srv.URL).ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices() error = %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("ListVoices() returned %d voices, want 2", len(voices))
	}
	assertEqual(t, "voices[0].ID", "p225", voices[0].ID)
	assertEqual(t, "voices[0].Provider", "native", voices[0].Provider)
	assertEqual(t, "voices[1].ID", "p226", voices[1].ID)
}

func TestListVoices_SingleSpeakerModel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/details", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"model_name": "tts_models/en/ljspeech/vits"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	voices, err := mustNew(t, srv.URL).ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices() error = %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("ListVoices() returned %d voices, want 1", len(voices))
	}
	assertEqual(t, "voices[0].ID", "tts_models/en/ljspeech/vits", voices[0].ID)
}

func TestListVoices_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := mustNew(t, srv.URL).ListVoices(context.Background()); err == nil {
		t.Fatal("ListVoices() expected error, got nil")
	}
}

// ---- splitSentences ---------------------------------------------------------

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "single sentence",
			text: "Hello there.",
			want: []string{"Hello there."},
		},
		{
			name: "multiple sentences",
			text: "First one. Second one! Third one?",
			want: []string{"First one.", "Second one!", "Third one?"},
		},
		{
			name: "no terminal punctuation",
			text: "trailing fragment without a period",
			want: []string{"trailing fragment without a period"},
		},
		{
			name: "decimal stays intact",
			text: "Latency was 3.14 seconds. Too slow.",
			want: []string{"Latency was 3.14 seconds.", "Too slow."},
		},
		{
			name: "dotted hostname stays intact",
			text: "Deploy to prod.us-east.internal then verify.",
			want: []string{"Deploy to prod.us-east.internal then verify."},
		},
		{
			name: "empty input",
			text: "   ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitSentences(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("splitSentences(%q) = %v, want %v", tt.text, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sentence[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// ---- parseWAV ---------------------------------------------------------------

func TestParseWAV_Valid(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	wav := buildTestWAV(22050, 1, pcm)

	info, err := parseWAV(wav)
	if err != nil {
		t.Fatalf("parseWAV() error = %v", err)
	}
	assertEqual(t, "SampleRate", 22050, info.SampleRate)
	assertEqual(t, "Channels", 1, info.Channels)
	if got := wav[info.DataOffset:]; len(got) != len(pcm) {
		t.Errorf("data payload length = %d, want %d", len(got), len(pcm))
	}
}

func TestParseWAV_ExtraChunkBeforeData(t *testing.T) {
	pcm := []byte{9, 9, 9, 9}
	wav := buildTestWAV(16000, 1, pcm)

	// Splice a LIST chunk between fmt and data.
	list := append([]byte("LIST"), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(list[4:], 4)
	list = append(list, "INFO"...)

	dataIdx := len(wav) - len(pcm) - 8
	spliced := append(append(append([]byte(nil), wav[:dataIdx]...), list...), wav[dataIdx:]...)

	info, err := parseWAV(spliced)
	if err != nil {
		t.Fatalf("parseWAV() error = %v", err)
	}
	if got := spliced[info.DataOffset:]; len(got) != len(pcm) || got[0] != 9 {
		t.Errorf("data payload = %v, want %v", got, pcm)
	}
}

func TestParseWAV_Invalid(t *testing.T) {
	tests := []struct {
		name string
		wav  []byte
	}{
		{name: "too short", wav: []byte("RIFF")},
		{name: "not riff", wav: append([]byte("JUNK"), make([]byte, 40)...)},
		{name: "missing data chunk", wav: buildTestWAV(16000, 1, nil)[:20]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseWAV(tt.wav); err == nil {
				t.Fatal("parseWAV() expected error, got nil")
			}
		})
	}
}

// ---- resampleMono16 ---------------------------------------------------------

func TestResampleMono16_SameRate_ReturnsInput(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0}
	got := resampleMono16(pcm, 16000, 16000)
	if len(got) != len(pcm) {
		t.Fatalf("resampled length = %d, want %d", len(got), len(pcm))
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// One second at 22050 Hz.
	pcm := make([]byte, 22050*2)
	got := resampleMono16(pcm, 22050, 16000)
	assertEqual(t, "resampled length", 16000*2, len(got))
}

func TestResampleMono16_Upsample(t *testing.T) {
	pcm := make([]byte, 8000*2)
	got := resampleMono16(pcm, 8000, 16000)
	assertEqual(t, "resampled length", 16000*2, len(got))
}

func TestResampleMono16_PreservesConstantSignal(t *testing.T) {
	const amplitude = 1000
	pcm := make([]byte, 100*2)
	for i := 0; i < 100; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(amplitude)))
	}

	got := resampleMono16(pcm, 22050, 16000)
	for i := 0; i+1 < len(got); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(got[i:]))
		if sample != amplitude {
			t.Fatalf("sample[%d] = %d, want %d", i/2, sample, amplitude)
		}
	}
}

func TestResampleMono16_Empty(t *testing.T) {
	if got := resampleMono16(nil, 22050, 16000); len(got) != 0 {
		t.Errorf("resampleMono16(nil) = %d bytes, want 0", len(got))
	}
}
