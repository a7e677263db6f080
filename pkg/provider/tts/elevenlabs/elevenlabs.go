// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// Each utterance opens its own stream-input WebSocket: the text is split into
// sentences and fed to the socket while decoded PCM frames stream back into
// the session's sink. A new Speak interrupts the previous utterance by
// tearing down its socket.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"unicode"

	"github.com/coder/websocket"

	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/types"
)

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Session  = (*session)(nil)
)

const (
	defaultStreamHost = "wss://api.elevenlabs.io"
	defaultAPIHost    = "https://api.elevenlabs.io"
	defaultModel      = "eleven_flash_v2_5"
	defaultOutputFmt  = "pcm_16000"

	defaultStability       = 0.5
	defaultSimilarityBoost = 0.75
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client

	// Overridable in tests; production always talks to api.elevenlabs.io.
	streamHost string
	apiHost    string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
		streamHost:   defaultStreamHost,
		apiHost:      defaultAPIHost,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// OpenSession binds a voice and a sink. ElevenLabs always requires a voice ID.
func (p *Provider) OpenSession(_ context.Context, voice types.VoiceProfile, sink tts.Sink) (tts.Session, error) {
	if sink == nil {
		return nil, errors.New("elevenlabs: sink must not be nil")
	}
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}
	return &session{
		provider: p,
		voice:    voice,
		sink:     sink,
	}, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text is the flush command that ends the stream.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// ---- session ----

// utterance tracks one in-flight Speak. Cancelling its context tears down the
// stream socket; the streaming goroutine is the sole resolver of done.
type utterance struct {
	done   chan error
	cancel context.CancelFunc
}

type session struct {
	provider *Provider
	voice    types.VoiceProfile
	sink     tts.Sink

	mu      sync.Mutex
	current *utterance
	closed  bool
}

// Speak starts synthesising text. If an utterance is already playing it is
// interrupted and its done channel resolves with tts.ErrInterrupted.
func (s *session) Speak(ctx context.Context, text string) (<-chan error, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("elevenlabs: session is closed")
	}
	if s.current != nil {
		s.current.cancel()
	}
	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{
		done:   make(chan error, 1),
		cancel: cancel,
	}
	s.current = u
	s.mu.Unlock()

	go s.run(uctx, u, text)
	return u.done, nil
}

// Stop interrupts the current utterance, if any.
func (s *session) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.cancel()
		s.current = nil
	}
	return nil
}

// Close interrupts any in-flight utterance and marks the session unusable.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.current != nil {
		s.current.cancel()
		s.current = nil
	}
	return nil
}

// run streams one utterance, then resolves its done channel.
func (s *session) run(ctx context.Context, u *utterance, text string) {
	err := s.stream(ctx, text)
	if errors.Is(err, context.Canceled) {
		err = tts.ErrInterrupted
	}

	s.mu.Lock()
	if s.current == u {
		s.current = nil
	}
	s.mu.Unlock()

	u.done <- err
	close(u.done)
	u.cancel()
}

// stream dials a fresh stream-input socket, feeds the sentences of text, and
// copies decoded PCM frames into the sink until the server signals the end.
func (s *session) stream(ctx context.Context, text string) error {
	wsURL := buildURLForVoice(s.provider.streamHost, s.voice.ID, s.provider.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("elevenlabs: dial stream-input: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	vs := &voiceSettings{
		Stability:       defaultStability,
		SimilarityBoost: defaultSimilarityBoost,
	}
	if s.voice.SpeedFactor > 0 {
		vs.Speed = s.voice.SpeedFactor
	}

	// Begin-of-input handshake authenticates and configures the stream.
	boi := boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: vs,
		XiAPIKey:      s.provider.apiKey,
		OutputFormat:  s.provider.outputFormat,
	}
	boiBytes, err := json.Marshal(boi)
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal handshake: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		return fmt.Errorf("elevenlabs: send handshake: %w", err)
	}

	// Writer: one message per sentence, then the empty-text flush that tells
	// the server no more text is coming.
	writeErr := make(chan error, 1)
	go func() {
		for _, sentence := range splitSentences(text) {
			payload, err := buildWSMessage(sentence, nil)
			if err != nil {
				writeErr <- fmt.Errorf("elevenlabs: marshal text message: %w", err)
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				writeErr <- fmt.Errorf("elevenlabs: send text: %w", err)
				return
			}
		}
		flush, _ := buildWSMessage("", nil)
		if err := conn.Write(ctx, websocket.MessageText, flush); err != nil {
			writeErr <- fmt.Errorf("elevenlabs: send flush: %w", err)
			return
		}
		writeErr <- nil
	}()

	// Reader: decode audio frames into the sink in arrival order. The single
	// socket already serialises audio, so no reassembly is needed.
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return fmt.Errorf("elevenlabs: read stream: %w", err)
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			return fmt.Errorf("elevenlabs: decode stream message: %w", err)
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return fmt.Errorf("elevenlabs: decode audio chunk: %w", err)
			}
			if err := s.sink.WritePCM(ctx, pcm); err != nil {
				return fmt.Errorf("elevenlabs: write to sink: %w", err)
			}
		}
		if resp.IsFinal {
			break
		}
	}

	// The writer finishes before the final audio frame in practice; a stuck
	// write fails fast once the server side is gone.
	return <-writeErr
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiHost+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices read: %w", err)
	}
	profiles, err := parseVoicesResponse(body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return profiles, nil
}

// ---- CloneVoice ----

// addVoiceResponse is the response from POST /v1/voices/add.
type addVoiceResponse struct {
	VoiceID string `json:"voice_id"`
}

// CloneVoice creates an instant voice clone from WAV samples via
// POST /v1/voices/add. name becomes the voice's display name; each element of
// samples must be a complete audio file.
func (p *Provider) CloneVoice(ctx context.Context, name string, samples [][]byte) (*types.VoiceProfile, error) {
	if name == "" {
		return nil, errors.New("elevenlabs: clone name must not be empty")
	}
	if len(samples) == 0 {
		return nil, errors.New("elevenlabs: CloneVoice requires at least one audio sample")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", name); err != nil {
		return nil, fmt.Errorf("elevenlabs: write name field: %w", err)
	}
	for i, sample := range samples {
		fw, err := mw.CreateFormFile("files", fmt.Sprintf("sample_%02d.wav", i))
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: create form file: %w", err)
		}
		if _, err := fw.Write(sample); err != nil {
			return nil, fmt.Errorf("elevenlabs: write form file: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("elevenlabs: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiHost+"/v1/voices/add", &body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create clone request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: clone voice HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: clone voice: unexpected status %d", resp.StatusCode)
	}

	var av addVoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&av); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode clone response: %w", err)
	}
	if av.VoiceID == "" {
		return nil, errors.New("elevenlabs: clone response missing voice_id")
	}

	return &types.VoiceProfile{
		ID:       av.VoiceID,
		Name:     name,
		Provider: "elevenlabs",
		Metadata: map[string]string{
			"category": "cloned",
		},
	}, nil
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
// An empty text with nil settings is the flush command.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURLForVoice constructs the stream-input WebSocket URL for a voice and model.
func buildURLForVoice(host, voiceID, model string) string {
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?model_id=%s", host, voiceID, model)
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]types.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles, nil
}

// splitSentences breaks text at sentence-ending punctuation so each fragment
// can be sent to the stream as soon as it is ready.
func splitSentences(text string) []string {
	var out []string
	rest := text
	for {
		idx := sentenceBoundary(rest)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(rest[:idx+1]); s != "" {
			out = append(out, s)
		}
		rest = rest[idx+1:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		out = append(out, s)
	}
	return out
}

// sentenceBoundary returns the index of the first sentence-ending character
// that is at the end of s or followed by whitespace, or -1.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
