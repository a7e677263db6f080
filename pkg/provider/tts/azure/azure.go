// Package azure provides the cloud-neural speech output tier backed by the
// Azure Speech synthesis REST API. It implements the tts.Provider interface.
//
// Synthesis is batch per utterance: each Speak call posts SSML to the
// regional endpoint, receives raw PCM, and plays it into the session's sink
// in fixed-size chunks. Interrupting cancels the utterance context, which
// aborts both the HTTP request and the chunk loop.
//
// Like the recognizer tier, authentication uses short-lived tokens from the
// backend's speech token endpoint, so no subscription key lives in this
// service.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/types"
)

// Compile-time interface assertions.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Session  = (*session)(nil)
)

const (
	synthesizeEndpointFmt = "https://%s.tts.speech.microsoft.com/cognitiveservices/v1"
	voicesEndpointFmt     = "https://%s.tts.speech.microsoft.com/cognitiveservices/voices/list"

	defaultLanguage     = "en-US"
	defaultOutputFormat = "raw-16khz-16bit-mono-pcm"
	defaultTimeout      = 30 * time.Second

	// pcmChunkSize is the size of each PCM chunk written to the sink.
	pcmChunkSize = 4096
)

// TokenSource supplies speech tokens. Implementations should cache and
// refresh ahead of expiry; the provider calls it once per utterance.
type TokenSource interface {
	SpeechToken(ctx context.Context) (types.SpeechCredential, error)
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLanguage sets the SSML document language (e.g., "en-US").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithOutputFormat sets the synthesis output format header. The default emits
// raw 16 kHz 16-bit mono PCM, which feeds the sink without transcoding.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithTimeout sets the per-request HTTP timeout for synthesis calls.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by the Azure Speech synthesis API.
// It is safe for concurrent use; sessions share the provider's HTTP client.
type Provider struct {
	tokens       TokenSource
	language     string
	outputFormat string
	httpClient   *http.Client

	// endpointOverride replaces the regional endpoint when non-empty. Tests
	// point it at a local server.
	endpointOverride string
}

// New creates a new Provider. tokens must not be nil.
func New(tokens TokenSource, opts ...Option) (*Provider, error) {
	if tokens == nil {
		return nil, errors.New("azuretts: token source must not be nil")
	}
	p := &Provider{
		tokens:       tokens,
		language:     defaultLanguage,
		outputFormat: defaultOutputFormat,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// OpenSession returns a session that synthesises with the given neural voice
// and plays into sink. voice.ID must name a neural voice (e.g.,
// "en-US-JennyNeural") and sink must not be nil.
func (p *Provider) OpenSession(_ context.Context, voice types.VoiceProfile, sink tts.Sink) (tts.Session, error) {
	if voice.ID == "" {
		return nil, errors.New("azuretts: voice.ID must not be empty")
	}
	if sink == nil {
		return nil, errors.New("azuretts: sink must not be nil")
	}
	return &session{
		provider: p,
		voice:    voice,
		sink:     sink,
	}, nil
}

// ListVoices returns the neural voice catalogue for the token's region.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	cred, err := p.tokens.SpeechToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("azuretts: fetch token: %w", err)
	}

	endpoint := p.endpointOverride
	if endpoint == "" {
		endpoint = fmt.Sprintf(voicesEndpointFmt, cred.Region)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("azuretts: create list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azuretts: list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("azuretts: list voices returned status %d", resp.StatusCode)
	}

	var entries []voiceEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("azuretts: decode voice list: %w", err)
	}

	profiles := make([]types.VoiceProfile, 0, len(entries))
	for _, v := range entries {
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.ShortName,
			Name:     v.DisplayName,
			Provider: "azure",
			Metadata: map[string]string{
				"locale":     v.Locale,
				"gender":     v.Gender,
				"voice_type": v.VoiceType,
			},
		})
	}
	return profiles, nil
}

// voiceEntry is one element of the voices/list response.
type voiceEntry struct {
	ShortName   string `json:"ShortName"`
	DisplayName string `json:"DisplayName"`
	Locale      string `json:"Locale"`
	Gender      string `json:"Gender"`
	VoiceType   string `json:"VoiceType"`
}

// synthesize posts one SSML document and returns the raw PCM response.
func (p *Provider) synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	cred, err := p.tokens.SpeechToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("azuretts: fetch token: %w", err)
	}
	if cred.Region == "" && p.endpointOverride == "" {
		return nil, errors.New("azuretts: token source returned empty region")
	}

	endpoint := p.endpointOverride
	if endpoint == "" {
		endpoint = fmt.Sprintf(synthesizeEndpointFmt, cred.Region)
	}

	ssml := buildSSML(p.language, voice, text)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(ssml))
	if err != nil {
		return nil, fmt.Errorf("azuretts: create synthesis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", p.outputFormat)
	req.Header.Set("User-Agent", "cadenza")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azuretts: POST synthesis: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("azuretts: synthesis returned status %d", resp.StatusCode)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azuretts: read synthesis response: %w", err)
	}
	if len(pcm) == 0 {
		return nil, errors.New("azuretts: synthesis returned no audio")
	}
	return pcm, nil
}

// buildSSML renders the SSML document for one utterance. The speaking rate
// comes from voice.SpeedFactor; 1.0 (or unset) omits the prosody element.
func buildSSML(language string, voice types.VoiceProfile, text string) string {
	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(text))

	var b strings.Builder
	fmt.Fprintf(&b, "<speak version='1.0' xml:lang='%s'>", language)
	fmt.Fprintf(&b, "<voice name='%s'>", voice.ID)
	if rate := formatRate(voice.SpeedFactor); rate != "" {
		fmt.Fprintf(&b, "<prosody rate='%s'>%s</prosody>", rate, escaped.String())
	} else {
		b.WriteString(escaped.String())
	}
	b.WriteString("</voice></speak>")
	return b.String()
}

// formatRate converts a speed factor into an SSML prosody rate percentage.
// Returns "" for the default rate.
func formatRate(speed float64) string {
	if speed <= 0 || speed == 1.0 {
		return ""
	}
	pct := int(math.Round((speed - 1.0) * 100))
	if pct == 0 {
		return ""
	}
	return fmt.Sprintf("%+d%%", pct)
}

// ---- session ----------------------------------------------------------------

// utterance tracks one in-flight Speak. Cancelling its context aborts
// synthesis and playback; the playback goroutine is the only resolver of the
// done channel, so it always receives exactly one value.
type utterance struct {
	done   chan error
	cancel context.CancelFunc
}

// session is a live cloud synthesis session. It implements tts.Session.
type session struct {
	provider *Provider
	voice    types.VoiceProfile
	sink     tts.Sink

	mu      sync.Mutex
	current *utterance
	closed  bool
}

// Speak starts synthesis and playback of text, interrupting any in-flight
// utterance first.
func (s *session) Speak(ctx context.Context, text string) (<-chan error, error) {
	if text == "" {
		return nil, errors.New("azuretts: text must not be empty")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("azuretts: session is closed")
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

// Stop interrupts the in-flight utterance, if any.
func (s *session) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.cancel()
	}
	return nil
}

// Close interrupts any in-flight utterance and marks the session closed.
// Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.current != nil {
		s.current.cancel()
	}
	return nil
}

// run synthesises and plays one utterance, then resolves its done channel.
func (s *session) run(ctx context.Context, u *utterance, text string) {
	err := s.synthesizeAndPlay(ctx, text)
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
}

func (s *session) synthesizeAndPlay(ctx context.Context, text string) error {
	pcm, err := s.provider.synthesize(ctx, text, s.voice)
	if err != nil {
		return err
	}

	for len(pcm) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(pcmChunkSize, len(pcm))
		if err := s.sink.WritePCM(ctx, pcm[:end]); err != nil {
			return fmt.Errorf("azuretts: write to sink: %w", err)
		}
		pcm = pcm[end:]
	}
	return nil
}
