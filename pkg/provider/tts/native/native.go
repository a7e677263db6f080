// Package native provides the last-resort speech output tier: a local speech
// daemon (Piper or Coqui compatible) reached over HTTP on the loopback
// interface. It implements the tts.Provider interface.
//
// The daemon synthesises one utterance per request and returns a RIFF/WAVE
// payload. Because a whole interview question can span several sentences,
// Speak splits the text on sentence boundaries and synthesises up to
// sentenceLookahead sentences concurrently while playing them back in
// order, hiding the daemon's per-request latency. WAV headers are stripped
// and the PCM is resampled to the sink rate before playback.
//
// No network egress, no credentials: this tier works on an air-gapped box,
// which is exactly why it sits at the bottom of the fallback order.
package native

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/types"
)

// Compile-time interface assertions.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Session  = (*session)(nil)
)

const (
	defaultLanguage   = "en"
	defaultTimeout    = 30 * time.Second
	defaultOutputRate = 16000

	synthesizeEndpoint = "/api/tts"
	detailsEndpoint    = "/details"

	// sentenceLookahead bounds how many synthesis requests run concurrently
	// per utterance. Higher values hide more daemon latency at the cost of
	// local CPU.
	sentenceLookahead = 4

	// pcmChunkSize is the size of each PCM chunk written to the sink.
	pcmChunkSize = 4096
)

// Option is a functional option for configuring a native Provider.
type Option func(*Provider)

// WithLanguage sets the language id sent to the daemon (e.g., "en", "de").
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for daemon calls.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithOutputSampleRate sets the PCM rate delivered to the sink. Synthesised
// audio at a different rate is resampled. Zero disables resampling.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// Provider implements tts.Provider backed by a local speech daemon. It is
// safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	outputRate int
	httpClient *http.Client
}

// New creates a Provider targeting the daemon at serverURL (e.g.,
// "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("native: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		outputRate: defaultOutputRate,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// OpenSession returns a session playing into sink with the given voice.
// voice.ID selects the daemon speaker; it may be empty for single-speaker
// models. sink must not be nil.
func (p *Provider) OpenSession(_ context.Context, voice types.VoiceProfile, sink tts.Sink) (tts.Session, error) {
	if sink == nil {
		return nil, errors.New("native: sink must not be nil")
	}
	return &session{
		provider: p,
		voice:    voice,
		sink:     sink,
	}, nil
}

// ListVoices queries the daemon's model details. Multi-speaker models yield
// one profile per speaker, single-speaker models one profile named after the
// model.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+detailsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("native: create details request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("native: GET %s: %w", detailsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("native: GET %s returned status %d", detailsEndpoint, resp.StatusCode)
	}

	var details struct {
		ModelName string   `json:"model_name"`
		Speakers  []string `json:"speakers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("native: decode details: %w", err)
	}

	if len(details.Speakers) > 0 {
		profiles := make([]types.VoiceProfile, 0, len(details.Speakers))
		for _, spk := range details.Speakers {
			profiles = append(profiles, types.VoiceProfile{
				ID:       spk,
				Name:     spk,
				Provider: "native",
				Metadata: map[string]string{"model_name": details.ModelName},
			})
		}
		return profiles, nil
	}

	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []types.VoiceProfile{{
		ID:       name,
		Name:     name,
		Provider: "native",
		Metadata: map[string]string{"model_name": name},
	}}, nil
}

// synthesize performs one GET /api/tts call and returns PCM at the output
// rate, WAV header stripped.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	reqURL := p.serverURL + synthesizeEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("native: create synthesis request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("native: GET %s: %w", synthesizeEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("native: GET %s returned status %d", synthesizeEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("native: read WAV response: %w", err)
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}

	pcm := wav[info.DataOffset:]
	if p.outputRate > 0 && info.SampleRate != p.outputRate && info.Channels == 1 {
		pcm = resampleMono16(pcm, info.SampleRate, p.outputRate)
	}
	return pcm, nil
}

// ---- session ----------------------------------------------------------------

// utterance tracks one in-flight Speak. Cancelling its context aborts
// synthesis and playback; the playback goroutine is the sole resolver of the
// done channel.
type utterance struct {
	done   chan error
	cancel context.CancelFunc
}

// session is a live native synthesis session. It implements tts.Session.
type session struct {
	provider *Provider
	voice    types.VoiceProfile
	sink     tts.Sink

	mu      sync.Mutex
	current *utterance
	closed  bool
}

// Speak splits text into sentences, synthesises them with lookahead, and
// plays them in order. A previous in-flight utterance is interrupted first.
func (s *session) Speak(ctx context.Context, text string) (<-chan error, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("native: text must not be empty")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("native: session is closed")
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
	err := s.speakSentences(ctx, text)
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

// speakSentences pipelines synthesis and ordered playback. Sentence i+1..i+n
// synthesise while sentence i plays.
func (s *session) speakSentences(ctx context.Context, text string) error {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	type result struct {
		pcm []byte
		err error
	}

	slots := make([]chan result, len(sentences))
	for i := range slots {
		slots[i] = make(chan result, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sentenceLookahead)
	for i, sentence := range sentences {
		g.Go(func() error {
			pcm, err := s.provider.synthesize(gctx, sentence, s.voice)
			slots[i] <- result{pcm: pcm, err: err}
			return err
		})
	}
	defer func() { _ = g.Wait() }()

	for _, slot := range slots {
		var res result
		select {
		case res = <-slot:
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.err != nil {
			return res.err
		}

		pcm := res.pcm
		for len(pcm) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(pcmChunkSize, len(pcm))
			if err := s.sink.WritePCM(ctx, pcm[:end]); err != nil {
				return fmt.Errorf("native: write to sink: %w", err)
			}
			pcm = pcm[end:]
		}
	}
	return nil
}

// ---- text splitting ----------------------------------------------------------

// splitSentences breaks text on sentence-ending punctuation ('.', '!', '?')
// followed by whitespace or end of input. Dots inside tokens, like decimals
// or hostnames, do not split. Text with no boundary comes back as a single
// sentence.
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

// ---- WAV handling ------------------------------------------------------------

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int
	SampleRate int
	Channels   int
}

// parseWAV walks the RIFF chunks in wav and returns the PCM data offset and
// audio format. Walking the chunks handles daemons that emit extra metadata
// chunks before the data chunk, where a fixed 44-byte skip would corrupt
// playback.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("native: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("native: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("native: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("native: WAV response missing data chunk")
}

// resampleMono16 resamples 16-bit mono little-endian PCM from srcRate to
// dstRate using linear interpolation. Returns the input unchanged when the
// rates match.
func resampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(interpolated))
	}
	return out
}
