// Package azure provides the cloud-neural speech input tier backed by the
// Azure Speech streaming WebSocket API. It implements the stt.Provider
// interface.
//
// Authentication uses short-lived tokens issued by the recruitment backend's
// speech token endpoint rather than a raw subscription key, so the service
// never holds long-lived speech credentials. A TokenSource supplies
// `{token, region}` pairs; the region selects the regional WebSocket host.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/evrhire/cadenza/pkg/provider/stt"
	"github.com/evrhire/cadenza/pkg/types"
)

const (
	endpointFmt       = "wss://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
)

// TokenSource supplies speech tokens. Implementations should cache and
// refresh ahead of expiry; StartStream calls it once per session.
type TokenSource interface {
	SpeechToken(ctx context.Context) (types.SpeechCredential, error)
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en-US").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithProfanityFilter controls whether the recognizer masks profanity.
// Interviews keep the raw wording by default so the transcript is faithful.
func WithProfanityFilter(enabled bool) Option {
	return func(p *Provider) {
		p.profanityFilter = enabled
	}
}

// Provider implements stt.Provider backed by the Azure Speech streaming API.
type Provider struct {
	tokens          TokenSource
	language        string
	sampleRate      int
	profanityFilter bool
}

// New creates a new Provider. tokens must not be nil.
func New(tokens TokenSource, opts ...Option) (*Provider, error) {
	if tokens == nil {
		return nil, errors.New("azurestt: token source must not be nil")
	}
	p := &Provider{
		tokens:     tokens,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming recognition session. It fetches a fresh
// token, dials the regional endpoint, and sends the recognition context
// (including cfg.PhraseHints) before any audio.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	tok, err := p.tokens.SpeechToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("azurestt: fetch token: %w", err)
	}
	if tok.Region == "" {
		return nil, errors.New("azurestt: token source returned empty region")
	}

	wsURL, err := p.buildURL(tok.Region, cfg)
	if err != nil {
		return nil, fmt.Errorf("azurestt: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+tok.Token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("azurestt: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		errs:     make(chan error, 4),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	if err := sess.sendContext(ctx, cfg.PhraseHints); err != nil {
		conn.Close(websocket.StatusInternalError, "context send failed")
		return nil, fmt.Errorf("azurestt: send recognition context: %w", err)
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the regional streaming endpoint URL for the given config.
func (p *Provider) buildURL(region string, cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(fmt.Sprintf(endpointFmt, region))
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("language", lang)
	q.Set("format", "detailed")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if !p.profanityFilter {
		q.Set("profanity", "raw")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// contextMessage is the JSON recognition context sent before audio. The
// phrase list boosts recognition of job-specific vocabulary.
type contextMessage struct {
	Type    string   `json:"type"`
	Phrases []string `json:"phrases,omitempty"`
}

// speechResponse is the JSON structure received for recognition events.
// speech.hypothesis carries interim text; speech.phrase carries committed
// text with its recognition status.
type speechResponse struct {
	Type              string  `json:"type"`
	Text              string  `json:"text"`
	DisplayText       string  `json:"display_text"`
	Confidence        float64 `json:"confidence"`
	OffsetMs          int64   `json:"offset_ms"`
	DurationMs        int64   `json:"duration_ms"`
	RecognitionStatus string  `json:"recognition_status"`
	Message           string  `json:"message"`
}

// session is a live Azure streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan types.Transcript
	finals   chan types.Transcript
	errs     chan error
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// sendContext transmits the recognition context frame with phrase hints.
func (s *session) sendContext(ctx context.Context, phrases []string) error {
	msg := contextMessage{Type: "speech.context", Phrases: phrases}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// SendAudio queues a PCM audio chunk for delivery to the recognizer.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("azurestt: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("azurestt: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Errs returns the channel of runtime failures.
func (s *session) Errs() <-chan error { return s.errs }

// SetPhraseHints replaces the active phrase list by sending a fresh
// recognition context frame. Already-buffered audio may still be recognised
// against the previous list.
func (s *session) SetPhraseHints(phrases []string) error {
	select {
	case <-s.done:
		return errors.New("azurestt: session is closed")
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sendContext(ctx, phrases); err != nil {
		return fmt.Errorf("azurestt: update phrase hints: %w", err)
	}
	return nil
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Signal end of audio so the service flushes pending recognition.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"speech.endOfStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to the
// recognizer.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.reportErr(fmt.Errorf("azurestt: send audio: %w", err))
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from the recognizer and dispatches them to
// the partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.errs)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Reads fail during an orderly Close; only an unexpected drop is
			// a runtime error worth a tier downgrade.
			select {
			case <-s.done:
			default:
				s.reportErr(fmt.Errorf("azurestt: connection lost: %w", err))
			}
			return
		}

		t, kind := parseSpeechResponse(msg)
		switch kind {
		case kindPartial:
			select {
			case s.partials <- t:
			case <-s.done:
			}
		case kindFinal:
			select {
			case s.finals <- t:
			case <-s.done:
			}
		case kindError:
			s.reportErr(fmt.Errorf("azurestt: service error: %s", t.Text))
		}
	}
}

// reportErr delivers a runtime error without blocking; the channel is
// buffered and a downgrade needs only the first error.
func (s *session) reportErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

type responseKind int

const (
	kindIgnore responseKind = iota
	kindPartial
	kindFinal
	kindError
)

// parseSpeechResponse parses a raw recognizer message into a Transcript and
// its kind. Messages that carry no recognisable content are ignored.
func parseSpeechResponse(data []byte) (types.Transcript, responseKind) {
	var resp speechResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, kindIgnore
	}

	switch resp.Type {
	case "speech.hypothesis":
		if resp.Text == "" {
			return types.Transcript{}, kindIgnore
		}
		return types.Transcript{
			Text:       resp.Text,
			IsFinal:    false,
			Confidence: resp.Confidence,
			Timestamp:  time.Duration(resp.OffsetMs) * time.Millisecond,
			Duration:   time.Duration(resp.DurationMs) * time.Millisecond,
		}, kindPartial

	case "speech.phrase":
		if resp.RecognitionStatus != "" && resp.RecognitionStatus != "Success" {
			return types.Transcript{}, kindIgnore
		}
		text := resp.DisplayText
		if text == "" {
			text = resp.Text
		}
		if text == "" {
			return types.Transcript{}, kindIgnore
		}
		return types.Transcript{
			Text:       text,
			IsFinal:    true,
			Confidence: resp.Confidence,
			Timestamp:  time.Duration(resp.OffsetMs) * time.Millisecond,
			Duration:   time.Duration(resp.DurationMs) * time.Millisecond,
		}, kindFinal

	case "speech.error":
		return types.Transcript{Text: resp.Message}, kindError
	}

	return types.Transcript{}, kindIgnore
}
