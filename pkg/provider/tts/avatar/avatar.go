// Package avatar provides the top speech output tier: a hosted streaming
// avatar that lip-syncs and voices the interviewer inside a live video
// stream. It implements the tts.Provider interface.
//
// The avatar vendor renders audio and video remotely; the interview client
// attaches to the vendor's media stream directly using the address and
// access token returned at session creation. This provider therefore never
// writes to the local sink — it drives the vendor over REST:
//
//	POST /v1/streaming.new        create a session for an avatar character
//	POST /v1/streaming.task       speak one utterance, returns its duration
//	POST /v1/streaming.interrupt  cut off the current utterance
//	POST /v1/streaming.stop       end the session
//
// Utterance completion is timed: the task response reports the rendered
// duration and the done channel resolves when that much wall time has
// elapsed, unless a newer Speak or a Stop interrupts first.
package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/types"
)

// Compile-time interface assertions.
var (
	_ tts.Provider       = (*Provider)(nil)
	_ tts.Session        = (*session)(nil)
	_ tts.RemoteRenderer = (*session)(nil)
)

const (
	defaultTimeout = 15 * time.Second
	defaultQuality = "medium"

	newSessionEndpoint = "/v1/streaming.new"
	taskEndpoint       = "/v1/streaming.task"
	interruptEndpoint  = "/v1/streaming.interrupt"
	stopEndpoint       = "/v1/streaming.stop"
	avatarsEndpoint    = "/v2/avatars"
)

// Option is a functional option for configuring the avatar Provider.
type Option func(*Provider)

// WithBaseURL overrides the vendor API base URL. Useful for tests and for
// deployments routed through an egress proxy.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithQuality sets the rendered stream quality ("low", "medium", "high").
func WithQuality(quality string) Option {
	return func(p *Provider) {
		p.quality = quality
	}
}

// WithTimeout sets the per-request HTTP timeout for vendor calls.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// RelaySource mints TURN relay credentials for the interview client. The
// platform backend's token endpoint satisfies this.
type RelaySource interface {
	RelayCredentials(ctx context.Context) (types.RelayCredential, error)
}

// WithRelaySource attaches a source of TURN credentials. When set, each
// opened session carries a relay grant in its stream info so candidates
// behind restrictive NATs can still attach to the vendor stream.
func WithRelaySource(src RelaySource) Option {
	return func(p *Provider) {
		p.relay = src
	}
}

// Provider implements tts.Provider backed by a hosted streaming avatar
// service. It is safe for concurrent use; each interview opens its own
// avatar session.
type Provider struct {
	apiKey     string
	baseURL    string
	quality    string
	relay      RelaySource
	httpClient *http.Client
}

// New creates a new avatar Provider. apiKey and baseURL must be non-empty;
// the vendor endpoint differs per contract so there is no default host.
func New(apiKey, baseURL string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("avatar: apiKey must not be empty")
	}
	if baseURL == "" {
		return nil, errors.New("avatar: baseURL must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		quality: defaultQuality,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- request/response types -------------------------------------------------

// envelope is the vendor's standard response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// newSessionRequest is the body for POST /v1/streaming.new.
type newSessionRequest struct {
	AvatarID string `json:"avatar_id"`
	VoiceID  string `json:"voice_id,omitempty"`
	Quality  string `json:"quality,omitempty"`
}

// newSessionResponse is the data payload for a created session.
type newSessionResponse struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
}

// taskRequest is the body for POST /v1/streaming.task.
type taskRequest struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	Text      string `json:"text"`
	TaskType  string `json:"task_type"`
}

// taskResponse is the data payload for a dispatched utterance.
type taskResponse struct {
	TaskID     string  `json:"task_id"`
	DurationMs float64 `json:"duration_ms"`
}

// sessionRef is the body for interrupt and stop calls.
type sessionRef struct {
	SessionID string `json:"session_id"`
}

// avatarsResponse is the data payload of GET /v2/avatars.
type avatarsResponse struct {
	Avatars []avatarEntry `json:"avatars"`
}

type avatarEntry struct {
	AvatarID   string `json:"avatar_id"`
	AvatarName string `json:"avatar_name"`
	Gender     string `json:"gender,omitempty"`
	PreviewURL string `json:"preview_image_url,omitempty"`
}

// ---- Provider ---------------------------------------------------------------

// OpenSession creates a streaming avatar session for the given voice. The
// avatar character comes from voice.Metadata["avatar"], falling back to
// voice.ID. The sink is ignored: the vendor renders audio remotely.
func (p *Provider) OpenSession(ctx context.Context, voice types.VoiceProfile, _ tts.Sink) (tts.Session, error) {
	avatarID := voice.Metadata["avatar"]
	if avatarID == "" {
		avatarID = voice.ID
	}
	if avatarID == "" {
		return nil, errors.New("avatar: voice has no avatar character")
	}

	req := newSessionRequest{
		AvatarID: avatarID,
		VoiceID:  voice.Metadata["voice_id"],
		Quality:  p.quality,
	}
	var resp newSessionResponse
	if err := p.post(ctx, newSessionEndpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("avatar: create session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, errors.New("avatar: vendor returned empty session_id")
	}

	stream := tts.StreamInfo{
		URL:         resp.URL,
		AccessToken: resp.AccessToken,
	}
	if p.relay != nil {
		// A missing relay grant only affects candidates behind restrictive
		// NATs; everyone else attaches to the stream directly.
		if cred, err := p.relay.RelayCredentials(ctx); err == nil {
			stream.Relay = &cred
		}
	}

	return &session{
		provider:  p,
		sessionID: resp.SessionID,
		stream:    stream,
	}, nil
}

// ListVoices returns the avatar character catalogue mapped to voice profiles.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+avatarsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("avatar: create list request: %w", err)
	}
	req.Header.Set("X-Api-Key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	httpResp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("avatar: GET %s: %w", avatarsEndpoint, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("avatar: GET %s returned status %d", avatarsEndpoint, httpResp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(httpResp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("avatar: decode avatars response: %w", err)
	}
	var ar avatarsResponse
	if err := json.Unmarshal(env.Data, &ar); err != nil {
		return nil, fmt.Errorf("avatar: decode avatars data: %w", err)
	}

	profiles := make([]types.VoiceProfile, 0, len(ar.Avatars))
	for _, a := range ar.Avatars {
		meta := map[string]string{"avatar": a.AvatarID}
		if a.Gender != "" {
			meta["gender"] = a.Gender
		}
		if a.PreviewURL != "" {
			meta["preview_image_url"] = a.PreviewURL
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       a.AvatarID,
			Name:     a.AvatarName,
			Provider: "avatar",
			Metadata: meta,
		})
	}
	return profiles, nil
}

// post sends a JSON body to the given endpoint and decodes the enveloped
// data payload into out (when out is non-nil).
func (p *Provider) post(ctx context.Context, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("POST %s returned status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Message != "" && env.Code != 100 {
		return fmt.Errorf("vendor error %d: %s", env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data payload: %w", err)
		}
	}
	return nil
}

// ---- session ----------------------------------------------------------------

// utterance tracks one in-flight speak task. The timer fires when the
// vendor-reported duration elapses, resolving the done channel with nil.
type utterance struct {
	id    string
	done  chan error
	timer *time.Timer
}

// session is a live avatar session. It implements tts.Session and
// tts.RemoteRenderer.
type session struct {
	provider  *Provider
	sessionID string
	stream    tts.StreamInfo

	mu      sync.Mutex
	current *utterance
	closed  bool
}

// StreamInfo returns the vendor stream address the client attaches to.
func (s *session) StreamInfo() tts.StreamInfo {
	return s.stream
}

// Speak dispatches one utterance to the avatar. A previous utterance still
// rendering is interrupted first and its done channel resolves with
// tts.ErrInterrupted.
func (s *session) Speak(ctx context.Context, text string) (<-chan error, error) {
	if text == "" {
		return nil, errors.New("avatar: text must not be empty")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("avatar: session is closed")
	}
	interrupted := s.takeCurrentLocked()
	s.mu.Unlock()

	if interrupted != nil {
		s.resolve(interrupted, tts.ErrInterrupted)
		// Tell the vendor to cut the rendered speech too; failure here only
		// means a moment of overlapping audio.
		_ = s.provider.post(ctx, interruptEndpoint, sessionRef{SessionID: s.sessionID}, nil)
	}

	req := taskRequest{
		SessionID: s.sessionID,
		TaskID:    uuid.NewString(),
		Text:      text,
		TaskType:  "repeat",
	}
	var resp taskResponse
	if err := s.provider.post(ctx, taskEndpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("avatar: dispatch utterance: %w", err)
	}

	u := &utterance{
		id:   req.TaskID,
		done: make(chan error, 1),
	}

	duration := time.Duration(resp.DurationMs) * time.Millisecond
	if duration <= 0 {
		// Vendor did not report a duration; fall back to a reading-speed
		// estimate so the done channel still resolves.
		duration = estimateSpeechDuration(text)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.resolve(u, tts.ErrInterrupted)
		return u.done, nil
	}
	// A concurrent Speak may have installed itself while the task request
	// was in flight; the newest call wins.
	raced := s.takeCurrentLocked()
	u.timer = time.AfterFunc(duration, func() {
		s.completeUtterance(u)
	})
	s.current = u
	s.mu.Unlock()

	if raced != nil {
		s.resolve(raced, tts.ErrInterrupted)
	}
	return u.done, nil
}

// Stop interrupts the in-flight utterance if any.
func (s *session) Stop(ctx context.Context) error {
	s.mu.Lock()
	u := s.takeCurrentLocked()
	s.mu.Unlock()

	if u == nil {
		return nil
	}
	s.resolve(u, tts.ErrInterrupted)
	if err := s.provider.post(ctx, interruptEndpoint, sessionRef{SessionID: s.sessionID}, nil); err != nil {
		return fmt.Errorf("avatar: interrupt: %w", err)
	}
	return nil
}

// Close ends the avatar session with the vendor. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	u := s.takeCurrentLocked()
	s.mu.Unlock()

	if u != nil {
		s.resolve(u, tts.ErrInterrupted)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.provider.post(ctx, stopEndpoint, sessionRef{SessionID: s.sessionID}, nil); err != nil {
		return fmt.Errorf("avatar: stop session: %w", err)
	}
	return nil
}

// completeUtterance resolves u with nil if it is still the current
// utterance. A stale timer firing after an interrupt is ignored.
func (s *session) completeUtterance(u *utterance) {
	s.mu.Lock()
	if s.current != u {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()
	s.resolve(u, nil)
}

// takeCurrentLocked detaches and returns the current utterance, stopping its
// timer. Callers must hold s.mu.
func (s *session) takeCurrentLocked() *utterance {
	u := s.current
	s.current = nil
	if u != nil && u.timer != nil {
		u.timer.Stop()
	}
	return u
}

// resolve delivers exactly one value on the utterance's done channel and
// closes it.
func (s *session) resolve(u *utterance, err error) {
	u.done <- err
	close(u.done)
}

// estimateSpeechDuration approximates rendering time from word count at a
// conversational ~150 words per minute, clamped to at least a second.
func estimateSpeechDuration(text string) time.Duration {
	words := len(strings.Fields(text))
	d := time.Duration(words) * 400 * time.Millisecond
	if d < time.Second {
		d = time.Second
	}
	return d
}
