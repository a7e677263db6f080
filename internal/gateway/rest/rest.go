// Package rest implements the persistence gateway against the recruitment
// backend's REST API. It is the primary store: the backend owns sequence
// numbering, application status transitions, and blob storage signing.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/evrhire/cadenza/internal/gateway"
	"github.com/evrhire/cadenza/internal/resilience"
	"github.com/evrhire/cadenza/pkg/types"
)

const (
	interviewsPath   = "/api/v1/interviews"
	applicationsPath = "/api/v1/applications"
	uploadURLPath    = "/api/storage/upload-url"
	healthPath       = "/health"

	defaultTimeout = 15 * time.Second
	errorBodyLimit = 256
)

// appliedStatus is the application status set once its interview finalizes.
const appliedStatus = "interviewed"

// Compile-time interface assertion.
var _ gateway.Store = (*Client)(nil)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout. Defaults to 15s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// Client talks to the backend interview API.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	now        func() time.Time
}

// New creates a Client for the backend at baseURL. authToken authenticates
// the service; empty disables the header.
func New(baseURL, authToken string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("gateway: base URL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: defaultTimeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "persistence-gateway",
		}),
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ---- wire types ----

// apiTime decodes the backend's timestamps. The backend emits naive ISO 8601
// (no zone offset, optional fractional seconds) which it means as UTC, so a
// strict RFC 3339 parse is not enough.
type apiTime struct {
	time.Time
}

var apiTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t *apiTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range apiTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("gateway: unparseable timestamp %q", s)
}

func (t apiTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

type wireInterview struct {
	ID               string   `json:"id"`
	ApplicationID    string   `json:"application_id"`
	Status           string   `json:"status"`
	ScheduledAt      *apiTime `json:"scheduled_at"`
	StartedAt        *apiTime `json:"started_at"`
	EndedAt          *apiTime `json:"ended_at"`
	DurationSeconds  *int     `json:"duration_seconds"`
	RecordingURL     *string  `json:"recording_url"`
	TranscriptStatus *string  `json:"transcript_status"`
	Summary          *string  `json:"summary"`
	CreatedAt        apiTime  `json:"created_at"`
	UpdatedAt        apiTime  `json:"updated_at"`
}

func (w *wireInterview) toDomain() *gateway.Interview {
	iv := &gateway.Interview{
		ID:            w.ID,
		ApplicationID: w.ApplicationID,
		Status:        w.Status,
		CreatedAt:     w.CreatedAt.Time,
		UpdatedAt:     w.UpdatedAt.Time,
	}
	if w.ScheduledAt != nil {
		iv.ScheduledAt = &w.ScheduledAt.Time
	}
	if w.StartedAt != nil {
		iv.StartedAt = &w.StartedAt.Time
	}
	if w.EndedAt != nil {
		iv.EndedAt = &w.EndedAt.Time
	}
	if w.DurationSeconds != nil {
		iv.DurationSeconds = *w.DurationSeconds
	}
	if w.RecordingURL != nil {
		iv.RecordingURL = *w.RecordingURL
	}
	if w.TranscriptStatus != nil {
		iv.TranscriptStatus = *w.TranscriptStatus
	}
	if w.Summary != nil {
		iv.Summary = *w.Summary
	}
	return iv
}

type interviewCreate struct {
	ApplicationID string `json:"application_id"`
}

// interviewUpdate is the PATCH body. Absent fields stay untouched server-side.
type interviewUpdate struct {
	Status          string         `json:"status,omitempty"`
	StartedAt       *apiTime       `json:"started_at,omitempty"`
	EndedAt         *apiTime       `json:"ended_at,omitempty"`
	DurationSeconds *int           `json:"duration_seconds,omitempty"`
	RecordingURL    string         `json:"recording_url,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	Signals         []types.Signal `json:"anti_cheat_signals,omitempty"`
}

type segmentCreate struct {
	Speaker     string `json:"speaker"`
	Content     string `json:"content"`
	StartTimeMS int64  `json:"start_time_ms,omitempty"`
	EndTimeMS   int64  `json:"end_time_ms,omitempty"`
}

type applicationUpdate struct {
	Status string `json:"status"`
}

type uploadURLRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
}

type uploadURLResponse struct {
	FileID           string `json:"file_id"`
	BlobPath         string `json:"blob_path"`
	UploadURL        string `json:"upload_url"`
	ExpiresInMinutes int    `json:"expires_in_minutes"`
}

// ---- operations ----

// CreateOrResume implements [gateway.Store]. It resumes the newest open
// interview for the application or creates one, then marks it in progress.
func (c *Client) CreateOrResume(ctx context.Context, applicationID string) (*gateway.Interview, error) {
	if applicationID == "" {
		return nil, errors.New("gateway: application id must not be empty")
	}

	var active *wireInterview
	path := interviewsPath + "/active?application_id=" + url.QueryEscape(applicationID)
	if err := c.call(ctx, http.MethodGet, path, nil, &active); err != nil {
		return nil, fmt.Errorf("gateway: look up active interview: %w", err)
	}

	if active == nil {
		created := &wireInterview{}
		if err := c.call(ctx, http.MethodPost, interviewsPath, interviewCreate{ApplicationID: applicationID}, created); err != nil {
			return nil, fmt.Errorf("gateway: create interview: %w", err)
		}
		active = created
	}

	if active.Status == gateway.StatusInProgress {
		return active.toDomain(), nil
	}

	started := apiTime{c.now().UTC()}
	updated := &wireInterview{}
	patch := interviewUpdate{Status: gateway.StatusInProgress, StartedAt: &started}
	if err := c.call(ctx, http.MethodPatch, interviewsPath+"/"+url.PathEscape(active.ID), patch, updated); err != nil {
		return nil, fmt.Errorf("gateway: mark interview in progress: %w", err)
	}
	return updated.toDomain(), nil
}

// AppendTranscript implements [gateway.Store].
func (c *Client) AppendTranscript(ctx context.Context, interviewID string, seg gateway.Segment) error {
	body := segmentCreate{
		Speaker:     string(seg.Speaker),
		Content:     seg.Content,
		StartTimeMS: seg.StartTimeMS,
		EndTimeMS:   seg.EndTimeMS,
	}
	path := interviewsPath + "/" + url.PathEscape(interviewID) + "/transcripts"
	if err := c.call(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("gateway: append transcript: %w", err)
	}
	return nil
}

// UpdateSignals implements [gateway.Store]. The whole signal set replaces the
// stored one, so retries are harmless.
func (c *Client) UpdateSignals(ctx context.Context, interviewID string, signals []types.Signal) error {
	patch := interviewUpdate{Signals: signals}
	if err := c.call(ctx, http.MethodPatch, interviewsPath+"/"+url.PathEscape(interviewID), patch, nil); err != nil {
		return fmt.Errorf("gateway: update signals: %w", err)
	}
	return nil
}

// Finalize implements [gateway.Store]. After the interview record closes, the
// owning application moves to the interviewed stage.
func (c *Client) Finalize(ctx context.Context, interviewID string, req gateway.FinalizeRequest) error {
	ended := apiTime{c.now().UTC()}
	patch := interviewUpdate{
		Status:          gateway.StatusCompleted,
		EndedAt:         &ended,
		DurationSeconds: &req.DurationSeconds,
		RecordingURL:    req.RecordingURL,
		Summary:         req.Summary,
		Signals:         req.Signals,
	}
	closed := &wireInterview{}
	if err := c.call(ctx, http.MethodPatch, interviewsPath+"/"+url.PathEscape(interviewID), patch, closed); err != nil {
		return fmt.Errorf("gateway: finalize interview: %w", err)
	}

	appPatch := applicationUpdate{Status: appliedStatus}
	path := applicationsPath + "/" + url.PathEscape(closed.ApplicationID)
	if err := c.call(ctx, http.MethodPatch, path, appPatch, nil); err != nil {
		return fmt.Errorf("gateway: transition application status: %w", err)
	}
	return nil
}

// RecordingUploadURL implements [gateway.Store].
func (c *Client) RecordingUploadURL(ctx context.Context, fileName, contentType string) (*gateway.UploadTarget, error) {
	if fileName == "" {
		return nil, errors.New("gateway: file name must not be empty")
	}
	resp := &uploadURLResponse{}
	body := uploadURLRequest{FileName: fileName, ContentType: contentType}
	if err := c.call(ctx, http.MethodPost, uploadURLPath, body, resp); err != nil {
		return nil, fmt.Errorf("gateway: request upload url: %w", err)
	}
	if resp.UploadURL == "" {
		return nil, errors.New("gateway: backend returned an empty upload url")
	}
	return &gateway.UploadTarget{
		FileID:           resp.FileID,
		BlobPath:         resp.BlobPath,
		UploadURL:        resp.UploadURL,
		ExpiresInMinutes: resp.ExpiresInMinutes,
	}, nil
}

// Ping probes the backend's health endpoint. It bypasses the circuit breaker
// so probe traffic never counts toward tripping it.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return nil
}

// call performs one breaker-guarded request. A JSON null response leaves out
// untouched, so pointer targets stay nil.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	return c.breaker.Execute(func() error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
			return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, snippet)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}
