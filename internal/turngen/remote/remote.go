// Package remote implements the turn engine against the recruitment
// backend's conversation endpoint. The backend owns the prompt, the model
// deployment, and billing; this engine is a thin, breaker-guarded client.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/evrhire/cadenza/internal/resilience"
	"github.com/evrhire/cadenza/internal/turngen"
	"github.com/evrhire/cadenza/pkg/types"
)

const (
	chatPath = "/api/v1/interview/chat"

	// defaultTimeout allows for model latency on long histories.
	defaultTimeout = 60 * time.Second

	errorBodyLimit = 512
)

// Compile-time interface assertion.
var _ turngen.Generator = (*Engine)(nil)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = hc
	}
}

// WithTimeout sets the per-turn timeout. Defaults to 60s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.httpClient.Timeout = d
	}
}

// Engine calls the backend conversation endpoint.
type Engine struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

// New creates an Engine for the backend at baseURL. authToken authenticates
// the service against the backend's API; empty disables the header.
func New(baseURL, authToken string, opts ...Option) (*Engine, error) {
	if baseURL == "" {
		return nil, errors.New("turngen: base URL must not be empty")
	}
	e := &Engine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: defaultTimeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "turn-engine",
		}),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// chatMessage is the wire form of one conversation message.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	InterviewID    string        `json:"interview_id"`
	Messages       []chatMessage `json:"messages"`
	JobTitle       string        `json:"job_title"`
	JobDescription string        `json:"job_description"`
}

type chatResponse struct {
	Reply             string `json:"reply"`
	UsageTokens       *int   `json:"usage_tokens"`
	CompetencyCovered string `json:"competency_covered"`
}

// errorResponse is the backend's failure envelope. The detail field carries
// the message the recoverable-error classification runs on.
type errorResponse struct {
	Detail string `json:"detail"`
}

// Next implements turngen.Generator.
func (e *Engine) Next(ctx context.Context, req turngen.TurnRequest) (*turngen.TurnResult, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("turngen: conversation history must not be empty")
	}

	var (
		result *turngen.TurnResult
		soft   error
	)
	err := e.breaker.Execute(func() error {
		status, body, err := e.doChat(ctx, req)
		if err != nil {
			return err
		}
		if status == http.StatusOK {
			res, err := decodeResult(body)
			if err != nil {
				return err
			}
			result = res
			return nil
		}

		detail := decodeDetail(body)
		// Throttling is not a backend fault: report it upward without
		// counting it against the breaker.
		if rec := turngen.Classify(detail); rec != nil {
			soft = rec
			return nil
		}
		return fmt.Errorf("backend returned status %d: %s", status, detail)
	})
	if err != nil {
		return nil, fmt.Errorf("turngen: next turn: %w", err)
	}
	if soft != nil {
		return nil, soft
	}
	return result, nil
}

// doChat performs one POST to the conversation endpoint and returns the
// status code and raw body.
func (e *Engine) doChat(ctx context.Context, req turngen.TurnRequest) (int, []byte, error) {
	payload := chatRequest{
		InterviewID:    req.InterviewID,
		Messages:       convertMessages(req.Messages),
		JobTitle:       req.JobTitle,
		JobDescription: req.JobDescription,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+chatPath, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.authToken)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func convertMessages(messages []types.Message) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func decodeResult(body []byte) (*turngen.TurnResult, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	res := &turngen.TurnResult{
		Reply:             resp.Reply,
		CompetencyCovered: resp.CompetencyCovered,
	}
	if resp.UsageTokens != nil {
		res.UsageTokens = *resp.UsageTokens
	}
	return res, nil
}

// decodeDetail extracts the failure message from an error body, falling
// back to the raw body when it is not the JSON envelope.
func decodeDetail(body []byte) string {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Detail != "" {
		return resp.Detail
	}
	if len(body) > errorBodyLimit {
		body = body[:errorBodyLimit]
	}
	return string(body)
}
