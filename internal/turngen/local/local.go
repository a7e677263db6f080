// Package local implements the turn engine directly on an LLM provider.
// It is the fallback when the backend conversation endpoint is unreachable:
// the prompt is assembled here and competency tracking is unavailable.
package local

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/evrhire/cadenza/internal/turngen"
	"github.com/evrhire/cadenza/pkg/provider/llm"
)

const (
	genericPrompt = "Conduct a structured interview and respond with the next question."

	// cannedSnippetLen bounds how much of the candidate's last answer is
	// echoed into the canned follow-up question.
	cannedSnippetLen = 120

	defaultTemperature = 0.7
)

// Compile-time interface assertion.
var _ turngen.Generator = (*Engine)(nil)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithTemperature sets the sampling temperature. Defaults to 0.7.
func WithTemperature(t float64) Option {
	return func(e *Engine) {
		e.temperature = t
	}
}

// Engine generates interview turns from a directly attached LLM provider.
type Engine struct {
	provider    llm.Provider
	temperature float64
	logger      *slog.Logger
}

// New creates an Engine backed by the given provider.
func New(provider llm.Provider, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("turngen: llm provider must not be nil")
	}
	e := &Engine{
		provider:    provider,
		temperature: defaultTemperature,
		logger:      slog.Default().With("component", "turngen-local"),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Next implements turngen.Generator. Model failures other than throttling
// degrade to a canned follow-up so the interview keeps moving.
func (e *Engine) Next(ctx context.Context, req turngen.TurnRequest) (*turngen.TurnResult, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("turngen: conversation history must not be empty")
	}

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     req.Messages,
		Temperature:  e.temperature,
		SystemPrompt: systemPrompt(req.JobTitle, req.JobDescription),
	})
	if err != nil {
		// Provider throttling messages carry the same markers the backend
		// uses; surface those instead of papering over them.
		if rec := turngen.Classify(err.Error()); rec != nil {
			return nil, rec
		}
		last := req.Messages[len(req.Messages)-1].Content
		e.logger.Warn("model completion failed, using canned follow-up", "error", err)
		return &turngen.TurnResult{Reply: cannedFollowUp(last)}, nil
	}

	return &turngen.TurnResult{
		Reply:       resp.Content,
		UsageTokens: resp.Usage.TotalTokens,
	}, nil
}

func systemPrompt(jobTitle, jobDescription string) string {
	if jobTitle != "" && jobDescription != "" {
		return fmt.Sprintf("Role: %s\nDescription: %s\n%s", jobTitle, jobDescription, genericPrompt)
	}
	return genericPrompt
}

// cannedFollowUp builds the degraded-mode reply from the candidate's last
// answer, truncated on a rune boundary.
func cannedFollowUp(lastMessage string) string {
	snippet := []rune(lastMessage)
	if len(snippet) > cannedSnippetLen {
		snippet = snippet[:cannedSnippetLen]
	}
	return "Thanks for sharing. Could you expand on: " + string(snippet)
}
