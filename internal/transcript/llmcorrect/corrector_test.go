package llmcorrect_test

import (
	"context"
	"strings"
	"testing"

	"github.com/evrhire/cadenza/internal/transcript/llmcorrect"
	"github.com/evrhire/cadenza/pkg/provider/llm"
	"github.com/evrhire/cadenza/pkg/provider/llm/mock"
)

func TestCorrector_CallsLLMWithHints(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"corrected_text": "The cluster runs Kubernetes.", "corrections": [{"original": "kubernetis", "corrected": "Kubernetes", "confidence": 0.9}]}`,
		},
	}
	c := llmcorrect.New(provider)

	hints := []string{"Kubernetes", "GitHub Actions"}
	_, _, err := c.Correct(context.Background(), "The cluster runs kubernetis.", hints)
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}

	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("expected 1 Complete call, got %d", len(provider.CompleteCalls))
	}

	req := provider.CompleteCalls[0].Req
	// System prompt must contain each hint.
	for _, hint := range hints {
		if !strings.Contains(req.SystemPrompt, hint) {
			t.Errorf("system prompt missing hint %q\nprompt:\n%s", hint, req.SystemPrompt)
		}
	}

	// User message must contain the original transcript text.
	if len(req.Messages) == 0 {
		t.Fatal("request has no messages")
	}
	if !strings.Contains(req.Messages[0].Content, "kubernetis") {
		t.Errorf("user message missing original text, got: %s", req.Messages[0].Content)
	}
}

func TestCorrector_ParsesJSONCorrections(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"corrected_text": "Kubernetes guards the cluster.", "corrections": [{"original": "cooper netties", "corrected": "Kubernetes", "confidence": 0.9}]}`,
		},
	}
	c := llmcorrect.New(provider)

	correctedText, corrections, err := c.Correct(
		context.Background(),
		"cooper netties guards the cluster.",
		[]string{"Kubernetes", "GitHub Actions"},
	)
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}

	if correctedText != "Kubernetes guards the cluster." {
		t.Errorf("correctedText=%q, want %q", correctedText, "Kubernetes guards the cluster.")
	}

	if len(corrections) != 1 {
		t.Fatalf("got %d corrections, want 1", len(corrections))
	}
	if corrections[0].Original != "cooper netties" {
		t.Errorf("corrections[0].Original=%q, want %q", corrections[0].Original, "cooper netties")
	}
	if corrections[0].Corrected != "Kubernetes" {
		t.Errorf("corrections[0].Corrected=%q, want %q", corrections[0].Corrected, "Kubernetes")
	}
	if corrections[0].Confidence != 0.9 {
		t.Errorf("corrections[0].Confidence=%f, want 0.9", corrections[0].Confidence)
	}
}

func TestCorrector_FallbackOnUnparseable(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			// Intentionally invalid JSON.
			Content: "I cannot correct this transcript because it's ambiguous.",
		},
	}
	c := llmcorrect.New(provider)

	originalText := "cooper netties runs the deployment."
	correctedText, corrections, err := c.Correct(
		context.Background(),
		originalText,
		[]string{"Kubernetes", "GitHub Actions"},
	)
	if err != nil {
		t.Fatalf("Correct returned error on unparseable response: %v", err)
	}

	// Must return original text unchanged.
	if correctedText != originalText {
		t.Errorf("correctedText=%q, want original %q", correctedText, originalText)
	}
	if corrections != nil {
		t.Errorf("corrections=%v, want nil on fallback", corrections)
	}
}

func TestCorrector_MarkdownStripping(t *testing.T) {
	t.Parallel()

	// Some models wrap JSON in markdown fences.
	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "```json\n" + `{"corrected_text": "Kubernetes waits.", "corrections": [{"original": "kubernetis", "corrected": "Kubernetes", "confidence": 0.85}]}` + "\n```",
		},
	}
	c := llmcorrect.New(provider)

	correctedText, _, err := c.Correct(
		context.Background(),
		"kubernetis waits.",
		[]string{"Kubernetes"},
	)
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	if correctedText != "Kubernetes waits." {
		t.Errorf("correctedText=%q, want %q", correctedText, "Kubernetes waits.")
	}
}

func TestCorrector_RevertsUndeclaredChanges(t *testing.T) {
	t.Parallel()

	// The model paraphrases without declaring any correction; the verifier
	// must restore the original wording.
	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"corrected_text": "the team ships daily.", "corrections": []}`,
		},
	}
	c := llmcorrect.New(provider)

	originalText := "the team ships weekly."
	correctedText, corrections, err := c.Correct(
		context.Background(),
		originalText,
		[]string{"Kubernetes"},
	)
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	if correctedText != originalText {
		t.Errorf("correctedText=%q, want reverted original %q", correctedText, originalText)
	}
	if len(corrections) != 0 {
		t.Errorf("got %d corrections, want 0 (undeclared change must not count)", len(corrections))
	}
}

func TestCorrector_EmptyHints(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	c := llmcorrect.New(provider)

	text := "some text"
	correctedText, corrections, err := c.Correct(context.Background(), text, nil)
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	if correctedText != text {
		t.Errorf("correctedText=%q, want original %q when no hints", correctedText, text)
	}
	if len(corrections) != 0 {
		t.Errorf("expected no corrections when hints is nil, got %d", len(corrections))
	}
	// LLM should not be called.
	if len(provider.CompleteCalls) != 0 {
		t.Errorf("expected 0 LLM calls for empty hints, got %d", len(provider.CompleteCalls))
	}
}

func TestCorrector_LLMError(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteErr: context.DeadlineExceeded,
	}
	c := llmcorrect.New(provider)

	_, _, err := c.Correct(
		context.Background(),
		"some transcript",
		[]string{"Kubernetes"},
	)
	if err == nil {
		t.Fatal("expected error from LLM failure, got nil")
	}
}

func TestCorrector_WithTemperature(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"corrected_text": "hello", "corrections": []}`,
		},
	}
	c := llmcorrect.New(provider, llmcorrect.WithTemperature(0.5))

	_, _, err := c.Correct(context.Background(), "hello", []string{"Kubernetes"})
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}

	if len(provider.CompleteCalls) == 0 {
		t.Fatal("no Complete calls recorded")
	}
	req := provider.CompleteCalls[0].Req
	if req.Temperature != 0.5 {
		t.Errorf("Temperature=%f, want 0.5", req.Temperature)
	}
}
