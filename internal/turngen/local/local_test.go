package local

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/evrhire/cadenza/internal/turngen"
	"github.com/evrhire/cadenza/pkg/provider/llm"
	"github.com/evrhire/cadenza/pkg/provider/llm/mock"
	"github.com/evrhire/cadenza/pkg/types"
)

func historyReq() turngen.TurnRequest {
	return turngen.TurnRequest{
		InterviewID: "intv-42",
		Messages: []types.Message{
			{Role: "assistant", Content: "Tell me about a project you led."},
			{Role: "user", Content: "I led the checkout migration."},
		},
		JobTitle:       "Backend Engineer",
		JobDescription: "Own the payments platform.",
	}
}

func TestNew_NilProvider(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil provider")
	}
}

func TestNext_Success(t *testing.T) {
	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "What was the hardest tradeoff?",
			Usage:   llm.Usage{PromptTokens: 80, CompletionTokens: 12, TotalTokens: 92},
		},
	}
	eng, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := eng.Next(context.Background(), historyReq())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if res.Reply != "What was the hardest tradeoff?" {
		t.Errorf("Reply = %q", res.Reply)
	}
	if res.UsageTokens != 92 {
		t.Errorf("UsageTokens = %d, want 92", res.UsageTokens)
	}
	if res.CompetencyCovered != "" {
		t.Errorf("CompetencyCovered = %q, want empty in direct-model mode", res.CompetencyCovered)
	}

	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(provider.CompleteCalls))
	}
	req := provider.CompleteCalls[0].Req
	wantPrompt := "Role: Backend Engineer\nDescription: Own the payments platform.\nConduct a structured interview and respond with the next question."
	if req.SystemPrompt != wantPrompt {
		t.Errorf("SystemPrompt = %q, want %q", req.SystemPrompt, wantPrompt)
	}
	if req.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want default 0.7", req.Temperature)
	}
	if len(req.Messages) != 2 || req.Messages[1].Content != "I led the checkout migration." {
		t.Errorf("Messages = %+v", req.Messages)
	}
}

func TestNext_GenericPromptWithoutJobContext(t *testing.T) {
	provider := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Next question."}}
	eng, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := historyReq()
	req.JobTitle = ""
	if _, err := eng.Next(context.Background(), req); err != nil {
		t.Fatalf("Next: %v", err)
	}

	got := provider.CompleteCalls[0].Req.SystemPrompt
	want := "Conduct a structured interview and respond with the next question."
	if got != want {
		t.Errorf("SystemPrompt = %q, want %q", got, want)
	}
}

func TestNext_WithTemperature(t *testing.T) {
	provider := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	eng, err := New(provider, WithTemperature(0.2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Next(context.Background(), historyReq()); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := provider.CompleteCalls[0].Req.Temperature; got != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", got)
	}
}

func TestNext_CannedFallbackOnModelFailure(t *testing.T) {
	provider := &mock.Provider{CompleteErr: errors.New("deployment not found")}
	eng, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := eng.Next(context.Background(), historyReq())
	if err != nil {
		t.Fatalf("Next: %v, want canned fallback instead of error", err)
	}
	want := "Thanks for sharing. Could you expand on: I led the checkout migration."
	if res.Reply != want {
		t.Errorf("Reply = %q, want %q", res.Reply, want)
	}
	if res.UsageTokens != 0 {
		t.Errorf("UsageTokens = %d, want 0", res.UsageTokens)
	}
}

func TestNext_CannedFallbackTruncatesOnRuneBoundary(t *testing.T) {
	provider := &mock.Provider{CompleteErr: errors.New("deployment not found")}
	eng, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := historyReq()
	req.Messages[len(req.Messages)-1].Content = strings.Repeat("é", 200)

	res, err := eng.Next(context.Background(), req)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !utf8.ValidString(res.Reply) {
		t.Error("canned reply is not valid UTF-8")
	}
	snippet := strings.TrimPrefix(res.Reply, "Thanks for sharing. Could you expand on: ")
	if got := utf8.RuneCountInString(snippet); got != 120 {
		t.Errorf("snippet is %d runes, want 120", got)
	}
}

func TestNext_RateLimitPassesThrough(t *testing.T) {
	provider := &mock.Provider{CompleteErr: errors.New("openai: Rate limit reached for gpt-4o")}
	eng, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = eng.Next(context.Background(), historyReq())
	if !errors.Is(err, turngen.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestNext_UsageLimitPassesThrough(t *testing.T) {
	provider := &mock.Provider{CompleteErr: errors.New("Usage limit exceeded for period")}
	eng, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = eng.Next(context.Background(), historyReq())
	if !errors.Is(err, turngen.ErrUsageLimited) {
		t.Fatalf("err = %v, want ErrUsageLimited", err)
	}
}

func TestNext_EmptyHistory(t *testing.T) {
	provider := &mock.Provider{}
	eng, err := New(provider)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := eng.Next(context.Background(), turngen.TurnRequest{}); err == nil {
		t.Fatal("expected error for empty history")
	}
	if len(provider.CompleteCalls) != 0 {
		t.Errorf("Complete called %d times, want 0", len(provider.CompleteCalls))
	}
}
