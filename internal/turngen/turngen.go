// Package turngen produces the interviewer's next turn from the
// conversation so far.
//
// Two engines implement the contract: remote (the recruitment backend's
// conversation endpoint, the default for hosted deployments) and local (a
// directly configured model for self-hosted gateways). The resilience
// package chains them so a failing remote engine degrades to local.
//
// Failures split into recoverable and fatal. Rate-limit and usage-limit
// conditions are recoverable: the session surfaces a warning and keeps its
// state so the candidate can retry. Everything else ends the session. The
// backend signals the recoverable conditions by substring on its failure
// message — a contract shared with the web client, preserved by [Classify].
package turngen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/evrhire/cadenza/pkg/types"
)

// ErrRateLimited marks a turn rejected because the model is throttling.
// Recoverable: the candidate can retry after a pause.
var ErrRateLimited = errors.New("turn engine is rate limited")

// ErrUsageLimited marks a turn rejected because the account's usage quota
// is exhausted. Recoverable in-session, but retries will keep failing until
// the quota resets.
var ErrUsageLimited = errors.New("turn engine usage quota exhausted")

// TurnRequest is everything an engine needs to produce the next question.
type TurnRequest struct {
	// InterviewID identifies the interview being conducted.
	InterviewID string

	// Messages is the conversation so far, candidate turn last.
	Messages []types.Message

	// JobTitle and JobDescription ground the interviewer in the role.
	// Both empty means no job context is available yet.
	JobTitle       string
	JobDescription string
}

// TurnResult is one generated interviewer turn.
type TurnResult struct {
	// Reply is the interviewer's next utterance.
	Reply string

	// CompetencyCovered names the requirement this turn addressed, when the
	// engine reports one. Empty otherwise.
	CompetencyCovered string

	// UsageTokens is the total token count billed for this turn. Zero when
	// the engine does not report usage.
	UsageTokens int
}

// Generator produces interviewer turns.
type Generator interface {
	Next(ctx context.Context, req TurnRequest) (*TurnResult, error)
}

// Classify maps an engine failure message onto the recoverable error
// taxonomy. It returns an error wrapping [ErrRateLimited] or
// [ErrUsageLimited] when the message signals one of those conditions, and
// nil otherwise.
func Classify(message string) error {
	switch {
	case strings.Contains(message, "Rate limit"):
		return fmt.Errorf("turngen: %s: %w", message, ErrRateLimited)
	case strings.Contains(message, "Usage limit"):
		return fmt.Errorf("turngen: %s: %w", message, ErrUsageLimited)
	default:
		return nil
	}
}

// Recoverable reports whether err is one of the conditions a session
// survives with a warning instead of ending.
func Recoverable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUsageLimited)
}
