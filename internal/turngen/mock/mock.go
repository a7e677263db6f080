// Package mock provides a test double for the turngen.Generator interface.
//
// Use Engine to script turn results or failures without a live backend or
// model. A Script is consumed one step per call; once exhausted (or when it
// is empty) every call returns Result and Err.
package mock

import (
	"context"
	"sync"

	"github.com/evrhire/cadenza/internal/turngen"
)

// Compile-time interface assertion.
var _ turngen.Generator = (*Engine)(nil)

// NextCall records a single invocation of Next.
type NextCall struct {
	// Ctx is the context passed to Next.
	Ctx context.Context
	// Req is the TurnRequest passed to Next.
	Req turngen.TurnRequest
}

// Step is one scripted response.
type Step struct {
	Result *turngen.TurnResult
	Err    error
}

// Engine is a mock implementation of turngen.Generator.
type Engine struct {
	mu sync.Mutex

	// Script, when non-empty, is consumed one Step per Next call.
	Script []Step

	// Result is returned once Script is exhausted. May be nil.
	Result *turngen.TurnResult

	// Err is returned once Script is exhausted.
	Err error

	// NextCalls records every invocation of Next in order.
	NextCalls []NextCall
}

// NewEngine returns a mock that replies with the given text on every call.
func NewEngine(reply string) *Engine {
	return &Engine{Result: &turngen.TurnResult{Reply: reply}}
}

// Next implements turngen.Generator.
func (e *Engine) Next(ctx context.Context, req turngen.TurnRequest) (*turngen.TurnResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NextCalls = append(e.NextCalls, NextCall{Ctx: ctx, Req: req})
	if len(e.Script) > 0 {
		step := e.Script[0]
		e.Script = e.Script[1:]
		return step.Result, step.Err
	}
	return e.Result, e.Err
}

// CallCount returns the number of Next invocations so far.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.NextCalls)
}

// Calls returns a copy of the recorded invocations.
func (e *Engine) Calls() []NextCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NextCall, len(e.NextCalls))
	copy(out, e.NextCalls)
	return out
}

// Reset clears recorded calls and any remaining script.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NextCalls = nil
	e.Script = nil
}
