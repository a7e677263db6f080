package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/evrhire/cadenza/pkg/provider/stt"
	"github.com/evrhire/cadenza/pkg/types"
)

// correctionTimeout bounds one correction pass. The LLM stage is a network
// round trip; a slow model must not dam the final-transcript stream, so past
// the deadline the raw text is forwarded instead.
const correctionTimeout = 2 * time.Second

// WrapProvider decorates a recognition provider so every final hypothesis
// passes through the correction pipeline before the orchestrator commits it.
// The phrase hints from [stt.StreamConfig] are the correction vocabulary;
// [stt.SessionHandle.SetPhraseHints] swaps it mid-session. Partial hypotheses
// are forwarded untouched: they are transient UI feedback and are replaced
// wholesale by the corrected final.
func WrapProvider(inner stt.Provider, pipeline Pipeline, logger *slog.Logger) stt.Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &correctingProvider{
		inner:    inner,
		pipeline: pipeline,
		logger:   logger.With("component", "transcript"),
	}
}

type correctingProvider struct {
	inner    stt.Provider
	pipeline Pipeline
	logger   *slog.Logger
}

func (p *correctingProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, err := p.inner.StartStream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ch := &correctingHandle{
		SessionHandle: h,
		pipeline:      p.pipeline,
		logger:        p.logger,
	}
	ch.setHints(cfg.PhraseHints)
	return ch, nil
}

// correctingHandle rewrites the Finals stream one transcript at a time, in
// order. Everything else passes through to the wrapped handle.
type correctingHandle struct {
	stt.SessionHandle
	pipeline Pipeline
	logger   *slog.Logger

	mu    sync.Mutex
	hints []string

	once   sync.Once
	finals chan types.Transcript
}

func (h *correctingHandle) Finals() <-chan types.Transcript {
	h.once.Do(func() {
		h.finals = make(chan types.Transcript)
		go func() {
			defer close(h.finals)
			for tr := range h.SessionHandle.Finals() {
				h.finals <- h.correct(tr)
			}
		}()
	})
	return h.finals
}

// SetPhraseHints updates the correction vocabulary and then forwards to the
// wrapped handle. The local update happens regardless of the inner result:
// correction is exactly what compensates for a recognizer that cannot apply
// hints itself.
func (h *correctingHandle) SetPhraseHints(phrases []string) error {
	h.setHints(phrases)
	return h.SessionHandle.SetPhraseHints(phrases)
}

func (h *correctingHandle) setHints(phrases []string) {
	cp := make([]string, len(phrases))
	copy(cp, phrases)
	h.mu.Lock()
	h.hints = cp
	h.mu.Unlock()
}

func (h *correctingHandle) correct(tr types.Transcript) types.Transcript {
	h.mu.Lock()
	hints := h.hints
	h.mu.Unlock()
	if len(hints) == 0 || strings.TrimSpace(tr.Text) == "" {
		return tr
	}

	ctx, cancel := context.WithTimeout(context.Background(), correctionTimeout)
	defer cancel()

	res, err := h.pipeline.Correct(ctx, tr, hints)
	if err != nil {
		h.logger.Warn("transcript correction failed, keeping raw text", "error", err)
		return tr
	}
	if len(res.Corrections) > 0 {
		h.logger.Debug("transcript corrected",
			"corrections", len(res.Corrections),
			"chars", len(res.Corrected),
		)
	}
	tr.Text = res.Corrected
	return tr
}
