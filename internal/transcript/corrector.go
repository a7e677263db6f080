package transcript

import (
	"context"
	"strings"

	"github.com/evrhire/cadenza/internal/transcript/llmcorrect"
	"github.com/evrhire/cadenza/pkg/types"
)

const (
	defaultLLMConfidenceThreshold = 0.5
)

// PipelineOption is a functional option for configuring a [CorrectionPipeline].
type PipelineOption func(*CorrectionPipeline)

// WithPhoneticMatcher attaches a [PhoneticMatcher] as the first correction
// stage. When nil (the default), the phonetic stage is skipped entirely.
func WithPhoneticMatcher(m PhoneticMatcher) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.phonetic = m
	}
}

// WithLLMCorrector attaches an [llmcorrect.Corrector] as the second correction
// stage. When nil (the default), the LLM stage is skipped entirely.
func WithLLMCorrector(c *llmcorrect.Corrector) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.llmCorrector = c
	}
}

// WithLLMOnLowConfidence sets the STT confidence threshold below which an
// utterance is submitted to the LLM corrector (when one is configured).
// Default: 0.5.
//
// Utterances whose [types.Transcript.Confidence] is below this value are
// submitted for LLM review. Utterances without any confidence data (a zero
// Confidence, as emitted by the batch STT tiers) are always submitted when
// the LLM corrector is configured.
func WithLLMOnLowConfidence(threshold float64) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.llmThreshold = threshold
	}
}

// CorrectionPipeline is the two-stage transcript correction implementation of
// [Pipeline]. Stages are optional and are applied in order:
//
//  1. [PhoneticMatcher] - fast, in-process phonetic hint alignment.
//  2. [llmcorrect.Corrector] - LLM-assisted correction for low-confidence
//     utterances.
//
// CorrectionPipeline is safe for concurrent use.
type CorrectionPipeline struct {
	phonetic     PhoneticMatcher
	llmCorrector *llmcorrect.Corrector
	llmThreshold float64
}

// Ensure CorrectionPipeline satisfies the Pipeline interface at compile time.
var _ Pipeline = (*CorrectionPipeline)(nil)

// NewPipeline constructs a [CorrectionPipeline] with the supplied options.
// By default both stages are disabled (nil); use [WithPhoneticMatcher] and
// [WithLLMCorrector] to activate them.
func NewPipeline(opts ...PipelineOption) *CorrectionPipeline {
	p := &CorrectionPipeline{
		llmThreshold: defaultLLMConfidenceThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Correct applies the configured correction stages to t and returns a
// [CorrectedTranscript].
//
// Pipeline flow:
//  1. The transcript text is tokenised into whitespace-separated word tokens.
//  2. When a [PhoneticMatcher] is configured, every single-word token is tested
//     against the hint list. Additionally, n-gram windows (up to the maximum
//     hint word count) are tested to match multi-word terms.
//  3. When an [llmcorrect.Corrector] is configured and the utterance either
//     reports no STT confidence or reports one below the LLM threshold, the
//     LLM corrector is invoked on the phonetic-corrected text.
//  4. Phonetic and LLM corrections are merged into the final
//     [CorrectedTranscript].
//
// Context cancellation is respected: if ctx is Done before the LLM stage
// completes, an error is returned.
func (p *CorrectionPipeline) Correct(
	ctx context.Context,
	t types.Transcript,
	hints []string,
) (*CorrectedTranscript, error) {
	result := &CorrectedTranscript{
		Original:    t,
		Corrections: []Correction{},
	}

	// --- Stage 1: phonetic matching ---
	workingText := t.Text
	var phoneticCorrections []Correction

	if p.phonetic != nil && len(hints) > 0 {
		correctedText, corrections := p.applyPhonetic(t.Text, hints)
		workingText = correctedText
		phoneticCorrections = corrections
	}

	// --- Stage 2: LLM correction ---
	var llmCorrections []Correction

	if p.llmCorrector != nil && len(hints) > 0 && p.needsLLMReview(t.Confidence) {
		correctedText, rawCorrections, err := p.llmCorrector.Correct(ctx, workingText, hints)
		if err != nil {
			return nil, err
		}
		workingText = correctedText
		for _, rc := range rawCorrections {
			llmCorrections = append(llmCorrections, Correction{
				Original:   rc.Original,
				Corrected:  rc.Corrected,
				Confidence: rc.Confidence,
				Method:     "llm",
			})
		}
	}

	// --- Merge results ---
	result.Corrected = workingText
	result.Corrections = append(result.Corrections, phoneticCorrections...)
	result.Corrections = append(result.Corrections, llmCorrections...)

	return result, nil
}

// needsLLMReview decides whether the utterance qualifies for the LLM stage.
// A zero confidence means the STT tier reported none, so the LLM always runs;
// otherwise only utterances below the threshold are submitted.
func (p *CorrectionPipeline) needsLLMReview(confidence float64) bool {
	if confidence == 0 {
		return true
	}
	return confidence < p.llmThreshold
}

// applyPhonetic runs the phonetic matching stage over the transcript text.
// It returns the corrected text and the list of corrections applied.
//
// The algorithm:
//  1. Tokenise the text into words.
//  2. Determine the maximum number of words in any hint.
//  3. At each token position, try n-gram windows from maxHintWords down to 1.
//     Accept the longest n-gram match so that multi-word terms take
//     precedence over partial single-word matches.
//  4. Append matched (or unmatched) tokens to the output and advance the
//     cursor by the number of tokens consumed.
func (p *CorrectionPipeline) applyPhonetic(text string, hints []string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	maxHintWords := maxWordCount(hints)

	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		// Clamp window size to remaining tokens.
		maxN := maxHintWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			hint, conf, ok := p.phonetic.Match(window, hints)
			if !ok {
				continue
			}

			// Emit the hint tokens and record the correction.
			hintTokens := strings.Fields(hint)
			output = append(output, hintTokens...)
			corrections = append(corrections, Correction{
				Original:   window,
				Corrected:  hint,
				Confidence: conf,
				Method:     "phonetic",
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any hint string. Returns 1 when hints is empty.
func maxWordCount(hints []string) int {
	max := 1
	for _, h := range hints {
		n := len(strings.Fields(h))
		if n > max {
			max = n
		}
	}
	return max
}
