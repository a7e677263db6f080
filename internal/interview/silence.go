package interview

import "time"

// Default silence thresholds. The two are deliberately independent: the
// shorter one only triggers answer submission, the longer one is reported as
// an anti-cheat risk signal when it has elapsed by submission time.
const (
	DefaultSubmitSilence = 5 * time.Second
	DefaultRiskSilence   = 10 * time.Second
)

// SilenceDetector tracks how long the candidate has gone without producing
// new transcript content. It is armed by [SilenceDetector.Reset] each time a
// listening window opens and re-armed on every final recognition result.
//
// The detector holds no timer of its own; the session polls it with the
// current time. It is not safe for concurrent use.
type SilenceDetector struct {
	submit time.Duration
	risk   time.Duration

	// last is the instant of the most recent new content, or the start of
	// the current listening window. Zero means the detector is disarmed.
	last time.Time
}

// NewSilenceDetector returns a detector with the given thresholds.
// Non-positive values fall back to the defaults.
func NewSilenceDetector(submit, risk time.Duration) *SilenceDetector {
	if submit <= 0 {
		submit = DefaultSubmitSilence
	}
	if risk <= 0 {
		risk = DefaultRiskSilence
	}
	return &SilenceDetector{submit: submit, risk: risk}
}

// Reset arms the detector and marks now as the last content instant. Call it
// when a listening window opens and again for each final recognition result.
func (d *SilenceDetector) Reset(now time.Time) {
	d.last = now
}

// Disarm clears the detector so subsequent polls report no silence.
func (d *SilenceDetector) Disarm() {
	d.last = time.Time{}
}

// Elapsed returns the silence duration at now. A disarmed detector reports
// zero.
func (d *SilenceDetector) Elapsed(now time.Time) time.Duration {
	if d.last.IsZero() {
		return 0
	}
	if e := now.Sub(d.last); e > 0 {
		return e
	}
	return 0
}

// ShouldSubmit reports whether the current silence justifies auto-submitting
// the pending answer. An empty pending answer never auto-submits, however
// long the silence runs.
func (d *SilenceDetector) ShouldSubmit(now time.Time, hasContent bool) bool {
	return hasContent && !d.last.IsZero() && d.Elapsed(now) >= d.submit
}

// AtRisk reports whether the silence at now has crossed the anti-cheat risk
// threshold. Callers evaluate this at submission time.
func (d *SilenceDetector) AtRisk(now time.Time) bool {
	return !d.last.IsZero() && d.Elapsed(now) >= d.risk
}
