// Package proctor accumulates anti-cheat signals for a single interview and
// mirrors every addition to the persistence gateway.
//
// Signals only ever accumulate: the full set is flushed on each append, so a
// dropped write is repaired by the next one and the final flush at
// completion always carries the complete trail. Judging what counts as
// suspicious (silence and latency thresholds) is the session's job; the
// monitor records what it is told.
package proctor

import (
	"sync"
	"time"

	"github.com/evrhire/cadenza/pkg/types"
)

// SignalSink receives the full signal set after every append. The gateway
// writer satisfies this.
type SignalSink interface {
	UpdateSignals(interviewID string, signals []types.Signal)
}

// Monitor collects anti-cheat signals for one interview.
// Safe for concurrent use; UI events and the session loop may race.
type Monitor struct {
	interviewID string
	sink        SignalSink
	now         func() time.Time

	mu      sync.Mutex
	signals []types.Signal
}

// NewMonitor creates a Monitor flushing to sink under interviewID.
func NewMonitor(interviewID string, sink SignalSink) *Monitor {
	return &Monitor{
		interviewID: interviewID,
		sink:        sink,
		now:         time.Now,
	}
}

// VisibilityChanged handles a UI visibility event. Leaving the tab records a
// tab-switch signal; returning to it records nothing.
func (m *Monitor) VisibilityChanged(hidden bool) {
	if !hidden {
		return
	}
	m.record(types.Signal{Type: types.SignalTabSwitch})
}

// RecordSilence records a pre-submission silent stretch the session judged
// long enough to flag.
func (m *Monitor) RecordSilence(d time.Duration) {
	m.record(types.Signal{Type: types.SignalSilence, DurationMs: d.Milliseconds()})
}

// RecordLatency records a turn round-trip the session judged too slow.
func (m *Monitor) RecordLatency(d time.Duration) {
	m.record(types.Signal{Type: types.SignalLatency, DurationMs: d.Milliseconds()})
}

// record appends the signal and flushes. The sink call stays under the lock
// so flushed sets reach the writer in monotonic order.
func (m *Monitor) record(sig types.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig.Timestamp = m.now()
	m.signals = append(m.signals, sig)
	m.sink.UpdateSignals(m.interviewID, m.snapshotLocked())
}

// Snapshot returns a copy of the accumulated signal set, for the final
// flush at completion.
func (m *Monitor) Snapshot() []types.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Count returns the number of accumulated signals.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signals)
}

func (m *Monitor) snapshotLocked() []types.Signal {
	out := make([]types.Signal, len(m.signals))
	copy(out, m.signals)
	return out
}
