package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/evrhire/cadenza/internal/gateway"
	gwmock "github.com/evrhire/cadenza/internal/gateway/mock"
	"github.com/evrhire/cadenza/internal/interview"
	"github.com/evrhire/cadenza/internal/observe"
	"github.com/evrhire/cadenza/internal/turngen"
	tgmock "github.com/evrhire/cadenza/internal/turngen/mock"
	"github.com/evrhire/cadenza/pkg/provider/stt"
	sttmock "github.com/evrhire/cadenza/pkg/provider/stt/mock"
	ttsmock "github.com/evrhire/cadenza/pkg/provider/tts/mock"
	"github.com/evrhire/cadenza/pkg/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*observe.Metrics, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *metric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterTotal sums all data points of an int64 counter whose attributes
// include every want pair. Returns 0 when the metric has no matching points.
func counterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string, want map[string]string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		return 0
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		matches := true
		for k, v := range want {
			av, found := dp.Attributes.Value(attribute.Key(k))
			if !found || av.AsString() != v {
				matches = false
				break
			}
		}
		if matches {
			total += dp.Value
		}
	}
	return total
}

// histogramCount returns the total sample count of a float64 histogram.
func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		return 0
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is not a float64 histogram", name)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	return count
}

// ─── turn engine ─────────────────────────────────────────────────────────────

func TestMeasuredTurns_RecordsLatencyAndOutcome(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	engine := tgmock.NewEngine("Walk me through your last incident.")
	g := &measuredTurns{inner: engine, name: "local", metrics: m}

	if _, err := g.Next(context.Background(), turngen.TurnRequest{}); err != nil {
		t.Fatalf("Next: %v", err)
	}
	engine.Err = errors.New("model offline")
	if _, err := g.Next(context.Background(), turngen.TurnRequest{}); err == nil {
		t.Fatal("expected scripted error")
	}

	rm := collect(t, reader)
	if got := histogramCount(t, rm, "cadenza.turn.duration"); got != 2 {
		t.Errorf("turn duration samples = %d, want 2", got)
	}
	ok := counterTotal(t, rm, "cadenza.provider.requests",
		map[string]string{"provider": "local", "kind": "turn", "status": "ok"})
	if ok != 1 {
		t.Errorf("ok requests = %d, want 1", ok)
	}
	failed := counterTotal(t, rm, "cadenza.provider.errors",
		map[string]string{"provider": "local", "kind": "turn"})
	if failed != 1 {
		t.Errorf("errors = %d, want 1", failed)
	}
}

// ─── persistence gateway ─────────────────────────────────────────────────────

func TestMeasuredStore_TimesWritesAndCountsSignals(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	inner := gwmock.NewStore(&gateway.Interview{ID: "int-1", ApplicationID: "app-1"})
	s := &measuredStore{inner: inner, name: "rest", metrics: m}

	ctx := context.Background()
	if _, err := s.CreateOrResume(ctx, "app-1"); err != nil {
		t.Fatalf("CreateOrResume: %v", err)
	}
	if err := s.AppendTranscript(ctx, "int-1", gateway.Segment{Text: "hello"}); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	err := s.UpdateSignals(ctx, "int-1", []types.Signal{
		{Type: types.SignalTabSwitch, Timestamp: time.Now()},
		{Type: types.SignalSilence, Timestamp: time.Now(), DurationMs: 9000},
	})
	if err != nil {
		t.Fatalf("UpdateSignals: %v", err)
	}

	rm := collect(t, reader)
	if got := histogramCount(t, rm, "cadenza.gateway.write.duration"); got != 3 {
		t.Errorf("gateway write samples = %d, want 3", got)
	}
	if got := counterTotal(t, rm, "cadenza.proctor.signals", map[string]string{"type": "tab_switch"}); got != 1 {
		t.Errorf("tab_switch signals = %d, want 1", got)
	}
	if got := counterTotal(t, rm, "cadenza.proctor.signals", map[string]string{"type": "silence"}); got != 1 {
		t.Errorf("silence signals = %d, want 1", got)
	}
}

func TestMeasuredStore_FailedSignalFlushNotCounted(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	inner := gwmock.NewStore(&gateway.Interview{ID: "int-1"})
	inner.SignalsErr = errors.New("backend down")
	s := &measuredStore{inner: inner, name: "rest", metrics: m}

	err := s.UpdateSignals(context.Background(), "int-1", []types.Signal{
		{Type: types.SignalTabSwitch, Timestamp: time.Now()},
	})
	if err == nil {
		t.Fatal("expected injected error")
	}

	rm := collect(t, reader)
	if got := counterTotal(t, rm, "cadenza.proctor.signals", nil); got != 0 {
		t.Errorf("signals counted despite failed flush: %d", got)
	}
	failed := counterTotal(t, rm, "cadenza.provider.errors",
		map[string]string{"provider": "rest", "kind": "update_signals"})
	if failed != 1 {
		t.Errorf("errors = %d, want 1", failed)
	}
}

// ─── tier decorators ─────────────────────────────────────────────────────────

func TestMeasuredInput_SecondOpenIsDowngrade(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	input, _, _ := measuredTiers(
		[]interview.InputTier{
			{Name: "azure", Provider: &sttmock.Provider{Session: sttmock.NewSession()}},
			{Name: "device", Provider: &sttmock.Provider{Session: sttmock.NewSession()}},
		},
		nil, nil, m,
	)

	ctx := context.Background()
	if _, err := input[0].Provider.StartStream(ctx, stt.StreamConfig{}); err != nil {
		t.Fatalf("primary StartStream: %v", err)
	}
	rm := collect(t, reader)
	if got := counterTotal(t, rm, "cadenza.tier.downgrades", nil); got != 0 {
		t.Fatalf("primary open counted as downgrade: %d", got)
	}

	// The channel is live; a rebuild on the next tier is a downgrade.
	if _, err := input[1].Provider.StartStream(ctx, stt.StreamConfig{}); err != nil {
		t.Fatalf("fallback StartStream: %v", err)
	}
	rm = collect(t, reader)
	got := counterTotal(t, rm, "cadenza.tier.downgrades",
		map[string]string{"channel": "input", "tier": "device"})
	if got != 1 {
		t.Errorf("downgrades = %d, want 1", got)
	}
}

func TestMeasuredInput_FailedOpenNotADowngrade(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	failing := &sttmock.Provider{StartStreamErr: errors.New("expired token")}
	input, _, _ := measuredTiers(
		[]interview.InputTier{{Name: "azure", Provider: failing}},
		nil, nil, m,
	)

	if _, err := input[0].Provider.StartStream(context.Background(), stt.StreamConfig{}); err == nil {
		t.Fatal("expected injected error")
	}

	rm := collect(t, reader)
	if got := counterTotal(t, rm, "cadenza.tier.downgrades", nil); got != 0 {
		t.Errorf("failed open counted as downgrade: %d", got)
	}
	failedOpens := counterTotal(t, rm, "cadenza.provider.errors",
		map[string]string{"provider": "azure", "kind": "stt.start"})
	if failedOpens != 1 {
		t.Errorf("errors = %d, want 1", failedOpens)
	}
}

func TestMeasuredHandle_ForwardsFinals(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	inner := sttmock.NewSession()
	input, _, _ := measuredTiers(
		[]interview.InputTier{{Name: "azure", Provider: &sttmock.Provider{Session: inner}}},
		nil, nil, m,
	)

	h, err := input[0].Provider.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	// A final with utterance timing produces a latency sample; one without
	// is forwarded unmeasured.
	inner.FinalsCh <- types.Transcript{Text: "I rotated the certs.", IsFinal: true, Timestamp: time.Millisecond, Duration: time.Millisecond}
	inner.FinalsCh <- types.Transcript{Text: "untimed", IsFinal: true}

	finals := h.Finals()
	for _, want := range []string{"I rotated the certs.", "untimed"} {
		select {
		case tr := <-finals:
			if tr.Text != want {
				t.Errorf("forwarded text = %q, want %q", tr.Text, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for final %q", want)
		}
	}

	rm := collect(t, reader)
	if got := histogramCount(t, rm, "cadenza.stt.duration"); got != 1 {
		t.Errorf("stt duration samples = %d, want 1", got)
	}

	// Closing the inner session ends the forwarder.
	if err := inner.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, open := <-finals:
		if open {
			t.Error("expected forwarded finals channel to close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("forwarded finals channel did not close")
	}
}

func TestMeasuredOutput_SpeakRecordsKickoff(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	_, output, _ := measuredTiers(nil,
		[]interview.OutputTier{{Name: "azure", Provider: &ttsmock.Provider{Session: ttsmock.NewSession()}}},
		nil, m,
	)

	sess, err := output[0].Provider.OpenSession(context.Background(), types.VoiceProfile{ID: "en-US-AvaNeural"}, nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	if _, err := sess.Speak(context.Background(), "Welcome, thanks for joining."); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	rm := collect(t, reader)
	if got := histogramCount(t, rm, "cadenza.tts.duration"); got != 1 {
		t.Errorf("tts duration samples = %d, want 1", got)
	}
	opens := counterTotal(t, rm, "cadenza.provider.requests",
		map[string]string{"provider": "azure", "kind": "tts.open", "status": "ok"})
	if opens != 1 {
		t.Errorf("tts.open requests = %d, want 1", opens)
	}
}
