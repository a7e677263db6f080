package app

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/evrhire/cadenza/internal/config"
	"github.com/evrhire/cadenza/internal/gateway"
	"github.com/evrhire/cadenza/internal/interview"
	"github.com/evrhire/cadenza/internal/observe"
	"github.com/evrhire/cadenza/internal/turngen"
	"github.com/evrhire/cadenza/pkg/provider/stt"
	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/rtc"
	"github.com/evrhire/cadenza/pkg/types"
)

// The interview package is deliberately free of metric plumbing; the
// decorators in this file wrap its collaborators at assembly time instead.
// Sessions see plain providers and stores, the meters see every call.

// statusOf maps an error to the status attribute value used on request counters.
func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ─── Turn engine ─────────────────────────────────────────────────────────────

// measuredTurns records round-trip latency and outcome for every generated turn.
type measuredTurns struct {
	inner   turngen.Generator
	name    string
	metrics *observe.Metrics
}

func (g *measuredTurns) Next(ctx context.Context, req turngen.TurnRequest) (*turngen.TurnResult, error) {
	start := time.Now()
	res, err := g.inner.Next(ctx, req)
	g.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	g.metrics.RecordProviderRequest(ctx, g.name, "turn", statusOf(err))
	if err != nil {
		g.metrics.RecordProviderError(ctx, g.name, "turn")
	}
	return res, err
}

// ─── Persistence gateway ─────────────────────────────────────────────────────

// measuredStore times every gateway write and counts flushed anti-cheat
// signals by type.
type measuredStore struct {
	inner   gateway.Store
	name    string
	metrics *observe.Metrics
}

func (s *measuredStore) record(ctx context.Context, op string, start time.Time, err error) {
	s.metrics.GatewayWriteDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("op", op)),
	)
	s.metrics.RecordProviderRequest(ctx, s.name, op, statusOf(err))
	if err != nil {
		s.metrics.RecordProviderError(ctx, s.name, op)
	}
}

func (s *measuredStore) CreateOrResume(ctx context.Context, applicationID string) (*gateway.Interview, error) {
	start := time.Now()
	iv, err := s.inner.CreateOrResume(ctx, applicationID)
	s.record(ctx, "create_or_resume", start, err)
	return iv, err
}

func (s *measuredStore) AppendTranscript(ctx context.Context, interviewID string, seg gateway.Segment) error {
	start := time.Now()
	err := s.inner.AppendTranscript(ctx, interviewID, seg)
	s.record(ctx, "append_transcript", start, err)
	return err
}

func (s *measuredStore) UpdateSignals(ctx context.Context, interviewID string, signals []types.Signal) error {
	start := time.Now()
	err := s.inner.UpdateSignals(ctx, interviewID, signals)
	s.record(ctx, "update_signals", start, err)
	if err == nil {
		for _, sig := range signals {
			s.metrics.RecordSignal(ctx, string(sig.Type))
		}
	}
	return err
}

func (s *measuredStore) Finalize(ctx context.Context, interviewID string, req gateway.FinalizeRequest) error {
	start := time.Now()
	err := s.inner.Finalize(ctx, interviewID, req)
	s.record(ctx, "finalize", start, err)
	return err
}

func (s *measuredStore) RecordingUploadURL(ctx context.Context, fileName, contentType string) (*gateway.UploadTarget, error) {
	start := time.Now()
	target, err := s.inner.RecordingUploadURL(ctx, fileName, contentType)
	s.record(ctx, "upload_url", start, err)
	return target, err
}

// ─── Provider tiers ──────────────────────────────────────────────────────────

// tierTracker remembers whether a channel already produced a working tier for
// this session. Any tier that opens after the first one took over mid-session.
type tierTracker struct {
	mu   sync.Mutex
	seen bool
}

// replaced marks a successful open and reports whether an earlier tier was
// already serving the channel.
func (t *tierTracker) replaced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.seen {
		t.seen = true
		return false
	}
	return true
}

// measuredInput wraps one recognition tier. A successful StartStream after
// the channel was already live is a downgrade.
type measuredInput struct {
	inner   stt.Provider
	tier    string
	track   *tierTracker
	metrics *observe.Metrics
}

func (p *measuredInput) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, err := p.inner.StartStream(ctx, cfg)
	p.metrics.RecordProviderRequest(ctx, p.tier, "stt.start", statusOf(err))
	if err != nil {
		p.metrics.RecordProviderError(ctx, p.tier, "stt.start")
		return nil, err
	}
	if p.track.replaced() {
		p.metrics.RecordTierDowngrade(ctx, config.ChannelInput, p.tier)
	}
	return &measuredHandle{SessionHandle: h, opened: time.Now(), metrics: p.metrics}, nil
}

// measuredHandle forwards final results while recording recognition latency.
// The utterance ends Timestamp+Duration into the stream; under real-time
// capture that instant maps onto the wall clock, so the latency is the gap
// between it and the final's arrival. Finals without timing are forwarded
// unmeasured.
type measuredHandle struct {
	stt.SessionHandle
	opened  time.Time
	metrics *observe.Metrics

	once   sync.Once
	finals chan types.Transcript
}

func (h *measuredHandle) Finals() <-chan types.Transcript {
	h.once.Do(func() {
		h.finals = make(chan types.Transcript)
		go func() {
			defer close(h.finals)
			for t := range h.SessionHandle.Finals() {
				h.observe(t)
				h.finals <- t
			}
		}()
	})
	return h.finals
}

func (h *measuredHandle) observe(t types.Transcript) {
	if t.Timestamp <= 0 && t.Duration <= 0 {
		return
	}
	latency := time.Since(h.opened.Add(t.Timestamp + t.Duration))
	if latency < 0 {
		return
	}
	h.metrics.STTDuration.Record(context.Background(), latency.Seconds())
}

// measuredOutput wraps one synthesis tier. Output tiers are picked once per
// session, so no takeover tracking here; open failures at init are ordinary
// fallthrough.
type measuredOutput struct {
	inner   tts.Provider
	tier    string
	metrics *observe.Metrics
}

func (p *measuredOutput) OpenSession(ctx context.Context, voice types.VoiceProfile, sink tts.Sink) (tts.Session, error) {
	sess, err := p.inner.OpenSession(ctx, voice, sink)
	p.metrics.RecordProviderRequest(ctx, p.tier, "tts.open", statusOf(err))
	if err != nil {
		p.metrics.RecordProviderError(ctx, p.tier, "tts.open")
		return nil, err
	}
	ms := &measuredSession{inner: sess, tier: p.tier, metrics: p.metrics}
	if rr, ok := sess.(tts.RemoteRenderer); ok {
		return &remoteMeasuredSession{measuredSession: ms, remote: rr}, nil
	}
	return ms, nil
}

func (p *measuredOutput) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return p.inner.ListVoices(ctx)
}

// measuredSession records synthesis kickoff latency per utterance: the time
// until Speak hands back a running utterance, not the playback length.
type measuredSession struct {
	inner   tts.Session
	tier    string
	metrics *observe.Metrics
}

func (s *measuredSession) Speak(ctx context.Context, text string) (<-chan error, error) {
	start := time.Now()
	done, err := s.inner.Speak(ctx, text)
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	s.metrics.RecordProviderRequest(ctx, s.tier, "tts.speak", statusOf(err))
	if err != nil {
		s.metrics.RecordProviderError(ctx, s.tier, "tts.speak")
	}
	return done, err
}

func (s *measuredSession) Stop(ctx context.Context) error { return s.inner.Stop(ctx) }

func (s *measuredSession) Close() error { return s.inner.Close() }

// remoteMeasuredSession keeps the vendor stream handle visible through the
// wrapper so remote-rendering detection still works.
type remoteMeasuredSession struct {
	*measuredSession
	remote tts.RemoteRenderer
}

func (s *remoteMeasuredSession) StreamInfo() tts.StreamInfo { return s.remote.StreamInfo() }

// measuredVideo wraps one calling fabric and keeps the live-call gauge.
type measuredVideo struct {
	inner   rtc.Platform
	tier    string
	metrics *observe.Metrics
}

func (p *measuredVideo) Connect(ctx context.Context, room string) (rtc.Call, error) {
	call, err := p.inner.Connect(ctx, room)
	p.metrics.RecordProviderRequest(ctx, p.tier, "call.connect", statusOf(err))
	if err != nil {
		p.metrics.RecordProviderError(ctx, p.tier, "call.connect")
		return nil, err
	}
	p.metrics.ActiveCalls.Add(ctx, 1)
	go func() {
		<-call.Done()
		p.metrics.ActiveCalls.Add(context.Background(), -1)
	}()
	return call, nil
}

// ─── Assembly ────────────────────────────────────────────────────────────────

// measuredTiers wraps one session's tier lists with the decorators above.
// The input tracker is shared across the input list so a rebuild on a later
// tier registers as a downgrade.
func measuredTiers(input []interview.InputTier, output []interview.OutputTier, video []interview.VideoTier, m *observe.Metrics) ([]interview.InputTier, []interview.OutputTier, []interview.VideoTier) {
	track := &tierTracker{}
	in := make([]interview.InputTier, len(input))
	for i, t := range input {
		in[i] = interview.InputTier{
			Name:     t.Name,
			Provider: &measuredInput{inner: t.Provider, tier: t.Name, track: track, metrics: m},
		}
	}
	out := make([]interview.OutputTier, len(output))
	for i, t := range output {
		out[i] = interview.OutputTier{
			Name:     t.Name,
			Provider: &measuredOutput{inner: t.Provider, tier: t.Name, metrics: m},
		}
	}
	vid := make([]interview.VideoTier, len(video))
	for i, t := range video {
		vid[i] = interview.VideoTier{
			Name:     t.Name,
			Platform: &measuredVideo{inner: t.Platform, tier: t.Name, metrics: m},
		}
	}
	return in, out, vid
}
