// Package interview orchestrates one live AI-conducted interview session.
//
// A [Session] owns the conversation state machine: it connects media and
// provider tiers, obtains interviewer turns from a [turngen.Generator],
// speaks them through the output tier, listens to the candidate through the
// input tier, and persists everything through a [gateway.Store]. The UI
// talks to a session through a handful of commands (start, submit, hangup,
// mute, visibility) and observes it through the [Session.Events] stream.
//
// # Concurrency
//
// All session state is owned by a single run goroutine; public methods post
// commands to it and never touch state directly. Three kinds of helper
// goroutines exist around the loop: the media pump (microphone frames to
// recognizer, recorder and call), per-request turn watchers, and per-
// utterance speech watchers. Helpers communicate with the loop exclusively
// through channels and exit when the session's done channel closes, so a
// terminal transition strands no goroutine and no late result can mutate a
// finished session.
//
// # Silence
//
// Two thresholds govern candidate silence and they are deliberately not the
// same knob: silence at or past the submit threshold auto-submits a
// non-empty answer, while silence at or past the longer risk threshold is
// recorded as an anti-cheat signal at submission time. An empty answer never
// auto-submits no matter how long the silence runs.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/evrhire/cadenza/internal/gateway"
	"github.com/evrhire/cadenza/internal/proctor"
	"github.com/evrhire/cadenza/internal/recording"
	"github.com/evrhire/cadenza/internal/turngen"
	"github.com/evrhire/cadenza/pkg/media"
	"github.com/evrhire/cadenza/pkg/provider/stt"
	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/rtc"
	"github.com/evrhire/cadenza/pkg/types"
)

// Session defaults. Question and duration budgets match the hosted
// product's screening configuration.
const (
	DefaultMaxQuestions = 6
	DefaultMaxDuration  = 30 * time.Minute

	defaultSampleRate       = 16000
	defaultTickInterval     = time.Second
	defaultCompletionDelay  = 2 * time.Second
	defaultLatencyThreshold = 10 * time.Second

	// teardownTimeout bounds the closing writes (recording upload, finalize)
	// so a dead backend cannot hang a finished session forever.
	teardownTimeout = 15 * time.Second

	eventBuffer   = 128
	commandBuffer = 16
)

// Config carries the per-interview parameters.
type Config struct {
	// ApplicationID identifies the application this interview belongs to.
	// Required.
	ApplicationID string

	// JobTitle and JobDescription ground the interviewer in the role. Both
	// empty yields a generic structured interview.
	JobTitle       string
	JobDescription string

	// Competencies are the focus areas the interviewer should cover.
	Competencies []string

	// PhraseHints is extra recognizer vocabulary: company names, product
	// names, jargon from the posting.
	PhraseHints []string

	// Language is the BCP-47 recognition language. Empty lets the provider
	// choose.
	Language string

	// Voice selects the interviewer voice.
	Voice types.VoiceProfile

	// SampleRate is the capture rate in Hz. Defaults to 16000.
	SampleRate int

	// MaxQuestions caps how many questions the interviewer asks.
	MaxQuestions int

	// MaxDuration is the hard wall-clock budget. The session completes when
	// it elapses regardless of conversational state.
	MaxDuration time.Duration

	// SubmitSilence is how much silence auto-submits a non-empty answer.
	// RiskSilence is the longer threshold reported as an anti-cheat signal.
	SubmitSilence time.Duration
	RiskSilence   time.Duration

	// LatencyThreshold is the turn round-trip above which a latency signal
	// is recorded.
	LatencyThreshold time.Duration

	// CompletionDelay is the pause between the final answer and the
	// completed state, giving playback a moment to settle.
	CompletionDelay time.Duration

	// TickInterval drives the wall-clock and silence-poll tickers. Tests
	// shorten it; production keeps the one-second default.
	TickInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.MaxQuestions <= 0 {
		c.MaxQuestions = DefaultMaxQuestions
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.SubmitSilence <= 0 {
		c.SubmitSilence = DefaultSubmitSilence
	}
	if c.RiskSilence <= 0 {
		c.RiskSilence = DefaultRiskSilence
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = defaultLatencyThreshold
	}
	if c.CompletionDelay <= 0 {
		c.CompletionDelay = defaultCompletionDelay
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	return c
}

// Deps are the collaborators a session is built from.
type Deps struct {
	// Store is the persistence gateway. Required.
	Store gateway.Store

	// Audio is the media backend for capture and playback. Required.
	Audio media.Context

	// Turns produces interviewer turns. Required.
	Turns turngen.Generator

	// Input and Output are the provider tiers in priority order. Each needs
	// at least one entry.
	Input  []InputTier
	Output []OutputTier

	// Video lists calling fabrics in priority order. Optional.
	Video []VideoTier

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdHangup
	cmdVisibility
)

type command struct {
	kind   commandKind
	hidden bool
}

type turnOutcome struct {
	res *turngen.TurnResult
	err error
}

type joinedCall struct {
	name string
	call rtc.Call
}

// Session is one live interview. Create it with [New], drive it with
// [Session.Start], and consume [Session.Events] until the channel closes.
type Session struct {
	cfg    Config
	logger *slog.Logger

	store gateway.Store
	audio media.Context
	turns turngen.Generator

	inputTiers  []InputTier
	outputTiers []OutputTier
	videoTiers  []VideoTier

	// Loop-owned collaborators, set during connect.
	stream   *media.Stream
	playback media.PlaybackDevice
	input    *activeInput
	output   *activeOutput
	call     rtc.Call
	callName string
	captions rtc.CaptionsState

	interview *gateway.Interview
	writer    *gateway.Writer
	monitor   *proctor.Monitor
	recorder  *recording.Recorder
	uploader  *recording.Uploader

	// Loop-owned conversation state.
	silence      *SilenceDetector
	competencies *CompetencyTracker
	pending      []string
	pendingStart int64
	pendingEnd   int64
	turnPending  bool
	turnStarted  time.Time
	silenceTick  *time.Ticker
	completionCh <-chan time.Time

	// Shared state, guarded as noted.
	mu         sync.Mutex // transcript, history
	transcript []types.TranscriptMessage
	history    []types.Message

	pumpMu   sync.Mutex // pumpInput, pumpCall
	pumpIn   stt.SessionHandle
	pumpCall rtc.Call

	status        atomic.Value // Status
	questionIndex atomic.Int32
	muted         atomic.Bool

	// started is owned by the run goroutine; startedNano mirrors it for
	// concurrent readers.
	started     time.Time
	startedNano atomic.Int64
	startedFlag atomic.Bool

	cmds          chan command
	events        chan Event
	eventsDropped atomic.Uint64
	turnCh        chan turnOutcome
	speakCh       chan error
	callCh        chan joinedCall

	done chan struct{}
	wg   sync.WaitGroup
}

// New validates cfg and deps and returns an idle session. Nothing connects
// until [Session.Start].
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.ApplicationID == "" {
		return nil, errors.New("interview: application id is required")
	}
	if deps.Store == nil {
		return nil, errors.New("interview: store is required")
	}
	if deps.Audio == nil {
		return nil, errors.New("interview: audio context is required")
	}
	if deps.Turns == nil {
		return nil, errors.New("interview: turn generator is required")
	}
	if len(deps.Input) == 0 {
		return nil, errors.New("interview: at least one input tier is required")
	}
	if len(deps.Output) == 0 {
		return nil, errors.New("interview: at least one output tier is required")
	}

	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		cfg:          cfg,
		logger:       logger.With("component", "interview", "application_id", cfg.ApplicationID),
		store:        deps.Store,
		audio:        deps.Audio,
		turns:        deps.Turns,
		inputTiers:   deps.Input,
		outputTiers:  deps.Output,
		videoTiers:   deps.Video,
		silence:      NewSilenceDetector(cfg.SubmitSilence, cfg.RiskSilence),
		competencies: NewCompetencyTracker(cfg.Competencies),
		captions:     rtc.CaptionsOff,
		cmds:         make(chan command, commandBuffer),
		events:       make(chan Event, eventBuffer),
		turnCh:       make(chan turnOutcome, 1),
		speakCh:      make(chan error, 2),
		callCh:       make(chan joinedCall, 1),
		done:         make(chan struct{}),
	}
	s.status.Store(StatusConnecting)
	return s, nil
}

// Start launches the session. It returns immediately; progress and failures
// arrive on [Session.Events]. ctx governs the whole session: cancelling it
// ends the interview gracefully.
func (s *Session) Start(ctx context.Context) error {
	if !s.startedFlag.CompareAndSwap(false, true) {
		return errors.New("interview: session already started")
	}
	s.started = time.Now()
	s.startedNano.Store(s.started.UnixNano())
	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// SubmitAnswer requests submission of the pending answer, pre-empting the
// silence timer. During a recoverable turn failure it retries the turn
// instead.
func (s *Session) SubmitAnswer() {
	s.post(command{kind: cmdSubmit})
}

// Hangup ends the interview as a normal completion.
func (s *Session) Hangup() {
	s.post(command{kind: cmdHangup})
}

// SetMuted gates the microphone. While muted, no audio reaches recognition,
// the recorder, or the call uplink. Muting is not a state transition.
func (s *Session) SetMuted(muted bool) {
	s.muted.Store(muted)
}

// Muted reports the microphone gate.
func (s *Session) Muted() bool {
	return s.muted.Load()
}

// VisibilityChanged reports a tab visibility change. Only transitions to
// hidden are recorded as anti-cheat signals.
func (s *Session) VisibilityChanged(hidden bool) {
	s.post(command{kind: cmdVisibility, hidden: hidden})
}

// Events returns the outbound event stream. It is closed after the terminal
// event; consumers should read it promptly, as a full buffer drops events.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns the current session state.
func (s *Session) Status() Status {
	return s.status.Load().(Status)
}

// QuestionIndex returns how many interviewer turns have been asked.
func (s *Session) QuestionIndex() int {
	return int(s.questionIndex.Load())
}

// Elapsed returns the wall-clock time since Start. Zero before Start.
func (s *Session) Elapsed() time.Duration {
	n := s.startedNano.Load()
	if n == 0 {
		return 0
	}
	return time.Since(time.Unix(0, n))
}

// Transcript returns a copy of the committed conversation.
func (s *Session) Transcript() []types.TranscriptMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TranscriptMessage, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Coverage returns the focus-area tracker's current view.
func (s *Session) Coverage() (covered, remaining []string) {
	return s.competencies.Covered(), s.competencies.Remaining()
}

// EventsDropped reports how many events were discarded because the consumer
// fell behind.
func (s *Session) EventsDropped() uint64 {
	return s.eventsDropped.Load()
}

// Wait blocks until every session goroutine has exited. Intended for tests;
// callers normally just read Events to the end.
func (s *Session) Wait() {
	s.wg.Wait()
}

// post never touches session state: the run goroutine owns s.logger after
// connect, so an overflowing queue is reported through the default logger.
func (s *Session) post(c command) {
	select {
	case s.cmds <- c:
	case <-s.done:
	default:
		slog.Warn("interview: command dropped, queue full", "kind", int(c.kind))
	}
}

// ─────────────────────────────── run loop ───────────────────────────────

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	if err := s.connect(ctx); err != nil {
		s.shutdown(StatusError, err)
		return
	}

	// Greeting requests the first interviewer turn with an empty history.
	s.setStatus(StatusGreeting)
	s.requestTurn(ctx)

	final, cause := s.loop(ctx)
	s.shutdown(final, cause)
}

func (s *Session) loop(ctx context.Context) (Status, error) {
	wall := time.NewTicker(s.cfg.TickInterval)
	defer wall.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session context cancelled, completing")
			return StatusCompleted, nil

		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdHangup:
				s.logger.Info("candidate hung up")
				return StatusCompleted, nil
			case cmdSubmit:
				if err := s.handleSubmit(ctx, time.Now(), false); err != nil {
					return StatusError, err
				}
			case cmdVisibility:
				if cmd.hidden && s.monitor != nil {
					s.monitor.VisibilityChanged(true)
				}
			}

		case <-wall.C:
			if time.Since(s.started) >= s.cfg.MaxDuration {
				s.logger.Info("interview time budget exhausted",
					"elapsed", time.Since(s.started))
				s.emit(Event{Type: EventWarning, Warning: "Interview time limit reached."})
				return StatusCompleted, nil
			}
			s.pollCaptions()

		case now := <-s.silencePoll():
			if s.silence.ShouldSubmit(now, s.pendingText() != "") {
				if err := s.handleSubmit(ctx, now, true); err != nil {
					return StatusError, err
				}
			}

		case <-s.completionCh:
			return StatusCompleted, nil

		case tr, ok := <-s.inputPartials():
			if !ok {
				if err := s.downgradeInput(ctx, errors.New("partial stream closed")); err != nil {
					return StatusError, err
				}
				continue
			}
			s.handlePartial(tr)

		case tr, ok := <-s.inputFinals():
			if !ok {
				if err := s.downgradeInput(ctx, errors.New("final stream closed")); err != nil {
					return StatusError, err
				}
				continue
			}
			s.handleFinal(tr)

		case rerr, ok := <-s.inputErrs():
			if !ok {
				rerr = errors.New("input session ended")
			}
			if err := s.downgradeInput(ctx, rerr); err != nil {
				return StatusError, err
			}

		case out := <-s.turnCh:
			if err := s.handleTurn(ctx, out); err != nil {
				return StatusError, err
			}

		case err := <-s.speakCh:
			s.handleSpeakDone(err)

		case j := <-s.callCh:
			s.attachCall(j)

		case <-s.callDone():
			s.detachCall()
		}
	}
}

// ─────────────────────────────── connect ────────────────────────────────

func (s *Session) connect(ctx context.Context) error {
	s.setStatus(StatusConnecting)

	var deviceID string
	if devices, err := s.audio.CaptureDevices(); err == nil {
		if d := media.PickCaptureDevice(devices); d != nil {
			deviceID = d.ID
			s.logger.Debug("capture device picked", "device", d.Name)
		}
	} else {
		s.logger.Warn("capture device enumeration failed, using default", "error", err)
	}

	stream, err := media.OpenStream(s.audio, media.CaptureConfig{
		SampleRate: s.cfg.SampleRate,
		Channels:   1,
		DeviceID:   deviceID,
	})
	if err != nil {
		return fmt.Errorf("interview: microphone: %w", err)
	}
	s.stream = stream

	playback, err := s.audio.NewPlayback(media.PlaybackConfig{
		SampleRate: s.cfg.SampleRate,
		Channels:   1,
	})
	if err != nil {
		return fmt.Errorf("interview: speaker: %w", err)
	}
	s.playback = playback

	iv, err := s.store.CreateOrResume(ctx, s.cfg.ApplicationID)
	if err != nil {
		return fmt.Errorf("interview: interview record: %w", err)
	}
	if iv == nil {
		return errors.New("interview: store returned no interview record")
	}
	s.interview = iv
	s.logger = s.logger.With("interview_id", iv.ID)

	writer, err := gateway.NewWriter(s.store, gateway.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("interview: gateway writer: %w", err)
	}
	s.writer = writer
	s.monitor = proctor.NewMonitor(iv.ID, writer)
	s.uploader = recording.NewUploader(s.store, recording.WithLogger(s.logger))

	if rec, err := recording.NewRecorder(s.cfg.SampleRate); err == nil {
		s.recorder = rec
	} else {
		s.logger.Warn("session recording disabled", "error", err)
	}

	// Input and output channels initialize concurrently; within each channel
	// the tiers are strictly ordered.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		in, err := openInput(gctx, s.inputTiers, stt.StreamConfig{
			SampleRate:  s.cfg.SampleRate,
			Channels:    1,
			Language:    s.cfg.Language,
			PhraseHints: s.cfg.PhraseHints,
		}, s.logger)
		if err != nil {
			return err
		}
		s.input = in
		return nil
	})
	g.Go(func() error {
		out, err := openOutput(gctx, s.outputTiers, s.cfg.Voice, s.playback, s.logger)
		if err != nil {
			return err
		}
		s.output = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	s.setPumpInput(s.input.handle)

	s.joinCall(ctx)

	s.wg.Add(1)
	go s.pump()

	s.emitCapabilities()
	return nil
}

// joinCall tries the video tiers in the background. The interview never
// waits on the call channel.
func (s *Session) joinCall(ctx context.Context) {
	if len(s.videoTiers) == 0 {
		return
	}
	tiers := s.videoTiers
	room := s.interview.ID
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, tier := range tiers {
			call, err := tier.Platform.Connect(ctx, room)
			if err != nil {
				s.logger.Warn("call join failed", "tier", tier.Name, "error", err)
				continue
			}
			select {
			case s.callCh <- joinedCall{name: tier.Name, call: call}:
			case <-s.done:
				call.Disconnect()
			}
			return
		}
	}()
}

// ───────────────────────────── media pump ───────────────────────────────

// pump moves captured frames into the consumers. Recognition only receives
// audio while the candidate has the floor; the recorder and the call mirror
// the microphone for the whole session. Muting gates all three.
func (s *Session) pump() {
	defer s.wg.Done()
	for frame := range s.stream.Frames() {
		if s.muted.Load() {
			continue
		}
		if s.Status() == StatusListening {
			if in := s.pumpInput(); in != nil {
				if err := in.SendAudio(frame.Data); err != nil {
					// The handle is being swapped or torn down; the error
					// channel drives the downgrade.
					continue
				}
			}
		}
		if s.recorder != nil {
			_ = s.recorder.WriteFrame(frame)
		}
		if call := s.pumpCurrentCall(); call != nil {
			_ = call.SendAudio(frame)
		}
	}
}

func (s *Session) pumpInput() stt.SessionHandle {
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()
	return s.pumpIn
}

func (s *Session) setPumpInput(h stt.SessionHandle) {
	s.pumpMu.Lock()
	s.pumpIn = h
	s.pumpMu.Unlock()
}

func (s *Session) pumpCurrentCall() rtc.Call {
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()
	return s.pumpCall
}

func (s *Session) setPumpCall(c rtc.Call) {
	s.pumpMu.Lock()
	s.pumpCall = c
	s.pumpMu.Unlock()
}

// ─────────────────────────── input channel ──────────────────────────────

// The loop re-evaluates these on every select pass, so after a downgrade it
// reads from the new handle and a missing handle disables the arm entirely.

func (s *Session) inputPartials() <-chan types.Transcript {
	if s.input == nil {
		return nil
	}
	return s.input.handle.Partials()
}

func (s *Session) inputFinals() <-chan types.Transcript {
	if s.input == nil {
		return nil
	}
	return s.input.handle.Finals()
}

func (s *Session) inputErrs() <-chan error {
	if s.input == nil {
		return nil
	}
	return s.input.handle.Errs()
}

// downgradeInput abandons the failed recognition tier and opens the next
// one. The session stays in its current state throughout; only the tier
// changes. A tier that failed is never retried, and running out of tiers
// ends the session.
func (s *Session) downgradeInput(ctx context.Context, cause error) error {
	if s.input == nil {
		return nil
	}
	failed := s.input
	s.input = nil
	s.setPumpInput(nil)
	failed.handle.Close()
	s.logger.Warn("input tier failed mid-session", "tier", failed.name, "error", cause)

	if len(failed.rest) == 0 {
		return fmt.Errorf("interview: input tier %q failed with no fallback left: %w", failed.name, cause)
	}
	next, err := openInput(ctx, failed.rest, stt.StreamConfig{
		SampleRate:  s.cfg.SampleRate,
		Channels:    1,
		Language:    s.cfg.Language,
		PhraseHints: s.cfg.PhraseHints,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("interview: input downgrade: %w", err)
	}
	s.input = next
	s.setPumpInput(next.handle)
	s.emit(Event{Type: EventWarning, Warning: "Speech recognition degraded; switched to backup recognizer."})
	s.emitCapabilities()
	return nil
}

// ───────────────────────────── transcripts ──────────────────────────────

func (s *Session) handlePartial(tr types.Transcript) {
	if s.Status() != StatusListening {
		return
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}
	s.emit(Event{Type: EventPartial, Partial: joinSpeech(s.pendingText(), text)})
}

func (s *Session) handleFinal(tr types.Transcript) {
	if s.Status() != StatusListening {
		s.logger.Debug("final transcript outside listening dropped", "status", s.Status())
		return
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}
	if len(s.pending) == 0 {
		s.pendingStart = tr.Timestamp.Milliseconds()
	}
	s.pendingEnd = (tr.Timestamp + tr.Duration).Milliseconds()
	s.pending = append(s.pending, text)
	s.silence.Reset(time.Now())
	s.emit(Event{Type: EventPartial, Partial: s.pendingText()})
}

func (s *Session) pendingText() string {
	return strings.TrimSpace(strings.Join(s.pending, " "))
}

func joinSpeech(committed, interim string) string {
	if committed == "" {
		return interim
	}
	return committed + " " + interim
}

// ─────────────────────────── answer submission ──────────────────────────

// handleSubmit commits the pending answer and requests the next turn, or
// arms the completion delay once the question budget is spent. Outside
// listening it only serves as the retry affordance for a failed turn.
func (s *Session) handleSubmit(ctx context.Context, now time.Time, auto bool) error {
	switch s.Status() {
	case StatusListening:
	case StatusGreeting, StatusProcessing:
		if !auto && !s.turnPending && s.completionCh == nil {
			s.logger.Info("retrying interviewer turn")
			s.requestTurn(ctx)
		}
		return nil
	default:
		return nil
	}

	answer := s.pendingText()
	if answer == "" {
		// Empty answers never submit; the silence clock keeps running.
		return nil
	}

	if s.silence.AtRisk(now) {
		s.monitor.RecordSilence(s.silence.Elapsed(now))
	}
	s.silence.Disarm()
	s.stopSilencePoll()

	msg := types.TranscriptMessage{
		ID:        uuid.NewString(),
		Role:      types.RoleCandidate,
		Content:   answer,
		Timestamp: now,
	}
	s.appendMessage(msg)
	s.writer.AppendTranscript(s.interview.ID, gateway.Segment{
		Speaker:     types.RoleCandidate,
		Content:     answer,
		StartTimeMS: s.pendingStart,
		EndTimeMS:   s.pendingEnd,
	})
	s.pending = nil
	s.pendingStart, s.pendingEnd = 0, 0

	s.logger.Info("answer submitted", "auto", auto, "chars", len(answer))
	s.emit(Event{Type: EventTranscript, Message: &msg})
	s.setStatus(StatusProcessing)

	if s.QuestionIndex() >= s.cfg.MaxQuestions {
		s.logger.Info("question budget reached", "questions", s.QuestionIndex())
		s.completionCh = time.After(s.cfg.CompletionDelay)
		return nil
	}
	s.requestTurn(ctx)
	return nil
}

// ──────────────────────────── interviewer turn ──────────────────────────

func (s *Session) requestTurn(ctx context.Context) {
	if s.turnPending {
		return
	}
	s.turnPending = true
	s.turnStarted = time.Now()

	req := turngen.TurnRequest{
		InterviewID:    s.interview.ID,
		Messages:       s.historyCopy(),
		JobTitle:       s.cfg.JobTitle,
		JobDescription: s.cfg.JobDescription,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.turns.Next(ctx, req)
		select {
		case s.turnCh <- turnOutcome{res: res, err: err}:
		case <-s.done:
		}
	}()
}

func (s *Session) handleTurn(ctx context.Context, out turnOutcome) error {
	s.turnPending = false

	if latency := time.Since(s.turnStarted); latency >= s.cfg.LatencyThreshold {
		s.logger.Warn("turn round-trip exceeded threshold", "latency", latency)
		s.monitor.RecordLatency(latency)
	}

	if out.err != nil {
		if turngen.Recoverable(out.err) {
			// Rate and usage limits keep the session alive; the candidate
			// sees a warning and can retry.
			s.logger.Warn("turn engine limited", "error", out.err)
			s.emit(Event{Type: EventWarning, Warning: out.err.Error()})
			return nil
		}
		return fmt.Errorf("interview: next turn: %w", out.err)
	}
	if out.res == nil || strings.TrimSpace(out.res.Reply) == "" {
		return errors.New("interview: turn engine returned an empty reply")
	}

	if out.res.CompetencyCovered != "" {
		if name, moved := s.competencies.MarkCovered(out.res.CompetencyCovered); moved {
			s.logger.Info("competency covered", "competency", name)
			covered, remaining := s.Coverage()
			s.emit(Event{Type: EventCoverage, Covered: covered, Remaining: remaining})
		}
	}

	reply := out.res.Reply
	msg := types.TranscriptMessage{
		ID:        uuid.NewString(),
		Role:      types.RoleAI,
		Content:   reply,
		Timestamp: time.Now(),
	}
	s.appendMessage(msg)
	offsetMS := time.Since(s.started).Milliseconds()
	s.writer.AppendTranscript(s.interview.ID, gateway.Segment{
		Speaker:     types.RoleAI,
		Content:     reply,
		StartTimeMS: offsetMS,
		EndTimeMS:   offsetMS,
	})
	s.questionIndex.Add(1)
	s.emit(Event{Type: EventTranscript, Message: &msg})

	s.setStatus(StatusQuestioning)
	s.speak(ctx, reply)
	return nil
}

// ────────────────────────────── speaking ────────────────────────────────

func (s *Session) speak(ctx context.Context, text string) {
	done, err := s.output.sess.Speak(ctx, text)
	if err != nil {
		// The question still reaches the candidate as text; losing one
		// utterance does not end the interview.
		s.logger.Error("utterance failed to start", "error", err)
		s.emit(Event{Type: EventWarning, Warning: "The interviewer's audio is unavailable."})
		s.enterListening()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := <-done
		select {
		case s.speakCh <- res:
		case <-s.done:
		}
	}()
}

func (s *Session) handleSpeakDone(err error) {
	if errors.Is(err, tts.ErrInterrupted) {
		return
	}
	if s.Status() != StatusQuestioning {
		return
	}
	if err != nil {
		s.logger.Error("utterance failed", "error", err)
		s.emit(Event{Type: EventWarning, Warning: "The interviewer's audio was interrupted."})
	}
	s.enterListening()
}

func (s *Session) enterListening() {
	s.pending = nil
	s.pendingStart, s.pendingEnd = 0, 0
	s.silence.Reset(time.Now())
	s.startSilencePoll()
	s.setStatus(StatusListening)
}

// ──────────────────────────── silence ticker ────────────────────────────

// The silence poll runs only while the session is listening; every path out
// of listening stops it.

func (s *Session) startSilencePoll() {
	s.stopSilencePoll()
	s.silenceTick = time.NewTicker(s.cfg.TickInterval)
}

func (s *Session) stopSilencePoll() {
	if s.silenceTick != nil {
		s.silenceTick.Stop()
		s.silenceTick = nil
	}
}

func (s *Session) silencePoll() <-chan time.Time {
	if s.silenceTick == nil {
		return nil
	}
	return s.silenceTick.C
}

// ─────────────────────────────── calling ────────────────────────────────

func (s *Session) attachCall(j joinedCall) {
	s.call = j.call
	s.callName = j.name
	s.captions = j.call.Captions()
	s.setPumpCall(j.call)
	s.logger.Info("call joined", "tier", j.name, "captions", s.captions)
	s.emitCapabilities()
}

func (s *Session) detachCall() {
	if s.call == nil {
		return
	}
	s.logger.Info("call ended", "tier", s.callName)
	s.call = nil
	s.callName = ""
	s.captions = rtc.CaptionsOff
	s.setPumpCall(nil)
	s.emitCapabilities()
}

func (s *Session) callDone() <-chan struct{} {
	if s.call == nil {
		return nil
	}
	return s.call.Done()
}

func (s *Session) pollCaptions() {
	if s.call == nil {
		return
	}
	if st := s.call.Captions(); st != s.captions {
		s.captions = st
		s.emitCapabilities()
	}
}

// ───────────────────────────── conversation ─────────────────────────────

func (s *Session) appendMessage(msg types.TranscriptMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, msg)
	s.history = append(s.history, types.Message{Role: chatRole(msg.Role), Content: msg.Content})
}

func (s *Session) historyCopy() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.history))
	copy(out, s.history)
	return out
}

// chatRole maps transcript speakers onto the turn engine's chat roles.
func chatRole(r types.Role) string {
	if r == types.RoleAI {
		return "assistant"
	}
	return "user"
}

// ─────────────────────────────── teardown ───────────────────────────────

// shutdown runs exactly once, on the loop goroutine, after the loop has
// exited. No tick or provider callback can mutate the session afterwards.
func (s *Session) shutdown(final Status, cause error) {
	s.stopSilencePoll()
	s.completionCh = nil

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if cause != nil {
		s.logger.Error("interview session failed", "error", cause)
	}
	s.setStatus(final)
	if final == StatusError && cause != nil {
		s.emit(Event{Type: EventError, Reason: cause.Error()})
	}

	if s.output != nil {
		s.output.sess.Close()
		s.output = nil
	}
	if s.input != nil {
		s.input.handle.Close()
		s.input = nil
	}
	s.setPumpInput(nil)
	if s.call != nil {
		s.call.Disconnect()
		s.call = nil
	}
	s.setPumpCall(nil)

	recordingURL := s.closeRecording(ctx)

	if s.writer != nil {
		if s.interview != nil {
			req := gateway.FinalizeRequest{
				DurationSeconds: int(time.Since(s.started).Seconds()),
				Signals:         s.monitor.Snapshot(),
				RecordingURL:    recordingURL,
			}
			if err := s.writer.Finalize(ctx, s.interview.ID, req); err != nil {
				s.logger.Error("interview finalize failed", "error", err)
			}
		} else {
			s.writer.Close()
		}
	}

	if s.playback != nil {
		s.playback.Close()
	}
	if s.stream != nil {
		s.stream.Release()
	}

	if final == StatusCompleted {
		s.emit(Event{Type: EventCompleted})
	}
	s.logger.Info("session ended", "status", final, "questions", s.QuestionIndex(),
		"elapsed", time.Since(s.started), "events_dropped", s.eventsDropped.Load())
	close(s.events)
}

// closeRecording flushes the recorder and uploads the capture. Best effort:
// any failure here costs the recording, never the interview.
func (s *Session) closeRecording(ctx context.Context) string {
	if s.recorder == nil {
		return ""
	}
	if err := s.recorder.Close(); err != nil {
		s.logger.Warn("recording close failed", "error", err)
		return ""
	}
	if s.recorder.SampleCount() == 0 || s.uploader == nil || s.interview == nil {
		return ""
	}
	url, err := s.uploader.Upload(ctx, s.interview.ID, s.recorder.Bytes())
	if err != nil {
		s.logger.Warn("recording upload failed", "error", err)
		return ""
	}
	return url
}

// ──────────────────────────────── events ────────────────────────────────

func (s *Session) setStatus(st Status) {
	s.status.Store(st)
	s.logger.Debug("session state", "status", st)
	s.emit(Event{Type: EventStatus, Status: st})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.eventsDropped.Add(1)
		s.logger.Warn("event dropped, consumer too slow", "type", ev.Type)
	}
}

func (s *Session) emitCapabilities() {
	caps := &Capabilities{
		Captions: s.captions,
	}
	if s.input != nil {
		caps.InputTier = s.input.name
	}
	if s.output != nil {
		caps.OutputTier = s.output.name
		caps.Stream = s.output.stream
	}
	caps.VideoTier = s.callName
	s.emit(Event{Type: EventCapabilities, Capabilities: caps})
}
