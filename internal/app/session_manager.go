package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evrhire/cadenza/internal/config"
	"github.com/evrhire/cadenza/internal/gateway"
	"github.com/evrhire/cadenza/internal/interview"
	"github.com/evrhire/cadenza/internal/observe"
	"github.com/evrhire/cadenza/internal/server"
	"github.com/evrhire/cadenza/internal/turngen"
	"github.com/evrhire/cadenza/pkg/media"
)

// SessionManager hands out interview sessions to the WebSocket bridge, one
// live session per application. All exported methods are safe for concurrent
// use.
type SessionManager struct {
	mu       sync.Mutex
	active   map[string]*liveSession
	defaults interview.Config

	// Dependencies injected at construction.
	store   gateway.Store
	audio   media.Context
	turns   turngen.Generator
	input   []interview.InputTier
	output  []interview.OutputTier
	video   []interview.VideoTier
	metrics *observe.Metrics

	// logger carries the manager's component tag; base is what sessions
	// derive their own tagged loggers from.
	logger *slog.Logger
	base   *slog.Logger
}

// liveSession is one held application slot.
type liveSession struct {
	sess   *interview.Session
	opened time.Time
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config  *config.Config
	Store   gateway.Store
	Audio   media.Context
	Turns   turngen.Generator
	Input   []interview.InputTier
	Output  []interview.OutputTier
	Video   []interview.VideoTier
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		active:   make(map[string]*liveSession),
		defaults: interviewDefaults(cfg.Config),
		store:    cfg.Store,
		audio:    cfg.Audio,
		turns:    cfg.Turns,
		input:    cfg.Input,
		output:   cfg.Output,
		video:    cfg.Video,
		metrics:  metrics,
		logger:   logger.With("component", "sessions"),
		base:     logger,
	}
}

// Open builds a new interview session for the application and holds its slot
// until [SessionManager.Release]. A second Open for the same application is
// refused while the first is held.
func (sm *SessionManager) Open(ctx context.Context, applicationID string) (server.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if held, ok := sm.active[applicationID]; ok {
		sm.logger.Warn("open refused, application already has a session",
			"application_id", applicationID,
			"held_since", held.opened,
		)
		return nil, fmt.Errorf("an interview for this application is already in progress")
	}

	cfg := sm.defaults
	cfg.ApplicationID = applicationID

	input, output, video := measuredTiers(sm.input, sm.output, sm.video, sm.metrics)
	sess, err := interview.New(cfg, interview.Deps{
		Store:  sm.store,
		Audio:  sm.audio,
		Turns:  sm.turns,
		Input:  input,
		Output: output,
		Video:  video,
		Logger: sm.base,
	})
	if err != nil {
		return nil, fmt.Errorf("build session: %w", err)
	}

	sm.active[applicationID] = &liveSession{sess: sess, opened: time.Now()}
	sm.metrics.ActiveInterviews.Add(ctx, 1)
	sm.logger.Info("session opened", "application_id", applicationID)
	return sess, nil
}

// Release frees the application's slot and settles its accounting. The bridge
// calls it exactly once per successful Open, after the session has fully torn
// down (or, if Start failed, before it ever ran). Releasing an unknown
// application is a no-op.
func (sm *SessionManager) Release(applicationID string) {
	sm.mu.Lock()
	held, ok := sm.active[applicationID]
	if ok {
		delete(sm.active, applicationID)
	}
	sm.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	sm.metrics.ActiveInterviews.Add(ctx, -1)

	select {
	case <-held.sess.Done():
		status := held.sess.Status()
		questions := held.sess.QuestionIndex()
		elapsed := held.sess.Elapsed()
		sm.metrics.RecordInterviewEnded(ctx, string(status), int64(questions), elapsed.Seconds())
		if n := held.sess.EventsDropped(); n > 0 {
			sm.logger.Warn("session dropped events", "application_id", applicationID, "dropped", n)
		}
		sm.logger.Info("session released",
			"application_id", applicationID,
			"status", status,
			"questions", questions,
			"elapsed", elapsed.Round(time.Second),
		)
	default:
		// Opened but never ran; there is no ended interview to account.
		sm.logger.Info("session released before start", "application_id", applicationID)
	}
}

// Active reports how many application slots are currently held.
func (sm *SessionManager) Active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// ApplyDefaults swaps the per-session defaults. Sessions already open keep
// the values they started with; the new defaults apply from the next Open.
func (sm *SessionManager) ApplyDefaults(cfg *config.Config) {
	d := interviewDefaults(cfg)
	sm.mu.Lock()
	sm.defaults = d
	sm.mu.Unlock()
	sm.logger.Info("session defaults updated",
		"max_questions", d.MaxQuestions,
		"max_duration", d.MaxDuration,
	)
}

// interviewDefaults converts the config blocks into the per-session template.
// ApplicationID is filled per Open.
func interviewDefaults(cfg *config.Config) interview.Config {
	return interview.Config{
		JobTitle:         cfg.Job.Title,
		JobDescription:   cfg.Job.Description,
		Competencies:     cfg.Job.Competencies,
		PhraseHints:      cfg.Job.PhraseHints,
		Language:         cfg.Interview.Language,
		Voice:            cfg.Interview.Voice.Profile(),
		SampleRate:       cfg.Interview.SampleRate,
		MaxQuestions:     cfg.Interview.MaxQuestions,
		MaxDuration:      cfg.Interview.MaxDuration.Std(),
		SubmitSilence:    cfg.Interview.SubmitSilence.Std(),
		RiskSilence:      cfg.Interview.RiskSilence.Std(),
		LatencyThreshold: cfg.Interview.LatencyThreshold.Std(),
		CompletionDelay:  cfg.Interview.CompletionDelay.Std(),
	}
}
