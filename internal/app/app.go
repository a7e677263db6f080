// Package app wires the Cadenza subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects the
// persistence gateway, turn engine, capture backend, session manager and
// candidate-facing server; Run serves until the context ends; Shutdown tears
// everything down in reverse order.
//
// For testing, inject doubles via functional options (WithStore, WithTurns,
// WithAudio, WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/evrhire/cadenza/internal/config"
	"github.com/evrhire/cadenza/internal/gateway"
	"github.com/evrhire/cadenza/internal/gateway/postgres"
	"github.com/evrhire/cadenza/internal/gateway/rest"
	"github.com/evrhire/cadenza/internal/health"
	"github.com/evrhire/cadenza/internal/interview"
	"github.com/evrhire/cadenza/internal/observe"
	"github.com/evrhire/cadenza/internal/resilience"
	"github.com/evrhire/cadenza/internal/server"
	"github.com/evrhire/cadenza/internal/transcript"
	"github.com/evrhire/cadenza/internal/transcript/llmcorrect"
	"github.com/evrhire/cadenza/internal/transcript/phonetic"
	"github.com/evrhire/cadenza/internal/turngen"
	"github.com/evrhire/cadenza/internal/turngen/local"
	"github.com/evrhire/cadenza/internal/turngen/remote"
	"github.com/evrhire/cadenza/pkg/media"
	"github.com/evrhire/cadenza/pkg/provider/embeddings"
	"github.com/evrhire/cadenza/pkg/provider/llm"
)

// telemetryFlush bounds the final metric/trace flush during Shutdown.
const telemetryFlush = 5 * time.Second

// Providers holds the provider tier lists and standalone providers built by
// main.go via the config registry.
type Providers struct {
	// Input, Output and Video are the session tier lists in priority order.
	Input  []interview.InputTier
	Output []interview.OutputTier
	Video  []interview.VideoTier

	// LLM backs the local turn engine; under the remote engine it is the
	// fallback model. Nil when turn.llm is not configured.
	LLM llm.Provider

	// Embeddings powers the transcript semantic index on the postgres
	// gateway. Nil when not configured.
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	// Subsystems, initialised in New, torn down in Shutdown.
	metrics *observe.Metrics
	store   gateway.Store
	turns   turngen.Generator
	audio   media.Context
	manager *SessionManager
	server  *server.Server

	// pingGateway probes the persistence gateway for the readiness endpoint.
	pingGateway func(context.Context) error

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a persistence gateway instead of creating one from config.
func WithStore(s gateway.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTurns injects a turn generator instead of creating one from config.
func WithTurns(g turngen.Generator) Option {
	return func(a *App) { a.turns = g }
}

// WithAudio injects a media backend instead of opening the capture device.
func WithAudio(m media.Context) Option {
	return func(a *App) { a.audio = m }
}

// WithMetrics injects a Metrics instance instead of initialising the global
// telemetry provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Persistence gateway ───────────────────────────────────────────
	if err := a.initGateway(ctx); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 3. Turn engine ───────────────────────────────────────────────────
	if err := a.initTurns(); err != nil {
		return nil, fmt.Errorf("app: init turn engine: %w", err)
	}

	// ── 4. Capture backend ───────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 5. Transcript correction ─────────────────────────────────────────
	input := a.correctedInput(providers.Input)

	// ── 6. Session manager ───────────────────────────────────────────────
	a.manager = NewSessionManager(SessionManagerConfig{
		Config:  cfg,
		Store:   a.store,
		Audio:   a.audio,
		Turns:   a.turns,
		Input:   input,
		Output:  providers.Output,
		Video:   providers.Video,
		Metrics: a.metrics,
		Logger:  a.logger,
	})

	// ── 7. Candidate server ──────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the global metric/trace providers unless a Metrics
// instance was injected, in which case the test owns the meter provider.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		fctx, cancel := context.WithTimeout(context.Background(), telemetryFlush)
		defer cancel()
		return shutdown(fctx)
	})
	a.metrics = observe.DefaultMetrics()
	return nil
}

// initGateway builds the configured persistence gateway and wraps it with
// the write-latency decorator. Injected stores are used as-is.
func (a *App) initGateway(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	mode := a.cfg.Gateway.Mode
	if mode == "" {
		mode = config.GatewayREST
	}

	switch mode {
	case config.GatewayPostgres:
		pgOpts := []postgres.Option{postgres.WithLogger(a.logger)}
		if a.providers.Embeddings != nil {
			pgOpts = append(pgOpts, postgres.WithEmbeddings(a.providers.Embeddings))
		}
		store, err := postgres.NewStore(ctx, a.cfg.Gateway.PostgresDSN, pgOpts...)
		if err != nil {
			return err
		}
		a.store = &measuredStore{inner: store, name: "postgres", metrics: a.metrics}
		a.pingGateway = store.Ping
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})

	default:
		client, err := rest.New(a.cfg.Backend.BaseURL, a.cfg.Backend.AuthToken)
		if err != nil {
			return err
		}
		a.store = &measuredStore{inner: client, name: "rest", metrics: a.metrics}
		a.pingGateway = client.Ping
	}

	return nil
}

// initTurns builds the configured turn generator. Under the remote engine a
// configured turn.llm becomes the breaker-guarded local fallback. Each engine
// is wrapped with the latency decorator before entering the fallback chain so
// requests are attributed to the engine that served them.
func (a *App) initTurns() error {
	if a.turns != nil {
		return nil
	}

	engine := a.cfg.Turn.Engine
	if engine == "" {
		engine = config.TurnRemote
	}

	buildLocal := func() (turngen.Generator, error) {
		if a.providers.LLM == nil {
			return nil, errors.New("turn.llm provider was not built")
		}
		eng, err := local.New(a.providers.LLM)
		if err != nil {
			return nil, err
		}
		return &measuredTurns{inner: eng, name: "local", metrics: a.metrics}, nil
	}

	switch engine {
	case config.TurnLocal:
		localGen, err := buildLocal()
		if err != nil {
			return err
		}
		a.turns = localGen

	default:
		eng, err := remote.New(a.cfg.Backend.BaseURL, a.cfg.Backend.AuthToken)
		if err != nil {
			return err
		}
		remoteGen := &measuredTurns{inner: eng, name: "remote", metrics: a.metrics}
		if a.providers.LLM == nil {
			a.turns = remoteGen
			return nil
		}
		localGen, err := buildLocal()
		if err != nil {
			return err
		}
		fb := resilience.NewTurnFallback(remoteGen, "remote", resilience.FallbackConfig{})
		fb.AddFallback("local", localGen)
		a.turns = fb
	}

	return nil
}

// correctedInput wraps the recognition tiers with the phrase-hint correction
// pipeline. The phonetic stage is always on; when a model provider is
// configured it also reviews low-confidence utterances, so a recognizer that
// cannot apply hints itself still yields the posting's vocabulary.
func (a *App) correctedInput(tiers []interview.InputTier) []interview.InputTier {
	if len(tiers) == 0 {
		return tiers
	}

	opts := []transcript.PipelineOption{
		transcript.WithPhoneticMatcher(phonetic.New()),
	}
	if a.providers.LLM != nil {
		opts = append(opts, transcript.WithLLMCorrector(llmcorrect.New(a.providers.LLM)))
	}
	pipeline := transcript.NewPipeline(opts...)

	out := make([]interview.InputTier, len(tiers))
	for i, t := range tiers {
		out[i] = interview.InputTier{
			Name:     t.Name,
			Provider: transcript.WrapProvider(t.Provider, pipeline, a.logger),
		}
	}
	return out
}

// initAudio opens the capture backend unless one was injected.
func (a *App) initAudio() error {
	if a.audio != nil {
		return nil
	}

	mctx, err := media.NewMalgoContext()
	if err != nil {
		return err
	}
	a.audio = mctx
	a.closers = append(a.closers, mctx.Close)
	return nil
}

// initServer assembles the candidate-facing HTTP and WebSocket surface.
func (a *App) initServer() error {
	var checks []health.Checker
	if a.pingGateway != nil {
		checks = append(checks, health.Checker{Name: "gateway", Check: a.pingGateway})
	}

	srv, err := server.New(a.cfg.Server, a.manager,
		server.WithLogger(a.logger),
		server.WithMetrics(a.metrics),
		server.WithHealth(health.New(checks...)),
	)
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves candidate connections until ctx is cancelled, then drains open
// interviews and returns.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("cadenza running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"gateway", a.gatewayMode(),
		"turn_engine", a.turnEngine(),
	)
	return a.server.Run(ctx)
}

// Handler returns the HTTP handler the server runs. Exposed for tests that
// drive the surface through httptest.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Manager returns the session manager.
func (a *App) Manager() *SessionManager {
	return a.manager
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies a hot-reloaded configuration. Per-session defaults take
// effect from the next session; tier list changes need a restart and are only
// reported. Log level switching is owned by main, which holds the level var.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.InterviewChanged || d.JobChanged {
		a.manager.ApplyDefaults(new)
	}
	for _, tc := range d.TierChanges {
		a.logger.Warn("tier configuration changed; restart to apply",
			"channel", tc.Channel,
			"tier", tc.Name,
			"added", tc.Added,
			"removed", tc.Removed,
		)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (a *App) gatewayMode() config.GatewayMode {
	if a.cfg.Gateway.Mode == "" {
		return config.GatewayREST
	}
	return a.cfg.Gateway.Mode
}

func (a *App) turnEngine() config.TurnEngine {
	if a.cfg.Turn.Engine == "" {
		return config.TurnRemote
	}
	return a.cfg.Turn.Engine
}
