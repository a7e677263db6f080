// Command cadenza is the live interview orchestrator for the EvrHire
// recruitment platform.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/evrhire/cadenza/internal/app"
	"github.com/evrhire/cadenza/internal/config"
	"github.com/evrhire/cadenza/internal/interview"
	"github.com/evrhire/cadenza/internal/token"
	"github.com/evrhire/cadenza/pkg/provider/embeddings"
	ollamaembed "github.com/evrhire/cadenza/pkg/provider/embeddings/ollama"
	oaembed "github.com/evrhire/cadenza/pkg/provider/embeddings/openai"
	"github.com/evrhire/cadenza/pkg/provider/llm"
	"github.com/evrhire/cadenza/pkg/provider/llm/anyllm"
	oallm "github.com/evrhire/cadenza/pkg/provider/llm/openai"
	"github.com/evrhire/cadenza/pkg/provider/stt"
	sttazure "github.com/evrhire/cadenza/pkg/provider/stt/azure"
	"github.com/evrhire/cadenza/pkg/provider/stt/deepgram"
	"github.com/evrhire/cadenza/pkg/provider/stt/device"
	"github.com/evrhire/cadenza/pkg/provider/stt/whisper"
	"github.com/evrhire/cadenza/pkg/provider/tts"
	"github.com/evrhire/cadenza/pkg/provider/tts/avatar"
	ttsazure "github.com/evrhire/cadenza/pkg/provider/tts/azure"
	"github.com/evrhire/cadenza/pkg/provider/tts/coqui"
	"github.com/evrhire/cadenza/pkg/provider/tts/elevenlabs"
	"github.com/evrhire/cadenza/pkg/provider/tts/native"
	"github.com/evrhire/cadenza/pkg/rtc"
	"github.com/evrhire/cadenza/pkg/rtc/cloud"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadenza: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadenza: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can change it without
	// rebuilding the handler.
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(lvl)
	slog.SetDefault(logger)

	slog.Info("cadenza starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Backend token client ──────────────────────────────────────────────────
	// Mints the short-lived speech and call credentials for the azure, avatar
	// and cloud tiers. Optional: fully self-hosted stacks run without it.
	var tokens *token.Client
	if cfg.Backend.BaseURL != "" {
		tokens, err = token.New(cfg.Backend.BaseURL, cfg.Backend.AuthToken)
		if err != nil {
			slog.Error("failed to create backend token client", "err", err)
			return 1
		}
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, tokens)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if d := config.Diff(old, new); d.LogLevelChanged {
			lvl.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.ApplyConfig(old, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps channel names to the tier implementations that ship
// with Cadenza. Used for startup logging.
var builtinProviders = map[string][]string{
	"input":      {"azure", "deepgram", "device", "whisper"},
	"output":     {"avatar", "azure", "coqui", "elevenlabs", "native"},
	"video":      {"cloud"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// registerBuiltinProviders wires all built-in tier factories into reg. Each
// factory receives a config.ProviderEntry and constructs the provider from
// the real implementation packages. tokens may be nil; tiers that mint their
// credentials through the backend then fail construction with a clear error.
func registerBuiltinProviders(reg *config.Registry, tokens *token.Client) {
	// ── Input (speech recognition) ────────────────────────────────────────────

	reg.RegisterSTT("azure", func(entry config.ProviderEntry) (stt.Provider, error) {
		if tokens == nil {
			return nil, errors.New("input tier azure needs backend.base_url for speech credentials")
		}
		var opts []sttazure.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttazure.WithLanguage(lang))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, sttazure.WithSampleRate(rate))
		}
		if v, ok := optBool(entry.Options, "profanity_filter"); ok {
			opts = append(opts, sttazure.WithProfanityFilter(v))
		}
		return sttazure.New(tokens, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("device", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []device.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, device.WithLanguage(lang))
		}
		return device.New(modelPath, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── Output (speech synthesis) ─────────────────────────────────────────────

	reg.RegisterTTS("avatar", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []avatar.Option
		if quality := optString(entry.Options, "quality"); quality != "" {
			opts = append(opts, avatar.WithQuality(quality))
		}
		if tokens != nil {
			opts = append(opts, avatar.WithRelaySource(tokens))
		}
		return avatar.New(entry.APIKey, entry.BaseURL, opts...)
	})

	reg.RegisterTTS("azure", func(entry config.ProviderEntry) (tts.Provider, error) {
		if tokens == nil {
			return nil, errors.New("output tier azure needs backend.base_url for speech credentials")
		}
		var opts []ttsazure.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, ttsazure.WithLanguage(lang))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, ttsazure.WithOutputFormat(format))
		}
		return ttsazure.New(tokens, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("native", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []native.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, native.WithLanguage(lang))
		}
		return native.New(entry.BaseURL, opts...)
	})

	// ── Video (calling fabric) ────────────────────────────────────────────────

	reg.RegisterCall("cloud", func(entry config.ProviderEntry) (rtc.Platform, error) {
		if tokens == nil {
			return nil, errors.New("video tier cloud needs backend.base_url for call credentials")
		}
		var opts []cloud.Option
		if lang := optString(entry.Options, "captions_language"); lang != "" {
			opts = append(opts, cloud.WithCaptionsLanguage(lang))
		}
		if v, ok := optBool(entry.Options, "captions"); ok && !v {
			opts = append(opts, cloud.WithoutCaptions())
		}
		return cloud.New(entry.BaseURL, tokens, opts...)
	})

	// ── LLM (local turn engine) ───────────────────────────────────────────────
	// openai goes through the native SDK client; the rest share the any-llm
	// pattern of optional APIKey + optional BaseURL.

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings (transcript semantic index) ────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates every tier named in cfg using the registry and
// returns them in an [app.Providers] struct. Tier names without a registered
// factory are skipped; a factory that fails is a hard error. At least one
// input and one output tier must come up.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	for _, entry := range cfg.Tiers.Input {
		p, err := reg.CreateSTT(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("unknown input tier, skipping", "name", entry.Name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("create input tier %q: %w", entry.Name, err)
		}
		ps.Input = append(ps.Input, interview.InputTier{Name: entry.Name, Provider: p})
		slog.Info("tier ready", "channel", "input", "name", entry.Name)
	}

	for _, entry := range cfg.Tiers.Output {
		p, err := reg.CreateTTS(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("unknown output tier, skipping", "name", entry.Name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("create output tier %q: %w", entry.Name, err)
		}
		ps.Output = append(ps.Output, interview.OutputTier{Name: entry.Name, Provider: p})
		slog.Info("tier ready", "channel", "output", "name", entry.Name)
	}

	for _, entry := range cfg.Tiers.Video {
		p, err := reg.CreateCall(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("unknown video tier, skipping", "name", entry.Name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("create video tier %q: %w", entry.Name, err)
		}
		ps.Video = append(ps.Video, interview.VideoTier{Name: entry.Name, Platform: p})
		slog.Info("tier ready", "channel", "video", "name", entry.Name)
	}

	if len(ps.Input) == 0 {
		return nil, errors.New("no usable input tier configured")
	}
	if len(ps.Output) == 0 {
		return nil, errors.New("no usable output tier configured")
	}

	if name := cfg.Turn.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Turn.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("unknown llm provider, skipping", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create turn llm %q: %w", name, err)
		} else {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}

	if name := cfg.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("unknown embeddings provider, skipping", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Cadenza — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Input", tierNames(cfg.Tiers.Input))
	printRow("Output", tierNames(cfg.Tiers.Output))
	printRow("Video", tierNames(cfg.Tiers.Video))

	gateway := cfg.Gateway.Mode
	if gateway == "" {
		gateway = config.GatewayREST
	}
	printRow("Gateway", string(gateway))

	engine := cfg.Turn.Engine
	if engine == "" {
		engine = config.TurnRemote
	}
	turn := string(engine)
	if cfg.Turn.LLM.Name != "" {
		turn += " (+" + cfg.Turn.LLM.Name + ")"
	}
	printRow("Turn engine", turn)

	printRow("Embeddings", cfg.Embeddings.Name)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func tierNames(entries []config.ProviderEntry) string {
	if len(entries) == 0 {
		return ""
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return strings.Join(names, ", ")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(lvl slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optInt extracts an int value the same way.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	v, ok := opts[key]
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok {
		return 0
	}
	return n
}

// optBool extracts a bool value; the second return reports whether the key
// was present and boolean, so callers can tell "false" from "absent".
func optBool(opts map[string]any, key string) (bool, bool) {
	if opts == nil {
		return false, false
	}
	v, ok := opts[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	if !ok {
		return false, false
	}
	return b, true
}
