package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per channel or kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"input":      {"azure", "deepgram", "device", "whisper"},
	"output":     {"avatar", "azure", "coqui", "elevenlabs", "native"},
	"video":      {"cloud"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// backendCredentialTiers lists tier names whose providers authenticate with
// short-lived credentials minted by the recruitment backend.
var backendCredentialTiers = []string{"azure", "avatar", "cloud"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Gateway
	mode := cfg.Gateway.Mode
	if mode == "" {
		mode = GatewayREST
	}
	if !mode.IsValid() {
		errs = append(errs, fmt.Errorf("gateway.mode %q is invalid; valid values: rest, postgres", cfg.Gateway.Mode))
	}
	if mode == GatewayPostgres && cfg.Gateway.PostgresDSN == "" {
		errs = append(errs, errors.New("gateway.postgres_dsn is required when gateway.mode is \"postgres\""))
	}

	// Turn engine
	engine := cfg.Turn.Engine
	if engine == "" {
		engine = TurnRemote
	}
	if !engine.IsValid() {
		errs = append(errs, fmt.Errorf("turn.engine %q is invalid; valid values: remote, local", cfg.Turn.Engine))
	}
	if engine == TurnLocal && cfg.Turn.LLM.Name == "" {
		errs = append(errs, errors.New("turn.llm.name is required when turn.engine is \"local\""))
	}
	if engine == TurnRemote && cfg.Turn.LLM.Name == "" {
		slog.Warn("turn.llm is not configured; remote engine failures will not fall back to a local model")
	}

	// Backend availability
	if cfg.Backend.BaseURL == "" {
		switch {
		case mode == GatewayREST:
			errs = append(errs, errors.New("backend.base_url is required when gateway.mode is \"rest\""))
		case engine == TurnRemote:
			errs = append(errs, errors.New("backend.base_url is required when turn.engine is \"remote\""))
		}
	}

	// Provider tiers
	validateTiers(ChannelInput, cfg.Tiers.Input, &errs)
	validateTiers(ChannelOutput, cfg.Tiers.Output, &errs)
	validateTiers(ChannelVideo, cfg.Tiers.Video, &errs)
	if len(cfg.Tiers.Input) == 0 {
		errs = append(errs, errors.New("tiers.input must list at least one provider"))
	}
	if len(cfg.Tiers.Output) == 0 {
		errs = append(errs, errors.New("tiers.output must list at least one provider"))
	}
	if cfg.Backend.BaseURL == "" {
		for _, channel := range []string{ChannelInput, ChannelOutput, ChannelVideo} {
			for _, entry := range tiersFor(cfg, channel) {
				if slices.Contains(backendCredentialTiers, entry.Name) {
					slog.Warn("tier authenticates with backend-minted credentials but backend.base_url is empty",
						"channel", channel,
						"tier", entry.Name,
					)
				}
			}
		}
	}

	validateProviderName("llm", cfg.Turn.LLM.Name)
	validateProviderName("embeddings", cfg.Embeddings.Name)

	// Embeddings ↔ gateway
	if cfg.Embeddings.Name != "" && mode == GatewayREST {
		slog.Warn("embeddings is configured but gateway.mode is \"rest\"; the transcript semantic index only exists in the postgres gateway")
	}
	if cfg.Embeddings.Name != "" && cfg.Gateway.EmbeddingDimensions <= 0 {
		slog.Warn("embeddings is configured but gateway.embedding_dimensions is not set; defaulting to 1536")
	}

	// Interview defaults
	iv := cfg.Interview
	if iv.MaxQuestions < 0 {
		errs = append(errs, fmt.Errorf("interview.max_questions %d must not be negative", iv.MaxQuestions))
	}
	for _, d := range []struct {
		field string
		value Duration
	}{
		{"max_duration", iv.MaxDuration},
		{"submit_silence", iv.SubmitSilence},
		{"risk_silence", iv.RiskSilence},
		{"latency_threshold", iv.LatencyThreshold},
		{"completion_delay", iv.CompletionDelay},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("interview.%s must not be negative", d.field))
		}
	}
	if iv.SubmitSilence > 0 && iv.RiskSilence > 0 && iv.RiskSilence < iv.SubmitSilence {
		slog.Warn("interview.risk_silence is shorter than submit_silence; every auto-submitted answer will carry a silence signal")
	}
	if iv.Voice.SpeedFactor != 0 {
		if iv.Voice.SpeedFactor < 0.5 || iv.Voice.SpeedFactor > 2.0 {
			errs = append(errs, fmt.Errorf("interview.voice.speed_factor %.2f is out of range [0.5, 2.0]", iv.Voice.SpeedFactor))
		}
	}

	// Voice provider ↔ output tier cross-validation
	if iv.Voice.Provider != "" {
		found := false
		for _, entry := range cfg.Tiers.Output {
			if entry.Name == iv.Voice.Provider {
				found = true
				break
			}
		}
		if !found {
			slog.Warn("interviewer voice provider is not among the configured output tiers",
				"voice_provider", iv.Voice.Provider,
			)
		}
	}

	return errors.Join(errs...)
}

// validateTiers checks one channel's tier list: names present, no duplicates,
// and recognised provider names.
func validateTiers(channel string, entries []ProviderEntry, errs *[]error) {
	seen := make(map[string]int, len(entries))
	for i, entry := range entries {
		prefix := fmt.Sprintf("tiers.%s[%d]", channel, i)
		if entry.Name == "" {
			*errs = append(*errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[entry.Name]; ok {
			*errs = append(*errs, fmt.Errorf("%s.name %q is a duplicate of tiers.%s[%d]", prefix, entry.Name, channel, prev))
		}
		seen[entry.Name] = i
		validateProviderName(channel, entry.Name)
	}
}

// tiersFor returns the tier list for the named channel.
func tiersFor(cfg *Config, channel string) []ProviderEntry {
	switch channel {
	case ChannelInput:
		return cfg.Tiers.Input
	case ChannelOutput:
		return cfg.Tiers.Output
	case ChannelVideo:
		return cfg.Tiers.Video
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
