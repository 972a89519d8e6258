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

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "anyllm", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt":        {"whisper", "whisper-native"},
	"tts":        {"elevenlabs", "piper"},
	"vision":     {"openai", "anthropic"},
	"embeddings": {"openai", "ollama"},
}

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
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in the session-scoped defaults from §6 that are left
// zero in the YAML source: history limits and the reconnection grace window.
func applyDefaults(cfg *Config) {
	if cfg.Session.HistoryLimit == 0 {
		cfg.Session.HistoryLimit = 8
	}
	if cfg.Session.PlaybookHistoryLimit == 0 {
		cfg.Session.PlaybookHistoryLimit = 50
	}
	if cfg.Session.ReconnectGraceSeconds == 0 {
		cfg.Session.ReconnectGraceSeconds = 60
	}
	if cfg.Tools.ValidateArguments == nil {
		enabled := true
		cfg.Tools.ValidateArguments = &enabled
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vision", cfg.Providers.Vision.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts is required"))
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; sessions will not survive process restarts and the intent classifier falls back to in-memory cosine similarity")
	}

	if cfg.Session.Voice.SpeedFactor != 0 && (cfg.Session.Voice.SpeedFactor < 0.5 || cfg.Session.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", cfg.Session.Voice.SpeedFactor))
	}
	if cfg.Session.AudioCodec != "" && cfg.Session.AudioCodec != "pcm" && cfg.Session.AudioCodec != "opus" {
		errs = append(errs, fmt.Errorf("session.audio_codec %q is invalid; valid values: pcm, opus", cfg.Session.AudioCodec))
	}
	if cfg.Session.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && cfg.Session.Voice.Provider != cfg.Providers.TTS.Name {
		slog.Warn("session voice provider does not match configured TTS provider",
			"voice_provider", cfg.Session.Voice.Provider,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	// Playbooks
	playbookNamesSeen := make(map[string]int, len(cfg.Playbooks))
	for i, pb := range cfg.Playbooks {
		prefix := fmt.Sprintf("playbooks[%d]", i)
		if pb.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := playbookNamesSeen[pb.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of playbooks[%d]", prefix, pb.ID, prev))
		} else {
			playbookNamesSeen[pb.ID] = i
		}
		errs = append(errs, validatePlaybook(prefix, pb)...)
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validatePlaybook checks a single playbook's stage graph: stage ids are
// unique, Initial resolves, every transition's endpoints resolve, and
// stage/transition fields use recognised enum values. Tool-name resolution
// against the live Tool Registry happens at playbook construction time
// (internal/playbook), not here, since the registry is not available to the
// config loader.
func validatePlaybook(prefix string, pb PlaybookConfig) []error {
	var errs []error

	stageIDs := make(map[string]bool, len(pb.Stages))
	for i, st := range pb.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if st.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", sp))
			continue
		}
		if stageIDs[st.ID] {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate stage id", sp, st.ID))
		}
		stageIDs[st.ID] = true
	}

	if pb.Initial == "" {
		errs = append(errs, fmt.Errorf("%s.initial is required", prefix))
	} else if len(stageIDs) > 0 && !stageIDs[pb.Initial] {
		errs = append(errs, fmt.Errorf("%s.initial %q does not match any declared stage", prefix, pb.Initial))
	}

	for i, tr := range pb.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if len(stageIDs) > 0 {
			if tr.From != "*" && !stageIDs[tr.From] {
				errs = append(errs, fmt.Errorf("%s.from %q does not match any declared stage", tp, tr.From))
			}
			if !stageIDs[tr.To] {
				errs = append(errs, fmt.Errorf("%s.to %q does not match any declared stage", tp, tr.To))
			}
		}
		if tr.Source != "" && !IsValidTransitionSource(tr.Source) {
			errs = append(errs, fmt.Errorf("%s.source %q is invalid", tp, tr.Source))
		}
		if tr.HistoryStrategy != "" && !tr.HistoryStrategy.IsValid() {
			errs = append(errs, fmt.Errorf("%s.history_strategy %q is invalid; valid values: full, reset, summary, lastN", tp, tr.HistoryStrategy))
		}
	}

	return errs
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
