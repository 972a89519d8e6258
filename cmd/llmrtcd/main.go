// Command llmrtcd is the main entry point for the LLMRTC voice AI server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmrtc/llmrtc/internal/app"
	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/resilience"
	"github.com/llmrtc/llmrtc/internal/tools"
	"github.com/llmrtc/llmrtc/pkg/provider/embeddings"
	"github.com/llmrtc/llmrtc/pkg/provider/embeddings/ollama"
	"github.com/llmrtc/llmrtc/pkg/provider/embeddings/openai"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/provider/llm/anyllm"
	llmopenai "github.com/llmrtc/llmrtc/pkg/provider/llm/openai"
	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/provider/stt/whisper"
	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	"github.com/llmrtc/llmrtc/pkg/provider/tts/elevenlabs"
	"github.com/llmrtc/llmrtc/pkg/provider/vad"
	"github.com/llmrtc/llmrtc/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "llmrtcd: config file %q not found — pass -config with the path to a YAML configuration file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "llmrtcd: %v\n", err)
		}
		return 1
	}

	// ── Logger ───────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("llmrtcd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, providers)

	// ── Application wiring ───────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers, app.WithToolRegistrar(registerDomainTools))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ────────────────────────────────────────────────
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

// registerDomainTools is where deployment-specific tool handlers get
// registered against the live tool registry, alongside the built-in
// playbook_transition tool that app.New always registers first. Left empty
// until a concrete deployment supplies tools (weather lookups, calendar
// bookings, CRM queries — whatever the configured playbooks reference).
func registerDomainTools(_ *tools.Registry) error {
	return nil
}

// ── Provider wiring ──────────────────────────────────────────────────────

// registerBuiltinProviders registers every provider implementation LLMRTC
// ships with, under the names listed in config.ValidProviderNames.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		return llmopenai.New(e.APIKey, e.Model)
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewAnthropic(e.Model)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		providerName, _ := e.Options["provider"].(string)
		return anyllm.New(providerName, e.Model)
	})
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewOllama(e.Model)
	})
	reg.RegisterLLM("gemini", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGemini(e.Model)
	})
	reg.RegisterLLM("deepseek", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewDeepSeek(e.Model)
	})
	reg.RegisterLLM("mistral", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewMistral(e.Model)
	})
	reg.RegisterLLM("groq", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGroq(e.Model)
	})

	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		opts := []whisper.Option{}
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		return whisper.New(e.BaseURL, opts...)
	})
	reg.RegisterSTT("whisper-native", func(e config.ProviderEntry) (stt.Provider, error) {
		return whisper.NewNative(e.Model)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{}
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return openai.New(e.APIKey, e.Model)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return ollama.New(e.BaseURL, e.Model)
	})

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
}

// buildProviders instantiates every configured provider slot, wrapping each
// configured LLM, STT and TTS slot in a circuit-breaker fallback group. A
// second backend isn't expressible in [config.ProviderEntry] — every slot is
// single-provider — so each fallback group carries only its primary.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	fallbackCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  3,
		},
	}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = app.WrapResilientLLM(p, name, fallbackCfg, nil)
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		ps.STT = app.WrapResilientSTT(p, name, fallbackCfg, nil)
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = app.WrapResilientTTS(p, name, fallbackCfg, nil)
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", name)
	} else {
		ps.VAD = energy.New()
		slog.Info("no vad provider configured, defaulting to energy detector")
	}

	return ps, nil
}

// ── Startup summary ──────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, providers *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         LLMRTC — startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	fmt.Printf("║  Playbooks       : %-19d ║\n", len(cfg.Playbooks))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
