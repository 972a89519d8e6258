// Package app wires every LLMRTC subsystem into a running application.
//
// App.New constructs the provider stack, tool registry, playbook engines,
// and session manager from a [config.Config]; Run serves the websocket
// endpoint until its context is cancelled; Shutdown tears everything down
// in reverse-init order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ivad "github.com/llmrtc/llmrtc/internal/vad"
	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/health"
	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/internal/intent"
	"github.com/llmrtc/llmrtc/internal/mcpgateway"
	"github.com/llmrtc/llmrtc/internal/observe"
	"github.com/llmrtc/llmrtc/internal/orchestrator"
	"github.com/llmrtc/llmrtc/internal/playbook"
	"github.com/llmrtc/llmrtc/internal/playbook/tier"
	"github.com/llmrtc/llmrtc/internal/protocol"
	"github.com/llmrtc/llmrtc/internal/resilience"
	"github.com/llmrtc/llmrtc/internal/session"
	"github.com/llmrtc/llmrtc/internal/tools"
	"github.com/llmrtc/llmrtc/pkg/audio"
	"github.com/llmrtc/llmrtc/pkg/provider/embeddings"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	"github.com/llmrtc/llmrtc/pkg/provider/vad"
	"github.com/llmrtc/llmrtc/pkg/provider/vision"
)

// Providers holds one already-constructed provider per pipeline slot; main.go
// wraps each configured LLM, STT and TTS slot in a resilience fallback group.
// Nil means the slot is not configured.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Vision     vision.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
}

// ToolRegistrar registers domain tools against a freshly created
// [tools.Registry], before any playbook is built. Supplied by main.go so
// deployment-specific tools don't need to live in this package.
type ToolRegistrar func(*tools.Registry) error

// Option is a functional option for [New].
type Option func(*App)

// WithSessionStore injects a session store instead of the one derived from
// cfg.Memory.PostgresDSN.
func WithSessionStore(s session.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithToolRegistrar appends domain tool registrations run after the
// built-in playbook_transition tool is registered.
func WithToolRegistrar(r ToolRegistrar) Option {
	return func(a *App) { a.toolRegistrars = append(a.toolRegistrars, r) }
}

// WithIntentClassifier injects the classifier used by every playbook engine
// to label each turn's utterance for intent-sourced transitions.
func WithIntentClassifier(c playbook.IntentClassifier) Option {
	return func(a *App) { a.intentClassifier = c }
}

// WithHooks overrides the lifecycle hook set. main.go typically leaves this
// unset and gets structured-logging hooks wired to metrics automatically.
func WithHooks(h hooks.Hooks) Option {
	return func(a *App) { a.hookSet = &h }
}

// App owns every subsystem's lifetime: the provider stack, tool registry,
// playbook engines, session manager, and the HTTP server that fronts them.
type App struct {
	cfg       *config.Config
	providers *Providers

	toolRegistrars   []ToolRegistrar
	intentClassifier playbook.IntentClassifier
	hookSet          *hooks.Hooks

	metrics    *observe.Metrics
	otelStop   func(context.Context) error
	dispatcher *hooks.Dispatcher
	registry   *tools.Registry
	executor   *tools.Executor
	orch       *orchestrator.Orchestrator
	store      session.SessionStore
	playbooks  map[string]*playbook.Engine
	manager    *SessionManager

	srv *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// New wires every subsystem from cfg and providers and returns a ready-to-run App.
// Providers may contain nil slots; bare single-prompt sessions only
// need LLM+TTS+STT, while playbook sessions further need whatever tools/playbooks
// are configured.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		playbooks: make(map[string]*playbook.Engine),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initObservability(); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init session store: %w", err)
	}
	if err := a.initTools(); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp gateway: %w", err)
	}
	a.initOrchestrator()
	if err := a.initPlaybooks(); err != nil {
		return nil, fmt.Errorf("app: init playbooks: %w", err)
	}
	a.initSessionManager()
	a.initHTTPServer()

	return a, nil
}

// initObservability sets up the OTel SDK (metrics exported via Prometheus,
// traces recorded but not exported unless main.go configures an exporter)
// and builds the hook dispatcher feeding it.
func (a *App) initObservability() error {
	shutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "llmrtc",
		ServiceVersion: "dev",
	})
	if err != nil {
		return err
	}
	a.otelStop = shutdown

	metrics := observe.DefaultMetrics()
	a.metrics = metrics

	h := hooks.Hooks{}
	if a.hookSet != nil {
		h = *a.hookSet
	}
	a.dispatcher = hooks.New(h, metrics)
	return nil
}

// initStore creates the session store if one wasn't injected: Postgres-backed
// when cfg.Memory.PostgresDSN is set, in-memory otherwise. Either way it's
// wrapped in a [session.MemoryGuard] so a transient store outage degrades a
// session instead of failing it outright.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	if a.cfg.Memory.PostgresDSN == "" {
		a.store = session.NewMemoryGuard(session.NewMemoryStore())
		return nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.Memory.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	pg := session.NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.store = session.NewMemoryGuard(pg)
	return nil
}

// initTools builds the tool registry: the built-in playbook_transition tool
// first, then every domain registrar supplied via WithToolRegistrar, then
// the executor that enforces per-call timeouts and parallel/sequential
// policy atop it.
func (a *App) initTools() error {
	a.registry = tools.NewRegistry()
	if err := playbook.RegisterBuiltinTool(a.registry); err != nil {
		return err
	}
	for _, reg := range a.toolRegistrars {
		if err := reg(a.registry); err != nil {
			return fmt.Errorf("register domain tools: %w", err)
		}
	}
	execOpts := []tools.ExecutorOption{tools.WithMaxConcurrency(a.cfg.Tools.MaxConcurrency)}
	if v := a.cfg.Tools.ValidateArguments; v != nil {
		execOpts = append(execOpts, tools.WithValidateArguments(*v))
	}
	a.executor = tools.NewExecutor(a.registry, a.dispatcher, execOpts...)
	return nil
}

// initMCP connects to every configured MCP server and imports its tool
// catalogue into the registry built by initTools, so playbook stages can
// reference MCP-hosted tools exactly like in-process ones. A deployment
// with no mcp.servers configured skips this step entirely.
func (a *App) initMCP(ctx context.Context) error {
	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}
	gw := mcpgateway.New()
	if err := gw.ConnectAll(ctx, a.cfg.MCP, a.registry); err != nil {
		_ = gw.Close()
		return err
	}
	a.closers = append(a.closers, gw.Close)
	return nil
}

// initOrchestrator builds the single turn orchestrator shared by every
// playbook and every bare (non-playbook) session. The barge-in arbiter is
// per-session, so the orchestrator itself holds no session state.
func (a *App) initOrchestrator() {
	a.orch = orchestrator.New(a.providers.LLM, a.providers.TTS, a.dispatcher, nil)
}

// initPlaybooks compiles every configured playbook against the live tool
// registry. A session that doesn't name a playbook falls back to the
// single-prompt path in SessionManager.runBareTurn.
func (a *App) initPlaybooks() error {
	// A deployment can inject a Postgres-seeded classifier via
	// WithIntentClassifier; absent that, fall back to a zero-shot classifier
	// over the embeddings provider so TransitionIntent edges still fire
	// using out-of-the-box behaviour rather than never firing at all.
	if a.intentClassifier == nil && a.providers.Embeddings != nil {
		a.intentClassifier = intent.New(a.providers.Embeddings, intent.NewMemoryIndex(a.providers.Embeddings), 0)
	}

	var classifierOpt playbook.Option
	if a.intentClassifier != nil {
		classifierOpt = playbook.WithIntentClassifier(a.intentClassifier)
	}
	summariser := session.NewLLMSummariser(a.providers.LLM)

	// One Selector is shared across every playbook engine so its DEEP
	// anti-spam window is enforced service-wide, not reset per playbook.
	var tierSelector *tier.Selector
	if a.cfg.Session.ToolTiering {
		tierSelector = tier.NewSelector()
	}

	for _, pbCfg := range a.cfg.Playbooks {
		opts := []playbook.Option{
			playbook.WithSummariser(summariser),
			playbook.WithSampling(a.cfg.Session.Sampling),
			playbook.WithChunker(a.cfg.Session.Chunker),
		}
		if classifierOpt != nil {
			opts = append(opts, classifierOpt)
		}
		if tierSelector != nil {
			opts = append(opts, playbook.WithToolTiering(tierSelector))
		}
		eng, err := playbook.NewEngine(pbCfg, a.registry, a.executor, a.orch, a.dispatcher, opts...)
		if err != nil {
			return fmt.Errorf("build playbook %q: %w", pbCfg.ID, err)
		}
		a.playbooks[pbCfg.ID] = eng
		slog.Info("playbook compiled", "id", pbCfg.ID, "stages", len(pbCfg.Stages))
	}
	return nil
}

// initSessionManager builds the component that owns every live websocket
// session: hello/reconnect handshakes, the VAD/STT audio pipeline, and turn
// dispatch into the right playbook engine (or the bare single-prompt path).
func (a *App) initSessionManager() {
	format := audio.Format{SampleRate: 16000, Channels: 1}
	a.manager = NewSessionManager(SessionManagerConfig{
		Session:      a.cfg.Session,
		Playbooks:    a.playbooks,
		Orchestrator: a.orch,
		STT:          a.providers.STT,
		VAD:          a.providers.VAD,
		VADParams:    ivad.DefaultParams(),
		AudioFormat:  format,
		Store:        a.store,
		Hooks:        a.dispatcher,
	})
}

// initHTTPServer wires the websocket session endpoint alongside health and
// metrics endpoints onto a single mux.
func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	healthHandler := health.New(health.Checker{
		Name: "session_store",
		Check: func(ctx context.Context) error {
			if mg, ok := a.store.(*session.MemoryGuard); ok && mg.IsDegraded() {
				return fmt.Errorf("session store is degraded")
			}
			return nil
		},
	})
	healthHandler.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	codec := protocol.NewCodec()
	mux.HandleFunc("GET /v1/session", func(w http.ResponseWriter, r *http.Request) {
		conn, err := protocol.Accept(w, r, codec)
		if err != nil {
			slog.Error("websocket accept failed", "err", err)
			return
		}
		if err := a.manager.Serve(r.Context(), conn); err != nil {
			slog.Warn("session ended with error", "err", err)
		}
	})

	a.srv = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: mux,
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. A cancelled ctx triggers a graceful (bounded) shutdown of
// the listener itself; full subsystem teardown is [App.Shutdown]'s job.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", a.cfg.Server.ListenAddr)
		errCh <- a.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// ActiveSessions returns the number of currently live websocket sessions.
func (a *App) ActiveSessions() int { return a.manager.ActiveCount() }

// Shutdown tears down every subsystem in reverse-init order: the OTel SDK
// flush runs last so it can still export metrics recorded during teardown.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		if a.otelStop != nil {
			if err := a.otelStop(ctx); err != nil {
				slog.Warn("otel shutdown error", "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// WrapResilientLLM applies circuit-breaker failover across backends. main.go
// wraps every configured LLM provider with it, passing no fallbacks.
func WrapResilientLLM(primary llm.Provider, primaryName string, cfg resilience.FallbackConfig, fallbacks map[string]llm.Provider) llm.Provider {
	fb := resilience.NewLLMFallback(primary, primaryName, cfg)
	for name, p := range fallbacks {
		fb.AddFallback(name, p)
	}
	return fb
}

// WrapResilientSTT applies circuit-breaker failover across backends.
func WrapResilientSTT(primary stt.Provider, primaryName string, cfg resilience.FallbackConfig, fallbacks map[string]stt.Provider) stt.Provider {
	fb := resilience.NewSTTFallback(primary, primaryName, cfg)
	for name, p := range fallbacks {
		fb.AddFallback(name, p)
	}
	return fb
}

// WrapResilientTTS applies circuit-breaker failover across backends.
func WrapResilientTTS(primary tts.Provider, primaryName string, cfg resilience.FallbackConfig, fallbacks map[string]tts.Provider) tts.Provider {
	fb := resilience.NewTTSFallback(primary, primaryName, cfg)
	for name, p := range fallbacks {
		fb.AddFallback(name, p)
	}
	return fb
}
