package careline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/carelinehq/careline/pkg/agent"
	"github.com/carelinehq/careline/pkg/bridge"
	"github.com/carelinehq/careline/pkg/configutil"
	"github.com/carelinehq/careline/pkg/logging"
	"github.com/carelinehq/careline/pkg/metrics"
	"github.com/carelinehq/careline/pkg/observers"
	"github.com/carelinehq/careline/pkg/prompt"
	"github.com/carelinehq/careline/pkg/redact"
	"github.com/carelinehq/careline/pkg/runner"
	"github.com/carelinehq/careline/pkg/store"
	"github.com/carelinehq/careline/pkg/telephony"
)

// Engine assembles the whole service: the Twilio-facing server, the bridge
// session factory, the persistence store, the completion pipeline, and the
// observer chain. One Engine per process.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	store     *store.Store
	server    *telephony.Server
	registry  *bridge.Registry
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	completer *CompletionService
	api       *API
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewEngine(cfg Config) (*Engine, error) {
	log := initLogger(cfg)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("careline_init",
		"environment", cfg.Environment,
		"telephony_provider", cfg.Telephony.Provider,
		"agent_provider", cfg.Vendors.Agent.Provider,
		"extraction_provider", cfg.Vendors.Extraction.Provider,
	)

	agentCfg, overrides, err := buildAgentVendor(cfg.Vendors.Agent)
	if err != nil {
		return nil, err
	}
	extractor, err := buildExtractionVendor(cfg.Vendors.Extraction)
	if err != nil {
		return nil, err
	}
	telCfg, err := buildTelephonyVendor(cfg.Telephony)
	if err != nil {
		return nil, err
	}

	latencyObs := observers.NewLatencyObserver(log)
	logObs := observers.NewLoggerObserver(log)
	obsList := []metrics.Observer{latencyObs, logObs}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		obsList = append(obsList, observers.NewTimelineObserver(dir), observers.NewCostObserver(dir))
		if fo, err := metrics.NewJSONLFileObserver(filepath.Join(dir, "events.jsonl")); err != nil {
			log.Warn("events_log_unavailable", "error", err)
		} else {
			obsList = append(obsList, fo)
		}
	}
	multiObs := observers.NewMultiObserver(obsList...)
	queue := cfg.Observability.QueueSize
	if queue <= 0 {
		queue = 2048
	}
	asyncObs := metrics.NewAsyncObserver(multiObs, queue)
	obs := newFrameSampledObserver(asyncObs, cfg.Observability.AudioSampleRate)

	st, err := store.Open(cfg.Database.DSN, logging.NewComponentLogger(log, "store"))
	if err != nil {
		return nil, err
	}

	defaultAgent := strings.TrimSpace(cfg.Prompts.DefaultAgent)
	if defaultAgent == "" {
		defaultAgent = prompt.DefaultAgent
	}
	prompts := prompt.NewResolver(prompt.ResolverConfig{
		Dir:          cfg.Prompts.Dir,
		DefaultAgent: defaultAgent,
		CacheTTL:     configutil.DurationMS(cfg.Prompts.CacheTTLMS, 0),
		Logger:       log,
	})

	functions := bridge.NewFunctionRegistry()
	functions.Register(bridge.DetectEmergencyFunction(), bridge.NewEmergencyHandler(st, log))

	messenger := telephony.NewMessenger(telCfg, logging.NewComponentLogger(log, "sms"))
	completer := NewCompletionService(st, extractor, messenger, obs, cfg.SMS.MarketingFollowUp,
		logging.NewComponentLogger(log, "completion"))
	agentDialer := agent.NewDialer(agentCfg, logging.NewComponentLogger(log, "agent"))
	registry := bridge.NewRegistry()

	sessionCfg := bridge.SessionConfig{
		ChunkBytes:         cfg.Bridge.ChunkBytes,
		ProtocolErrorLimit: cfg.Bridge.ProtocolErrorLimit,
		IdleTimeout:        configutil.DurationMS(cfg.Bridge.IdleTimeoutMS, 0),
		PersistQueue:       cfg.Bridge.PersistQueue,
		PersistTimeout:     configutil.DurationMS(cfg.Bridge.PersistTimeoutMS, 0),
		DrainTimeout:       configutil.DurationMS(cfg.Bridge.DrainTimeoutMS, 0),
		GreetingEnabled:    cfg.Bridge.Greeting,
		Overrides:          overrides,
	}
	sessionDeps := bridge.SessionDeps{
		Builder: &bridge.ContextBuilder{
			Directory:   st,
			Prompts:     prompts,
			Personalize: cfg.Prompts.Personalize,
			Log:         log,
		},
		Store:     st,
		Functions: functions,
		DialAgent: func(ctx context.Context) (bridge.AgentConn, error) {
			return agentDialer.Dial(ctx)
		},
		Observer:  obs,
		Completer: completer,
		Registry:  registry,
		Log:       logging.NewComponentLogger(log, "bridge"),
	}

	srv := telephony.NewServer(telCfg, &streamHandler{cfg: sessionCfg, deps: sessionDeps},
		logging.NewComponentLogger(log, "telephony"))
	srv.SetVoiceHandler(&voiceAnswerer{store: st, defaultAgent: defaultAgent, log: log})
	srv.SetStatusHandler(&statusTracker{store: st, completer: completer, log: log})

	api := NewAPI(st, telephony.NewDialer(telCfg), extractor, srv, telCfg.FromNumber, log)
	api.RegisterRoutes(srv)

	hooks := runner.Hooks{
		OnStart: func() {
			slog.Info("engine_ready",
				"message", "Careline Engine Ready",
				"voice_webhook", srv.VoiceWebhookURL(),
				"status_callback", srv.StatusCallbackURL(),
			)
		},
		OnStop: func() {
			asyncObs.Close()
			_ = multiObs.Close()
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", registry.Count())
		},
	}

	drainer := runner.DrainerFunc(func() error {
		srv.Drain()
		registry.SetDraining(true)
		registry.CloseAll("server_shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		drained := registry.WaitForEmpty(ctx, 200*time.Millisecond)
		_ = completer.Drain(10 * time.Second)
		_ = srv.Stop()
		if !drained {
			return fmt.Errorf("%d calls still active at shutdown", registry.Count())
		}
		return nil
	})

	lr := runner.NewLifecycleRunner(drainer, hooks, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		log:       log,
		store:     st,
		server:    srv,
		registry:  registry,
		runner:    lr,
		asyncObs:  asyncObs,
		completer: completer,
		api:       api,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start brings up the HTTP/websocket server and the lifecycle runner.
// Returns once the server is listening; Stop shuts everything down.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.server.Start(ctx); err != nil {
		return err
	}
	go func() {
		_ = e.runner.Run(e.ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Store() *store.Store { return e.store }

func (e *Engine) Server() *telephony.Server { return e.server }

func (e *Engine) Registry() *bridge.Registry { return e.registry }

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.store == nil {
		return fmt.Errorf("missing store")
	}
	if e.server == nil {
		return fmt.Errorf("missing telephony server")
	}
	return nil
}

// streamHandler spawns a bridge session for every accepted media stream.
// Implements telephony.StreamHandler.
type streamHandler struct {
	cfg  bridge.SessionConfig
	deps bridge.SessionDeps
}

func (h *streamHandler) HandleStream(ctx context.Context, conn *telephony.StreamConn, rawPath, rawQuery string) {
	sess := bridge.NewSession(h.cfg, h.deps, conn, rawPath, rawQuery)
	sess.Run(ctx)
}

// frameSampledObserver routes per-frame audio events through a sampler so
// 50 Hz frame noise cannot swamp the timeline artifacts. Everything else
// passes through unsampled.
type frameSampledObserver struct {
	frames metrics.Observer
	rest   metrics.Observer
}

func newFrameSampledObserver(inner metrics.Observer, rate float64) metrics.Observer {
	if rate >= 1 {
		return inner
	}
	return &frameSampledObserver{
		frames: metrics.NewSamplingObserver(inner, rate),
		rest:   inner,
	}
}

func (o *frameSampledObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case "audio_frame_in", "audio_frame_out":
		o.frames.RecordEvent(ev)
	default:
		o.rest.RecordEvent(ev)
	}
}

func initLogger(cfg Config) *slog.Logger {
	level := logging.ParseLevel(cfg.LogLevel)
	var log *slog.Logger
	if strings.EqualFold(strings.TrimSpace(cfg.LogFormat), "json") {
		log = logging.InitLogger(level)
	} else {
		log = logging.InitTextLogger(level)
	}
	slog.SetDefault(log)
	return log
}
