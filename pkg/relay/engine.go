package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/relay/pkg/aggregators"
	"github.com/harunnryd/relay/pkg/chain"
	"github.com/harunnryd/relay/pkg/configutil"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/llm"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/observers"
	"github.com/harunnryd/relay/pkg/pipeline"
	"github.com/harunnryd/relay/pkg/processors"
	"github.com/harunnryd/relay/pkg/redact"
	"github.com/harunnryd/relay/pkg/runner"
	"github.com/harunnryd/relay/pkg/transcript"
	"github.com/harunnryd/relay/pkg/transports"
	mocktransport "github.com/harunnryd/relay/pkg/transports/mock"
	"github.com/harunnryd/relay/pkg/transports/websocket"
)

// ChainFactory builds the chain for one session. memory serves that
// session's conversation.
type ChainFactory func(ctx context.Context, memory chain.Memory) (chain.Chain, error)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Transport defaults to the one named by transport.provider.
	Transport transports.Transport
	// Chain replaces the configured LLM chain.
	Chain ChainFactory
	// Transcript replaces the store named by transcript.driver.
	Transcript transcript.Store
	Logger     *slog.Logger
	Observers  []metrics.Observer
	// Banner receives the startup banner; nil prints nothing.
	Banner io.Writer

	PreProcessors  []pipeline.FrameProcessor
	PostProcessors []pipeline.FrameProcessor
}

type Engine struct {
	cfg        Config
	logger     *slog.Logger
	registry   *pipeline.SessionRegistry
	transport  transports.Transport
	providers  *ProviderRegistry
	store      transcript.Store
	runner     *pipeline.Runner
	asyncObs   *metrics.AsyncObserver
	closers    []io.Closer
	routerDone chan struct{}
	started    atomic.Bool
	stopOnce   sync.Once
	stopErr    error
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	}
	elog := logging.NewComponentLogger(logger, "engine")
	elog.Info("relay_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.LLM.Provider,
		"transport", cfg.Transport.Provider,
		"chain_mode", cfg.Chain.Mode,
		"transcript", cfg.Transcript.Driver,
	)

	e := &Engine{cfg: cfg, logger: elog, routerDone: make(chan struct{})}

	obsList := []metrics.Observer{
		observers.NewLatencyObserver(logger),
		observers.NewLoggerObserver(logger),
	}
	if path := strings.TrimSpace(cfg.Observability.JSONLPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		e.closers = append(e.closers, f)
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	obsList = append(obsList, opts.Observers...)
	var obs metrics.Observer = observers.NewMultiObserver(obsList...)
	if rate := cfg.Observability.SampleRate; rate < 1 {
		obs = metrics.NewSamplingObserver(obs, rate)
	}
	e.asyncObs = metrics.NewAsyncObserver(obs, cfg.Observability.AsyncBuffer)

	store, err := openTranscript(cfg.Transcript, opts.Transcript)
	if err != nil {
		e.closeAll()
		return nil, err
	}
	e.store = store

	providers := opts.Providers
	if providers == nil {
		providers = NewDefaultProviderRegistry()
	}
	e.providers = providers

	factory := opts.Chain
	if factory == nil {
		adapter, err := providers.BuildLLM(context.Background(), cfg, e.asyncObs)
		if err != nil {
			e.closeAll()
			return nil, err
		}
		factory = llmChainFactory(cfg, adapter)
	}

	transport := opts.Transport
	if transport == nil {
		transport, err = BuildTransport(cfg, logger)
		if err != nil {
			e.closeAll()
			return nil, err
		}
	}
	e.transport = transport

	sink := func(f frames.Frame) {
		if err := transport.Send(f); err != nil {
			elog.Warn("transport_send_failed", "stream_id", f.Meta()[frames.MetaStreamID], "error", err.Error())
		}
	}

	e.registry = pipeline.NewSessionRegistry(func(ctx context.Context, sessionID, traceID string) (pipeline.Orchestrator, error) {
		conv := aggregators.NewConversation(cfg.SystemPrompt, cfg.Context.MaxHistory)
		aggCfg := aggregators.AggregatorConfig{
			MaxHistory:   cfg.Context.MaxHistory,
			SystemPrompt: cfg.SystemPrompt,
			Transcript:   e.store,
			Observer:     e.asyncObs,
			Logger:       logger,
		}
		c, err := factory(ctx, conv)
		if err != nil {
			return nil, err
		}
		cp, err := processors.NewChainProcessor(c,
			processors.WithTranscriptKey(cfg.Chain.TranscriptKey),
			processors.WithInvokeMode(processors.InvokeMode(cfg.Chain.Mode)),
			processors.WithEmptyTokenPolicy(processors.EmptyTokenPolicy(cfg.Chain.EmptyToken)),
			processors.WithLogger(logger),
			processors.WithObserver(e.asyncObs),
			processors.WithContext(ctx),
		)
		if err != nil {
			return nil, err
		}
		builder := pipeline.NewAgentBuilder()
		for _, p := range opts.PreProcessors {
			builder = builder.WithPre(p)
		}
		orch := builder.
			WithUserAggregator(aggregators.NewUserAggregator(conv, aggCfg)).
			WithChain(cp).
			WithAssistantAggregator(aggregators.NewAssistantAggregator(conv, aggCfg)).
			WithPostList(opts.PostProcessors).
			Build(cfg.Pipeline.Orchestrator())
		orch.SetContext(ctx)
		orch.SetObserver(e.asyncObs)
		orch.SetSink(sink)
		elog.Info("session_pipeline_ready", "session_id", sessionID, "trace_id", traceID, "chain", chain.NameOf(c))
		return orch, nil
	})

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"transport", transport.Name()}
			if rr, ok := transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			elog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			elog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", e.registry.Count())
		},
	}
	e.runner = pipeline.NewRegistryRunner(e.registry, hooks, cfg.DrainTimeout())
	e.runner.SetBannerOutput(opts.Banner)
	return e, nil
}

func llmChainFactory(cfg Config, adapter llm.LLMAdapter) ChainFactory {
	return func(_ context.Context, memory chain.Memory) (chain.Chain, error) {
		return BuildChain(cfg, adapter, memory)
	}
}

func openTranscript(cfg TranscriptConfig, override transcript.Store) (transcript.Store, error) {
	if override != nil {
		return override, nil
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "bolt":
		s, err := transcript.OpenBolt(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open transcript: %w", err)
		}
		return s, nil
	case "none":
		return transcript.NoopStore{}, nil
	default:
		return transcript.NewMemoryStore(), nil
	}
}

// BuildTransport creates the transport named by transport.provider.
func BuildTransport(cfg Config, logger *slog.Logger) (transports.Transport, error) {
	switch normalizeName(cfg.Transport.Provider) {
	case "websocket":
		var wc websocket.Config
		if err := configutil.DecodeAndValidate(cfg.Transport.Settings, configutil.Schema{
			Section:  "transport.settings",
			Optional: []string{"server_addr", "path", "allow_any_origin", "allowed_origins", "write_timeout", "send_buffer"},
		}, &wc); err != nil {
			return nil, err
		}
		t := websocket.New(wc)
		t.SetLogger(logger)
		return t, nil
	case "mock":
		return mocktransport.New(), nil
	}
	return nil, fmt.Errorf("transport provider not supported: %s", cfg.Transport.Provider)
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	if err := e.transport.Start(ctx); err != nil {
		close(e.routerDone)
		return err
	}
	go e.routeTransport()
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

// Stop drains live sessions, then stops the transport and releases the
// observers and transcript store.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.stopErr = e.runner.Stop()
		_ = e.transport.Stop()
		if e.started.Load() {
			<-e.routerDone
		}
		e.closeAll()
	})
	return e.stopErr
}

func (e *Engine) closeAll() {
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("transcript_close_failed", "error", err.Error())
		}
	}
	for _, c := range e.closers {
		_ = c.Close()
	}
}

func (e *Engine) routeTransport() {
	defer close(e.routerDone)
	for f := range e.transport.Recv() {
		meta := f.Meta()
		sessionID := meta[frames.MetaSessionID]
		if sessionID == "" {
			sessionID = meta[frames.MetaStreamID]
		}
		if sessionID == "" {
			continue
		}
		if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == "session_end" {
			e.registry.Remove(sessionID)
			continue
		}
		sess, _, err := e.registry.GetOrCreate(sessionID, meta[frames.MetaTraceID])
		if err != nil {
			if !errors.Is(err, pipeline.ErrDraining) {
				e.logger.Error("session_create_failed", "session_id", sessionID, "error", err.Error())
			}
			continue
		}
		select {
		case sess.Orch.In() <- f:
		default:
			e.logger.Warn("session_input_full", "session_id", sessionID, "kind", string(f.Kind()))
		}
	}
}

func (e *Engine) Config() Config                      { return e.cfg }
func (e *Engine) Transport() transports.Transport     { return e.transport }
func (e *Engine) Registry() *pipeline.SessionRegistry { return e.registry }
func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }
func (e *Engine) Transcript() transcript.Store        { return e.store }
func (e *Engine) State() runner.State                 { return e.runner.State() }

func (e *Engine) Health() error {
	if e.transport == nil {
		return errors.New("missing transport")
	}
	if st := e.runner.State(); st != runner.StateRunning {
		return fmt.Errorf("engine %s", st)
	}
	return nil
}
