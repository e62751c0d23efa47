// Package server wires the assistant's components from configuration and
// exposes the ready HTTP handler.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	defer srv.Close(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/api"
	"github.com/traceforge/traceforge/assistant/internal/api/handlers"
	"github.com/traceforge/traceforge/assistant/internal/api/middleware"
	"github.com/traceforge/traceforge/assistant/internal/catalog"
	"github.com/traceforge/traceforge/assistant/internal/complexity"
	"github.com/traceforge/traceforge/assistant/internal/config"
	"github.com/traceforge/traceforge/assistant/internal/embeddings"
	"github.com/traceforge/traceforge/assistant/internal/executor"
	"github.com/traceforge/traceforge/assistant/internal/intentcache"
	"github.com/traceforge/traceforge/assistant/internal/jobs"
	"github.com/traceforge/traceforge/assistant/internal/learning"
	"github.com/traceforge/traceforge/assistant/internal/llm"
	"github.com/traceforge/traceforge/assistant/internal/locks"
	"github.com/traceforge/traceforge/assistant/internal/memory"
	"github.com/traceforge/traceforge/assistant/internal/pipeline"
	"github.com/traceforge/traceforge/assistant/internal/semantic"
	"github.com/traceforge/traceforge/assistant/internal/slotfill"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/internal/telemetry"
	"github.com/traceforge/traceforge/assistant/internal/vectorstore"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
)

// Server holds the initialized assistant.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the intent, session and learning store.
	Store store.Store

	// Pipeline resolves conversation turns.
	Pipeline *pipeline.Pipeline

	// Config is the configuration the server was built from.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	closers []func(context.Context) error
}

// Option customises server construction.
type Option func(*options)

type options struct {
	executor contracts.BusinessExecutor
	handlers *pipeline.Registry
}

// WithExecutor replaces the configured business executor.
func WithExecutor(e contracts.BusinessExecutor) Option {
	return func(o *options) { o.executor = e }
}

// WithHandlers replaces the category handler registry.
func WithHandlers(r *pipeline.Registry) Option {
	return func(o *options) { o.handlers = r }
}

// New initializes the assistant from environment configuration.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	return NewWithConfig(ctx, config.Load(), opts...)
}

// NewWithConfig initializes every component from cfg. On error the
// components built so far are released.
func NewWithConfig(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	srv := &Server{Config: cfg, Port: cfg.Port}
	defer func() {
		if err != nil {
			srv.Close(context.Background())
		}
	}()

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.onClose(shutdown)

	// ── Storage ─────────────────────────────────────────────
	dataStore, err := openStore(ctx, cfg.Store, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	srv.Store = dataStore
	srv.onClose(func(context.Context) error { return dataStore.Close() })

	// ── Providers ───────────────────────────────────────────
	provider, err := embeddings.NewFromConfig(cfg.Embedding.Driver, cfg.Embedding.Endpoint, cfg.Embedding.Model,
		cfg.Embedding.APIKey, cfg.Embedding.BatchSize,
		embeddings.WithTimeout(cfg.Embedding.Timeout),
		embeddings.WithRetries(cfg.Embedding.Retries),
	)
	if err != nil {
		return nil, err
	}
	providers := embeddings.NewRegistry()
	providers.Register(provider.Kind(), provider)
	log.Info().Str("driver", provider.Kind()).Str("model", provider.ModelName()).Msg("Embedding provider initialized")

	reasoner := newReasoner(cfg.LLM)

	snapshots, err := openSnapshots(ctx, cfg, provider.Dimensions())
	if err != nil {
		return nil, err
	}
	if pg, ok := snapshots.(*vectorstore.PgvectorStore); ok {
		srv.onClose(func(context.Context) error { pg.Close(); return nil })
	}

	var locker contracts.SessionLocker = locks.NewLocal()
	if cfg.Redis.URL != "" {
		rl, err := locks.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("redis session locks: %w", err)
		}
		srv.onClose(func(context.Context) error { return rl.Close() })
		locker = rl
	}

	// ── Intent catalogue & vector cache ─────────────────────
	if _, err := catalog.LoadAndSeed(ctx, dataStore, cfg.Catalog.Path); err != nil {
		return nil, err
	}
	cache := intentcache.New(provider, dataStore, intentcache.WithSnapshotStore(snapshots))
	srv.onClose(func(context.Context) error { cache.Close(); return nil })
	if err := cache.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("init intent cache: %w", err)
	}

	// ── Pipeline components ─────────────────────────────────
	loop := learning.New(dataStore,
		learning.WithCache(cache),
		learning.WithRate(cfg.Learning.Rate),
		learning.WithPromotionPolicy(cfg.Learning.MinFactories, cfg.Learning.MinEffectiveness),
		learning.WithCleanupPolicy(cfg.Learning.CleanupThreshold, cfg.Learning.CleanupMinNegative),
	)

	memOpts := []memory.Option{
		memory.WithWindowSize(cfg.Memory.WindowSize),
		memory.WithSummaryTrigger(cfg.Memory.SummaryMinTotal, cfg.Memory.SummaryMinPending),
		memory.WithSummaryHardCap(cfg.Memory.SummaryHardCap),
		memory.WithSummaryTimeout(cfg.Memory.SummaryTimeout),
	}
	slotOpts := []slotfill.Option{
		slotfill.WithRuleStore(dataStore),
		slotfill.WithExtractionTimeout(cfg.Routing.ExtractionTimeout),
	}
	if reasoner != nil {
		memOpts = append(memOpts, memory.WithReasoner(reasoner))
		slotOpts = append(slotOpts, slotfill.WithReasoner(reasoner))
	}
	mem := memory.NewManager(dataStore, memOpts...)
	srv.onClose(func(context.Context) error { mem.Close(); return nil })

	sem := semantic.New(cache, provider,
		semantic.WithThresholds(cfg.Routing.DirectThreshold, cfg.Routing.RerankThreshold),
		semantic.WithTopN(cfg.Routing.TopN),
		semantic.WithMinSimilarity(cfg.Routing.MinSimilarity),
		semantic.WithEmbedTimeout(cfg.Routing.EmbedTimeout),
	)

	classifier := complexity.NewClassifier(provider)
	if path := cfg.Routing.ClassifierPath; path != "" {
		if err := classifier.Reload(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Complexity classifier not loaded, using rule score only")
		}
	}
	cxOpts := []complexity.Option{
		complexity.WithTokenizer(complexity.NewTokenizer()),
		complexity.WithClassifier(classifier, cfg.Routing.ClassifierWeight),
		complexity.WithBorderline(cfg.Routing.BorderlineLow, cfg.Routing.BorderlineHigh),
	}
	if reasoner != nil {
		cxOpts = append(cxOpts, complexity.WithOrchestrator(complexity.NewReasonerOrchestrator(reasoner)))
	}
	cx := complexity.NewRouter(cxOpts...)

	var training *complexity.TrainingService
	if reasoner != nil && cfg.Routing.ClassifierPath != "" {
		training = complexity.NewTrainingService(reasoner, provider, cx, classifier, cfg.Routing.ClassifierPath)
	}

	exec := o.executor
	if exec == nil {
		exec = newExecutor(cfg.Executor)
	}
	categoryHandlers := o.handlers
	if categoryHandlers == nil {
		categoryHandlers = pipeline.DefaultRegistry(exec)
	}

	p, err := pipeline.New(pipeline.Deps{
		Intents:    dataStore,
		Memory:     mem,
		Semantic:   sem,
		Complexity: cx,
		Slots:      slotfill.NewEngine(dataStore, slotOpts...),
		Learning:   loop,
		Handlers:   categoryHandlers,
		Reasoner:   reasoner,
		Locker:     locker,
	}, pipeline.WithClassifyTimeout(cfg.LLM.Timeout))
	if err != nil {
		return nil, err
	}
	srv.Pipeline = p

	// ── Maintenance jobs ────────────────────────────────────
	scheduler := jobs.NewScheduler()
	srv.onClose(func(context.Context) error { scheduler.Stop(); return nil })
	if err := jobs.Register(scheduler, cfg.Jobs, jobs.Maintenance{
		Learning:      loop,
		Memory:        mem,
		Training:      training,
		ExpiryMinutes: cfg.Memory.ExpiryMinutes,
	}); err != nil {
		return nil, err
	}
	if cfg.Jobs.Enabled {
		scheduler.Start()
	}

	// ── HTTP ────────────────────────────────────────────────
	h := &handlers.Handlers{
		Config:     cfg,
		Store:      dataStore,
		Pipeline:   p,
		Cache:      cache,
		Semantic:   sem,
		Complexity: cx,
		Memory:     mem,
		Learning:   loop,
		Jobs:       scheduler,
		Training:   training,
		Embeddings: providers,
	}
	auth := middleware.NewAPIKeyAuth(cfg.Auth.APIKeys)
	if auth.Enabled() {
		log.Info().Int("keys", len(cfg.Auth.APIKeys)).Msg("API key auth enabled")
	}
	srv.Handler = api.NewRouter(h, auth)

	log.Info().
		Str("store", cfg.Store.Driver).
		Str("snapshots", snapshots.Kind()).
		Bool("reasoner", reasoner != nil).
		Bool("jobs", cfg.Jobs.Enabled).
		Msg("Assistant initialized")
	return srv, nil
}

// Close releases every component in reverse construction order.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Server) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

func openStore(ctx context.Context, cfg config.StoreConfig, dataDir string) (store.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		s := store.NewMemoryStore(dataDir)
		log.Info().Str("data_dir", dataDir).Msg("In-memory store initialized")
		return s, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("SQLite store initialized")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func openSnapshots(ctx context.Context, cfg *config.Config, dims int) (contracts.VectorSnapshotStore, error) {
	if cfg.Vectors.PgvectorURL == "" {
		return vectorstore.NewEmbeddedStore(), nil
	}
	if dims <= 0 {
		dims = cfg.Embedding.Dimensions
	}
	pg, err := vectorstore.NewPgvectorStore(ctx, cfg.Vectors.PgvectorURL, dims)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// newReasoner returns nil when no reasoning model is configured.
func newReasoner(cfg config.LLMConfig) contracts.Reasoner {
	if cfg.Driver == "" {
		log.Info().Msg("No reasoner configured, classification falls back to keywords")
		return nil
	}
	primary := llm.NewClient(cfg.Driver, cfg.Endpoint, cfg.Model, cfg.APIKey, llm.WithDefaultTimeout(cfg.Timeout))
	if cfg.FallbackEndpoint == "" {
		return primary
	}
	secondary := llm.NewClient(cfg.FallbackDriver, cfg.FallbackEndpoint, cfg.FallbackModel, "", llm.WithDefaultTimeout(cfg.Timeout))
	log.Info().Str("primary", cfg.Model).Str("fallback", cfg.FallbackModel).Msg("Reasoner fallback enabled")
	return llm.Fallback{primary, secondary}
}

func newExecutor(cfg config.ExecutorConfig) contracts.BusinessExecutor {
	if cfg.URL == "" {
		log.Warn().Msg("No business service configured, intents run in dry-run mode")
		return executor.DryRun{}
	}
	return executor.NewHTTPExecutor(cfg.URL, cfg.APIKey,
		executor.WithTimeout(cfg.Timeout),
		executor.WithRetries(cfg.Retries),
	)
}
