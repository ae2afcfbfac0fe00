// Package engine assembles the conversation stack from one configuration
// tree: provider registry, orchestrator, analysis pipeline, context store,
// conversation manager, analytics, and the optional persistence and CRM
// sync layers. The HTTP server and CLI sit on top of an Engine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dialogtree/dialog/pkg/adaptation"
	"github.com/dialogtree/dialog/pkg/analytics"
	"github.com/dialogtree/dialog/pkg/config"
	"github.com/dialogtree/dialog/pkg/conversation"
	"github.com/dialogtree/dialog/pkg/convctx"
	"github.com/dialogtree/dialog/pkg/crmsync"
	"github.com/dialogtree/dialog/pkg/fsm"
	"github.com/dialogtree/dialog/pkg/knowledge"
	"github.com/dialogtree/dialog/pkg/observability"
	"github.com/dialogtree/dialog/pkg/orchestrator"
	"github.com/dialogtree/dialog/pkg/pipeline"
	"github.com/dialogtree/dialog/pkg/providers"
	"github.com/dialogtree/dialog/pkg/storage"
)

const defaultTimeoutTick = 30 * time.Second

// Options carries the pieces that cannot come from configuration alone:
// live provider clients and optional integration endpoints.
type Options struct {
	// Providers are the model provider clients named by the configured
	// model descriptors.
	Providers []providers.Provider
	// Embedder powers the knowledge store. Without one, knowledge
	// retrieval is disabled and handlers answer without snippets.
	Embedder knowledge.Embedder
	// CRMClient and CRMLocal enable the synchroniser when sync is
	// configured. Both must be set together.
	CRMClient crmsync.Client
	CRMLocal  crmsync.Local
	// Store overrides the configured storage backend.
	Store storage.Store
	// TimeoutTick is how often idle and SLA rules are checked.
	TimeoutTick time.Duration
}

// Engine is the assembled runtime. Build one with New, tear it down with
// Close.
type Engine struct {
	cfg       *config.Config
	metrics   *observability.Metrics
	collector *analytics.Collector
	registry  *providers.Registry
	orch      *orchestrator.Orchestrator
	knowledge *knowledge.ChromemStore
	contexts  *convctx.Store
	pipe      *pipeline.Pipeline
	manager   *conversation.Manager
	store     storage.Store
	syncer    *crmsync.Syncer

	ownsStore bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Health is the engine-wide health verdict.
type Health struct {
	Status        string               `json:"status"`
	Conversations *conversation.Health `json:"conversations"`
	Breakers      map[string]string    `json:"breakers,omitempty"`
	Sync          *crmsync.Health      `json:"sync,omitempty"`
}

// New wires every component from the configuration and starts the
// background loops. The engine owns whatever it opens; pieces passed in
// through opts stay under the caller's control.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	cfg.SetDefaults()

	metrics, err := observability.InitMetrics(ctx, cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	collector := analytics.NewCollector(cfg.Analytics)

	reg := providers.NewRegistry()
	for _, p := range opts.Providers {
		if err := reg.RegisterProvider(p); err != nil {
			return nil, fmt.Errorf("failed to register provider: %w", err)
		}
	}
	for _, pc := range cfg.Providers {
		client, err := providers.NewOpenAIProvider(*pc)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", pc.Name, err)
		}
		if err := reg.RegisterProvider(client); err != nil {
			return nil, fmt.Errorf("failed to register provider: %w", err)
		}
	}
	for _, m := range cfg.Models {
		if err := reg.RegisterModel(m); err != nil {
			return nil, fmt.Errorf("failed to register model: %w", err)
		}
	}

	orch := orchestrator.New(reg, cfg.Orchestrator, &callRecorder{collector: collector, metrics: metrics})

	embedder := opts.Embedder
	if embedder == nil {
		embedder = defaultEmbedder(reg, cfg.Models)
	}
	var (
		ks        *knowledge.ChromemStore
		retriever knowledge.Retriever
	)
	if embedder != nil {
		ks, err = knowledge.NewChromemStore(cfg.Knowledge, embedder)
		if err != nil {
			return nil, fmt.Errorf("failed to open knowledge store: %w", err)
		}
		retriever = ks
	}

	router := adaptation.NewRouter()
	if err := adaptation.RegisterBuiltins(router, retriever); err != nil {
		return nil, fmt.Errorf("failed to register intent handlers: %w", err)
	}
	adapter := adaptation.NewAdapter(nil)

	pipe := pipeline.New(orch, retriever, router, adapter,
		&turnSink{collector: collector, metrics: metrics}, cfg.Pipeline)

	store := opts.Store
	ownsStore := false
	if store == nil && cfg.Storage.Driver != "" {
		sqlStore, err := storage.NewSQLStoreFromConfig(&cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		store = sqlStore
		ownsStore = true
	}

	contexts := convctx.NewStore(cfg.Context)
	contexts.Start()

	manager := conversation.NewManager(pipe, contexts, conversation.Options{
		Tenants:   cfg.Tenants,
		Store:     store,
		Collector: collector,
	})

	e := &Engine{
		cfg:       cfg,
		metrics:   metrics,
		collector: collector,
		registry:  reg,
		orch:      orch,
		knowledge: ks,
		contexts:  contexts,
		pipe:      pipe,
		manager:   manager,
		store:     store,
		ownsStore: ownsStore,
		stopCh:    make(chan struct{}),
	}

	if store != nil {
		if err := e.restoreSessions(ctx); err != nil {
			contexts.Stop()
			if ownsStore {
				_ = store.Close()
			}
			return nil, err
		}
	}

	if cfg.Sync.Enabled {
		if opts.CRMClient == nil || opts.CRMLocal == nil {
			contexts.Stop()
			if ownsStore {
				_ = store.Close()
			}
			return nil, fmt.Errorf("sync is enabled but no CRM client and local store were provided")
		}
		var records crmsync.RecordStore = crmsync.NewMemoryRecordStore()
		if sqlStore, ok := store.(*storage.SQLStore); ok {
			records = sqlStore.SyncRecords()
		}
		e.syncer = crmsync.New(opts.CRMClient, opts.CRMLocal, records,
			crmsync.NewTransforms(), cfg.Sync.Mappings, metrics, cfg.Sync.Syncer)
		e.syncer.Start(cfg.Tenants)
	}

	tick := opts.TimeoutTick
	if tick == 0 {
		tick = defaultTimeoutTick
	}
	e.wg.Add(1)
	go e.timeoutLoop(tick)

	slog.Info("Engine started",
		"models", len(cfg.Models),
		"tenants", len(cfg.Tenants),
		"storage", store != nil,
		"sync", e.syncer != nil,
		"knowledge", ks != nil)
	return e, nil
}

// defaultEmbedder picks the first active embedding-capable model served
// by an OpenAI-compatible endpoint.
func defaultEmbedder(reg *providers.Registry, models []*providers.ModelInfo) knowledge.Embedder {
	for _, m := range models {
		if !m.Active || !m.HasCapability(providers.CapabilityEmbedding) {
			continue
		}
		prov, err := reg.ProviderFor(m)
		if err != nil {
			continue
		}
		if oa, ok := prov.(*providers.OpenAIProvider); ok {
			return oa.Embedder(m)
		}
	}
	return nil
}

// restoreSessions rehydrates non-archived conversations for every
// configured tenant.
func (e *Engine) restoreSessions(ctx context.Context) error {
	restored := 0
	for _, tenant := range e.cfg.Tenants {
		records, err := e.store.ListConversations(ctx, tenant, time.Time{})
		if err != nil {
			return fmt.Errorf("failed to list conversations for tenant %s: %w", tenant, err)
		}
		for _, rec := range records {
			if rec.State == string(fsm.StateArchived) {
				continue
			}
			if err := e.manager.Restore(rec, e.cfg.Context.Histories); err != nil {
				slog.Warn("Failed to restore conversation", "conversation", rec.ID, "error", err)
				continue
			}
			restored++
		}
	}
	if restored > 0 {
		slog.Info("Restored conversations", "count", restored)
	}
	return nil
}

func (e *Engine) timeoutLoop(tick time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.manager.CheckTimeouts(context.Background())
		}
	}
}

// WatchConfig hot-reloads the model catalog when the config file changes.
// Only model descriptors are reloaded; everything else needs a restart.
func (e *Engine) WatchConfig(path string) error {
	watcher, err := config.NewFileWatcher(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := watcher.Watch(ctx)
	if err != nil {
		cancel()
		watcher.Close()
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer watcher.Close()
		defer cancel()
		for {
			select {
			case <-e.stopCh:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				e.reloadModels(path)
			}
		}
	}()
	return nil
}

func (e *Engine) reloadModels(path string) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		slog.Warn("Ignoring config change", "path", path, "error", err)
		return
	}
	if err := e.registry.ReplaceModels(cfg.Models); err != nil {
		slog.Error("Failed to reload model catalog", "error", err)
		return
	}
	slog.Info("Reloaded model catalog", "models", len(cfg.Models))
}

// Manager exposes the conversation surface.
func (e *Engine) Manager() *conversation.Manager { return e.manager }

// Collector exposes the analytics collector.
func (e *Engine) Collector() *analytics.Collector { return e.collector }

// Metrics exposes the otel instruments and scrape handler.
func (e *Engine) Metrics() *observability.Metrics { return e.metrics }

// Orchestrator exposes the model orchestrator.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orch }

// Registry exposes the model catalog.
func (e *Engine) Registry() *providers.Registry { return e.registry }

// Knowledge returns the knowledge store, or nil when no embedder was
// provided.
func (e *Engine) Knowledge() *knowledge.ChromemStore { return e.knowledge }

// Syncer returns the CRM synchroniser, or nil when sync is disabled.
func (e *Engine) Syncer() *crmsync.Syncer { return e.syncer }

// Store returns the persistence backend, or nil when none is configured.
func (e *Engine) Store() storage.Store { return e.store }

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *config.Config { return e.cfg }

// Health aggregates component health into one verdict.
func (e *Engine) Health() *Health {
	h := &Health{
		Status:        "ok",
		Conversations: e.manager.Health(),
		Breakers:      e.orch.BreakerStates(),
	}
	for _, state := range h.Breakers {
		if state == "open" {
			h.Status = "degraded"
		}
	}
	if e.syncer != nil {
		sh := e.syncer.Health()
		h.Sync = &sh
		if sh.LagAlarm {
			h.Status = "degraded"
		}
	}
	return h
}

// Close stops the background loops and releases everything the engine
// owns. Safe to call more than once.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	var errs []error
	if e.syncer != nil {
		e.syncer.Stop()
	}
	e.contexts.Stop()
	if e.knowledge != nil {
		if err := e.knowledge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close knowledge store: %w", err))
		}
	}
	if e.ownsStore && e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
