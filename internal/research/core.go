package research

import (
	"fmt"
	"path/filepath"

	"scout/internal/browser"
	"scout/internal/cache"
	"scout/internal/config"
	"scout/internal/embedding"
	"scout/internal/fetch"
	"scout/internal/knowledge"
	"scout/internal/llm"
	"scout/internal/logging"
	"scout/internal/navigator"
	"scout/internal/ratelimit"
	"scout/internal/reader"
	"scout/internal/schema"
	"scout/internal/search"
	"scout/internal/vendors"
)

// Core owns every shared component and exposes Research as the single
// public operation. One Core serves all concurrent invocations; all of its
// members are safe for concurrent use.
type Core struct {
	cfg *config.Config

	inv       *llm.Invoker
	pool      *browser.Pool
	limiter   *ratelimit.Limiter
	health    *ratelimit.HealthTracker
	searcher  *search.Searcher
	fetcher   *fetch.Fetcher
	reader    *reader.Reader
	nav       *navigator.Navigator
	schemas   *schema.Registry
	vendorReg *vendors.Registry
	respCache *cache.Store
	index     *knowledge.Index
	retriever *knowledge.Retriever
	siteNotes *knowledge.SiteNotes
	reasoner  *Reasoner
	gatherer  *Gatherer
	vendorRun *VendorSearch
	events    EventSink
}

// Options tunes Core construction beyond the config file.
type Options struct {
	Events       EventSink
	Intervention fetch.InterventionSink
	UserID       string
}

// NewCore wires a Core from config. Components that need external services
// (LLM, embeddings) fail fast here rather than mid-research.
func NewCore(cfg *config.Config, opts Options) (*Core, error) {
	var categories map[string]bool
	if len(cfg.Logging.Categories) > 0 {
		categories = make(map[string]bool, len(cfg.Logging.Categories))
		for _, c := range cfg.Logging.Categories {
			categories[c] = true
		}
	}
	if err := logging.Initialize(logging.Options{
		StateDir:   cfg.StateDir,
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: categories,
	}); err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	events := opts.Events
	if events == nil {
		events = NopSink{}
	}

	client, err := llm.NewClientFromConfig(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("building LLM client: %w", err)
	}
	inv := llm.NewInvoker(client, cfg.LLM.MaxRetries, cfg.LLMTimeout())

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		logging.Boot("Embedding engine unavailable, cache runs lexical-only: %v", err)
		engine = nil
	}

	pool := browser.NewPool(cfg.Browser, cfg.StateDir, opts.UserID)
	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	health := ratelimit.NewHealthTracker(cfg.RateLimit, cfg.Search.Engines)
	searcher := search.NewSearcher(cfg.Search, pool, limiter, health)
	fetcher := fetch.NewFetcher(pool, opts.Intervention, cfg.RateLimit, cfg.Search.BlockThreshold)
	rd := reader.NewReader(inv, cfg.Research.RelevanceAbandon, cfg.Research.RelevanceFallback)
	nav := navigator.New(inv, cfg.Research.MaxNavigationSteps, cfg.Research.MatchRatioFloor)

	schemas, err := schema.Open(filepath.Join(cfg.StateDir, "site_schemas.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("opening schema registry: %w", err)
	}
	vendorReg, err := vendors.Open(filepath.Join(cfg.StateDir, "vendor_registry.jsonl"),
		cfg.Research.QuarantineAfter, cfg.Research.QuarantineDurationDuration())
	if err != nil {
		return nil, fmt.Errorf("opening vendor registry: %w", err)
	}
	respCache, err := cache.Open(filepath.Join(cfg.StateDir, "response_cache"), cfg.Cache, engine)
	if err != nil {
		return nil, fmt.Errorf("opening response cache: %w", err)
	}
	index, err := knowledge.OpenIndex(cfg.Knowledge.DatabasePath,
		cfg.Knowledge.DefaultTTLDuration(), cfg.Knowledge.ConfidenceDecayPerDay, cfg.Knowledge.MinConfidence)
	if err != nil {
		return nil, fmt.Errorf("opening research index: %w", err)
	}
	siteNotes, err := knowledge.OpenSiteNotes(filepath.Join(cfg.StateDir, "site_knowledge.json"))
	if err != nil {
		return nil, fmt.Errorf("opening site notes: %w", err)
	}

	c := &Core{
		cfg:       cfg,
		inv:       inv,
		pool:      pool,
		limiter:   limiter,
		health:    health,
		searcher:  searcher,
		fetcher:   fetcher,
		reader:    rd,
		nav:       nav,
		schemas:   schemas,
		vendorReg: vendorReg,
		respCache: respCache,
		index:     index,
		retriever: knowledge.NewRetriever(index, cfg.Knowledge.CompletenessThreshold),
		siteNotes: siteNotes,
		reasoner:  NewReasoner(inv),
		events:    events,
	}
	c.gatherer = NewGatherer(searcher, fetcher, rd, inv,
		cfg.Research.MaxPhase1Sources, cfg.Research.PerSourceTimeoutDuration(), events)
	c.vendorRun = NewVendorSearch(pool, searcher, fetcher, nav, schemas, vendorReg, siteNotes, inv, events,
		cfg.Research.MaxPhase2Vendors, cfg.Research.VendorConcurrency, cfg.Research.PerVendorTimeoutDuration())

	logging.Boot("Core ready: state=%s engines=%v", cfg.StateDir, cfg.Search.Engines)
	return c, nil
}

// Schemas exposes the schema registry for inspection commands.
func (c *Core) Schemas() *schema.Registry { return c.schemas }

// Vendors exposes the vendor registry for inspection commands.
func (c *Core) Vendors() *vendors.Registry { return c.vendorReg }

// SiteNotes exposes the site knowledge cache.
func (c *Core) SiteNotes() *knowledge.SiteNotes { return c.siteNotes }

// Close releases the browser, registries, and log files.
func (c *Core) Close() {
	c.pool.Shutdown()
	c.schemas.Close()
	if err := c.index.Close(); err != nil {
		logging.Boot("Closing research index: %v", err)
	}
	logging.CloseAll()
}
