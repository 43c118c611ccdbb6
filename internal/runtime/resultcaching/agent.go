package resultcaching

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/pixgate/internal/metrics"
	"github.com/l0p7/pixgate/internal/runtime/cache"
	"github.com/l0p7/pixgate/internal/runtime/pipeline"
)

// Config controls the cache behavior for the lookup and store agents.
type Config struct {
	Cache   cache.ResponseCache
	Keys    cache.Keys
	Flags   cache.Flags
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// LookupAgent derives the signature key for the request and short-circuits
// rendering when an encoded image is already cached.
type LookupAgent struct {
	cfg Config
}

// NewLookup constructs the cache lookup agent.
func NewLookup(cfg Config) *LookupAgent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LookupAgent{cfg: cfg}
}

// Name identifies the lookup agent for logging.
func (a *LookupAgent) Name() string { return "cache_lookup" }

// Execute consults the cache. Backend errors degrade to a miss so a cache
// outage never fails a request that could be rendered.
func (a *LookupAgent) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	state.Cache.Signature = cache.Signature(state.Transform.Request, a.cfg.Flags)
	state.Cache.Key = a.cfg.Keys.Key(state.Cache.Signature)
	if a.cfg.Cache == nil {
		return pipeline.Result{Name: a.Name(), Status: "disabled"}
	}

	start := time.Now()
	entry, ok, err := a.cfg.Cache.Lookup(ctx, state.Cache.Key)
	switch {
	case err != nil:
		a.cfg.Metrics.ObserveCacheLookup(metrics.CacheLookupError, time.Since(start))
		logFor(a.cfg.Logger, a.Name(), state).Warn("cache lookup failed",
			slog.Any("error", err), slog.String("cache_key", state.Cache.Key))
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "cache lookup failed, rendering"}
	case !ok:
		a.cfg.Metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return pipeline.Result{Name: a.Name(), Status: "miss"}
	}

	a.cfg.Metrics.ObserveCacheLookup(metrics.CacheLookupHit, time.Since(start))
	state.Cache.Hit = true
	state.Cache.StoredAt = entry.StoredAt
	state.Cache.ExpiresAt = entry.ExpiresAt
	state.Output = OutputFromEntry(entry)
	return pipeline.Result{Name: a.Name(), Status: "hit", Details: "image served from cache"}
}

// StoreAgent persists freshly rendered images for future requests.
type StoreAgent struct {
	cfg Config
}

// NewStore constructs the cache store agent.
func NewStore(cfg Config) *StoreAgent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StoreAgent{cfg: cfg}
}

// Name identifies the store agent for logging.
func (a *StoreAgent) Name() string { return "result_caching" }

// Execute stores the rendered output unless it came from the cache. Store
// failures are logged and the response is still served.
func (a *StoreAgent) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.Cache.Hit {
		return pipeline.Result{Name: a.Name(), Status: "hit", Details: "image retrieved from cache"}
	}
	if a.cfg.Cache == nil || state.Cache.Key == "" || len(state.Output.Body) == 0 {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}

	entry := EntryFromOutput(state.Output)
	storeStart := time.Now()
	err := a.cfg.Cache.Store(ctx, state.Cache.Key, entry)
	if err != nil {
		a.cfg.Metrics.ObserveCacheStore(metrics.CacheStoreError, time.Since(storeStart))
		logFor(a.cfg.Logger, a.Name(), state).Error("cache store failed",
			slog.Any("error", err), slog.String("cache_key", state.Cache.Key))
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "failed to persist cache entry"}
	}
	a.cfg.Metrics.ObserveCacheStore(metrics.CacheStoreStored, time.Since(storeStart))
	state.Cache.Stored = true
	return pipeline.Result{Name: a.Name(), Status: "stored", Details: "image cached for subsequent requests"}
}

// OutputFromEntry converts a cached entry into the pipeline output.
func OutputFromEntry(in cache.Entry) pipeline.OutputState {
	return pipeline.OutputState{
		Body:         in.Body,
		ContentType:  in.ContentType,
		OriginalSize: in.OriginalSize,
		Transformed:  in.Transformed,
		ETag:         in.ETag,
	}
}

// EntryFromOutput projects the pipeline output into a cache entry.
func EntryFromOutput(in pipeline.OutputState) cache.Entry {
	return cache.Entry{
		Body:         in.Body,
		ContentType:  in.ContentType,
		OriginalSize: in.OriginalSize,
		Transformed:  in.Transformed,
		ETag:         in.ETag,
	}
}

func logFor(logger *slog.Logger, agent string, state *pipeline.State) *slog.Logger {
	logger = logger.With(slog.String("agent", agent))
	if state.Endpoint != "" {
		logger = logger.With(slog.String("endpoint", state.Endpoint))
	}
	if state.CorrelationID != "" {
		logger = logger.With(slog.String("correlation_id", state.CorrelationID))
	}
	return logger
}
