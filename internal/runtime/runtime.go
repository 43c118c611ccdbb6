package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/pixgate/internal/codec"
	"github.com/l0p7/pixgate/internal/config"
	"github.com/l0p7/pixgate/internal/expr"
	"github.com/l0p7/pixgate/internal/metrics"
	"github.com/l0p7/pixgate/internal/runtime/admission"
	"github.com/l0p7/pixgate/internal/runtime/cache"
	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/pipeline"
	"github.com/l0p7/pixgate/internal/runtime/planner"
	"github.com/l0p7/pixgate/internal/runtime/rendering"
	"github.com/l0p7/pixgate/internal/runtime/responsepolicy"
	"github.com/l0p7/pixgate/internal/runtime/resultcaching"
	"github.com/l0p7/pixgate/internal/templates"
)

const (
	endpointImage  = "image"
	endpointScrape = "scrape"
)

var errMethodNotAllowed = failure.New(failure.KindValidation, "method not allowed, use GET")

func errPolicy(rule string) error {
	return fmt.Errorf("policy expression %q evaluated false", rule)
}

// Fetcher is the origin surface used for images and scraped pages.
type Fetcher interface {
	rendering.Fetcher
	DocumentFetcher
}

// PipelineOptions carries every collaborator of the request pipeline.
type PipelineOptions struct {
	Admission         *admission.Agent
	Planner           *planner.Planner
	Policy            *expr.SourcePolicy
	Limiter           RateLimiter
	Cache             cache.ResponseCache
	CacheKeys         cache.Keys
	Fetcher           Fetcher
	Codec             codec.ImageCodec
	Messages          *templates.Messages
	CORS              config.CORSConfig
	CacheControl      string
	CorrelationHeader string
	Diagnostics       bool
	Metrics           *metrics.Recorder
}

// Pipeline is the proxy orchestrator. It runs the configured agents in order
// for each request and stops at the first failure.
type Pipeline struct {
	logger            *slog.Logger
	cache             cache.ResponseCache
	limiter           RateLimiter
	messages          *templates.Messages
	cors              config.CORSConfig
	correlationHeader string
	diagnostics       bool
	metrics           *metrics.Recorder

	imageAgents  []pipeline.Agent
	scrapeAgents []pipeline.Agent
}

// NewPipeline assembles the image and scrape agent chains.
func NewPipeline(logger *slog.Logger, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Planner == nil {
		opts.Planner = planner.New(planner.Config{})
	}
	if opts.Admission == nil {
		opts.Admission = admission.New(admission.Config{TrustedNetworks: admission.LoopbackNetworks()})
	}
	if opts.Messages == nil {
		opts.Messages, _ = templates.NewMessages(nil, nil)
	}
	cors := opts.CORS
	defaults := config.DefaultConfig().Server.CORS
	if cors.AllowOrigin == "" {
		cors.AllowOrigin = defaults.AllowOrigin
	}
	if cors.AllowMethods == "" {
		cors.AllowMethods = defaults.AllowMethods
	}
	if cors.AllowHeaders == "" {
		cors.AllowHeaders = defaults.AllowHeaders
	}

	p := &Pipeline{
		logger:            logger.With(slog.String("agent", "pipeline")),
		cache:             opts.Cache,
		limiter:           opts.Limiter,
		messages:          opts.Messages,
		cors:              cors,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		diagnostics:       opts.Diagnostics,
		metrics:           opts.Metrics,
	}

	flags := cache.Flags{
		AlwaysOptimize: opts.Planner.Config().AlwaysOptimize,
		AlwaysSharpen:  opts.Planner.Config().AlwaysSharpen,
		DefaultFormat:  string(opts.Planner.Config().DefaultFormat),
		AutoMaxWidth:   opts.Planner.Config().AutoMaxWidth,
	}
	cacheCfg := resultcaching.Config{
		Cache:   opts.Cache,
		Keys:    opts.CacheKeys,
		Flags:   flags,
		Logger:  logger,
		Metrics: opts.Metrics,
	}
	rate := &rateAgent{limiter: opts.Limiter, metrics: opts.Metrics}

	p.imageAgents = p.instrumentAgents(endpointImage, []pipeline.Agent{
		&serverAgent{},
		opts.Admission,
		&validationAgent{planner: opts.Planner, policy: opts.Policy},
		rate,
		resultcaching.NewLookup(cacheCfg),
		rendering.New(rendering.Config{
			Fetcher: opts.Fetcher,
			Codec:   opts.Codec,
			Planner: opts.Planner,
			Logger:  logger,
			Metrics: opts.Metrics,
		}),
		resultcaching.NewStore(cacheCfg),
		responsepolicy.New(opts.CacheControl),
	})
	p.scrapeAgents = p.instrumentAgents(endpointScrape, []pipeline.Agent{
		&serverAgent{},
		opts.Admission,
		&scrapeRequestAgent{policy: opts.Policy},
		rate,
		&scrapeAgent{fetcher: opts.Fetcher},
	})
	return p
}

// Close releases the response cache.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Close(ctx)
}

// ServeImage runs the image proxy pipeline.
func (p *Pipeline) ServeImage(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, endpointImage, p.imageAgents)
}

// ServeScrape runs the page scrape pipeline.
func (p *Pipeline) ServeScrape(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, endpointScrape, p.scrapeAgents)
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, endpoint string, agents []pipeline.Agent) {
	start := time.Now()
	p.writeCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	correlationID := p.requestCorrelationID(r)
	state := pipeline.NewState(r, endpoint, correlationID)
	reqLogger := p.logger.With(
		slog.String("endpoint", endpoint),
		slog.String("correlation_id", correlationID),
	)

	for _, ag := range agents {
		if state.Failed() {
			break
		}
		_ = ag.Execute(r.Context(), r, state)
	}

	if !state.Failed() && state.Response.Status == 0 {
		state.Fail(failure.New(failure.KindInternal, "pipeline did not render a response"))
	}

	if p.correlationHeader != "" {
		w.Header().Set(p.correlationHeader, correlationID)
	}
	for k, v := range state.Response.Headers {
		w.Header().Set(k, v)
	}

	if state.Failed() {
		p.writeFailure(w, state)
	} else {
		p.writeOutput(w, r, state)
	}

	duration := time.Since(start)
	p.metrics.ObserveRequest(state.Outcome(), state.Response.Status, state.Cache.Hit, duration)
	attrs := []slog.Attr{
		slog.Int("http_status", state.Response.Status),
		slog.String("outcome", state.Outcome()),
		slog.Bool("cache_hit", state.Cache.Hit),
		slog.String("identity_source", state.Admission.Source),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if state.Failure != nil && state.Failure.Err != nil {
		attrs = append(attrs, slog.String("error", state.Failure.Err.Error()))
	}
	reqLogger.LogAttrs(r.Context(), slog.LevelInfo, "pipeline completed", attrs...)
}

func (p *Pipeline) writeOutput(w http.ResponseWriter, r *http.Request, state *pipeline.State) {
	if state.Response.Status == http.StatusNotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if state.Output.ContentType != "" {
		w.Header().Set("Content-Type", state.Output.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(state.Output.Body)))
	w.WriteHeader(state.Response.Status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(state.Output.Body); err != nil {
		p.logger.Debug("response write failed", slog.Any("error", err))
	}
}

type errorPayload struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
	Details       string `json:"details,omitempty"`
	RetryAfter    *int   `json:"retryAfter,omitempty"`
	Remaining     *int   `json:"remaining,omitempty"`
	ResetAt       string `json:"resetAt,omitempty"`
}

func (p *Pipeline) writeFailure(w http.ResponseWriter, state *pipeline.State) {
	fail := state.Failure
	status := state.Response.Status
	if status == 0 {
		status = fail.Status()
		state.Response.Status = status
	}
	message := p.messages.Render(fail.Kind, state.TemplateContext(), fail.Message)
	payload := errorPayload{
		Error:         string(fail.Kind),
		Message:       message,
		CorrelationID: state.CorrelationID,
	}
	if p.diagnostics && fail.Err != nil {
		payload.Details = fail.Err.Error()
	}
	if fail.Kind == failure.KindRateLimited && state.Rate.Checked {
		retry := retryAfterSeconds(state.Rate.Decision.RetryAfter)
		remaining := 0
		payload.RetryAfter = &retry
		payload.Remaining = &remaining
		payload.ResetAt = state.Rate.Decision.ResetAt.UTC().Format(time.RFC3339)
	}
	p.writeJSON(w, status, payload)
}

// WriteError emits a JSON error payload for failures raised outside the
// pipeline, such as unknown routes.
func (p *Pipeline) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	kind := string(failure.KindInternal)
	if status == http.StatusNotFound {
		kind = "NotFound"
	}
	p.writeJSON(w, status, errorPayload{Error: kind, Message: message})
}

func (p *Pipeline) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Del("Content-Length")
	w.Header().Del("Cache-Control")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

func (p *Pipeline) writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", p.cors.AllowOrigin)
	h.Set("Access-Control-Allow-Methods", p.cors.AllowMethods)
	h.Set("Access-Control-Allow-Headers", p.cors.AllowHeaders)
}

type healthPayload struct {
	Status            string    `json:"status"`
	CacheEntries      int64     `json:"cacheEntries"`
	TrackedIdentities int       `json:"trackedIdentities"`
	ObservedAt        time.Time `json:"observedAt"`
}

// ServeHealth reports liveness with cache and rate limiter occupancy. A cache
// backend that cannot report its size degrades the status.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	payload := healthPayload{Status: "ok", ObservedAt: time.Now().UTC()}
	status := http.StatusOK
	if p.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		size, err := p.cache.Size(ctx)
		cancel()
		if err != nil {
			payload.Status = "degraded"
			status = http.StatusServiceUnavailable
			p.logger.Warn("health cache size failed", slog.Any("error", err))
		}
		payload.CacheEntries = size
	}
	if p.limiter != nil {
		payload.TrackedIdentities = p.limiter.Len()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("health encode failed", slog.Any("error", err))
	}
}

func (p *Pipeline) requestCorrelationID(r *http.Request) string {
	if r != nil && p.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" && len(candidate) <= 128 {
			return candidate
		}
	}
	return uuid.NewString()
}
