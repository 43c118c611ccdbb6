package rendering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/l0p7/pixgate/internal/codec"
	"github.com/l0p7/pixgate/internal/metrics"
	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/origin"
	"github.com/l0p7/pixgate/internal/runtime/pipeline"
	"github.com/l0p7/pixgate/internal/runtime/planner"
)

// Fetcher is the origin surface the render stage needs.
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL) (origin.Image, error)
}

// Config wires the render stage collaborators.
type Config struct {
	Fetcher Fetcher
	Codec   codec.ImageCodec
	Planner *planner.Planner
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Agent fetches the source image and produces the encoded output on a cache
// miss. Concurrent misses for the same cache key share a single render, which
// is canceled once every waiting caller has gone.
type Agent struct {
	cfg   Config
	group singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the cancellable context of one shared render and the number of
// callers still waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type rendered struct {
	output pipeline.OutputState
	origin pipeline.OriginState
	plan   planner.Plan
}

// New constructs the render agent.
func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With(slog.String("agent", "render"))
	return &Agent{cfg: cfg, flights: make(map[string]*flight)}
}

func (a *Agent) Name() string { return "render" }

func (a *Agent) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.Cache.Hit {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "served from cache"}
	}
	if state.Transform.Source == nil {
		state.Fail(failure.New(failure.KindInternal, "render reached without a validated source"))
		return pipeline.Result{Name: a.Name(), Status: "error"}
	}

	key := state.Cache.Key
	if key == "" {
		key = state.Transform.Source.String()
	}
	req := state.Transform.Request
	src := state.Transform.Source

	renderCtx := a.join(ctx, key)
	defer a.leave(key)
	ch := a.group.DoChan(key, func() (any, error) {
		return a.render(renderCtx, src, req)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		state.Fail(contextFailure(ctx.Err()))
		return pipeline.Result{Name: a.Name(), Status: "canceled"}
	case res = <-ch:
	}
	if res.Err != nil {
		state.Fail(res.Err)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: res.Err.Error()}
	}

	out := res.Val.(rendered)
	state.Origin = out.origin
	state.Origin.Shared = res.Shared
	state.Output = out.output
	state.SetPlan(out.plan)

	status := "transformed"
	if out.plan.Passthrough {
		status = "passthrough"
	}
	return pipeline.Result{
		Name:   a.Name(),
		Status: status,
		Meta: map[string]any{
			"format": string(out.plan.Encode.Format),
			"shared": res.Shared,
			"bytes":  len(out.output.Body),
		},
	}
}

// join registers the caller on the render for key and returns the context
// that render runs under. The context keeps the first caller's values but not
// its cancellation.
func (a *Agent) join(parent context.Context, key string) context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
		f = &flight{ctx: ctx, cancel: cancel}
		a.flights[key] = f
	}
	f.waiters++
	return f.ctx
}

// leave drops the caller from the render for key. The last caller out cancels
// the render and forgets the key so the next miss starts a fresh one.
func (a *Agent) leave(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.flights[key]
	if !ok {
		return
	}
	f.waiters--
	if f.waiters > 0 {
		return
	}
	delete(a.flights, key)
	f.cancel()
	a.group.Forget(key)
}

func (a *Agent) render(ctx context.Context, src *url.URL, req planner.TransformRequest) (rendered, error) {
	img, err := a.cfg.Fetcher.Fetch(ctx, src)
	if err != nil {
		return rendered{}, err
	}
	originState := pipeline.OriginState{Fetched: true, ContentType: img.ContentType, Size: img.Size}

	if a.cfg.Planner.Passthrough(req) {
		return rendered{
			origin: originState,
			plan:   planner.Plan{Passthrough: true},
			output: pipeline.OutputState{
				Body:         img.Body,
				ContentType:  img.ContentType,
				OriginalSize: img.Size,
				ETag:         ETag(img.Body),
			},
		}, nil
	}

	start := time.Now()
	source, err := a.cfg.Codec.Decode(ctx, img.Body)
	if err != nil {
		return rendered{}, err
	}
	plan := a.cfg.Planner.Plan(req, source.Metadata)
	encoded, err := a.cfg.Codec.Encode(ctx, source, plan)
	if err != nil {
		return rendered{}, err
	}
	a.cfg.Metrics.ObserveTransform(string(encoded.Format), time.Since(start))
	a.cfg.Logger.Debug("image transformed",
		slog.String("class", string(plan.Class)),
		slog.String("format", string(encoded.Format)),
		slog.Int("width", encoded.Width),
		slog.Int("height", encoded.Height),
		slog.Int("original_bytes", img.Size),
		slog.Int("output_bytes", len(encoded.Body)))

	return rendered{
		origin: originState,
		plan:   plan,
		output: pipeline.OutputState{
			Body:         encoded.Body,
			ContentType:  encoded.ContentType,
			OriginalSize: img.Size,
			Transformed:  true,
			ETag:         ETag(encoded.Body),
		},
	}, nil
}

// ETag is the strong validator for an encoded body.
func ETag(body []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
}

func contextFailure(err error) *failure.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(failure.KindUpstreamTimeout, "request deadline exceeded", err)
	}
	return failure.Wrap(failure.KindInternal, "request canceled", err)
}
