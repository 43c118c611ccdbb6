package runtime

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/l0p7/pixgate/internal/metrics"
	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/pipeline"
	"github.com/l0p7/pixgate/internal/runtime/ratelimit"
)

// RateLimiter admits or denies a caller identity.
type RateLimiter interface {
	Admit(id ratelimit.Identity) ratelimit.Decision
	Len() int
}

type rateAgent struct {
	limiter RateLimiter
	metrics *metrics.Recorder
}

func (a *rateAgent) Name() string { return "rate_limit" }

func (a *rateAgent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if a.limiter == nil {
		return pipeline.Result{Name: a.Name(), Status: "disabled"}
	}
	decision := a.limiter.Admit(ratelimit.Identity{
		Key:        state.Admission.Identity,
		Privileged: state.Admission.Privileged,
	})
	state.Rate = pipeline.RateState{Checked: true, Decision: decision}
	a.metrics.SetTrackedIdentities(a.limiter.Len())

	if state.Response.Headers == nil {
		state.Response.Headers = make(map[string]string)
	}
	headers := state.Response.Headers
	if decision.Unlimited {
		headers["X-RateLimit-Limit"] = "unlimited"
		headers["X-RateLimit-Remaining"] = "unlimited"
		a.metrics.ObserveRateDecision("unlimited")
		return pipeline.Result{Name: a.Name(), Status: "unlimited"}
	}

	headers["X-RateLimit-Limit"] = strconv.Itoa(decision.Limit)
	headers["X-RateLimit-Remaining"] = strconv.Itoa(decision.Remaining)
	headers["X-RateLimit-Reset"] = decision.ResetAt.UTC().Format(time.RFC3339)

	if !decision.Allowed {
		headers["Retry-After"] = strconv.Itoa(retryAfterSeconds(decision.RetryAfter))
		a.metrics.ObserveRateDecision("denied")
		state.Fail(failure.New(failure.KindRateLimited, "rate limit exceeded"))
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "denied",
			Details: "retry after " + decision.RetryAfter.Round(time.Second).String(),
		}
	}
	a.metrics.ObserveRateDecision("admitted")
	return pipeline.Result{
		Name:   a.Name(),
		Status: "admitted",
		Meta:   map[string]any{"remaining": decision.Remaining},
	}
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
