package responsepolicy

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/l0p7/pixgate/internal/runtime/pipeline"
)

// DefaultCacheControl marks transformed images as immutable for browsers and
// shared caches.
const DefaultCacheControl = "public, max-age=86400, s-maxage=31536000, immutable"

// Agent materializes the HTTP response headers for a rendered or cached image.
type Agent struct {
	cacheControl string
}

// New constructs a response policy agent. An empty cacheControl selects
// DefaultCacheControl.
func New(cacheControl string) *Agent {
	if strings.TrimSpace(cacheControl) == "" {
		cacheControl = DefaultCacheControl
	}
	return &Agent{cacheControl: cacheControl}
}

// Name identifies the response policy agent for logging and snapshots.
func (a *Agent) Name() string { return "response_policy" }

// Execute sets the status and image headers. A matching If-None-Match turns
// the response into 304 without a body.
func (a *Agent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if state.Response.Status != 0 && state.Response.Status != http.StatusOK {
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "bypassed",
			Details: "response already decided",
		}
	}
	if state.Response.Headers == nil {
		state.Response.Headers = make(map[string]string)
	}
	out := state.Output
	headers := state.Response.Headers

	headers["Cache-Control"] = a.cacheControl
	headers["Vary"] = "Accept"
	headers["X-Cache"] = "MISS"
	if state.Cache.Hit {
		headers["X-Cache"] = "HIT"
	}
	if out.ContentType != "" {
		headers["Content-Type"] = out.ContentType
	}
	if out.ETag != "" {
		headers["ETag"] = out.ETag
	}
	if out.Transformed && out.OriginalSize > 0 {
		headers["X-Original-Size"] = strconv.Itoa(out.OriginalSize)
		headers["X-Optimized-Size"] = strconv.Itoa(len(out.Body))
		headers["X-Size-Reduction"] = sizeReduction(out.OriginalSize, len(out.Body))
	}
	if state.Admission.Admin {
		headers["X-Admin"] = "true"
	}
	if state.Admission.APIKeyValid {
		headers["X-API-Key-Valid"] = "true"
	}

	if r != nil && out.ETag != "" && etagMatches(r.Header.Get("If-None-Match"), out.ETag) {
		state.Response.Status = http.StatusNotModified
		state.Response.Message = ""
		return pipeline.Result{Name: a.Name(), Status: "not_modified"}
	}

	state.Response.Status = http.StatusOK
	return pipeline.Result{
		Name:    a.Name(),
		Status:  "rendered",
		Details: headers["X-Cache"],
	}
}

// sizeReduction is the saved percentage with one decimal place. Outputs
// larger than the source report a negative value.
func sizeReduction(original, optimized int) string {
	if original <= 0 {
		return "0.0%"
	}
	pct := (1 - float64(optimized)/float64(original)) * 100
	return fmt.Sprintf("%.1f%%", pct)
}

func etagMatches(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}
