package pipeline

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/planner"
	"github.com/l0p7/pixgate/internal/runtime/ratelimit"
)

// Agent represents a runtime component that collaborates on processing an
// incoming request. Each agent observes and mutates the shared State before
// returning its Result snapshot.
type Agent interface {
	Name() string
	Execute(context.Context, *http.Request, *State) Result
}

// Result captures the outcome emitted by an agent during pipeline execution.
type Result struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Details string         `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// RequestState preserves the inbound request snapshot for logging and
// template evaluation.
type RequestState struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Host    string            `json:"host"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
}

// AdmissionState records the caller identity and proxy policy decisions.
type AdmissionState struct {
	Authenticated bool      `json:"authenticated"`
	Reason        string    `json:"reason,omitempty"`
	CapturedAt    time.Time `json:"capturedAt"`
	ClientIP      string    `json:"clientIp,omitempty"`
	TrustedProxy  bool      `json:"trustedProxy"`
	ProxyStripped bool      `json:"proxyStripped"`
	ForwardedFor  string    `json:"forwardedFor,omitempty"`
	Forwarded     string    `json:"forwarded,omitempty"`
	ProxyNote     string    `json:"proxyNote,omitempty"`
	Decision      string    `json:"decision"`
	Identity      string    `json:"identity"`
	Privileged    bool      `json:"privileged"`
	APIKeyValid   bool      `json:"apiKeyValid"`
	Admin         bool      `json:"admin"`
	Source        string    `json:"source,omitempty"`
}

// TransformState carries the parsed caller parameters and the guarded
// source URL.
type TransformState struct {
	Request planner.TransformRequest `json:"request"`
	Source  *url.URL                 `json:"-"`
}

// ScrapeState holds the validated page scrape parameters.
type ScrapeState struct {
	Selector string `json:"selector,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// RateState is the admission decision of the rate limiter.
type RateState struct {
	Checked  bool               `json:"checked"`
	Decision ratelimit.Decision `json:"decision"`
}

// CacheState captures cache participation information for the request.
type CacheState struct {
	Key       string    `json:"key"`
	Signature string    `json:"-"`
	Hit       bool      `json:"hit"`
	Stored    bool      `json:"stored"`
	StoredAt  time.Time `json:"storedAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// OriginState reports what the origin returned.
type OriginState struct {
	Fetched     bool   `json:"fetched"`
	ContentType string `json:"contentType,omitempty"`
	Size        int    `json:"size"`
	Shared      bool   `json:"shared"`
}

// OutputState is the body about to be written, from cache or a fresh render.
type OutputState struct {
	Body         []byte `json:"-"`
	ContentType  string `json:"contentType"`
	OriginalSize int    `json:"originalSize"`
	Transformed  bool   `json:"transformed"`
	ETag         string `json:"etag,omitempty"`
}

// ResponseState is the HTTP response composed for the caller.
type ResponseState struct {
	Status  int               `json:"status"`
	Message string            `json:"message"`
	Headers map[string]string `json:"headers"`
}

// State is the shared context threaded through every agent in the pipeline.
type State struct {
	plan *planner.Plan

	Endpoint      string `json:"endpoint"`
	CorrelationID string `json:"correlationId"`

	Request   RequestState   `json:"request"`
	Admission AdmissionState `json:"admission"`
	Transform TransformState `json:"transform"`
	Scrape    ScrapeState    `json:"scrape"`
	Rate      RateState      `json:"rate"`
	Cache     CacheState     `json:"cache"`
	Origin    OriginState    `json:"origin"`
	Output    OutputState    `json:"output"`
	Response  ResponseState  `json:"response"`

	Failure *failure.Error `json:"-"`
}

// Redacted replaces credential values in the request snapshot.
const Redacted = "[redacted]"

var (
	credentialHeaders = map[string]struct{}{
		"x-api-key":     {},
		"x-admin-token": {},
		"authorization": {},
		"cookie":        {},
	}
	credentialParams = map[string]struct{}{
		"key":         {},
		"admin_token": {},
	}
)

// NewState captures the inbound request metadata and initializes the shared
// state for a pipeline evaluation. Credential headers and parameters are
// redacted so message templates can never echo them.
func NewState(r *http.Request, endpoint, correlationID string) *State {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		headers[lower] = redact(credentialHeaders, lower, values[0])
	}
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		query[lower] = redact(credentialParams, lower, values[0])
	}
	return &State{
		Endpoint:      endpoint,
		CorrelationID: correlationID,
		Request: RequestState{
			Method:  r.Method,
			Path:    r.URL.Path,
			Host:    r.Host,
			Headers: headers,
			Query:   query,
		},
		Response: ResponseState{
			Headers: make(map[string]string),
		},
	}
}

func redact(names map[string]struct{}, name, value string) string {
	if _, ok := names[name]; ok {
		return Redacted
	}
	return value
}

// SetPlan stores the transform plan chosen for this request.
func (s *State) SetPlan(plan planner.Plan) { s.plan = &plan }

// Plan retrieves the stored transform plan, or nil before planning.
func (s *State) Plan() *planner.Plan { return s.plan }

// Fail records a terminal failure. The first failure wins.
func (s *State) Fail(err error) {
	if err == nil || s.Failure != nil {
		return
	}
	s.Failure = failure.From(err)
	s.Response.Status = s.Failure.Status()
	s.Response.Message = s.Failure.Message
}

// Failed reports whether an earlier stage terminated the request.
func (s *State) Failed() bool { return s != nil && s.Failure != nil }

// Outcome labels the request for logs and metrics: the failure kind or "ok".
func (s *State) Outcome() string {
	if s.Failed() {
		return string(s.Failure.Kind)
	}
	return "ok"
}

// TemplateContext exposes a map suitable for message templates.
func (s *State) TemplateContext() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	ctx := map[string]any{
		"endpoint":      s.Endpoint,
		"correlationId": s.CorrelationID,
		"request":       s.Request,
		"admission":     s.Admission,
		"transform":     s.Transform.Request,
		"rate":          s.Rate.Decision,
		"cache":         s.Cache,
		"origin":        s.Origin,
		"response": map[string]any{
			"status":  s.Response.Status,
			"message": s.Response.Message,
			"headers": s.Response.Headers,
		},
	}
	if s.Failure != nil {
		ctx["failure"] = map[string]any{
			"kind":           string(s.Failure.Kind),
			"message":        s.Failure.Message,
			"upstreamStatus": s.Failure.UpstreamStatus,
		}
	}
	return ctx
}
