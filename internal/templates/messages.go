package templates

import (
	"fmt"
	"strings"

	"github.com/l0p7/pixgate/internal/runtime/failure"
)

// defaultMessages are the caller-facing texts per failure kind. They never
// include internal error details.
var defaultMessages = map[failure.Kind]string{
	failure.KindInvalidURL:       `{{ .failure.message | default "The url parameter is missing or is not a valid http(s) URL." }}`,
	failure.KindBlockedHost:      `The requested host is not allowed.`,
	failure.KindValidation:       `{{ .failure.message | default "Invalid transform parameters." }}`,
	failure.KindUnauthorized:     `{{ .failure.message | default "A valid API key is required." }}`,
	failure.KindRateLimited:      `Rate limit exceeded. Try again after {{ .rate.ResetAt.UTC.Format "2006-01-02T15:04:05Z07:00" }}.`,
	failure.KindUpstreamTimeout:  `The origin server did not respond in time.`,
	failure.KindUpstreamNetwork:  `The origin server could not be reached.`,
	failure.KindUpstreamHTTP:     `The origin server responded with status {{ .failure.upstreamStatus }}.`,
	failure.KindUpstreamNotImage: `The origin response is not an image.`,
	failure.KindUpstreamTooLarge: `The origin image exceeds the maximum allowed size.`,
	failure.KindUpstreamEmpty:    `The origin returned an empty body.`,
	failure.KindTransformFailed:  `The image could not be processed.`,
	failure.KindInternal:         `An internal error occurred.`,
}

// Messages renders the message for a failure kind, preferring operator
// overrides over the built-in defaults.
type Messages struct {
	templates map[failure.Kind]*Template
}

// NewMessages compiles the defaults and any overrides keyed by kind name.
func NewMessages(r *Renderer, overrides map[string]string) (*Messages, error) {
	if r == nil {
		r = NewRenderer()
	}
	known := make(map[string]failure.Kind, len(defaultMessages))
	for _, kind := range failure.Kinds() {
		known[strings.ToLower(string(kind))] = kind
	}
	m := &Messages{templates: make(map[failure.Kind]*Template, len(defaultMessages))}
	for kind, source := range defaultMessages {
		tmpl, err := r.CompileInline(string(kind), source)
		if err != nil {
			return nil, err
		}
		m.templates[kind] = tmpl
	}
	for name, source := range overrides {
		kind, ok := known[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("templates: unknown failure kind %q", name)
		}
		tmpl, err := r.CompileInline(string(kind), source)
		if err != nil {
			return nil, err
		}
		if tmpl != nil {
			m.templates[kind] = tmpl
		}
	}
	return m, nil
}

// Render produces the message for kind. The fallback is returned when the
// template is missing or fails to execute.
func (m *Messages) Render(kind failure.Kind, data map[string]any, fallback string) string {
	if m == nil {
		return fallback
	}
	tmpl, ok := m.templates[kind]
	if !ok {
		tmpl = m.templates[failure.KindInternal]
	}
	out, err := tmpl.Render(data)
	if err != nil {
		return fallback
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return fallback
	}
	return out
}
