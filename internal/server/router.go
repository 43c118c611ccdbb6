package server

import (
	"fmt"
	"net/http"
	"strings"
)

// PipelineHTTP is the surface the router needs from the runtime pipeline.
type PipelineHTTP interface {
	ServeImage(http.ResponseWriter, *http.Request)
	ServeScrape(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

const (
	routeImage  = "image"
	routeScrape = "scrape"
	routeHealth = "healthz"
)

// NewPipelineHandler dispatches request paths to the pipeline entry points.
// The proxy answers on both "/" and "/image" so existing query-only clients
// keep working.
func NewPipelineHandler(p PipelineHTTP) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseRoute(r.URL.Path)
		if !ok {
			p.WriteError(w, http.StatusNotFound, fmt.Sprintf("route %q not found", r.URL.Path))
			return
		}
		switch route {
		case routeImage:
			p.ServeImage(w, r)
		case routeScrape:
			p.ServeScrape(w, r)
		case routeHealth:
			p.ServeHealth(w, r)
		}
	})
}

func parseRoute(path string) (string, bool) {
	if path == "" {
		return routeImage, true
	}
	trimmed := strings.Trim(path, "/")
	if strings.Contains(trimmed, "/") {
		return "", false
	}
	switch strings.ToLower(trimmed) {
	case "", "image":
		return routeImage, true
	case "scrape":
		return routeScrape, true
	case "health", "healthz":
		return routeHealth, true
	}
	return "", false
}
