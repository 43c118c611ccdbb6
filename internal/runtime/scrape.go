package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-playground/validator/v10"

	"github.com/l0p7/pixgate/internal/expr"
	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/origin"
	"github.com/l0p7/pixgate/internal/runtime/pipeline"
)

const (
	defaultScrapeSelector = "img"
	defaultScrapeLimit    = 10
)

// DocumentFetcher downloads HTML pages for the scrape endpoint.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, target *url.URL) (origin.Document, error)
}

// ScrapedImage describes one image element found on a page.
type ScrapedImage struct {
	Src       string `json:"src"`
	Alt       string `json:"alt"`
	Title     string `json:"title"`
	Width     string `json:"width"`
	Height    string `json:"height"`
	ClassName string `json:"className"`
	ID        string `json:"id"`
}

// ScrapeResult is the JSON body of a successful scrape.
type ScrapeResult struct {
	Success    bool           `json:"success"`
	SourceURL  string         `json:"sourceUrl"`
	TotalFound int            `json:"totalFound"`
	Images     []ScrapedImage `json:"images"`
	ScrapedAt  time.Time      `json:"scrapedAt"`
}

type scrapeParams struct {
	URL      string `validate:"required"`
	Selector string `validate:"required,max=256"`
	Limit    int    `validate:"min=1,max=100"`
}

var scrapeValidator = validator.New(validator.WithRequiredStructEnabled())

// scrapeAgent fetches the page and lists the images matched by the selector.
type scrapeAgent struct {
	fetcher DocumentFetcher
}

// scrapeRequestAgent validates the scrape parameters and guards the page URL.
type scrapeRequestAgent struct {
	policy *expr.SourcePolicy
}

func (a *scrapeRequestAgent) Name() string { return "scrape_validation" }

func (a *scrapeRequestAgent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	params, err := parseScrapeParams(r.URL.Query())
	if err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "invalid", Details: failure.From(err).Message}
	}
	source, err := checkSource(a.policy, params.URL, state)
	if err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "blocked", Details: failure.From(err).Message}
	}
	state.Transform.Source = source
	state.Scrape = pipeline.ScrapeState{Selector: params.Selector, Limit: params.Limit}
	return pipeline.Result{Name: a.Name(), Status: "valid", Meta: map[string]any{"host": source.Hostname()}}
}

func parseScrapeParams(values url.Values) (scrapeParams, error) {
	params := scrapeParams{
		URL:      strings.TrimSpace(values.Get("url")),
		Selector: strings.TrimSpace(values.Get("selector")),
		Limit:    defaultScrapeLimit,
	}
	if params.URL == "" {
		return scrapeParams{}, failure.New(failure.KindInvalidURL, "url parameter is required")
	}
	if params.Selector == "" {
		params.Selector = defaultScrapeSelector
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return scrapeParams{}, failure.New(failure.KindValidation, "limit must be an integer between 1 and 100")
		}
		params.Limit = limit
	}
	if err := scrapeValidator.Struct(params); err != nil {
		return scrapeParams{}, failure.Wrap(failure.KindValidation, "limit must be between 1 and 100 and selector at most 256 characters", err)
	}
	return params, nil
}

func (a *scrapeAgent) Name() string { return "scrape" }

func (a *scrapeAgent) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	source := state.Transform.Source
	doc, err := a.fetcher.FetchDocument(ctx, source)
	if err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: failure.From(err).Message}
	}
	state.Origin = pipeline.OriginState{Fetched: true, ContentType: doc.ContentType, Size: len(doc.Body)}

	images, err := extractImages(doc.Body, source, state.Scrape.Selector, state.Scrape.Limit)
	if err != nil {
		state.Fail(failure.Wrap(failure.KindUpstreamNotImage, "page could not be parsed as HTML", err))
		return pipeline.Result{Name: a.Name(), Status: "error"}
	}

	body, err := json.Marshal(ScrapeResult{
		Success:    true,
		SourceURL:  source.String(),
		TotalFound: len(images),
		Images:     images,
		ScrapedAt:  time.Now().UTC(),
	})
	if err != nil {
		state.Fail(failure.Wrap(failure.KindInternal, "scrape result could not be encoded", err))
		return pipeline.Result{Name: a.Name(), Status: "error"}
	}
	state.Output = pipeline.OutputState{Body: body, ContentType: "application/json"}
	state.Response.Status = http.StatusOK
	return pipeline.Result{Name: a.Name(), Status: "scraped", Meta: map[string]any{"found": len(images)}}
}

// extractImages walks the selector matches in document order and resolves
// the first non-empty src, data-src or data-lazy-src against the page URL.
func extractImages(body []byte, base *url.URL, selector string, limit int) ([]ScrapedImage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	images := make([]ScrapedImage, 0, limit)
	doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(images) >= limit {
			return false
		}
		src := firstAttr(sel, "src", "data-src", "data-lazy-src")
		if src == "" {
			return true
		}
		ref, err := url.Parse(src)
		if err != nil {
			return true
		}
		images = append(images, ScrapedImage{
			Src:       base.ResolveReference(ref).String(),
			Alt:       sel.AttrOr("alt", ""),
			Title:     sel.AttrOr("title", ""),
			Width:     sel.AttrOr("width", ""),
			Height:    sel.AttrOr("height", ""),
			ClassName: sel.AttrOr("class", ""),
			ID:        sel.AttrOr("id", ""),
		})
		return true
	})
	return images, nil
}

func firstAttr(sel *goquery.Selection, names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(sel.AttrOr(name, "")); value != "" {
			return value
		}
	}
	return ""
}
