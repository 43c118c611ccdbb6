package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/pixgate/internal/metrics"
	"github.com/l0p7/pixgate/internal/runtime/failure"
	"github.com/l0p7/pixgate/internal/runtime/urlguard"
)

const (
	imageAccept    = "image/webp,image/apng,image/*,*/*;q=0.8"
	documentAccept = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5"
)

// Config bounds every outbound request.
type Config struct {
	Timeout               time.Duration
	MaxRetries            int
	BackoffBase           time.Duration
	MaxBytes              int64
	MaxRedirects          int
	UserAgent             string
	HostRequestsPerSecond float64
	HostBurst             int
	AllowPrivateNetworks  bool
}

// Image is a fully buffered origin payload.
type Image struct {
	Body        []byte
	ContentType string
	Size        int
}

// Document is an HTML page fetched for image discovery.
type Document struct {
	Body        []byte
	ContentType string
	URL         *url.URL
}

// WaitFunc blocks for d or until ctx ends.
type WaitFunc func(ctx context.Context, d time.Duration) error

type Option func(*Fetcher)

// WithTransport replaces the guarded transport. Tests use it to stub origins.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.client.Transport = rt
	}
}

// WithWait overrides the backoff sleep.
func WithWait(wait WaitFunc) Option {
	return func(f *Fetcher) {
		if wait != nil {
			f.wait = wait
		}
	}
}

func WithRecorder(rec *metrics.Recorder) Option {
	return func(f *Fetcher) {
		f.recorder = rec
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Fetcher retrieves origin images with bounded retries.
type Fetcher struct {
	cfg      Config
	client   *http.Client
	wait     WaitFunc
	hosts    *hostLimiter
	recorder *metrics.Recorder
	logger   *slog.Logger
}

func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	}

	f := &Fetcher{
		cfg:    cfg,
		wait:   sleepContext,
		hosts:  newHostLimiter(cfg.HostRequestsPerSecond, cfg.HostBurst),
		logger: slog.Default(),
	}
	f.client = &http.Client{
		Transport:     guardedTransport(cfg.Timeout, cfg.AllowPrivateNetworks),
		CheckRedirect: f.checkRedirect,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(slog.String("agent", "origin_fetcher"))
	return f
}

// Fetch downloads target, retrying timeouts and network errors up to
// MaxRetries times. HTTP status failures and content rejections are terminal.
func (f *Fetcher) Fetch(ctx context.Context, target *url.URL) (Image, error) {
	body, contentType, err := f.fetch(ctx, target, imageAccept, checkImageType)
	if err != nil {
		return Image{}, err
	}
	return Image{Body: body, ContentType: contentType, Size: len(body)}, nil
}

// FetchDocument downloads an HTML page under the same limits as Fetch.
func (f *Fetcher) FetchDocument(ctx context.Context, target *url.URL) (Document, error) {
	body, contentType, err := f.fetch(ctx, target, documentAccept, nil)
	if err != nil {
		return Document{}, err
	}
	return Document{Body: body, ContentType: contentType, URL: target}, nil
}

func (f *Fetcher) fetch(ctx context.Context, target *url.URL, accept string, checkType func(string) error) ([]byte, string, error) {
	if target == nil {
		return nil, "", failure.New(failure.KindInvalidURL, "origin url missing")
	}
	attempts := f.cfg.MaxRetries + 1
	var lastErr *failure.Error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := f.cfg.BackoffBase * time.Duration(attempt-1)
			f.logger.Debug("retrying origin fetch",
				slog.String("host", target.Host),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.String("last_error", string(lastErr.Kind)))
			if err := f.wait(ctx, delay); err != nil {
				return nil, "", failure.Wrap(failure.KindUpstreamTimeout, "origin fetch canceled", err)
			}
		}

		body, contentType, err := f.attempt(ctx, target, accept, checkType)
		if err == nil {
			f.recorder.ObserveOriginAttempt(metrics.OriginAttemptSuccess)
			return body, contentType, nil
		}

		lastErr = failure.From(err)
		f.recorder.ObserveOriginAttempt(attemptResult(lastErr))
		if !lastErr.Retryable() || ctx.Err() != nil {
			return nil, "", lastErr
		}
	}
	return nil, "", lastErr
}

func (f *Fetcher) attempt(ctx context.Context, target *url.URL, accept string, checkType func(string) error) ([]byte, string, error) {
	if err := f.hosts.wait(ctx, target.Hostname()); err != nil {
		return nil, "", failure.Wrap(failure.KindUpstreamTimeout, "origin host pacing interrupted", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, "", failure.Wrap(failure.KindInvalidURL, "origin url rejected", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Referer", target.Scheme+"://"+target.Host+"/")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", failure.UpstreamHTTP(resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if checkType != nil {
		if err := checkType(contentType); err != nil {
			return nil, "", err
		}
	}

	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, "", failure.Newf(failure.KindUpstreamTooLarge, "origin declared %d bytes, limit is %d", resp.ContentLength, f.cfg.MaxBytes)
	}
	if declared := resp.Header.Get("Content-Length"); declared != "" && resp.ContentLength < 0 {
		if n, perr := strconv.ParseInt(declared, 10, 64); perr == nil && n > f.cfg.MaxBytes {
			return nil, "", failure.Newf(failure.KindUpstreamTooLarge, "origin declared %d bytes, limit is %d", n, f.cfg.MaxBytes)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", classifyTransportError(err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, "", failure.Newf(failure.KindUpstreamTooLarge, "origin body exceeds %d bytes", f.cfg.MaxBytes)
	}
	if len(body) == 0 {
		return nil, "", failure.New(failure.KindUpstreamEmpty, "origin returned an empty body")
	}
	return body, contentType, nil
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > f.cfg.MaxRedirects {
		return failure.Newf(failure.KindUpstreamHTTP, "origin exceeded %d redirects", f.cfg.MaxRedirects)
	}
	if f.cfg.AllowPrivateNetworks {
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return failure.Newf(failure.KindInvalidURL, "redirect to unsupported scheme %q", req.URL.Scheme)
		}
		return nil
	}
	if _, err := urlguard.Validate(req.URL.String()); err != nil {
		return err
	}
	return nil
}

func checkImageType(contentType string) error {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	if !strings.HasPrefix(mediaType, "image/") {
		if mediaType == "" {
			mediaType = "unknown"
		}
		return failure.Newf(failure.KindUpstreamNotImage, "origin content type %s is not an image", mediaType)
	}
	return nil
}

// classifyTransportError keeps policy failures raised inside the client
// (dial guard, redirect guard) and sorts the rest into timeout or network.
func classifyTransportError(err error) *failure.Error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(failure.KindUpstreamTimeout, "origin did not respond in time", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.Wrap(failure.KindUpstreamTimeout, "origin did not respond in time", err)
	}
	if errors.Is(err, context.Canceled) {
		return failure.Wrap(failure.KindUpstreamTimeout, "origin fetch canceled", err)
	}
	return failure.Wrap(failure.KindUpstreamNetwork, fmt.Sprintf("origin unreachable: %s", describe(err)), err)
}

func describe(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err.Error()
	}
	return err.Error()
}

func attemptResult(err *failure.Error) metrics.OriginAttemptResult {
	switch err.Kind {
	case failure.KindUpstreamTimeout:
		return metrics.OriginAttemptTimeout
	case failure.KindUpstreamNetwork:
		return metrics.OriginAttemptNetwork
	default:
		return metrics.OriginAttemptRejected
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
