package main

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/pixgate/internal/config"
	"github.com/l0p7/pixgate/internal/runtime/cache"
	"github.com/l0p7/pixgate/internal/runtime/origin"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildResponseCache(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.CacheConfig
		verify func(t *testing.T, c cache.ResponseCache)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{MaxEntries: 4, TTL: time.Minute}
			},
			verify: func(t *testing.T, c cache.ResponseCache) {
				ctx := context.Background()
				require.NoError(t, c.Store(ctx, "memory:test", cacheEntry()))
				size, err := c.Size(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(1), size)
			},
		},
		{
			name: "constructs redis cache",
			cfg: func(t *testing.T) config.CacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.CacheConfig{
					Backend:    "redis",
					MaxEntries: 4,
					TTL:        time.Minute,
					Redis:      config.RedisCacheConfig{Address: server.Addr()},
				}
			},
			verify: func(t *testing.T, c cache.ResponseCache) {
				ctx := context.Background()
				require.NoError(t, c.Store(ctx, "redis:test", cacheEntry()))
				got, ok, err := c.Lookup(ctx, "redis:test")
				require.NoError(t, err)
				require.True(t, ok, "expected lookup to succeed")
				require.Equal(t, "image/webp", got.ContentType)
			},
		},
		{
			name: "redis without address falls back to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "redis", MaxEntries: 4, TTL: time.Minute}
			},
			verify: func(t *testing.T, c cache.ResponseCache) {
				ctx := context.Background()
				require.NoError(t, c.Store(ctx, "fallback", cacheEntry()))
				_, ok, err := c.Lookup(ctx, "fallback")
				require.NoError(t, err)
				require.True(t, ok)
			},
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "memcached", MaxEntries: 4, TTL: time.Minute}
			},
			verify: func(t *testing.T, c cache.ResponseCache) {
				require.NotNil(t, c)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := buildResponseCache(newTestLogger(), tc.cfg(t))
			t.Cleanup(func() {
				require.NoError(t, c.Close(context.Background()))
			})
			tc.verify(t, c)
		})
	}
}

func cacheEntry() cache.Entry {
	return cache.Entry{
		Body:         []byte("RIFF"),
		ContentType:  "image/webp",
		OriginalSize: 64,
		Transformed:  true,
		ETag:         `"0000000000000001"`,
	}
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "PIXGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "PIXGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "PIXGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunReturnsNilOnCancellation(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: context.Canceled}, nil
	})

	require.NoError(t, run(context.Background(), "PIXGATE", ""))
}

func TestRunRejectsInvalidPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Policy.Sources = []string{"url.host =="}
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	err := run(context.Background(), "PIXGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "policy.sources[0]")
}

func TestAppServesProxyEndToEnd(t *testing.T) {
	stub := &pngOrigin{body: encodePNG(t, 200, 100)}
	cfg := config.DefaultConfig()
	expect, _ := startApp(t, cfg, stub)

	first := expect.GET("/").
		WithQuery("url", "https://img.example.com/photo.png").
		Expect()
	first.Status(http.StatusOK)
	first.Header("Content-Type").IsEqual("image/png")
	first.Header("X-Cache").IsEqual("MISS")
	first.Header("ETag").NotEmpty()

	expect.GET("/image").
		WithQuery("url", "https://img.example.com/photo.png").
		Expect().
		Status(http.StatusOK).
		Header("X-Cache").IsEqual("HIT")
	require.Equal(t, int32(1), stub.hits.Load())

	resized := expect.GET("/").
		WithQuery("url", "https://img.example.com/photo.png").
		WithQuery("w", "50").
		WithQuery("format", "jpeg").
		Expect()
	resized.Status(http.StatusOK)
	resized.Header("Content-Type").IsEqual("image/jpeg")
	resized.Header("X-Original-Size").NotEmpty()

	expect.GET("/").
		WithQuery("url", "http://127.0.0.1/secret.png").
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().HasValue("error", "BlockedHost")

	expect.GET("/healthz").
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")

	metricsBody := expect.GET("/metrics").Expect().Status(http.StatusOK).Body().Raw()
	require.Contains(t, metricsBody, "pixgate_proxy_requests_total")
	require.Contains(t, metricsBody, "pixgate_origin_attempts_total")

	expect.GET("/nope/nested").Expect().Status(http.StatusNotFound)
}

func TestAppReloadsAccessFile(t *testing.T) {
	dir := t.TempDir()
	accessPath := filepath.Join(dir, "access.json")
	require.NoError(t, os.WriteFile(accessPath, []byte(`{"apiKeys":["alpha"]}`), 0o600))

	cfg := config.DefaultConfig()
	cfg.Access.RequireKey = true
	cfg.Access.AccessFile = accessPath
	expect, baseURL := startApp(t, cfg, &pngOrigin{body: encodePNG(t, 10, 10)})

	expect.GET("/").
		WithQuery("url", "https://img.example.com/a.png").
		Expect().
		Status(http.StatusUnauthorized)

	expect.GET("/").
		WithQuery("url", "https://img.example.com/a.png").
		WithHeader("X-API-Key", "alpha").
		Expect().
		Status(http.StatusOK).
		Header("X-API-Key-Valid").IsEqual("true")

	require.NoError(t, os.WriteFile(accessPath, []byte(`{"apiKeys":["beta"]}`), 0o600))

	client := &http.Client{Timeout: 2 * time.Second}
	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/?url=https://img.example.com/a.png", http.NoBody)
		if err != nil {
			return false
		}
		req.Header.Set("X-API-Key", "beta")
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 25*time.Millisecond)
}

// pngOrigin serves the same PNG for every request and counts hits.
type pngOrigin struct {
	body []byte
	hits atomic.Int32
}

func (p *pngOrigin) RoundTrip(r *http.Request) (*http.Response, error) {
	p.hits.Add(1)
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"image/png"}},
		Body:          io.NopCloser(bytes.NewReader(p.body)),
		ContentLength: int64(len(p.body)),
		Request:       r,
	}, nil
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func startApp(t *testing.T, cfg config.Config, transport http.RoundTripper) (*httpexpect.Expect, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	application, err := buildApp(ctx, cfg, newTestLogger(), prometheus.NewRegistry(), origin.WithTransport(transport))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, application.Close(context.Background()))
	})

	srv := httptest.NewServer(application.handler)
	t.Cleanup(srv.Close)

	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	}), srv.URL
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg     config.Config
	loadErr error
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}
