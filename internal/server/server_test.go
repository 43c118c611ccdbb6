package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/pixgate/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestNewRequiresHandler(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := New(cfg, newTestLogger(), nil); err == nil {
		t.Fatalf("expected error when handler is nil")
	}
}

func TestNewUsesConfiguredAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 9090

	srv, err := New(cfg, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", srv.Addr())
}

func TestWriteTimeoutCoversRetryBudget(t *testing.T) {
	origin := config.OriginConfig{Timeout: 10 * time.Second, MaxRetries: 2, BackoffBase: time.Second}
	// three attempts, backoff 1s then 2s, plus slack
	require.Equal(t, 30*time.Second+3*time.Second+renderSlack, writeTimeout(origin))

	// backoff grows linearly: 1s, 2s, 3s
	three := config.OriginConfig{Timeout: 2 * time.Second, MaxRetries: 3, BackoffBase: time.Second}
	require.Equal(t, 8*time.Second+6*time.Second+renderSlack, writeTimeout(three))

	noRetry := config.OriginConfig{Timeout: 5 * time.Second}
	require.Equal(t, 5*time.Second+renderSlack, writeTimeout(noRetry))
}

func TestRunServesAndShutsDownWhenContextCancelled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 0

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv, err := New(cfg, newTestLogger(), handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return srv.Addr() != "127.0.0.1:0"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not return after cancellation")
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "256.0.0.1"
	cfg.Server.Listen.Port = 8080

	srv, err := New(cfg, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)
	require.ErrorContains(t, srv.Run(context.Background()), "server: listen")
}
