package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidURL:       http.StatusBadRequest,
		KindBlockedHost:      http.StatusBadRequest,
		KindValidation:       http.StatusBadRequest,
		KindUnauthorized:     http.StatusUnauthorized,
		KindRateLimited:      http.StatusTooManyRequests,
		KindUpstreamTimeout:  http.StatusGatewayTimeout,
		KindUpstreamNetwork:  http.StatusBadGateway,
		KindUpstreamHTTP:     http.StatusBadGateway,
		KindUpstreamNotImage: http.StatusBadRequest,
		KindUpstreamTooLarge: http.StatusRequestEntityTooLarge,
		KindUpstreamEmpty:    http.StatusBadRequest,
		KindTransformFailed:  http.StatusInternalServerError,
		KindInternal:         http.StatusInternalServerError,
	}
	require.Len(t, Kinds(), len(cases))
	for kind, want := range cases {
		require.Equal(t, want, StatusFor(kind), "kind %s", kind)
	}
}

func TestFromClassifiesErrors(t *testing.T) {
	require.Nil(t, From(nil))

	wrapped := fmt.Errorf("outer: %w", New(KindBlockedHost, "blocked"))
	require.Equal(t, KindBlockedHost, KindOf(wrapped))

	require.Equal(t, KindUpstreamTimeout, KindOf(fmt.Errorf("dial: %w", context.DeadlineExceeded)))
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := Wrap(KindUpstreamNetwork, "connection reset", errors.New("reset"))
	require.True(t, errors.Is(err, New(KindUpstreamNetwork, "")))
	require.False(t, errors.Is(err, New(KindUpstreamTimeout, "")))
	require.True(t, err.Retryable())
	require.False(t, UpstreamHTTP(404).Retryable())
	require.Equal(t, 404, UpstreamHTTP(404).UpstreamStatus)
	require.Contains(t, err.Error(), "reset")
}
