package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stillweb/stillweb/internal/mirror"
)

func TestExponentialRetryClassification(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetry(3, time.Millisecond, time.Second)

	cases := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil error", nil, 1, false},
		{"not found", &mirror.HTTPError{Status: 404}, 1, false},
		{"server error", &mirror.HTTPError{Status: 503}, 1, true},
		{"rate limited at last retry", &mirror.HTTPError{Status: 429}, 3, true},
		{"server error past limit", &mirror.HTTPError{Status: 503}, 4, false},
		{"network error", &mirror.NetworkError{Err: errors.New("refused")}, 1, true},
		{"render timeout", fmt.Errorf("%w: https://a.test", mirror.ErrRenderTimeout), 2, true},
		{"redirect loop", mirror.ErrTooManyRedirects, 1, false},
		{"unsupported content", mirror.ErrUnsupportedContentType, 1, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempt))
		})
	}
}

func TestExponentialRetryBackoffBounds(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	ceiling := time.Second
	p := NewExponentialRetry(5, base, ceiling)

	for attempt := 1; attempt <= 6; attempt++ {
		full := base << (attempt - 1)
		if full > ceiling {
			full = ceiling
		}
		got := p.Backoff(attempt)
		require.GreaterOrEqual(t, got, full/2, "attempt %d", attempt)
		require.Less(t, got, full, "attempt %d", attempt)
	}

	// Out-of-range attempts behave like the first retry.
	got := p.Backoff(0)
	require.GreaterOrEqual(t, got, base/2)
	require.Less(t, got, base)
}

func TestHalvedSettle(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Second, halvedSettle(0, 2*time.Second))
	require.Equal(t, 500*time.Millisecond, halvedSettle(time.Second, 2*time.Second))
	require.Equal(t, minSettle, halvedSettle(400*time.Millisecond, 2*time.Second))
	require.Equal(t, minSettle, halvedSettle(0, 0))
}
