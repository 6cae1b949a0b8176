package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stillweb/stillweb/internal/mirror"
)

func fetchRequest(rawURL string) mirror.FetchRequest {
	return mirror.FetchRequest{URL: mirror.CanonicalURL(rawURL)}
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><a href="/about">About</a><img src="/img/logo.png"></body></html>`))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "stillweb-test", Timeout: 5 * time.Second, MaxRedirects: 5})
	res, err := f.Fetch(context.Background(), fetchRequest(srv.URL+"/"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/html", res.ContentType)
	require.Equal(t, srv.URL+"/", res.FinalURL)
	require.Equal(t, []string{"/about", "/img/logo.png"}, res.Refs)
	require.Contains(t, string(res.Body), "About")
	require.False(t, res.Rendered)
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>landed</body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second, MaxRedirects: 5})
	res, err := f.Fetch(context.Background(), fetchRequest(srv.URL+"/a"))
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/b", res.FinalURL)
	require.Contains(t, string(res.Body), "landed")
}

func TestFetchRedirectLimit(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusMovedPermanently)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second, MaxRedirects: 2})
	_, err := f.Fetch(context.Background(), fetchRequest(srv.URL+"/loop"))
	require.ErrorIs(t, err, mirror.ErrTooManyRedirects)
	require.False(t, mirror.Retryable(err))
}

func TestFetchHTTPStatusErrors(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second, MaxRedirects: 5})

	_, err := f.Fetch(context.Background(), fetchRequest(srv.URL+"/missing"))
	var httpErr *mirror.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusNotFound, httpErr.Status)
	require.False(t, mirror.Retryable(err))

	_, err = f.Fetch(context.Background(), fetchRequest(srv.URL+"/busy"))
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusServiceUnavailable, httpErr.Status)
	require.True(t, mirror.Retryable(err))
}

func TestFetchRejectsFilteredContentType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	f := New(Config{
		Timeout:      5 * time.Second,
		MaxRedirects: 5,
		Filter:       NewTypeFilter(mirror.ContentTypeFilter{Deny: []string{"image/*"}}),
	})
	_, err := f.Fetch(context.Background(), fetchRequest(srv.URL+"/logo.png"))
	require.ErrorIs(t, err, mirror.ErrUnsupportedContentType)
	require.Contains(t, err.Error(), "image/png")
	require.False(t, mirror.Retryable(err))
}

func TestFetchNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	f := New(Config{Timeout: 2 * time.Second, MaxRedirects: 5})
	_, err := f.Fetch(context.Background(), fetchRequest(deadURL+"/"))
	var netErr *mirror.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.True(t, mirror.Retryable(err))
}

func TestFetchContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second, MaxRedirects: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, fetchRequest(srv.URL+"/slow"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, mirror.Retryable(err))
}
