package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func testConfig(endpoint string) FetcherConfig {
	return FetcherConfig{
		Endpoint:      endpoint,
		Timeout:       time.Second,
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		RatePerMinute: 60000,
	}
}

func TestFetcher_PostsNormalizedNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "01234567890123451234", r.PostForm.Get("cardnumber"))
		assert.Equal(t, "0", r.PostForm.Get("submitButton.x"))
		_, _ = w.Write([]byte("  <html>ok</html>\n"))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL), newNoopLogger())
	doc, err := f.Fetch(context.Background(), "0123 4567 8901 2345 1234")
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(doc))
}

func TestFetcher_RetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL), newNoopLogger())
	doc, err := f.Fetch(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(doc))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetcher_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL), newNoopLogger())
	_, err := f.Fetch(context.Background(), "1234")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetcher_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	f := NewFetcher(cfg, newNoopLogger())
	_, err := f.Fetch(context.Background(), "1234")
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetcher_MockFile(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.MockFile = filepath.Join("testdata", "balance.html")

	f := NewFetcher(cfg, newNoopLogger())
	doc, err := f.Fetch(context.Background(), "1234")
	require.NoError(t, err)

	state, err := Parse(doc)
	require.NoError(t, err)
	assert.Len(t, state.Products, 2)
}

func TestFetcher_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewFetcher(testConfig(srv.URL), newNoopLogger())
	_, err := f.Fetch(ctx, "1234")
	assert.Error(t, err)
}

func TestNormalizeNumber(t *testing.T) {
	assert.Equal(t, "12345678", NormalizeNumber("1234-5678 "))
	assert.Equal(t, "", NormalizeNumber("abcd"))
}
