package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastOptions() Options {
	return Options{Timeout: time.Second, Attempts: 3, RetryDelay: 5 * time.Millisecond}
}

func TestFetchText_UnsupportedScheme(t *testing.T) {
	_, err := FetchText(context.Background(), "file:///etc/passwd", fastOptions())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.AppError.Code != "INVALID_ARGUMENT" {
		t.Fatalf("code=%q, want=%q", fe.AppError.Code, "INVALID_ARGUMENT")
	}
	if fe.AppError.Stage != "fetch_remote" {
		t.Fatalf("stage=%q, want=%q", fe.AppError.Stage, "fetch_remote")
	}
	if fe.Attempts != 1 {
		t.Fatalf("attempts=%d, want=1 (invalid URLs are not retried)", fe.Attempts)
	}
}

func TestFetchText_SendsUserAgent(t *testing.T) {
	var ua atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("proxies: []\n"))
	}))
	defer ts.Close()

	got, err := FetchText(context.Background(), ts.URL, fastOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "proxies: []\n" {
		t.Fatalf("body=%q", got)
	}
	if ua.Load() != "ClashMeta/1.18.0" {
		t.Fatalf("user-agent=%q, want=%q", ua.Load(), "ClashMeta/1.18.0")
	}
}

func TestFetchText_RetriesNon2xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	got, err := FetchText(context.Background(), ts.URL, fastOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("body=%q, want=%q", got, "ok")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls=%d, want=3", calls.Load())
	}
}

func TestFetchText_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	opt := fastOptions()
	opt.Attempts = 2
	_, err := FetchText(context.Background(), ts.URL, opt)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.AppError.Code != "FETCH_FAILED" || fe.Status != http.StatusNotFound {
		t.Fatalf("code=%q status=%d", fe.AppError.Code, fe.Status)
	}
	if calls.Load() != 2 || fe.Attempts != 2 {
		t.Fatalf("calls=%d attempts=%d, want 2/2", calls.Load(), fe.Attempts)
	}
}

func TestFetchText_TooLarge(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(strings.Repeat("a", 32)))
	}))
	defer ts.Close()

	opt := fastOptions()
	opt.MaxBytes = 10
	_, err := FetchText(context.Background(), ts.URL, opt)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.AppError.Code != "TOO_LARGE" {
		t.Fatalf("code=%q, want=%q", fe.AppError.Code, "TOO_LARGE")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, oversized bodies must not be retried", calls.Load())
	}
}

func TestFetchText_InvalidUTF8(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 0xff is always invalid in UTF-8.
		_, _ = w.Write([]byte{0xff, 0xfe, 0xfd})
	}))
	defer ts.Close()

	_, err := FetchText(context.Background(), ts.URL, fastOptions())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.AppError.Code != "FETCH_INVALID_UTF8" {
		t.Fatalf("code=%q, want=%q", fe.AppError.Code, "FETCH_INVALID_UTF8")
	}
}

func TestFetchText_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	opt := fastOptions()
	opt.Timeout = 50 * time.Millisecond
	opt.Attempts = 2
	_, err := FetchText(context.Background(), ts.URL, opt)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.AppError.Code != "FETCH_TIMEOUT" {
		t.Fatalf("code=%q, want=%q", fe.AppError.Code, "FETCH_TIMEOUT")
	}
	if fe.Attempts != 2 {
		t.Fatalf("attempts=%d, want=2", fe.Attempts)
	}
}

func TestFetchText_CancelDuringRetryWait(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	opt := fastOptions()
	opt.RetryDelay = time.Hour
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := FetchText(ctx, ts.URL, opt)
	if err == nil {
		t.Fatalf("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancellation did not interrupt the retry wait")
	}
}

func TestFetchText_TooManyRedirects(t *testing.T) {
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, ts.URL, http.StatusFound)
	}))
	defer ts.Close()

	opt := fastOptions()
	opt.MaxRedirects = 2
	_, err := FetchText(context.Background(), ts.URL, opt)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.AppError.Code != "FETCH_FAILED" {
		t.Fatalf("code=%q, want=%q", fe.AppError.Code, "FETCH_FAILED")
	}
}

func TestFetchText_RedirectToNonHTTP(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "file:///etc/passwd", http.StatusFound)
	}))
	defer ts.Close()

	_, err := FetchText(context.Background(), ts.URL, fastOptions())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.AppError.Code != "INVALID_ARGUMENT" {
		t.Fatalf("code=%q, want=%q", fe.AppError.Code, "INVALID_ARGUMENT")
	}
}

func TestReadLocal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.yaml")
	if err := os.WriteFile(path, []byte("\uFEFFproxies: []\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Read(context.Background(), Source{Kind: KindLocal, Location: path}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "proxies: []\n" {
		t.Fatalf("body=%q, BOM must be stripped", got)
	}
}

func TestReadLocal_Missing(t *testing.T) {
	_, err := ReadLocal(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	if !NotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.AppError.Stage != "read_local" {
		t.Fatalf("err=%v", err)
	}
}

func TestReadLocal_Directory(t *testing.T) {
	_, err := ReadLocal(t.TempDir(), Options{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if NotFound(err) {
		t.Fatalf("a directory is not a missing file: %v", err)
	}
}
