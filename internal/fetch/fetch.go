package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/John-Robertt/nodemerge/internal/model"
)

type Kind int

const (
	KindLocal Kind = iota
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

func (k Kind) stage() string {
	switch k {
	case KindLocal:
		return "read_local"
	case KindRemote:
		return "fetch_remote"
	default:
		// Unknown kind is a programmer error; still return something stable.
		return "fetch"
	}
}

// Source is one input of the merge job: a local path or an http(s) URL.
type Source struct {
	Kind     Kind
	Location string
}

type Options struct {
	Timeout      time.Duration // per attempt, default 25s
	Attempts     int           // default 3
	RetryDelay   time.Duration // fixed wait between attempts, default 3s; negative means none
	UserAgent    string        // default "ClashMeta/1.18.0"
	MaxBytes     int64         // default 10 MiB
	MaxRedirects int           // default 5

	// Logger receives one debug line per failed attempt. Nil uses slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = 25 * time.Second
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 3 * time.Second
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.UserAgent == "" {
		o.UserAgent = "ClashMeta/1.18.0"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 10 * 1024 * 1024
	}
	if o.MaxRedirects == 0 {
		o.MaxRedirects = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type FetchError struct {
	Status   int // upstream HTTP status, 0 when no response was received
	Attempts int // attempts made before giving up
	AppError model.AppError
	Cause    error

	retryable bool
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

func (e *FetchError) App() model.AppError { return e.AppError }

// NotFound reports whether err is a missing local source, which callers
// treat as a warning rather than a failure.
func NotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.AppError.Code == "SOURCE_NOT_FOUND"
}

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectBadScheme  = errors.New("redirect target scheme is not http/https")
	errInvalidURLOrScheme = errors.New("invalid url or scheme")
)

// Read returns the text of src.
func Read(ctx context.Context, src Source, opt Options) (string, error) {
	switch src.Kind {
	case KindLocal:
		return ReadLocal(src.Location, opt)
	case KindRemote:
		return FetchText(ctx, src.Location, opt)
	default:
		return "", &FetchError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: fmt.Sprintf("未知的来源类型：%d", src.Kind),
				Stage:   src.Kind.stage(),
				URL:     src.Location,
			},
		}
	}
}

// ReadLocal reads a local source file.
func ReadLocal(path string, opt Options) (string, error) {
	opt = opt.withDefaults()
	stage := KindLocal.stage()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &FetchError{
				AppError: model.AppError{
					Code:    "SOURCE_NOT_FOUND",
					Message: "本地文件不存在",
					Stage:   stage,
					URL:     path,
				},
				Cause: err,
			}
		}
		return "", &FetchError{
			AppError: model.AppError{
				Code:    "SOURCE_UNAVAILABLE",
				Message: "读取本地文件失败",
				Stage:   stage,
				URL:     path,
			},
			Cause: err,
		}
	}
	defer f.Close()

	body, err := io.ReadAll(io.LimitReader(f, opt.MaxBytes+1))
	if err != nil {
		return "", &FetchError{
			AppError: model.AppError{
				Code:    "SOURCE_UNAVAILABLE",
				Message: "读取本地文件失败",
				Stage:   stage,
				URL:     path,
			},
			Cause: err,
		}
	}
	text, fe := checkBody(body, opt.MaxBytes, stage, path, "本地文件")
	if fe != nil {
		return "", fe
	}
	return text, nil
}

// FetchText GETs rawURL, retrying transient failures (network errors,
// timeouts, non-2xx responses) up to opt.Attempts times with a fixed delay.
// The error of the last attempt is returned.
func FetchText(ctx context.Context, rawURL string, opt Options) (string, error) {
	opt = opt.withDefaults()

	var lastErr *FetchError
	for attempt := 1; attempt <= opt.Attempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(opt.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				lastErr.Attempts = attempt - 1
				return "", lastErr
			case <-t.C:
			}
		}

		text, err := fetchOnce(ctx, rawURL, opt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		lastErr.Attempts = attempt
		if !err.retryable {
			return "", lastErr
		}
		opt.Logger.Debug("fetch attempt failed", "url", rawURL, "attempt", attempt, "of", opt.Attempts, "error", err)
		if ctx.Err() != nil {
			return "", lastErr
		}
	}
	return "", lastErr
}

func fetchOnce(ctx context.Context, rawURL string, opt Options) (string, *FetchError) {
	stage := KindRemote.stage()

	if opt.MaxBytes <= 0 {
		return "", &FetchError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "响应大小上限必须大于 0",
				Stage:   stage,
				URL:     rawURL,
			},
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", &FetchError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "仅允许 http/https URL",
				Stage:   stage,
				URL:     rawURL,
			},
			Cause: errors.Join(errInvalidURLOrScheme, err),
		}
	}

	maxRedirects := opt.MaxRedirects
	client := &http.Client{
		Timeout:   opt.Timeout,
		Transport: http.DefaultTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// via is already the chain of previous requests; allow up to maxRedirects redirects.
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &FetchError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "请求 URL 不合法",
				Stage:   stage,
				URL:     rawURL,
			},
			Cause: err,
		}
	}
	// Some sources reject the default Go client identifier.
	req.Header.Set("User-Agent", opt.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		if errors.Is(err, errTooManyRedirects) {
			return "", &FetchError{
				AppError: model.AppError{
					Code:    "FETCH_FAILED",
					Message: fmt.Sprintf("重定向次数超过上限（>%d）", maxRedirects),
					Stage:   stage,
					URL:     rawURL,
				},
				Cause: err,
			}
		}
		if errors.Is(err, errRedirectBadScheme) {
			return "", &FetchError{
				AppError: model.AppError{
					Code:    "INVALID_ARGUMENT",
					Message: "重定向目标仅允许 http/https",
					Stage:   stage,
					URL:     rawURL,
				},
				Cause: err,
			}
		}

		// Timeout detection: Go may wrap errors (e.g. *url.Error).
		var ne net.Error
		if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
			return "", &FetchError{
				AppError: model.AppError{
					Code:    "FETCH_TIMEOUT",
					Message: "拉取远程资源超时",
					Stage:   stage,
					URL:     rawURL,
				},
				Cause:     err,
				retryable: true,
			}
		}

		return "", &FetchError{
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: "拉取远程资源失败",
				Stage:   stage,
				URL:     rawURL,
			},
			Cause:     err,
			retryable: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused by the next attempt.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &FetchError{
			Status: resp.StatusCode,
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: fmt.Sprintf("上游返回非 2xx 状态码：%d", resp.StatusCode),
				Stage:   stage,
				URL:     rawURL,
			},
			retryable: true,
		}
	}

	// Read at most maxBytes+1 to detect overflow deterministically.
	body, err := io.ReadAll(io.LimitReader(resp.Body, opt.MaxBytes+1))
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", &FetchError{
				Status: resp.StatusCode,
				AppError: model.AppError{
					Code:    "FETCH_TIMEOUT",
					Message: "拉取远程资源超时",
					Stage:   stage,
					URL:     rawURL,
				},
				Cause:     err,
				retryable: true,
			}
		}
		return "", &FetchError{
			Status: resp.StatusCode,
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: "读取上游响应失败",
				Stage:   stage,
				URL:     rawURL,
			},
			Cause:     err,
			retryable: true,
		}
	}

	text, fe := checkBody(body, opt.MaxBytes, stage, rawURL, "远程资源")
	if fe != nil {
		fe.Status = resp.StatusCode
		return "", fe
	}
	return text, nil
}

func checkBody(body []byte, maxBytes int64, stage, location, what string) (string, *FetchError) {
	if int64(len(body)) > maxBytes {
		return "", &FetchError{
			AppError: model.AppError{
				Code:    "TOO_LARGE",
				Message: fmt.Sprintf("%s过大（>%d bytes）", what, maxBytes),
				Stage:   stage,
				URL:     location,
			},
		}
	}
	if !utf8.Valid(body) {
		return "", &FetchError{
			AppError: model.AppError{
				Code:    "FETCH_INVALID_UTF8",
				Message: fmt.Sprintf("%s不是合法 UTF-8 文本", what),
				Stage:   stage,
				URL:     location,
			},
		}
	}
	return strings.TrimPrefix(string(body), "\uFEFF"), nil
}
