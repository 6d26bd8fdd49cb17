package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/docqueue/jobs/model"
)

// Result is the outcome of fetching a URL.
type Result struct {
	Body        []byte
	ContentType string
	FinalURL    string
}

// Fetcher retrieves documents over HTTP. Transient failures and upstream 5xx
// are retried a bounded number of times inside the stage; anything beyond
// that goes back through the job queue.
type Fetcher struct {
	client   *retryablehttp.Client
	maxBytes int64
}

func New(conf *config.Config, log logger.Logger) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = conf.GetIntVar(2, 1, "Fetch.retryMax")
	client.RetryWaitMin = conf.GetDurationVar(1, time.Second, "Fetch.retryWaitMin")
	client.RetryWaitMax = conf.GetDurationVar(10, time.Second, "Fetch.retryWaitMax")
	client.HTTPClient.Timeout = conf.GetDurationVar(30, time.Second, "Fetch.timeout", "FETCH_TIMEOUT")
	client.Logger = &leveledLogger{log.Child("fetch")}
	// hand the last response back instead of swallowing it, so status codes
	// can be classified after the in-stage retries are exhausted
	client.ErrorHandler = func(resp *http.Response, err error, _ int) (*http.Response, error) {
		return resp, err
	}

	return &Fetcher{
		client:   client,
		maxBytes: conf.GetInt64Var(10*1024*1024, 1, "Fetch.maxBytes"),
	}
}

// Fetch downloads the url, enforcing the configured size limit. Errors carry
// the error kind the manager needs for its retry decision: timeouts and
// connection problems are transient, 4xx and oversized bodies are permanent.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, model.NewJobError(model.ErrKindBadInput, fmt.Errorf("invalid url %q", rawURL))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.NewJobError(model.ErrKindBadInput, fmt.Errorf("building request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.NewJobError(model.ErrKindTransientIO, fmt.Errorf("fetching %s: timeout: %w", rawURL, err))
		}
		return nil, model.NewJobError(model.ErrKindTransientIO, fmt.Errorf("fetching %s: %w", rawURL, err))
	}
	if resp == nil {
		return nil, model.NewJobError(model.ErrKindTransientIO, fmt.Errorf("fetching %s: no response", rawURL))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, model.NewJobError(model.ErrKindUpstream5xx, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, model.NewJobError(model.ErrKindUpstream4xx, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, model.NewJobError(model.ErrKindTransientIO, fmt.Errorf("reading %s: %w", rawURL, err))
	}
	if int64(len(body)) > f.maxBytes {
		return nil, model.NewJobError(model.ErrKindTooLarge, fmt.Errorf("fetching %s: body exceeds %d bytes", rawURL, f.maxBytes))
	}

	return &Result{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

// leveledLogger adapts our logger to retryablehttp's LeveledLogger.
type leveledLogger struct {
	log logger.Logger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, keysAndValues...)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Infow(msg, keysAndValues...)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warnw(msg, keysAndValues...)
}
