package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"popsync/internal/config"
	"popsync/internal/errdefs"

	"github.com/sirupsen/logrus"
)

// Response is the part of an HTTP response the pipeline consumes. Body is
// empty for HEAD requests.
type Response struct {
	Status int
	Header http.Header
	// ContentLength is -1 when the server did not declare one.
	ContentLength int64
	Body          []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Client wraps net/http with the retry behaviour shared by every upstream
// call: transport errors, 429 and 5xx responses are retried up to
// retryCfg.Attempts times with a fixed delay.
type Client struct {
	http      *http.Client
	retryCfg  config.RetryConfig
	userAgent string
	log       *logrus.Entry
}

type Option func(*Client)

// WithUserAgent sets the User-Agent sent on every request. Some public data
// hosts reject requests without a contact address in it.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New builds a Client. Zero retry values fall back to 3 attempts and 1500ms.
func New(retryCfg config.RetryConfig, timeout time.Duration, opts ...Option) *Client {
	if retryCfg.Attempts == 0 {
		retryCfg.Attempts = 3
	}
	if retryCfg.DelayMS == 0 {
		retryCfg.DelayMS = 1500
	}
	c := &Client{
		http:     &http.Client{Timeout: timeout},
		retryCfg: retryCfg,
		log:      logrus.WithField("component", "httpx"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get fetches url and returns the full body. Only a transport failure (after
// retries) is an error; non-2xx statuses are returned to the caller.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.do(ctx, http.MethodGet, url)
}

// Head issues a metadata-only request.
func (c *Client) Head(ctx context.Context, url string) (*Response, error) {
	return c.do(ctx, http.MethodHead, url)
}

func (c *Client) do(ctx context.Context, method, url string) (*Response, error) {
	var (
		resp *Response
		err  error
	)

	for attempt := 1; attempt <= c.retryCfg.Attempts; attempt++ {
		resp, err = c.once(ctx, method, url)
		if err == nil && !retryable(resp.Status) {
			return resp, nil
		}

		if err != nil {
			c.log.Warnf("%s %s failed (attempt %d/%d): %v", method, url, attempt, c.retryCfg.Attempts, err)
		} else {
			c.log.Warnf("%s %s returned %d (attempt %d/%d)", method, url, resp.Status, attempt, c.retryCfg.Attempts)
		}

		if attempt < c.retryCfg.Attempts {
			select {
			case <-ctx.Done():
				return nil, errdefs.Transport(method+" "+url, ctx.Err())
			case <-time.After(time.Duration(c.retryCfg.DelayMS) * time.Millisecond):
			}
		}
	}

	if err != nil {
		return nil, errdefs.Transport(method+" "+url, err)
	}
	// Retries exhausted on a retryable status: hand the last response back.
	return resp, nil
}

func (c *Client) once(ctx context.Context, method, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	out := &Response{Status: res.StatusCode, Header: res.Header, ContentLength: res.ContentLength}
	if method != http.MethodHead {
		out.Body, err = io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}
	return out, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
