// Package fetch performs signed tile requests against the Mapbox API and
// normalizes their results into Response values.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/config"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/metrics"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/telemetry"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const DefaultTimeout = 10 * time.Second

type Client struct {
	httpClient  *http.Client
	accessToken string
	sku         *SKU
	sem         *semaphore.Weighted
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      logger.Logger
	now         func() time.Time
}

func NewClient(cfg config.Mapbox, m *metrics.Metrics, l logger.Logger) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxConcurrent := cfg.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Client{
		httpClient:  &http.Client{},
		accessToken: cfg.AccessToken,
		sku:         NewSKU(cfg.SKUID),
		sem:         semaphore.NewWeighted(maxConcurrent),
		timeout:     timeout,
		metrics:     m,
		logger:      l.With("component", "fetch"),
		now:         time.Now,
	}, nil
}

// SignURL appends the access token and SKU token to uri.
func (c *Client) SignURL(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", c.accessToken)
	q.Set("sku", c.sku.Token())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) Get(ctx context.Context, uri string) *Response {
	return c.do(ctx, http.MethodGet, uri)
}

// Head fetches only the headers of uri; it is used for ETag revalidation.
func (c *Client) Head(ctx context.Context, uri string) *Response {
	return c.do(ctx, http.MethodHead, uri)
}

// do never returns a nil Response. Transport, status and read failures are
// recorded in Response.Errors.
func (c *Client) do(ctx context.Context, method, uri string) *Response {
	res := &Response{}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "fetch "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.URLPath(pathOf(uri)),
		),
	)
	defer span.End()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		res.AddError(fmt.Errorf("waiting for request slot: %w", err))
		c.finish(span, method, res)
		return res
	}
	defer c.sem.Release(1)

	signed, err := c.SignURL(uri)
	if err != nil {
		res.AddError(err)
		c.finish(span, method, res)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, method, signed, nil)
	if err != nil {
		res.AddError(fmt.Errorf("failed to create request: %w", err))
		c.finish(span, method, res)
		return res
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		res.AddError(fmt.Errorf("failed to fetch %s: %w", pathOf(uri), stripURL(err)))
		c.finish(span, method, res)
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.applyHeaders(resp.Header, c.now())
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))

	if resp.StatusCode == http.StatusTooManyRequests {
		res.RateLimitHit = true
		c.metrics.RateLimitHits.Inc()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.AddError(&StatusError{Code: resp.StatusCode})
		io.Copy(io.Discard, resp.Body)
		c.finish(span, method, res)
		return res
	}

	if method != http.MethodHead {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			res.AddError(fmt.Errorf("failed to read response body: %w", err))
			c.finish(span, method, res)
			return res
		}
		res.Data = data
	}

	c.finish(span, method, res)
	return res
}

func (c *Client) finish(span trace.Span, method string, res *Response) {
	outcome := "ok"
	switch {
	case res.RateLimitHit:
		outcome = "rate_limited"
	case res.HasError():
		outcome = "error"
		var se *StatusError
		if errors.As(res.Err(), &se) {
			outcome = "status"
		} else if errors.Is(res.Err(), context.Canceled) {
			outcome = "canceled"
		}
	}
	c.metrics.UpstreamRequests.WithLabelValues(method, outcome).Inc()

	if res.HasError() {
		span.RecordError(res.Err())
		span.SetStatus(codes.Error, outcome)
		c.logger.Debug("upstream request failed", "method", method, "status", res.StatusCode, "error", res.Err())
	}
}

// stripURL removes the signed URL from transport errors so the access token
// never reaches logs or callers.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func pathOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Path
}
