package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingAccessToken = errors.New("fetch: access token is required")
	ErrRateLimited        = errors.New("fetch: rate limit hit")
)

// StatusError reports a non-2xx upstream status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: upstream returned status %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return nil
}

// Response is the normalized result of one tile request, whether it came
// from the network or from a cache tier.
type Response struct {
	StatusCode   int
	Header       http.Header
	Data         []byte
	ETag         string
	LastModified string
	ExpiresAt    time.Time

	Errors       []error
	RateLimitHit bool

	LoadedFromCache bool
	// IsUpdate marks a second delivery after background revalidation found newer bytes.
	IsUpdate bool
}

func (r *Response) HasError() bool {
	return len(r.Errors) > 0
}

func (r *Response) AddError(err error) {
	r.Errors = append(r.Errors, err)
}

// Err joins all recorded errors, or returns nil.
func (r *Response) Err() error {
	return errors.Join(r.Errors...)
}

// applyHeaders fills the cache metadata from upstream headers. Expiration is
// now+max-age when Cache-Control carries one, otherwise now.
func (r *Response) applyHeaders(h http.Header, now time.Time) {
	r.Header = h
	r.ETag = h.Get("ETag")
	r.LastModified = h.Get("Last-Modified")
	r.ExpiresAt = now
	if maxAge, ok := parseMaxAge(h.Get("Cache-Control")); ok {
		r.ExpiresAt = now.Add(time.Duration(maxAge) * time.Second)
	}
}

func parseMaxAge(cacheControl string) (int64, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		n, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
