package stages

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/arxlens/enrichd/pkg/stage"
	"github.com/go-resty/resty/v2"
)

// defaultRateLimitBackoff is used when a 429 arrives without a usable
// Retry-After header.
const defaultRateLimitBackoff = 30 * time.Second

// classifyResponse maps an HTTP outcome onto the retry policy:
// transport errors and 5xx are transient, 429 is rate-limited with the
// provider's Retry-After, any other 4xx is permanent.
func classifyResponse(resp *resty.Response, err error, op string) error {
	if err != nil {
		return stage.Transient(fmt.Sprintf("%s request failed", op), err)
	}
	code := resp.StatusCode()
	switch {
	case code < 400:
		return nil
	case code == http.StatusTooManyRequests:
		return stage.RateLimited(retryAfter(resp), fmt.Sprintf("%s rate limited", op))
	case code >= 500:
		return stage.Transient(fmt.Sprintf("%s upstream error: %s", op, resp.Status()), nil)
	default:
		return stage.Permanent(fmt.Sprintf("%s rejected: %s", op, resp.Status()), nil)
	}
}

// retryAfter reads the Retry-After header, accepting both delta-seconds
// and HTTP-date forms.
func retryAfter(resp *resty.Response) time.Duration {
	header := resp.Header().Get("Retry-After")
	if header == "" {
		return defaultRateLimitBackoff
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return defaultRateLimitBackoff
}
