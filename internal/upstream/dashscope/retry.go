package dashscope

import (
	"net/http"
	"strconv"
	"time"
)

// parseRetryAfter extracts the retry hint from a throttled or unavailable
// response. Accepts both the delta-seconds and HTTP-date forms of the
// Retry-After header; returns 0 when the upstream sent none.
func parseRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
