// Package proxy owns the request routing core: account selection, the
// upstream retry state machine, and failure classification.
package proxy

import (
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nghyane/codex-mux/internal/upstream"
)

// FailureKind is the closed set of classified failures. Distinct causes are
// never collapsed into one generic code.
type FailureKind string

const (
	KindAuthExpired         FailureKind = "auth_expired"
	KindRateLimited         FailureKind = "rate_limited"
	KindUpstreamUnavailable FailureKind = "upstream_unavailable"
	KindTransportError      FailureKind = "transport_error"
	KindStreamIncomplete    FailureKind = "stream_incomplete"
	KindNoAccounts          FailureKind = "no_accounts"
	KindInvalidRequest      FailureKind = "invalid_request"
)

// Failure is one classified attempt failure.
type Failure struct {
	Kind FailureKind
	Err  error
	// RetryAfter is the upstream-supplied reset boundary, when present.
	RetryAfter *time.Time
}

// Retryable reports whether a new attempt on a different account may
// succeed. Post-commit and terminal kinds are never retryable.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindAuthExpired, KindRateLimited, KindUpstreamUnavailable, KindTransportError:
		return true
	}
	return false
}

// Classify maps a connection-phase error to a failure kind. It only applies
// before the commit point; post-commit failures are always stream_incomplete.
func Classify(err error) Failure {
	f := Failure{Err: err}
	statusErr, ok := err.(*upstream.StatusError)
	if !ok {
		f.Kind = KindTransportError
		return f
	}
	switch {
	case statusErr.Code == 401:
		f.Kind = KindAuthExpired
	case statusErr.Code == 429:
		f.Kind = KindRateLimited
		f.RetryAfter = retryBoundary(statusErr, time.Now())
	case statusErr.Code >= 500:
		f.Kind = KindUpstreamUnavailable
	default:
		f.Kind = KindInvalidRequest
	}
	return f
}

// retryBoundary derives a reset boundary from a 429 response: the
// Retry-After header when present, otherwise a delay parsed from the error
// message text. Nil when the upstream gave no usable boundary.
func retryBoundary(statusErr *upstream.StatusError, now time.Time) *time.Time {
	if statusErr.RetryAfter != "" {
		if secs, err := strconv.ParseInt(statusErr.RetryAfter, 10, 64); err == nil && secs > 0 {
			t := now.Add(time.Duration(secs) * time.Second)
			return &t
		}
		if at, err := time.Parse(time.RFC1123, statusErr.RetryAfter); err == nil && at.After(now) {
			return &at
		}
	}
	message := gjson.GetBytes(statusErr.Body, "error.message").String()
	if message == "" {
		message = string(statusErr.Body)
	}
	if delay := ParseRetryAfter(message); delay != nil {
		t := now.Add(*delay)
		return &t
	}
	return nil
}

var retryAfterPattern = regexp.MustCompile(`(?i)try again in\s+(\d+(?:\.\d+)?)\s*(ms|s)`)

// ParseRetryAfter extracts a delay from upstream error text like
// "Try again in 1.2s" or "Try again in 500ms". Nil when absent.
func ParseRetryAfter(message string) *time.Duration {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return nil
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	var d time.Duration
	switch m[2] {
	case "ms":
		d = time.Duration(value * float64(time.Millisecond))
	default:
		d = time.Duration(value * float64(time.Second))
	}
	return &d
}
