package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorClass is the failure taxonomy the planner reacts to.
type ErrorClass string

// Error classes.
const (
	ClassNone           ErrorClass = ""
	ClassTransient      ErrorClass = "transient"
	ClassRateLimited    ErrorClass = "rate_limited"
	ClassPermanentItem  ErrorClass = "permanent_item"
	ClassPermanent      ErrorClass = "permanent"
	ClassTargetTerminal ErrorClass = "target_terminal"
	ClassConfigFatal    ErrorClass = "config_fatal"
)

var (
	// ErrTargetTerminal marks a sub-resource that will never yield more data.
	ErrTargetTerminal = errors.New("target terminal")
	// ErrThreadGone is returned when a forum thread has been archived or pruned.
	ErrThreadGone = fmt.Errorf("thread gone: %w", ErrTargetTerminal)
	// ErrConfigFatal marks startup configuration that makes all work impossible.
	ErrConfigFatal = errors.New("fatal configuration error")
	// ErrSkipItem is returned by normalizers for items without a usable body or timestamp.
	ErrSkipItem = errors.New("skip item")
	// ErrQueueClosed is returned by queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// RateLimitedError is returned when a source answers 429 or equivalent.
type RateLimitedError struct {
	RetryAfter time.Duration
	Source     string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Source)
}

// TransientError wraps network and 5xx failures that are worth retrying next cycle.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

// Unwrap exposes the cause.
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps client errors (4xx other than 404/429) and undecodable responses.
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent (status %d): %v", e.StatusCode, e.Err)
	}
	return "permanent: " + e.Err.Error()
}

// Unwrap exposes the cause.
func (e *PermanentError) Unwrap() error { return e.Err }

// Classify maps an error onto the taxonomy. Unknown errors are permanent.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	if errors.Is(err, ErrConfigFatal) {
		return ClassConfigFatal
	}
	if errors.Is(err, ErrTargetTerminal) {
		return ClassTargetTerminal
	}
	if errors.Is(err, ErrSkipItem) {
		return ClassPermanentItem
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassPermanent
}

// RetryAfter extracts the hint from a rate-limit error, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// ClassifyStatus turns a non-2xx HTTP status into a typed error.
// 404 maps to notFound so callers can decide what a missing resource means.
func ClassifyStatus(source string, status int, retryAfter time.Duration, notFound error) error {
	switch {
	case status == 429:
		return &RateLimitedError{RetryAfter: retryAfter, Source: source}
	case status == 404 && notFound != nil:
		return notFound
	case status == 408 || status >= 500:
		return &TransientError{Err: fmt.Errorf("%s returned status %d", source, status)}
	default:
		return &PermanentError{StatusCode: status, Err: fmt.Errorf("%s returned status %d", source, status)}
	}
}

// ParseRetryAfter reads a Retry-After header given as seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
