package usecase

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"squadron/internal/domain"
)

// ErrorCategory indicates whether a backend error is worth retrying.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // throttling, 5xx, transient network
	ErrorCategoryPermanent               // auth, validation, guardrail, cancellation
)

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // mapped domain sentinel, or nil
	StatusCode int   // HTTP status when the error exposes one
}

// httpStatusError is implemented by AWS SDK response errors.
type httpStatusError interface {
	HTTPStatusCode() int
}

// ErrorClassifier decides which backend failures are transient.
type ErrorClassifier struct{}

func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// Classify inspects err: domain sentinels first, then an HTTP status the
// error exposes, then well-known message fragments.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}
	if ce := c.classifyBySentinel(err); ce.Category != ErrorCategoryUnknown {
		return ce
	}
	var se httpStatusError
	if errors.As(err, &se) && se.HTTPStatusCode() > 0 {
		return c.classifyByStatus(err, se.HTTPStatusCode())
	}
	return c.classifyByString(err)
}

func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	permanent := func(s error) ClassifiedError {
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: s}
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return permanent(nil)
	case errors.Is(err, domain.ErrRateLimit):
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrRateLimit}
	case errors.Is(err, domain.ErrTimeout):
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrTimeout}
	case errors.Is(err, domain.ErrAuthInvalid):
		return permanent(domain.ErrAuthInvalid)
	case errors.Is(err, domain.ErrContextOverflow):
		return permanent(domain.ErrContextOverflow)
	case errors.Is(err, domain.ErrGuardrailViolation):
		return permanent(domain.ErrGuardrailViolation)
	case errors.Is(err, domain.ErrInvalidInput):
		return permanent(domain.ErrInvalidInput)
	default:
		return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
	}
}

func (c *ErrorClassifier) classifyByStatus(err error, code int) ClassifiedError {
	ce := ClassifiedError{Original: err, StatusCode: code, Category: ErrorCategoryPermanent}
	switch {
	case code == 429:
		ce.Category, ce.Sentinel = ErrorCategoryRetryable, domain.ErrRateLimit
	case code == 408 || code == 504:
		ce.Category, ce.Sentinel = ErrorCategoryRetryable, domain.ErrTimeout
	case code >= 500 && code < 600:
		ce.Category = ErrorCategoryRetryable
	case code == 401 || code == 403:
		ce.Sentinel = domain.ErrAuthInvalid
	}
	return ce
}

func (c *ErrorClassifier) classifyByString(err error) ClassifiedError {
	lower := strings.ToLower(err.Error())
	for _, p := range []string{"throttl", "rate limit", "too many requests"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrRateLimit}
		}
	}
	for _, p := range []string{
		"connection refused", "connection reset", "no such host",
		"timeout", "service unavailable", "eof",
	} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}

// RetryPolicy is exponential backoff with up to 25% jitter.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy retries three times starting at 500ms, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay << min(attempt, 30)
	if delay <= 0 || (p.MaxDelay > 0 && delay > p.MaxDelay) {
		delay = p.MaxDelay
	}
	return delay + time.Duration(rand.Int64N(int64(delay/4)+1))
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
