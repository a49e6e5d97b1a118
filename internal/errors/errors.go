// Package errors classifies failures of the collection engine into the kinds
// that drive retry decisions, and provides the retry policy and executor used
// around every upstream call.
//
// Kinds:
//   - RateLimited: upstream asked us to slow down; retried with backoff.
//   - Transient: timeouts, connection failures, 5xx; retried up to a bound.
//   - Permanent: bad request, unknown symbol or interval; never retried.
//   - Persistence: the candle store failed; the owning job fails.
//
// A candle dropped by validation is not an error and has no kind.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind is the retry classification of an error.
type Kind string

const (
	KindUnknown     Kind = "unknown"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindPermanent   Kind = "permanent"
	KindPersistence Kind = "persistence"
)

// Retryable reports whether errors of this kind may be retried.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

// ClassifiedError carries the kind of a failure together with where it
// happened. RetryAfter is an upstream hint and may be zero.
type ClassifiedError struct {
	Kind       Kind
	Op         string
	Symbol     string
	Interval   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Symbol != "" {
		b.WriteString(" ")
		b.WriteString(e.Symbol)
		if e.Interval != "" {
			b.WriteString("/")
			b.WriteString(e.Interval)
		}
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is matches another ClassifiedError of the same kind, so callers can write
// errors.Is(err, &ClassifiedError{Kind: KindPermanent}).
func (e *ClassifiedError) Is(target error) bool {
	t, ok := target.(*ClassifiedError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel values usable with errors.Is.
var (
	ErrRateLimited = &ClassifiedError{Kind: KindRateLimited}
	ErrTransient   = &ClassifiedError{Kind: KindTransient}
	ErrPermanent   = &ClassifiedError{Kind: KindPermanent}
	ErrPersistence = &ClassifiedError{Kind: KindPersistence}
)

// RateLimited wraps err as a rate-limit rejection.
func RateLimited(op string, retryAfter time.Duration, err error) *ClassifiedError {
	return &ClassifiedError{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: KindPermanent, Op: op, Err: err}
}

// Persistence wraps a store failure.
func Persistence(op string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: KindPersistence, Op: op, Err: err}
}

// FromHTTPStatus classifies an HTTP response status. 429 and 418 (Binance's
// IP ban) are rate limits, 5xx and 408 are transient, other 4xx permanent.
func FromHTTPStatus(op string, status int, retryAfter time.Duration, err error) *ClassifiedError {
	ce := &ClassifiedError{Op: op, StatusCode: status, RetryAfter: retryAfter, Err: err}
	switch {
	case status == 429 || status == 418:
		ce.Kind = KindRateLimited
	case status == 408 || status >= 500:
		ce.Kind = KindTransient
	case status >= 400:
		ce.Kind = KindPermanent
	default:
		ce.Kind = KindUnknown
	}
	return ce
}

// WithPair annotates a classified error with the pair it concerns. Other
// errors are returned unchanged.
func WithPair(err error, symbol, interval string) error {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Symbol == "" {
		annotated := *ce
		annotated.Symbol = symbol
		annotated.Interval = interval
		return &annotated
	}
	return err
}

// KindOf classifies any error. Classified errors keep their kind; context
// cancellation is permanent since retrying cannot help; network errors are
// transient; everything else is unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindPermanent
	}

	if IsNetworkError(err) {
		return KindTransient
	}

	return KindUnknown
}

// RetryAfterOf returns the upstream retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// IsNetworkError checks if the error is network-related
func IsNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"tls handshake timeout",
		"unexpected eof",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
