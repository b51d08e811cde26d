package ai

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorKind is the engine-facing classification of a provider failure.
// Transient errors are retried with backoff, overflow errors trigger forced
// compaction plus an immediate retry, permanent errors end the turn.
type ErrorKind int

const (
	ErrorPermanent ErrorKind = iota
	ErrorTransient
	ErrorOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorTransient:
		return "transient"
	case ErrorOverflow:
		return "overflow"
	default:
		return "permanent"
	}
}

// ProviderError wraps a provider failure with its classification. Adapters
// that know the failure class (from a status code or typed SDK error) should
// return one of these; otherwise Classify falls back to message matching.
type ProviderError struct {
	Kind ErrorKind
	// RetryAfter is a provider-supplied backoff hint (e.g. a Retry-After
	// header). Zero when the provider gave none.
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " provider error"
	}
	return e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable provider error.
func Transient(err error) *ProviderError {
	return &ProviderError{Kind: ErrorTransient, Err: err}
}

// TransientAfter wraps err as retryable with an explicit backoff hint.
func TransientAfter(err error, after time.Duration) *ProviderError {
	return &ProviderError{Kind: ErrorTransient, RetryAfter: after, Err: err}
}

// Overflow wraps err as a context-window overflow.
func Overflow(err error) *ProviderError {
	return &ProviderError{Kind: ErrorOverflow, Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) *ProviderError {
	return &ProviderError{Kind: ErrorPermanent, Err: err}
}

// Classify determines the error kind. Typed ProviderErrors win; everything
// else falls back to matching the error text against known provider phrasing.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorPermanent
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	msg := err.Error()
	if IsOverflowMessage(msg) {
		return ErrorOverflow
	}
	if isTransientMessage(msg) {
		return ErrorTransient
	}
	return ErrorPermanent
}

// RetryAfterHint extracts a provider backoff hint from err, or 0.
func RetryAfterHint(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter
	}
	if err == nil {
		return 0
	}
	// Some providers embed the hint in the message body.
	if m := retryAfterPattern.FindStringSubmatch(err.Error()); len(m) == 2 {
		if secs, perr := strconv.ParseFloat(m[1], 64); perr == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}

var retryAfterPattern = regexp.MustCompile(`(?i)(?:retry[- _]after[:\s]*|try again in\s+)(\d+(?:\.\d+)?)\s*s`)

// isTransientMessage reports whether the error text looks like a retryable
// failure: 5xx, rate limiting, or connection-level trouble. Rate-limit
// messages containing "invalid" are treated as permanent (bad API key
// phrasing from some gateways).
func isTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "invalid") {
		return false
	}
	transient := []string{
		"429", "500", "502", "503", "504",
		"rate limit", "rate_limit",
		"overloaded",
		"too many requests",
		"service unavailable",
		"internal server error",
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"eof",
	}
	for _, s := range transient {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// StreamFailed builds the error-stop assistant message recorded when a
// stream fails before producing a finalizable response.
func StreamFailed(model Model, err error) *AssistantMessage {
	return &AssistantMessage{
		Content:      []ContentBlock{},
		StopReason:   StopReasonError,
		Model:        model.ID,
		Provider:     model.Provider,
		ErrorMessage: fmt.Sprintf("%v", err),
		Timestamp:    time.Now().UnixMilli(),
	}
}
