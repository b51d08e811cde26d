package ai

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyTypedErrorsWin(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{Transient(errors.New("anything at all")), ErrorTransient},
		{Overflow(errors.New("anything at all")), ErrorOverflow},
		{Permanent(errors.New("rate limit")), ErrorPermanent}, // typed beats message
		{fmt.Errorf("wrapped: %w", Transient(errors.New("x"))), ErrorTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestClassifyMessageFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"429 Too Many Requests", ErrorTransient},
		{"upstream connection reset", ErrorTransient},
		{"model overloaded, please retry", ErrorTransient},
		{"prompt is too long: 250000 tokens > 200000 maximum", ErrorOverflow},
		{"input is too long for requested model", ErrorOverflow},
		{"invalid api key", ErrorPermanent},
		// "invalid" wins even when rate-limit phrasing is present.
		{"invalid request: rate limit policy", ErrorPermanent},
		{"unknown model id", ErrorPermanent},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestRetryAfterHint(t *testing.T) {
	if got := RetryAfterHint(TransientAfter(errors.New("slow down"), 9*time.Second)); got != 9*time.Second {
		t.Fatalf("typed hint: %v", got)
	}
	cases := []struct {
		msg  string
		want time.Duration
	}{
		{"rate limited, retry after 30s", 30 * time.Second},
		{"please try again in 2.5s", 2500 * time.Millisecond},
		{"Retry-After: 12s", 12 * time.Second},
		{"no hint here", 0},
	}
	for _, tc := range cases {
		if got := RetryAfterHint(errors.New(tc.msg)); got != tc.want {
			t.Errorf("RetryAfterHint(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestStreamFailedMessage(t *testing.T) {
	model := Model{Provider: "anthropic", ID: "claude-test"}
	msg := StreamFailed(model, errors.New("boom"))
	if msg.StopReason != StopReasonError {
		t.Fatalf("stop reason: %v", msg.StopReason)
	}
	if msg.ErrorMessage != "boom" || msg.Model != "claude-test" || msg.Provider != "anthropic" {
		t.Fatalf("message: %+v", msg)
	}
}
