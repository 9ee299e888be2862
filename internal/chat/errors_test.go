package chat_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"charchat/internal/chat"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		status        int
		authenticated bool
		want          chat.ErrorKind
	}{
		{400, false, chat.CredentialRequired},
		{400, true, chat.CredentialRequired},
		{403, false, chat.AuthenticationRequired},
		{403, true, chat.QuotaExceeded},
		{429, false, chat.RateLimited},
		{429, true, chat.RateLimited},
		{500, false, chat.UpstreamFailure},
		{502, true, chat.UpstreamFailure},
		{503, false, chat.UpstreamFailure},
		{404, false, chat.UnknownError},
		{401, true, chat.UnknownError},
		{418, false, chat.UnknownError},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_auth=%v", tc.status, tc.authenticated), func(t *testing.T) {
			if got := chat.Classify(tc.status, tc.authenticated); got != tc.want {
				t.Fatalf("Classify(%d, %v) = %v, want %v", tc.status, tc.authenticated, got, tc.want)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	for _, status := range []int{400, 403, 429, 500, 404} {
		for _, auth := range []bool{false, true} {
			first := chat.Classify(status, auth)
			for i := 0; i < 3; i++ {
				if got := chat.Classify(status, auth); got != first {
					t.Fatalf("Classify(%d, %v) changed between calls", status, auth)
				}
			}
		}
	}
}

func TestRetryable(t *testing.T) {
	retryable := map[chat.ErrorKind]bool{
		chat.UnknownError:           true,
		chat.CredentialRequired:    false,
		chat.AuthenticationRequired: false,
		chat.QuotaExceeded:          false,
		chat.UpstreamFailure:        true,
		chat.RateLimited:            true,
	}
	for kind, want := range retryable {
		if got := kind.Retryable(); got != want {
			t.Errorf("%v.Retryable() = %v, want %v", kind, got, want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyErr(t *testing.T) {
	if got := chat.ClassifyErr(nil, true); got != nil {
		t.Fatalf("nil input classified as %v", got)
	}

	// Already-classified errors pass through unchanged.
	orig := &chat.Error{Kind: chat.QuotaExceeded, Message: "limit", Status: 403}
	if got := chat.ClassifyErr(fmt.Errorf("wrapped: %w", orig), true); got != orig {
		t.Fatalf("classified error not passed through: %v", got)
	}

	// Status errors are classified with the auth flag.
	got := chat.ClassifyErr(&chat.StatusError{Code: 403, Body: "no"}, false)
	if got.Kind != chat.AuthenticationRequired || got.Status != 403 {
		t.Fatalf("status classification wrong: %+v", got)
	}
	if got.Message == "" {
		t.Fatal("classified error has no user-facing message")
	}

	// Timeouts surface as retryable upstream failures.
	if got := chat.ClassifyErr(context.DeadlineExceeded, true); got.Kind != chat.UpstreamFailure {
		t.Fatalf("deadline classified as %v", got.Kind)
	}
	if got := chat.ClassifyErr(timeoutErr{}, true); got.Kind != chat.UpstreamFailure {
		t.Fatalf("net timeout classified as %v", got.Kind)
	}

	// Anything else is unknown, and unknown is retryable.
	got = chat.ClassifyErr(errors.New("connection refused"), true)
	if got.Kind != chat.UnknownError || !got.Kind.Retryable() {
		t.Fatalf("transport error classified as %v", got.Kind)
	}
}

func TestErrorString(t *testing.T) {
	e := &chat.Error{Kind: chat.RateLimited, Message: "slow down", Status: 429}
	if got := e.Error(); got != "rate_limited (HTTP 429): slow down" {
		t.Fatalf("unexpected error string %q", got)
	}
	e = &chat.Error{Kind: chat.UnknownError, Message: "boom"}
	if got := e.Error(); got != "unknown_error: boom" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestPageCursorObserve(t *testing.T) {
	c := chat.NewPageCursor(3)

	c.Observe(3)
	if c.ReachedEnd || c.Page != 2 {
		t.Fatalf("full page latched: %+v", c)
	}
	c.Observe(2)
	if !c.ReachedEnd || c.Page != 3 {
		t.Fatalf("short page did not latch: %+v", c)
	}

	c = chat.NewPageCursor(3)
	c.Observe(0)
	if !c.ReachedEnd {
		t.Fatalf("empty page did not latch: %+v", c)
	}
}
