package scraper

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
)

func TestClassifyFetchError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "blocked"},
		{name: "too many requests", err: nil, statusCode: http.StatusTooManyRequests, expected: "blocked"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "transport"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "transport"},
		{name: "connection refused", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "transport"},
		{name: "server error", err: nil, statusCode: http.StatusInternalServerError, expected: "transport"},
		{name: "other", err: errors.New("boom"), statusCode: 0, expected: "transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifyFetchError("http://example.test/page", tt.statusCode, tt.err)
			if got := errorTypeLabel(classified); got != tt.expected {
				t.Fatalf("label = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestErrorTypeLabelExtraction(t *testing.T) {
	err := ErrExtraction{URL: "http://example.test", Err: errors.New("payload element not found")}
	if got := errorTypeLabel(err); got != "extraction" {
		t.Fatalf("label = %q, want extraction", got)
	}
}

func TestErrorTypeLabelWrapped(t *testing.T) {
	// Labels must survive wrapping, the supervisor wraps before surfacing.
	inner := ErrBlocked{URL: "http://example.test", StatusCode: 403, Err: errors.New("forbidden")}
	wrapped := errors.Join(errors.New("crawl failed"), inner)
	if got := errorTypeLabel(wrapped); got != "blocked" {
		t.Fatalf("label = %q, want blocked", got)
	}
}

func TestBlockedGuidance(t *testing.T) {
	err := ErrBlocked{URL: "http://example.test", StatusCode: 429, Err: errors.New("too many requests")}
	if g := err.Guidance(); !strings.Contains(g, "pacing") {
		t.Fatalf("guidance should mention pacing, got %q", g)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	for _, err := range []error{
		ErrExtraction{URL: "u", Err: cause},
		ErrBlocked{URL: "u", StatusCode: 403, Err: cause},
		ErrTransport{URL: "u", Err: cause},
	} {
		if !errors.Is(err, cause) {
			t.Fatalf("%T should unwrap to its cause", err)
		}
	}
}
