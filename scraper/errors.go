package scraper

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrExtraction indicates a page was fetched but its embedded payload was
// missing, malformed, or of an unexpected shape. Recoverable through the
// supervisor's retry path.
type ErrExtraction struct {
	URL string
	Err error
}

func (e ErrExtraction) Error() string {
	return fmt.Sprintf("extraction %s: %v", e.URL, e.Err)
}

func (e ErrExtraction) Unwrap() error {
	return e.Err
}

// ErrBlocked indicates the source is actively refusing requests. Terminal
// once retries are exhausted.
type ErrBlocked struct {
	URL        string
	StatusCode int
	Err        error
}

func (e ErrBlocked) Error() string {
	return fmt.Sprintf("blocked (status %d) %s: %v", e.StatusCode, e.URL, e.Err)
}

func (e ErrBlocked) Unwrap() error {
	return e.Err
}

// Guidance returns operator advice for a blocked crawl.
func (e ErrBlocked) Guidance() string {
	return "the source is refusing requests: wait before relaunching and widen the pacing delay bounds or lower the batch cadence"
}

// ErrTransport indicates a network-level fetch failure. Treated like an
// extraction failure for retry purposes.
type ErrTransport struct {
	URL string
	Err error
}

func (e ErrTransport) Error() string {
	return fmt.Sprintf("transport %s: %v", e.URL, e.Err)
}

func (e ErrTransport) Unwrap() error {
	return e.Err
}

// classifyFetchError maps an HTTP status and transport error onto the crawl
// error taxonomy.
func classifyFetchError(url string, statusCode int, err error) error {
	switch statusCode {
	case http.StatusForbidden, http.StatusTooManyRequests:
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		return ErrBlocked{URL: url, StatusCode: statusCode, Err: wrapped}
	}

	if err == nil {
		err = fmt.Errorf("http status %d", statusCode)
	}
	return ErrTransport{URL: url, Err: err}
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var blocked ErrBlocked
	if errors.As(err, &blocked) {
		return "blocked"
	}
	var extraction ErrExtraction
	if errors.As(err, &extraction) {
		return "extraction"
	}
	var transport ErrTransport
	if errors.As(err, &transport) {
		return "transport"
	}
	return "other"
}
