// Package parser decodes the structured payload embedded in listing pages.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-estates/models"
)

// The listing payload is the text content of the element matched by
// payloadSelector, delimited by payloadPrefix and payloadEndMark. Anything
// outside that contract is a malformed page.
const (
	payloadSelector = "script#preloadedData"
	payloadPrefix   = "window.__PRELOADED_STATE__ = "
	payloadEndMark  = "window.__SITE_DATA__"
)

// ExtractListings locates the embedded state payload in raw page markup and
// returns the decoded listing records. An empty slice means the page
// legitimately has no more results.
func ExtractListings(markup string) ([]models.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}

	sel := doc.Find(payloadSelector)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("payload element %q not found", payloadSelector)
	}

	raw := strings.TrimSpace(sel.First().Text())
	if !strings.HasPrefix(raw, payloadPrefix) {
		return nil, fmt.Errorf("payload is missing the %q prefix", strings.TrimSpace(payloadPrefix))
	}
	raw = strings.TrimPrefix(raw, payloadPrefix)

	end := strings.Index(raw, payloadEndMark)
	if end < 0 {
		return nil, fmt.Errorf("payload end marker %q not found", payloadEndMark)
	}
	raw = strings.TrimSpace(raw[:end])
	raw = strings.TrimSuffix(raw, ";")

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	listStore, ok := payload["listStore"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload has no listStore object")
	}
	postings, ok := listStore["listPostings"].([]any)
	if !ok {
		return nil, fmt.Errorf("listStore has no listPostings array")
	}

	records := make([]models.Record, 0, len(postings))
	for i, posting := range postings {
		obj, ok := posting.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("listing %d is not an object", i)
		}
		records = append(records, models.Record(obj))
	}
	return records, nil
}
