// Package models defines data structures for the scraper.
package models

import (
	"strconv"
	"time"
)

// Record is one decoded listing as published in the page payload: string
// keys, values that are scalars, nested objects, or arrays. Records are
// never mutated after extraction.
type Record map[string]any

// FlatRow is the single-level projection of a Record, keyed by
// dotted/indexed paths such as "expenses.amount" or
// "priceOperationTypes[0].operationType.name".
type FlatRow map[string]any

// PostingID returns the listing identifier used for de-duplication, or ""
// when the payload carries none.
func (r Record) PostingID() string {
	switch v := r["postingId"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// CrawlResult holds the overall outcome of one crawl invocation.
type CrawlResult struct {
	Target       string
	RunRoot      string
	TotalRecords int
	PageCount    int
	TotalPages   int
	RetryCount   int
	ErrorsByType map[string]int
	StartTime    time.Time
	EndTime      time.Time
}

// Duration reports the elapsed wall time of the crawl.
func (r *CrawlResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// RecordsPerSecond reports crawl throughput, 0 when the run was instantaneous.
func (r *CrawlResult) RecordsPerSecond() float64 {
	secs := r.Duration().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(r.TotalRecords) / secs
}
