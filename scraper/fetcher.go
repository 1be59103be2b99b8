package scraper

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-estates/config"
	"github.com/gocolly/colly/v2"
)

// Fetcher retrieves the raw markup of one page address.
type Fetcher interface {
	GetText(pageURL string) (string, error)
}

// collyFetcher implements Fetcher with a synchronous colly collector. Page
// retries revisit the same URL, so revisits must be allowed.
type collyFetcher struct {
	collector *colly.Collector

	mu   sync.Mutex
	body []byte
	err  error
}

func newCollyFetcher(cfg *config.Config) (*collyFetcher, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	f := &collyFetcher{collector: collector}
	collector.OnResponse(func(r *colly.Response) {
		f.body = r.Body
	})
	collector.OnError(func(r *colly.Response, err error) {
		statusCode := 0
		pageURL := ""
		if r != nil {
			statusCode = r.StatusCode
			if r.Request != nil && r.Request.URL != nil {
				pageURL = r.Request.URL.String()
			}
		}
		f.err = classifyFetchError(pageURL, statusCode, err)
	})
	return f, nil
}

// GetText fetches one page and returns its body. The collector is
// synchronous, so Visit returns only after the handlers ran.
func (f *collyFetcher) GetText(pageURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.body = nil
	f.err = nil

	if err := f.collector.Visit(pageURL); err != nil {
		// The OnError hook saw the status code; its classification wins.
		if f.err != nil {
			return "", f.err
		}
		return "", classifyFetchError(pageURL, 0, err)
	}
	f.collector.Wait()

	if f.err != nil {
		return "", f.err
	}
	return string(f.body), nil
}
